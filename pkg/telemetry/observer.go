package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/types"
)

// RunObserver reports the lifecycle of a run to logs, metrics, spans and
// the event publisher.
type RunObserver struct {
	tel    *Telemetry
	logger *Logger
	runID  string
}

// NewRunObserver creates an observer backed by t.
func NewRunObserver(t *Telemetry) *RunObserver {
	return &RunObserver{tel: t, logger: t.Logger.NewComponentLogger("runloop")}
}

type runSpanKey struct{}

// RunStarted opens the run span and records the start.
func (o *RunObserver) RunStarted(ctx context.Context, run *engine.Run) context.Context {
	o.runID = run.ID
	o.logger = o.logger.WithRunID(run.ID)

	ctx, span := o.tel.Tracer.StartRunSpan(ctx, run.ID, run.RunbookKey)
	ctx = context.WithValue(ctx, runSpanKey{}, span)
	ctx = o.logger.WithContext(ctx)

	o.tel.Metrics.RecordRunStarted()
	if err := o.tel.Events.PublishRunStarted(run.ID, run.RunbookKey); err != nil {
		o.logger.WithError(err).Debug("Run event dropped")
	}
	return ctx
}

// RunStatusChanged counts the transition.
func (o *RunObserver) RunStatusChanged(run *engine.Run, status engine.RunStatus) {
	o.tel.Metrics.RecordRunStatus(string(status))
}

// RunFinished closes the run span and records the outcome.
func (o *RunObserver) RunFinished(ctx context.Context, run *engine.Run, err error) {
	status := string(run.Status)
	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRunStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	o.tel.Metrics.RecordRunFinished(status, run.Duration)

	var pubErr error
	if err != nil {
		d := types.AsDiagnostic(err)
		o.tel.Metrics.RecordError(string(d.Class), d.Code)
		pubErr = o.tel.Events.PublishRunFailed(run.ID, status, err.Error())
	} else {
		pubErr = o.tel.Events.PublishRunCompleted(run.ID, status, run.Duration)
	}
	if pubErr != nil {
		o.logger.WithError(pubErr).Debug("Run event dropped")
	}
}

// ConstructStarted opens a construct span and returns the function closing it.
func (o *RunObserver) ConstructStarted(ctx context.Context, c *engine.ConstructInstance) (context.Context, func(error)) {
	label := c.Label()
	ctx, span := o.tel.Tracer.StartConstructSpan(ctx, c.Did, label, c.Type())
	logger := o.logger.WithConstructDid(c.Did).WithNamespace(c.Namespace)
	ctx = logger.WithContext(ctx)
	timer := NewTimer()

	_ = o.tel.Events.PublishConstructStarted(o.runID, c.Did, label)

	return ctx, func(err error) {
		duration := timer.Duration()
		if err != nil {
			RecordError(span, err)
			span.End()
			d := types.AsDiagnostic(err)
			o.tel.Metrics.RecordConstructExecution(c.Namespace, "failure", duration)
			o.tel.Metrics.RecordError(string(d.Class), d.Code)
			_ = o.tel.Events.PublishConstructFailed(o.runID, c.Did, label, err)
			logger.WithError(err).Warn("Construct execution failed")
			return
		}
		RecordSuccess(span)
		span.End()
		o.tel.Metrics.RecordConstructExecution(c.Namespace, "success", duration)
		_ = o.tel.Events.PublishConstructCompleted(o.runID, c.Did, label, duration)
	}
}

// SignerPhase records one signer protocol phase.
func (o *RunObserver) SignerPhase(phase engine.SignerPhase, s *engine.SignerInstance, err error) {
	outcome := "success"
	level := EventLevelInfo
	message := fmt.Sprintf("Signer %s: %s", s.Label(), phase)
	data := map[string]interface{}{"phase": string(phase)}
	if err != nil {
		outcome = "failure"
		level = EventLevelError
		d := types.AsDiagnostic(err)
		o.tel.Metrics.RecordError(string(d.Class), d.Code)
		message = fmt.Sprintf("%s failed: %s", message, d.Message)
		data["code"] = d.Code
	}
	o.tel.Metrics.RecordSignerPhase(string(phase), outcome)
	_ = o.tel.Events.Publish(Event{
		Type:         EventTypeSignerPhase,
		Source:       "signers",
		RunID:        o.runID,
		ConstructDid: s.Did,
		Message:      message,
		Level:        level,
		Data:         data,
	})
}

// ActionItemsEmitted records the items sent in a panel.
func (o *RunObserver) ActionItemsEmitted(panel string, count int) {
	o.tel.Metrics.RecordActionItems(panel, count)
	if count == 0 {
		return
	}
	_ = o.tel.Events.Publish(Event{
		Type:    EventTypeActionItems,
		Source:  "runloop",
		RunID:   o.runID,
		Message: fmt.Sprintf("%d action items in %s", count, panel),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"panel": panel, "count": count},
	})
}

// BackgroundPoll records one poll of a background task. Only failed polls
// are published.
func (o *RunObserver) BackgroundPoll(task *types.BackgroundTask, attempt int, err error) {
	switch {
	case err == nil:
		o.tel.Metrics.RecordBackgroundPoll("ok")
		return
	case types.IsRetryable(err):
		o.tel.Metrics.RecordBackgroundPoll("retry")
	default:
		o.tel.Metrics.RecordBackgroundPoll("error")
	}
	_ = o.tel.Events.Publish(Event{
		Type:         EventTypePollRetry,
		Source:       "watcher",
		RunID:        o.runID,
		ConstructDid: task.ConstructDid,
		Message:      fmt.Sprintf("Poll %d of %s failed: %v", attempt, task.Description, err),
		Level:        EventLevelWarning,
		Data:         map[string]interface{}{"attempt": attempt, "task_id": task.ID.String()},
	})
}
