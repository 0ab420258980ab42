package runloop

import (
	"context"
	"fmt"
	"time"

	"github.com/txtx/txtx/pkg/types"
)

type watchResult struct {
	task    *types.BackgroundTask
	outputs map[string]interface{}
	err     error
}

// spawnWatcher polls task on its own goroutine and delivers the outcome on
// r.results.
func (r *Runner) spawnWatcher(task *types.BackgroundTask) {
	r.inFlight++
	ctx := r.watchCtx
	r.watchers.Go(func() error {
		res := r.watch(ctx, task)
		select {
		case r.results <- res:
		case <-ctx.Done():
		}
		return nil
	})
}

// watch polls until the task reports done, fails with a non-retryable
// error, or exhausts MaxPolls. Delays grow exponentially between polls.
func (r *Runner) watch(ctx context.Context, task *types.BackgroundTask) watchResult {
	logger := r.logger.With().
		Str("construct", r.ec.Label(task.ConstructDid)).
		Str("task_id", task.ID.String()).
		Logger()

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxPolls; attempt++ {
		done, outputs, err := task.Poll(ctx)
		r.observer.BackgroundPoll(task, attempt, err)

		switch {
		case err != nil && !types.IsRetryable(err):
			d := types.AsDiagnostic(err)
			if d.Construct == "" {
				d.WithConstruct(task.ConstructDid)
			}
			logger.Error().Err(err).Int("attempt", attempt).Msg("Background task failed")
			r.progress(ctx, task, attempt, "failed", d.Message, true, d)
			return watchResult{task: task, err: d}

		case err != nil:
			lastErr = err
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Poll failed, retrying")
			r.progress(ctx, task, attempt, "retrying", err.Error(), false, nil)

		case done:
			logger.Info().Int("attempt", attempt).Msg("Background task completed")
			r.progress(ctx, task, attempt, "completed", task.Description, true, nil)
			return watchResult{task: task, outputs: outputs}

		default:
			r.progress(ctx, task, attempt, "pending", task.Description, false, nil)
		}

		if attempt == r.cfg.MaxPolls {
			break
		}
		delay := backoff(attempt, r.cfg.PollInterval, r.cfg.PollMaxInterval)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return watchResult{task: task, err: ctx.Err()}
		}
	}

	d := types.NewConstructError(fmt.Sprintf("%s: not completed after %d polls", task.Description, r.cfg.MaxPolls), lastErr).
		WithCode(types.ErrCodePollExhausted).
		WithConstruct(task.ConstructDid)
	logger.Error().Int("polls", r.cfg.MaxPolls).Msg("Background task exhausted its polls")
	r.progress(ctx, task, r.cfg.MaxPolls, "failed", d.Message, true, d)
	return watchResult{task: task, err: d}
}

func (r *Runner) progress(ctx context.Context, task *types.BackgroundTask, attempt int, status, message string, done bool, d *types.Diagnostic) {
	update := &types.ProgressBarStatusUpdate{
		BackgroundTaskID: task.ID,
		ConstructDid:     task.ConstructDid,
		Status:           status,
		Message:          message,
		Attempt:          attempt,
		Done:             done,
		Diagnostic:       d,
	}
	select {
	case r.events <- types.BlockEvent{Kind: types.EventProgressBar, Progress: update, Diagnostic: d}:
	case <-ctx.Done():
	}
}

// backoff returns base * 2^(attempt-1), capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return max
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}
