package telemetry_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).Info("Telemetry ready")

	// Output varies, no output specified
}

// Example_runObserver prints the events a run produces.
func Example_runObserver() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false
	cfg.Logging.Output = "stdout"
	cfg.Logging.Level = "error"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type)
	}, nil)

	obs := telemetry.NewRunObserver(tel)
	run := &engine.Run{ID: "run-1", RunbookKey: "transfer@devnet", StartedAt: time.Now()}
	ctx := obs.RunStarted(context.Background(), run)

	_, done := obs.ConstructStarted(ctx, &engine.ConstructInstance{Did: "c0ffee", Kind: "action", Name: "transfer", Namespace: "mock"})
	done(nil)

	run.Finish(engine.RunStatusCompleted, nil)
	obs.RunFinished(ctx, run, nil)

	// Output:
	// run.started
	// construct.started
	// construct.completed
	// run.completed
}

// Example_eventFilters subscribes to failures only.
func Example_eventFilters() {
	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})
	if err != nil {
		panic(err)
	}
	defer ep.Shutdown(context.Background())

	ep.Subscribe(func(e telemetry.Event) {
		fmt.Fprintln(os.Stdout, e.Message)
	}, telemetry.FilterByLevel(telemetry.EventLevelError))

	_ = ep.PublishRunStarted("run-1", "transfer@devnet")
	_ = ep.PublishRunFailed("run-1", "fatal", "dependency cycle")

	// Output: Run run-1 fatal: dependency cycle
}
