// Package telemetry provides the observability layer of txtx runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an event publisher whose events can be
// persisted to the run store.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.ListenAddress = ":9464"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Events.Subscribe(telemetry.StoreSubscriber(store, tel.Logger), nil)
//	runner := runloop.New(ws, registry, runloop.WithObserver(telemetry.NewRunObserver(tel)))
//
// # Spans
//
// A run opens a "run.execute" span. Each construct execution opens a child
// "construct.execute" span carrying the construct did, label and
// specification. Failed spans carry the diagnostic class and code.
//
// # Metrics
//
// Metrics are registered on a private registry under the configured
// namespace (default "txtx"):
//
//	txtx_runs_started_total
//	txtx_runs_finished_total{status}
//	txtx_run_duration_seconds{status}
//	txtx_run_status_transitions_total{status}
//	txtx_active_runs
//	txtx_constructs_executed_total{namespace,outcome}
//	txtx_construct_duration_seconds{namespace}
//	txtx_signer_phases_total{phase,outcome}
//	txtx_action_items_emitted_total{panel}
//	txtx_background_polls_total{outcome}
//	txtx_errors_by_class_total{class}
//	txtx_errors_by_code_total{code}
//
// # Events
//
// In async mode events are queued and delivered in publication order by a
// single goroutine. Shutdown delivers what is still queued. Publish never
// blocks: a full buffer drops the event and returns an error.
package telemetry
