// Package runloop drives a runbook to completion against a supervisor.
//
// A Runner owns one ExecutionContext and one SignerProtocol. It walks the
// execution order in passes. Each pass evaluates what is ready, collects the
// action items the specifications need, and either executes constructs or
// suspends until the supervisor answers.
//
// # Message flow
//
// The runner talks to its supervisor over two channels:
//
//	events    (runner -> supervisor)  types.BlockEvent
//	responses (supervisor -> runner)  types.ActionItemResponse
//
// The first pass emits the "Runbook Checklist" panel: the environment
// picker, the items every signer needs before activation, and a validation
// item. Later passes emit "Inputs Review" and "Transaction Signing" panels
// as commands ask for them. Answers to items are applied as they arrive;
// the validation item of the latest block starts the next pass.
//
// Commands that return a background task are watched on their own
// goroutines. Watchers report progress events and deliver their outcome to
// the runner, which records it at the next validation or as soon as nothing
// is waiting on the supervisor.
//
// # Persistence
//
// A StateStore keeps results and signer states keyed by runbook and
// environment. A new run restores them first, so constructs that already
// executed are not executed again unless the run is forced.
//
// # Supervisors
//
// Execute connects a Runner to a Supervisor. Unattended answers every item
// it can without a human and fails on the rest; TerminalSupervisor prompts
// on a reader and writer pair.
package runloop
