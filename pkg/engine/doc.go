// Package engine holds the execution state of a runbook run.
//
// # Overview
//
// A run starts from an indexed workspace. FromWorkspace turns every
// executable construct into a CommandInstance and every signer into a
// SignerInstance, records one dependency edge per resolved reference and
// computes two orders:
//
//  1. Execution order - every command and signer after the constructs it
//     references, earliest declaration first among ready ones.
//  2. Signer initialization order - every signer after the signers whose
//     outputs reach it.
//
// Edges point from the referenced construct to the dependent one and are
// kept in two maps: references to commands and references to signers.
// Environment references and post_condition references to the construct
// itself are not edges.
//
// # Results
//
// ExecutionContext.RecordResult is append-only within a run. Recording the
// same outputs again is a no-op; recording different outputs is a
// RESULT_CONFLICT unless force mode is on. MarkFailed fails a construct and
// blocks everything downstream with a DEPENDENCY_FAILED diagnostic naming
// the root cause.
//
// # Signer Protocol
//
// SignerProtocol drives the four phases of a signer:
//
//	CheckActivability -> Activate -> CheckSignability -> Sign
//
// Signer states live in SigningCommandsState and are passed by ownership:
// each phase pops the state, the specification returns it, the protocol
// pushes it back. A state can be held by one phase at a time.
//
// # Snapshot
//
// Snapshot exports the constructs that have a result, with their evaluated
// inputs and their outputs, as a JSON document with the fields org,
// project, name, ended_at, packages, signing_commands and commands.
package engine
