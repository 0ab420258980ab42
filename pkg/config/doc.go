// Package config loads runbook sources, workspace manifests and runtime
// settings for txtx.
//
// # Overview
//
// Runbooks and the workspace manifest are written in CUE. The Loader turns
// each runbook location into a RunbookSource: an ordered list of raw
// construct blocks with their file positions. References between constructs
// stay as "${...}" strings; resolving them is the job of the workspace
// package.
//
// # Runbook Structure
//
// Top-level fields name the construct kind, their children name the
// constructs:
//
//	variable: recipient: {
//	    value:       "mx5b2f..."
//	    description: "Who receives the funds"
//	}
//
//	signer: alice: {
//	    type: "mock::web_wallet"
//	}
//
//	action: transfer: {
//	    type:      "mock::send_transaction"
//	    signer:    "${signer.alice}"
//	    recipient: "${variable.recipient}"
//	    amount:    100
//	}
//
//	output: tx: {
//	    value: "${action.transfer.tx_hash}"
//	}
//
// Other kinds are input (an alias of variable), module, imports and addons.
// Declaration order is kept: it breaks ties in the execution order.
//
// # Manifest
//
// The workspace manifest (txtx.cue) lists runbooks and environments:
//
//	manifest: {
//	    org:     "acme"
//	    project: "treasury"
//	    runbooks: [{name: "transfer", location: "runbooks/transfer"}]
//	    environments: {
//	        development: {confirmations: 1}
//	        production:  {confirmations: 6}
//	    }
//	}
//
// # Schema Validation
//
// SchemaRegistry validates every construct block against the definition of
// its kind (#Variable, #Signer, #Action, #Output, #Module, #Import) and the
// manifest against #Manifest. Errors carry file, line and path.
//
// # Runtime Settings
//
// LoadRuntimeConfig reads process settings (state path, nonce policy,
// polling bounds, tracing) from TXTX_* environment variables.
package config
