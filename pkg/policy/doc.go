// Package policy runs Open Policy Agent (OPA) pre-flight checks over an
// indexed runbook.
//
// Policies are Rego modules exposing a deny set. Each entry is a string or
// an object with message, severity, construct and label fields. They are
// evaluated against an Input document:
//
//	{
//	  "environment": "mainnet",
//	  "namespaces": ["mock", "std"],
//	  "constructs": [
//	    {"did": "...", "kind": "signer", "name": "alice", "label": "signer.alice",
//	     "namespace": "mock", "matcher": "secret_key", "block": {...}}
//	  ]
//	}
//
// Violations of severity error or critical deny the run; the others are
// reported as warnings.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies"}); err != nil {
//	    return err
//	}
//	result, err := eng.EvaluateWorkspace(ctx, ws, registry.Namespaces())
//	if err != nil {
//	    return err
//	}
//	if err := result.Err(); err != nil {
//	    return err // POLICY_DENIED
//	}
//
// # Built-in Policies
//
//   - plaintext-secrets: signers must not carry inline key material outside
//     the development environment.
//   - registered-namespaces: actions and signers must use a registered addon
//     namespace.
//   - described-outputs: outputs should have a description (info).
//
// # Custom Policies
//
// Loader reads the manifest policy paths, relative to the manifest
// directory. A .rego file is named after its path below the listed directory
// (policies/treasury/limit.rego becomes treasury.limit), its leading comments
// are the description and a "# severity: error" comment sets the severity.
// .json files carry a full policy definition. Watch delivers a Reload after
// every burst of changes; check --watch swaps it in with ReplacePolicies.
package policy
