package policy

import (
	"time"
)

// Builtin policy names.
const (
	PolicyPlaintextSecrets     = "plaintext-secrets"
	PolicyRegisteredNamespaces = "registered-namespaces"
	PolicyDescribedOutputs     = "described-outputs"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		plaintextSecretsPolicy(),
		registeredNamespacesPolicy(),
		describedOutputsPolicy(),
	}
}

// plaintextSecretsPolicy rejects key material written inline in a runbook
// outside the development environment.
func plaintextSecretsPolicy() Policy {
	return Policy{
		Name:        PolicyPlaintextSecrets,
		Description: "Signers must not carry plaintext key material outside the development environment",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security", "signers"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package txtx.policies.secrets

import rego.v1

secret_fields := {"secret_key", "private_key", "mnemonic"}

deny contains violation if {
	input.environment != "development"
	some c in input.constructs
	c.kind == "signer"
	some field in secret_fields
	value := c.block[field]
	is_string(value)
	not startswith(value, "${")
	violation := {
		"message": sprintf("signer %s has a plaintext %s in environment %q; use an input or env reference", [c.name, field, input.environment]),
		"severity": "error",
		"construct": c.did,
		"label": c.label,
	}
}
`,
	}
}

// registeredNamespacesPolicy rejects constructs whose addon namespace is
// not registered.
func registeredNamespacesPolicy() Policy {
	return Policy{
		Name:        PolicyRegisteredNamespaces,
		Description: "Actions and signers must use a registered addon namespace",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"addons"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package txtx.policies.namespaces

import rego.v1

namespaced_kinds := {"action", "signer"}

deny contains violation if {
	some c in input.constructs
	namespaced_kinds[c.kind]
	not registered(c.namespace)
	violation := {
		"message": sprintf("%s uses unregistered namespace %q", [c.label, c.namespace]),
		"severity": "error",
		"construct": c.did,
		"label": c.label,
	}
}

registered(ns) if {
	some n in input.namespaces
	n == ns
}
`,
	}
}

// describedOutputsPolicy warns about outputs without a description.
func describedOutputsPolicy() Policy {
	return Policy{
		Name:        PolicyDescribedOutputs,
		Description: "Outputs should carry a description for the outputs review",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package txtx.policies.outputs

import rego.v1

deny contains violation if {
	some c in input.constructs
	c.kind == "output"
	not c.block.description
	violation := {
		"message": sprintf("output %s has no description", [c.name]),
		"severity": "info",
		"construct": c.did,
		"label": c.label,
	}
}
`,
	}
}
