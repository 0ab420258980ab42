package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return NewSchemaRegistryWithContext(cuecontext.New())
}

// NewSchemaRegistryWithContext creates a registry bound to ctx. Values
// validated with ValidateValue must come from the same context.
func NewSchemaRegistryWithContext(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchemas(builtinSchemas); err != nil {
		panic(fmt.Sprintf("builtin schemas: %v", err))
	}

	return sr
}

// RegisterSchemas compiles CUE source and registers every definition it
// declares under its name without the leading '#'.
func (sr *SchemaRegistry) RegisterSchemas(source string) error {
	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schemas: %w", err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to iterate schemas: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for iter.Next() {
		sel := iter.Selector()
		if !sel.IsDefinition() {
			continue
		}
		name := sel.String()[1:]
		sr.schemas[name] = iter.Value()
	}
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	return sr.ValidateValue(ctx, schemaName, dataVal)
}

// ValidateValue validates a CUE value against a named schema.
func (sr *SchemaRegistry) ValidateValue(ctx context.Context, schemaName string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// ValidateConstruct validates a construct block against the schema of its
// kind. Kinds without a schema are accepted.
func (sr *SchemaRegistry) ValidateConstruct(ctx context.Context, kind string, block map[string]interface{}) error {
	name, ok := kindSchemas[kind]
	if !ok {
		return nil
	}
	return sr.ValidateAgainstSchema(ctx, name, block)
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var kindSchemas = map[string]string{
	KindVariable: "Variable",
	KindInput:    "Variable",
	KindSigner:   "Signer",
	KindAction:   "Action",
	KindOutput:   "Output",
	KindModule:   "Module",
	KindImport:   "Import",
}

const builtinSchemas = `
#Reference: =~"^\\$\\{[^}]+\\}$"

#Type: =~"^[a-z0-9_]+::[a-z0-9_]+$"

#Condition: {
	assertion: _
	behavior?: "halt" | "log"
}

#Variable: {
	value?:       _
	description?: string
	editable?:    bool
	sensitive?:   bool
	type?:        "string" | "integer" | "float" | "bool" | "array" | "object" | "buffer" | "any"
	...
}

#Signer: {
	type:         #Type
	description?: string
	...
}

#Action: {
	type:            #Type
	description?:    string
	pre_condition?:  #Condition
	post_condition?: #Condition
	...
}

#Output: {
	value:        _
	description?: string
}

#Module: {
	name?:        string
	description?: string
	...
}

#Import: {
	location: string
}

#Manifest: {
	org?:                 string
	project:              string
	runbooks: [...{
		name:         string
		location:     string
		description?: string
	}]
	environments?:        {[string]: {[string]: _}}
	default_environment?: string
	nonce_policy?:        "queue" | "reject" | "warn"
	policies?: [...string]
	addons_dir?: string
}
`
