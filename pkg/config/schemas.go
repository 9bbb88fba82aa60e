package config

import (
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
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants and must compile
	if err := sr.RegisterSchema("action", "#Action", builtinActionSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("project", "#Project", builtinProjectSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles a CUE source and registers the definition found at
// path under name.
func (sr *SchemaRegistry) RegisterSchema(name, path, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, path)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate checks a decoded document against a named schema.
func (sr *SchemaRegistry) Validate(schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	dataVal := sr.ctx.Encode(data)
	sr.mu.Unlock()
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	return sr.ValidateValue(schemaName, schema, dataVal)
}

// ValidateValue unifies a CUE value with a schema and requires a concrete result.
func (sr *SchemaRegistry) ValidateValue(schemaName string, schema, val cue.Value) error {
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s does not match schema: %w", schemaName, err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
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

// Built-in schema definitions

const builtinActionSchema = `
#Action: {
	kind: "Build" | "Deploy" | "Run" | "Test"

	// Type selects the plugin handler
	type: string & =~"^[a-z0-9][a-z0-9._-]*$"

	name: string & =~"^[A-Za-z0-9][A-Za-z0-9_-]*$"

	description?: string
	source?:      string

	// Dependencies are "kind.name" references, possibly templated
	dependencies?: [...string]

	disabled?: bool | string
	include?: [...string]
	exclude?: [...string]

	// Timeout is seconds or a duration string such as "90s"
	timeout?: int | string

	variables?: {[string]: _}
	varfiles?: [...string]
	spec?: {...}
}
`

const builtinProjectSchema = `
#Project: {
	name: string & =~"^[A-Za-z0-9][A-Za-z0-9_-]*$"

	variables?: {[string]: _}
	varfiles?: [...string]

	plugins?: [...{
		name:    string
		config?: {...}
	}]

	defaults?: {
		concurrency?: int & >=0
		timeout?:     int | string
	}

	policy?: {
		enabled?: bool
		dir?:     string
		builtins?: [...string]
		mode?: "advisory" | "enforcing"
	}

	stateDir?: string

	telemetry?: {
		logLevel?:        "trace" | "debug" | "info" | "warn" | "error"
		logFormat?:       "json" | "console"
		logOutput?:       string
		metricsAddress?:  string
		tracingExporter?: "otlp" | "stdout" | "none"
		tracingEndpoint?: string
	}
}
`
