package config

import (
	"encoding/json"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"github.com/actiongraph/actiongraph/pkg/engine"
)

// CUEParser parses *.agraph.cue action files. A file declares its actions
// under "actions", either as a list or as a struct keyed by action name:
//
//	actions: [{kind: "Build", type: "exec", name: "api"}]
//	actions: api: {kind: "Build", type: "exec"}
type CUEParser struct {
	schemas *SchemaRegistry
}

// NewCUEParser creates a new CUE parser that validates against the registry's
// action schema.
func NewCUEParser(schemas *SchemaRegistry) *CUEParser {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &CUEParser{schemas: schemas}
}

// ParseFile parses a CUE action file.
func (cp *CUEParser) ParseFile(path string) ([]engine.ActionConfig, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, []ValidationError{{
			File:    path,
			Message: fmt.Sprintf("failed to read file: %v", err),
		}}
	}
	return cp.ParseInline(string(content), path)
}

// ParseInline parses CUE content. filename is used in error locations.
func (cp *CUEParser) ParseInline(content, filename string) ([]engine.ActionConfig, []ValidationError) {
	cp.schemas.mu.Lock()
	val := cp.schemas.ctx.CompileString(content, cue.Filename(filename))
	cp.schemas.mu.Unlock()
	if err := val.Err(); err != nil {
		return nil, cp.convertCUEErrors(err, filename)
	}

	actionsVal := val.LookupPath(cue.ParsePath("actions"))
	if !actionsVal.Exists() {
		return nil, nil
	}

	var (
		actions []engine.ActionConfig
		errs    []ValidationError
	)
	add := func(path, key string, v cue.Value) {
		cfg, err := cp.decodeAction(key, v)
		if err != nil {
			verrs := cp.convertCUEErrors(err, filename)
			for i := range verrs {
				if verrs[i].Path == "" {
					verrs[i].Path = path
				}
			}
			errs = append(errs, verrs...)
			return
		}
		actions = append(actions, cfg)
	}

	switch actionsVal.IncompleteKind() {
	case cue.ListKind:
		list, err := actionsVal.List()
		if err != nil {
			return nil, cp.convertCUEErrors(err, filename)
		}
		for idx := 0; list.Next(); idx++ {
			add(fmt.Sprintf("actions[%d]", idx), "", list.Value())
		}
	case cue.StructKind:
		iter, err := actionsVal.Fields()
		if err != nil {
			return nil, cp.convertCUEErrors(err, filename)
		}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			add("actions."+key, key, iter.Value())
		}
	default:
		return nil, []ValidationError{{
			File:    filename,
			Path:    "actions",
			Message: "actions must be a list or a struct",
		}}
	}

	return actions, errs
}

// decodeAction checks one action value against the schema and decodes it.
// In the struct form the key provides the name when none is given.
func (cp *CUEParser) decodeAction(key string, val cue.Value) (engine.ActionConfig, error) {
	var cfg engine.ActionConfig

	if key != "" && !val.LookupPath(cue.ParsePath("name")).Exists() {
		val = val.FillPath(cue.ParsePath("name"), key)
	}

	schema, _ := cp.schemas.GetSchema("action")
	if err := cp.schemas.ValidateValue("action", schema, val); err != nil {
		return cfg, err
	}

	data, err := val.MarshalJSON()
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode action: %w", err)
	}
	return cfg, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error, filename string) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			File:    filename,
			Message: errors.Details(e, nil),
		}
		// Schema positions are skipped so the location points into the file
		for _, pos := range errors.Positions(e) {
			if pos.Filename() == filename {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{File: filename, Message: err.Error()})
	}
	return validationErrors
}
