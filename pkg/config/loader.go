package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// skippedDirs are never searched for action files.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the loader logger.
func WithLoaderLogger(log zerolog.Logger) LoaderOption {
	return func(l *Loader) {
		l.log = log
	}
}

// WithStarlarkTimeout bounds the evaluation of each starlark varfile.
func WithStarlarkTimeout(timeout time.Duration) LoaderOption {
	return func(l *Loader) {
		l.starlark = NewStarlarkEvaluator(timeout)
	}
}

// Loader reads a project: agraph.yaml, action files and varfiles.
type Loader struct {
	schemas  *SchemaRegistry
	cue      *CUEParser
	starlark *StarlarkEvaluator
	validate *validator.Validate
	log      zerolog.Logger
}

// NewLoader creates a new project loader.
func NewLoader(opts ...LoaderOption) *Loader {
	schemas := NewSchemaRegistry()
	l := &Loader{
		schemas:  schemas,
		cue:      NewCUEParser(schemas),
		starlark: NewStarlarkEvaluator(DefaultStarlarkTimeout),
		validate: validator.New(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FindProjectRoot walks up from dir to the first directory holding agraph.yaml.
func FindProjectRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for current := abs; ; {
		if _, err := os.Stat(filepath.Join(current, ProjectFile)); err == nil {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", engine.NewConfigurationError(
				fmt.Sprintf("no %s found in %s or any parent directory", ProjectFile, abs), nil)
		}
		current = parent
	}
}

// Load reads the project rooted at root.
func (l *Loader) Load(ctx context.Context, root string) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	cfg, err := l.LoadProjectConfig(filepath.Join(abs, ProjectFile))
	if err != nil {
		return nil, err
	}

	project := &Project{
		Root:      abs,
		Config:    *cfg,
		Variables: make(map[string]interface{}),
	}
	for k, v := range cfg.Variables {
		project.Variables[k] = v
	}
	for _, vf := range cfg.Varfiles {
		vars, err := l.LoadVarfile(filepath.Join(abs, vf))
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("failed to load project varfile %s", vf), err)
		}
		for k, v := range vars {
			project.Variables[k] = v
		}
	}

	actions, files, err := l.LoadActions(ctx, abs, project.StateDir())
	if err != nil {
		return nil, err
	}
	project.Actions = actions
	project.Files = files

	if cfg.Defaults.Timeout > 0 {
		for i := range project.Actions {
			if project.Actions[i].Timeout == 0 {
				project.Actions[i].Timeout = cfg.Defaults.Timeout
			}
		}
	}

	l.log.Debug().
		Str("project", cfg.Name).
		Int("actions", len(actions)).
		Int("files", len(files)).
		Msg("Loaded project")

	return project, nil
}

// LoadProjectConfig reads and validates agraph.yaml.
func (l *Loader) LoadProjectConfig(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to read %s", path), err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to parse %s", path), err).
			WithDetail("configFile", path)
	}
	if err := l.schemas.Validate("project", raw); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid project config %s", path), err).
			WithDetail("configFile", path)
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to decode %s", path), err).
			WithDetail("configFile", path)
	}
	if err := l.validate.Struct(cfg); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid project config %s", path), err).
			WithDetail("configFile", path)
	}
	return &cfg, nil
}

// IsActionFile reports whether a file name declares actions.
func IsActionFile(name string) bool {
	return strings.HasSuffix(name, ".agraph.yaml") ||
		strings.HasSuffix(name, ".agraph.yml") ||
		strings.HasSuffix(name, ".agraph.cue")
}

// LoadActions finds and parses every action file under root. Directories in
// skip are not searched. Every invalid declaration is reported.
func (l *Loader) LoadActions(ctx context.Context, root string, skip ...string) ([]engine.ActionConfig, []string, error) {
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[filepath.Clean(s)] = true
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (skippedDirs[d.Name()] || skipped[path]) {
				return filepath.SkipDir
			}
			return nil
		}
		if IsActionFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, engine.NewConfigurationError(fmt.Sprintf("failed to scan %s", root), err)
	}

	var (
		actions []engine.ActionConfig
		errs    []ValidationError
	)
	for _, file := range files {
		parsed, verrs := l.ParseActionFile(file)
		errs = append(errs, verrs...)
		for _, cfg := range parsed {
			cfg.Internal = engine.ActionInternal{
				BasePath:   filepath.Dir(file),
				ConfigFile: file,
			}
			if err := l.validate.Struct(cfg); err != nil {
				errs = append(errs, ValidationError{
					File:    file,
					Path:    cfg.Reference().String(),
					Message: err.Error(),
				})
				continue
			}
			actions = append(actions, cfg)
		}
	}

	if len(errs) > 0 {
		messages := make([]string, len(errs))
		for i, e := range errs {
			messages[i] = e.String()
		}
		return nil, files, engine.NewConfigurationError(
			fmt.Sprintf("found %d invalid action declaration(s):\n%s", len(errs), strings.Join(messages, "\n")), nil).
			WithDetail("errors", messages)
	}

	return actions, files, nil
}

// ParseActionFile parses one YAML or CUE action file.
func (l *Loader) ParseActionFile(path string) ([]engine.ActionConfig, []ValidationError) {
	if strings.HasSuffix(path, ".cue") {
		return l.cue.ParseFile(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []ValidationError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}
	return l.parseYAMLActions(path, data)
}

// parseYAMLActions decodes a multi-document YAML file, one action per document.
func (l *Loader) parseYAMLActions(path string, data []byte) ([]engine.ActionConfig, []ValidationError) {
	var (
		actions []engine.ActionConfig
		errs    []ValidationError
	)

	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The decoder cannot resume after a syntax error
			errs = append(errs, ValidationError{File: path, Message: err.Error()})
			break
		}
		if len(node.Content) == 0 || node.Content[0].Tag == "!!null" {
			continue
		}

		doc := node.Content[0]
		var raw map[string]interface{}
		if err := node.Decode(&raw); err != nil {
			errs = append(errs, ValidationError{File: path, Line: doc.Line, Column: doc.Column, Message: err.Error()})
			continue
		}
		if err := l.schemas.Validate("action", raw); err != nil {
			errs = append(errs, ValidationError{File: path, Line: doc.Line, Column: doc.Column, Message: err.Error()})
			continue
		}

		var cfg engine.ActionConfig
		if err := node.Decode(&cfg); err != nil {
			errs = append(errs, ValidationError{File: path, Line: doc.Line, Column: doc.Column, Message: err.Error()})
			continue
		}
		actions = append(actions, cfg)
	}

	return actions, errs
}

// LoadVarfile loads variables from a .yaml, .yml, .json or .star file. It
// matches engine.VarfileLoader.
func (l *Loader) LoadVarfile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml", ".json":
		// JSON is a subset of YAML
		var vars map[string]interface{}
		if err := yaml.Unmarshal(data, &vars); err != nil {
			return nil, fmt.Errorf("failed to parse varfile %s: %w", path, err)
		}
		if vars == nil {
			vars = make(map[string]interface{})
		}
		return vars, nil
	case ".star":
		result, err := l.starlark.Evaluate(context.Background(), path, string(data), nil)
		if err != nil {
			return nil, err
		}
		return result.Output, nil
	default:
		return nil, fmt.Errorf("unsupported varfile type %q", ext)
	}
}
