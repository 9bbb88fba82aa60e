package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/actiongraph/actiongraph/pkg/plugins"
)

// Name is the plugin and action type name.
const Name = "exec"

// defaultMaxLogBytes caps the captured command output.
const defaultMaxLogBytes = 64 * 1024

// Config is the plugin configuration.
type Config struct {
	// Env is added to the environment of every command.
	Env map[string]string `yaml:"env"`

	// MaxLogBytes caps captured output per command.
	MaxLogBytes int `yaml:"maxLogBytes" validate:"gte=0"`
}

// Spec is the spec of an exec action.
type Spec struct {
	// Command is run by process. A string runs through sh -c.
	Command plugins.Args `yaml:"command" validate:"required,min=1"`

	// Dir is the working directory, relative to the action source path.
	Dir string `yaml:"dir"`

	Env map[string]string `yaml:"env"`

	// StatusCommand reports ready when it exits with code zero.
	StatusCommand plugins.Args `yaml:"statusCommand"`

	// OutputFile reports ready when it exists and is newer than every
	// source file of the action.
	OutputFile string `yaml:"outputFile"`

	// Lock serializes actions that share a resource key.
	Lock string `yaml:"lock"`
}

// Plugin runs local commands.
type Plugin struct {
	cfg    Config
	stamps *plugins.VersionStamps
}

// New creates the exec plugin.
func New(_ context.Context, opts plugins.Options) (*Plugin, error) {
	var cfg Config
	if err := plugins.DecodeConfig(Name, opts.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.MaxLogBytes == 0 {
		cfg.MaxLogBytes = defaultMaxLogBytes
	}
	return &Plugin{cfg: cfg, stamps: plugins.NewVersionStamps(opts.StateDir, Name)}, nil
}

// Handlers implements plugins.Plugin. Every kind is supported.
func (p *Plugin) Handlers(kind engine.ActionKind) *engine.ActionHandlers {
	return &engine.ActionHandlers{
		GetStatus:     p.getStatus,
		Execute:       p.execute,
		Validate:      p.validate,
		GetOutputs:    p.getOutputs,
		Interruptible: true,
	}
}

// Close implements plugins.Plugin.
func (p *Plugin) Close(context.Context) error { return nil }

func (p *Plugin) validate(_ context.Context, action *engine.ResolvedAction) error {
	var spec Spec
	if err := plugins.DecodeSpec(action, &spec); err != nil {
		return err
	}
	if filepath.IsAbs(spec.OutputFile) {
		return engine.NewConfigurationError(
			fmt.Sprintf("%s: outputFile must be relative to the source path", action.Key()), nil).
			WithAction(action.Key())
	}
	return nil
}

func (p *Plugin) getOutputs(_ context.Context, action *engine.ResolvedAction) (map[string]interface{}, error) {
	var spec Spec
	if err := plugins.DecodeSpec(action, &spec); err != nil {
		return nil, err
	}
	outputs := map[string]interface{}{
		"sourcePath": action.SourcePath(),
	}
	if spec.OutputFile != "" {
		outputs["outputFile"] = filepath.Join(action.SourcePath(), spec.OutputFile)
	}
	return outputs, nil
}

func (p *Plugin) getStatus(ctx context.Context, params *engine.HandlerParams) (*engine.ActionStatus, error) {
	action := params.Action
	var spec Spec
	if err := plugins.DecodeSpec(action, &spec); err != nil {
		return nil, err
	}

	switch {
	case len(spec.StatusCommand) > 0:
		res, err := p.run(ctx, action, spec, spec.StatusCommand)
		if err != nil {
			return nil, err
		}
		state := engine.StateReady
		if res.exitCode != 0 {
			state = engine.StateNotReady
		}
		return &engine.ActionStatus{
			State:  state,
			Detail: map[string]interface{}{"exitCode": res.exitCode, "log": res.output},
		}, nil

	case spec.OutputFile != "":
		fresh, err := outputIsFresh(action, spec.OutputFile)
		if err != nil {
			return nil, err
		}
		if fresh {
			return &engine.ActionStatus{State: engine.StateReady, Detail: map[string]interface{}{"fresh": true}}, nil
		}
		return &engine.ActionStatus{State: engine.StateNotReady}, nil

	case action.Kind() == engine.KindBuild || action.Kind() == engine.KindDeploy:
		if p.stamps.Current(action) {
			return &engine.ActionStatus{State: engine.StateReady}, nil
		}
		return &engine.ActionStatus{State: engine.StateNotReady}, nil

	default:
		// Runs and tests repeat unless a status check says otherwise.
		return &engine.ActionStatus{State: engine.StateNotReady}, nil
	}
}

func (p *Plugin) execute(ctx context.Context, params *engine.HandlerParams) (*engine.ActionStatus, error) {
	action := params.Action
	var spec Spec
	if err := plugins.DecodeSpec(action, &spec); err != nil {
		return nil, err
	}

	if spec.Lock != "" && params.Locks != nil {
		unlock, err := params.Locks.Lock(ctx, spec.Lock)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	params.Log.Debug().Strs("command", spec.Command).Msg("Running command")
	res, err := p.run(ctx, action, spec, spec.Command)
	if err != nil {
		return nil, err
	}

	detail := map[string]interface{}{"exitCode": res.exitCode, "log": res.output}
	if res.exitCode != 0 {
		detail["message"] = fmt.Sprintf("command exited with code %d", res.exitCode)
		return &engine.ActionStatus{State: engine.StateFailed, Detail: detail}, nil
	}

	if err := p.stamps.Record(action); err != nil {
		params.Log.Warn().Err(err).Msg("Failed to write version stamp")
	}

	return &engine.ActionStatus{
		State:  engine.StateReady,
		Detail: detail,
		Outputs: map[string]interface{}{
			"exitCode": res.exitCode,
			"stdout":   strings.TrimSpace(res.stdout),
		},
	}, nil
}

type runResult struct {
	exitCode int
	stdout   string
	output   string
}

// run executes args. A non-zero exit is reported in the result; only
// failures to start the command are errors.
func (p *Plugin) run(ctx context.Context, action *engine.ResolvedAction, spec Spec, args []string) (*runResult, error) {
	cmd := osexec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = action.SourcePath()
	if spec.Dir != "" {
		cmd.Dir = filepath.Join(cmd.Dir, spec.Dir)
	}
	cmd.Env = p.environ(action, spec)

	stdout := plugins.NewLimitedBuffer(p.cfg.MaxLogBytes)
	combined := plugins.NewLimitedBuffer(p.cfg.MaxLogBytes)
	cmd.Stdout = io.MultiWriter(stdout, combined)
	cmd.Stderr = combined

	err := cmd.Run()
	res := &runResult{stdout: stdout.String(), output: combined.String()}

	var exitErr *osexec.ExitError
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.As(err, &exitErr):
		res.exitCode = exitErr.ExitCode()
		return res, nil
	default:
		return nil, engine.NewRuntimeError(fmt.Sprintf("failed to run %s", args[0]), err).
			WithAction(action.Key())
	}
}

func (p *Plugin) environ(action *engine.ResolvedAction, spec Spec) []string {
	env := os.Environ()
	for k, v := range p.cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"AGRAPH_ACTION_KEY="+action.Key(),
		"AGRAPH_ACTION_NAME="+action.Name(),
		"AGRAPH_ACTION_KIND="+string(action.Kind()),
		"AGRAPH_ACTION_VERSION="+action.VersionString(),
	)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// outputIsFresh reports whether the output file exists and is at least as
// new as every file of the action's source tree.
func outputIsFresh(action *engine.ResolvedAction, outputFile string) (bool, error) {
	root := action.SourcePath()
	out, err := os.Stat(filepath.Join(root, outputFile))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat output file: %w", err)
	}

	outRel := filepath.ToSlash(filepath.Clean(outputFile))
	for _, rel := range action.Version().Files {
		if rel == outRel {
			continue
		}
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to stat %s: %w", rel, err)
		}
		if info.ModTime().After(out.ModTime()) {
			return false, nil
		}
	}
	return true, nil
}
