package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/actiongraph/actiongraph/pkg/plugins"
	"github.com/rs/zerolog"
)

// Name is the plugin and action type name.
const Name = "ssh"

const defaultMaxLogBytes = 64 * 1024

// Spec is the spec of an ssh action.
type Spec struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User string `yaml:"user"`

	// Command runs through the remote user's shell.
	Command string `yaml:"command" validate:"required"`

	Env map[string]string `yaml:"env"`

	// StatusCommand reports ready when it exits with code zero.
	StatusCommand string `yaml:"statusCommand"`

	// Uploads are copied to the host before Command runs.
	Uploads []Upload `yaml:"uploads" validate:"dive"`
}

// Upload copies a file or directory from the action source path to the host.
type Upload struct {
	Source      string `yaml:"source" validate:"required"`
	Destination string `yaml:"destination" validate:"required"`

	// Mode overrides the local file mode, e.g. 0o755.
	Mode uint32 `yaml:"mode"`
}

// Plugin runs commands on remote hosts. Connections are kept per host and
// user for the life of the plugin.
type Plugin struct {
	cfg    Config
	stamps *plugins.VersionStamps
	log    zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// New creates the ssh plugin.
func New(_ context.Context, opts plugins.Options) (*Plugin, error) {
	var cfg Config
	if err := plugins.DecodeConfig(Name, opts.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.MaxLogBytes == 0 {
		cfg.MaxLogBytes = defaultMaxLogBytes
	}
	return &Plugin{
		cfg:     cfg,
		stamps:  plugins.NewVersionStamps(opts.StateDir, Name),
		log:     opts.Log,
		clients: make(map[string]*Client),
	}, nil
}

// Handlers implements plugins.Plugin. Every kind is supported.
func (p *Plugin) Handlers(engine.ActionKind) *engine.ActionHandlers {
	return &engine.ActionHandlers{
		GetStatus:     p.getStatus,
		Execute:       p.execute,
		Validate:      p.validate,
		GetOutputs:    p.getOutputs,
		Interruptible: true,
	}
}

// Close disconnects from every host.
func (p *Plugin) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection to %s: %w", key, err))
		}
	}
	p.clients = make(map[string]*Client)
	return errors.Join(errs...)
}

func (p *Plugin) validate(_ context.Context, action *engine.ResolvedAction) error {
	var spec Spec
	if err := plugins.DecodeSpec(action, &spec); err != nil {
		return err
	}
	for _, u := range spec.Uploads {
		if !path.IsAbs(u.Destination) {
			return engine.NewConfigurationError(
				fmt.Sprintf("%s: upload destination %q must be an absolute path", action.Key(), u.Destination), nil).
				WithAction(action.Key())
		}
	}
	if err := p.cfg.hostConfig(&spec).Validate(); err != nil {
		return engine.NewConfigurationError(fmt.Sprintf("%s: invalid connection settings", action.Key()), err).
			WithAction(action.Key())
	}
	return nil
}

func (p *Plugin) getOutputs(_ context.Context, action *engine.ResolvedAction) (map[string]interface{}, error) {
	var spec Spec
	if err := plugins.DecodeSpec(action, &spec); err != nil {
		return nil, err
	}
	hc := p.cfg.hostConfig(&spec)
	return map[string]interface{}{
		"host":    hc.Host,
		"address": hc.Address(),
		"user":    hc.User,
	}, nil
}

func (p *Plugin) getStatus(ctx context.Context, params *engine.HandlerParams) (*engine.ActionStatus, error) {
	action := params.Action
	var spec Spec
	if err := plugins.DecodeSpec(action, &spec); err != nil {
		return nil, err
	}

	if spec.StatusCommand == "" {
		if p.stamps.Current(action) {
			return &engine.ActionStatus{State: engine.StateReady}, nil
		}
		return &engine.ActionStatus{State: engine.StateNotReady}, nil
	}

	client, err := p.client(ctx, action, &spec)
	if err != nil {
		return nil, err
	}
	res, err := p.run(ctx, client, action, &spec, spec.StatusCommand)
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
}

func (p *Plugin) execute(ctx context.Context, params *engine.HandlerParams) (*engine.ActionStatus, error) {
	action := params.Action
	var spec Spec
	if err := plugins.DecodeSpec(action, &spec); err != nil {
		return nil, err
	}

	client, err := p.client(ctx, action, &spec)
	if err != nil {
		return nil, err
	}

	// Executions against one host are serialized; status checks are not.
	if params.Locks != nil {
		unlock, err := params.Locks.Lock(ctx, "ssh:"+client.config.Address())
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	var uploaded int64
	for _, u := range spec.Uploads {
		local := u.Source
		if !filepath.IsAbs(local) {
			local = filepath.Join(action.SourcePath(), local)
		}
		n, err := client.Upload(ctx, local, u.Destination, os.FileMode(u.Mode))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, engine.NewRuntimeError(fmt.Sprintf("failed to upload %s", u.Source), err).
				WithAction(action.Key())
		}
		uploaded += n
	}

	params.Log.Debug().Str("command", spec.Command).Str("host", client.config.Address()).Msg("Running remote command")
	res, err := p.run(ctx, client, action, &spec, spec.Command)
	if err != nil {
		return nil, err
	}

	detail := map[string]interface{}{"exitCode": res.exitCode, "log": res.output, "uploadedBytes": uploaded}
	if res.exitCode != 0 {
		detail["message"] = fmt.Sprintf("remote command exited with code %d", res.exitCode)
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

// client returns a connected client for the action's host, reusing an
// existing connection.
func (p *Plugin) client(ctx context.Context, action *engine.ResolvedAction, spec *Spec) (*Client, error) {
	hc := p.cfg.hostConfig(spec)
	key := hc.User + "@" + hc.Address()

	p.mu.Lock()
	c, ok := p.clients[key]
	if !ok {
		var err error
		c, err = NewClient(hc, p.log)
		if err != nil {
			p.mu.Unlock()
			return nil, engine.NewConfigurationError(fmt.Sprintf("%s: invalid connection settings", action.Key()), err).
				WithAction(action.Key())
		}
		p.clients[key] = c
	}
	p.mu.Unlock()

	if err := c.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewRuntimeError(fmt.Sprintf("failed to connect to %s", key), err).
			WithAction(action.Key())
	}
	return c, nil
}

type runResult struct {
	exitCode int
	stdout   string
	output   string
}

func (p *Plugin) run(ctx context.Context, client *Client, action *engine.ResolvedAction, spec *Spec, command string) (*runResult, error) {
	stdout := plugins.NewLimitedBuffer(p.cfg.MaxLogBytes)
	combined := plugins.NewLimitedBuffer(p.cfg.MaxLogBytes)

	code, err := client.Run(ctx, withEnv(action, spec.Env, command), io.MultiWriter(stdout, combined), combined)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewRuntimeError("remote command failed", err).WithAction(action.Key())
	}
	return &runResult{exitCode: code, stdout: stdout.String(), output: combined.String()}, nil
}

// withEnv prefixes command with exports of the action identity and env.
// Servers commonly reject the SSH "env" request, so variables are set in
// the shell instead.
func withEnv(action *engine.ResolvedAction, env map[string]string, command string) string {
	vars := map[string]string{
		"AGRAPH_ACTION_KEY":     action.Key(),
		"AGRAPH_ACTION_NAME":    action.Name(),
		"AGRAPH_ACTION_KIND":    string(action.Kind()),
		"AGRAPH_ACTION_VERSION": action.VersionString(),
	}
	for k, v := range env {
		vars[k] = v
	}
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, k := range names {
		fmt.Fprintf(&b, "export %s=%s; ", k, shellQuote(vars[k]))
	}
	b.WriteString(command)
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
