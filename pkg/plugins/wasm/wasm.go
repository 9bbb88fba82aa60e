package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/actiongraph/actiongraph/pkg/plugins"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Name is the plugin and action type name.
const Name = "wasm"

// Config is the plugin configuration.
type Config struct {
	// MemoryLimitPages caps guest memory in 64KiB pages. Default is 256 (16MiB).
	MemoryLimitPages uint32 `yaml:"memoryLimitPages" validate:"lte=65536"`

	// MaxLogBytes caps captured output per call.
	MaxLogBytes int `yaml:"maxLogBytes" validate:"gte=0"`

	// DisableCache turns off the on-disk compilation cache.
	DisableCache bool `yaml:"disableCache"`
}

// Spec is the spec of a wasm action.
type Spec struct {
	// Module is the path of the WASI module, relative to the action source path.
	Module string `yaml:"module" validate:"required"`

	Args []string          `yaml:"args"`
	Env  map[string]string `yaml:"env"`

	// StatusArgs runs the module for status. Exit code zero means ready.
	StatusArgs []string `yaml:"statusArgs"`

	// MountSource exposes the action source path to the guest as "/".
	MountSource bool `yaml:"mountSource"`
}

// Plugin runs WASI modules in an embedded wazero runtime.
type Plugin struct {
	runtime     wazero.Runtime
	cache       wazero.CompilationCache
	maxLogBytes int
	stamps      *plugins.VersionStamps
	log         zerolog.Logger

	mu       sync.Mutex
	compiled map[string]*compiledModule
}

type compiledModule struct {
	modTime time.Time
	size    int64
	module  wazero.CompiledModule
}

// New creates the wasm plugin and its runtime.
func New(ctx context.Context, opts plugins.Options) (*Plugin, error) {
	var cfg Config
	if err := plugins.DecodeConfig(Name, opts.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	if cfg.MaxLogBytes == 0 {
		cfg.MaxLogBytes = 64 * 1024
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)

	var cache wazero.CompilationCache
	if !cfg.DisableCache && opts.StateDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(filepath.Join(opts.StateDir, "wasm-cache"))
		if err != nil {
			opts.Log.Warn().Err(err).Msg("Compilation cache unavailable")
		} else {
			cache = c
			runtimeConfig = runtimeConfig.WithCompilationCache(cache)
		}
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	return &Plugin{
		runtime:     runtime,
		cache:       cache,
		maxLogBytes: cfg.MaxLogBytes,
		stamps:      plugins.NewVersionStamps(opts.StateDir, Name),
		log:         opts.Log,
		compiled:    make(map[string]*compiledModule),
	}, nil
}

// Handlers implements plugins.Plugin. Every kind is supported.
func (p *Plugin) Handlers(engine.ActionKind) *engine.ActionHandlers {
	return &engine.ActionHandlers{
		GetStatus:     p.getStatus,
		Execute:       p.execute,
		Validate:      p.validate,
		Interruptible: true,
	}
}

// Close releases the runtime and compiled modules.
func (p *Plugin) Close(ctx context.Context) error {
	p.mu.Lock()
	p.compiled = make(map[string]*compiledModule)
	p.mu.Unlock()

	var errs []error
	if err := p.runtime.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close WASM runtime: %w", err))
	}
	if p.cache != nil {
		if err := p.cache.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close compilation cache: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *Plugin) validate(ctx context.Context, action *engine.ResolvedAction) error {
	var spec Spec
	if err := plugins.DecodeSpec(action, &spec); err != nil {
		return err
	}
	// A module produced by a dependency may not exist yet.
	path := modulePath(action, spec)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if _, err := p.compile(ctx, path); err != nil {
		return engine.NewConfigurationError(fmt.Sprintf("invalid module for %s", action.Key()), err).
			WithAction(action.Key())
	}
	return nil
}

func (p *Plugin) getStatus(ctx context.Context, params *engine.HandlerParams) (*engine.ActionStatus, error) {
	action := params.Action
	var spec Spec
	if err := plugins.DecodeSpec(action, &spec); err != nil {
		return nil, err
	}

	if len(spec.StatusArgs) > 0 {
		res, err := p.run(ctx, action, spec, spec.StatusArgs)
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

	if p.stamps.Current(action) {
		return &engine.ActionStatus{State: engine.StateReady}, nil
	}
	return &engine.ActionStatus{State: engine.StateNotReady}, nil
}

func (p *Plugin) execute(ctx context.Context, params *engine.HandlerParams) (*engine.ActionStatus, error) {
	action := params.Action
	var spec Spec
	if err := plugins.DecodeSpec(action, &spec); err != nil {
		return nil, err
	}

	params.Log.Debug().Str("module", spec.Module).Strs("args", spec.Args).Msg("Running module")
	res, err := p.run(ctx, action, spec, spec.Args)
	if err != nil {
		return nil, err
	}

	detail := map[string]interface{}{"exitCode": res.exitCode, "log": res.output}
	if res.exitCode != 0 {
		detail["message"] = fmt.Sprintf("module exited with code %d", res.exitCode)
		return &engine.ActionStatus{State: engine.StateFailed, Detail: detail}, nil
	}

	if err := p.stamps.Record(action); err != nil {
		params.Log.Warn().Err(err).Msg("Failed to write version stamp")
	}

	return &engine.ActionStatus{
		State:   engine.StateReady,
		Detail:  detail,
		Outputs: map[string]interface{}{"stdout": strings.TrimSpace(res.stdout)},
	}, nil
}

type runResult struct {
	exitCode uint32
	stdout   string
	output   string
}

func (p *Plugin) run(ctx context.Context, action *engine.ResolvedAction, spec Spec, args []string) (*runResult, error) {
	path := modulePath(action, spec)
	compiled, err := p.compile(ctx, path)
	if err != nil {
		return nil, engine.NewRuntimeError(fmt.Sprintf("failed to compile %s", spec.Module), err).
			WithAction(action.Key())
	}

	var stdout, combined bytes.Buffer
	outW := &capWriter{w: &stdout, tee: &combined, max: p.maxLogBytes}
	errW := &capWriter{w: &combined, max: p.maxLogBytes}

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{filepath.Base(path)}, args...)...).
		WithStdout(outW).
		WithStderr(errW).
		WithSysWalltime().
		WithSysNanotime()
	cfg = cfg.WithEnv("AGRAPH_ACTION_KEY", action.Key()).
		WithEnv("AGRAPH_ACTION_VERSION", action.VersionString())
	for k, v := range spec.Env {
		cfg = cfg.WithEnv(k, v)
	}
	if spec.MountSource {
		cfg = cfg.WithFSConfig(wazero.NewFSConfig().WithDirMount(action.SourcePath(), "/"))
	}

	mod, err := p.runtime.InstantiateModule(ctx, compiled, cfg)
	if mod != nil {
		_ = mod.Close(ctx)
	}

	res := &runResult{stdout: stdout.String(), output: combined.String()}
	var exitErr *sys.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res.exitCode = exitErr.ExitCode()
		return res, nil
	default:
		return nil, engine.NewRuntimeError(fmt.Sprintf("module %s trapped", spec.Module), err).
			WithAction(action.Key())
	}
}

// compile returns the compiled module at path, recompiling when the file
// changed.
func (p *Plugin) compile(ctx context.Context, path string) (wazero.CompiledModule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.compiled[path]; ok && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
		return c.module, nil
	}

	code, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	module, err := p.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, err
	}
	if old, ok := p.compiled[path]; ok {
		_ = old.module.Close(ctx)
	}
	p.compiled[path] = &compiledModule{modTime: info.ModTime(), size: info.Size(), module: module}
	p.log.Debug().Str("module", path).Msg("Compiled module")
	return module, nil
}

func modulePath(action *engine.ResolvedAction, spec Spec) string {
	if filepath.IsAbs(spec.Module) {
		return spec.Module
	}
	return filepath.Join(action.SourcePath(), spec.Module)
}

// capWriter writes to w, and to tee when set, up to max bytes each.
// wazero calls guest writers from the calling goroutine only.
type capWriter struct {
	w   *bytes.Buffer
	tee *bytes.Buffer
	max int
}

func (c *capWriter) Write(p []byte) (int, error) {
	limitWrite(c.w, p, c.max)
	if c.tee != nil {
		limitWrite(c.tee, p, c.max)
	}
	return len(p), nil
}

func limitWrite(b *bytes.Buffer, p []byte, max int) {
	if room := max - b.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.Write(p)
	}
}
