package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/actiongraph/actiongraph/pkg/config"
	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/actiongraph/actiongraph/pkg/plugins"
	"github.com/actiongraph/actiongraph/pkg/plugins/builtin"
	"github.com/actiongraph/actiongraph/pkg/policy"
	"github.com/actiongraph/actiongraph/pkg/stores"
	"github.com/actiongraph/actiongraph/pkg/telemetry"
	"github.com/actiongraph/actiongraph/pkg/vcs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// historyFile is the run history database inside the state directory.
const historyFile = "history.db"

// sessionOptions selects the parts of the stack a command needs.
type sessionOptions struct {
	// plugins constructs the plugin registry. Without it actions resolve
	// without validation or static outputs.
	plugins bool

	// history opens the run history store and records events.
	history bool

	// policy evaluates the policy gate after resolution.
	policy bool
}

// session is the loaded project with everything needed to resolve and
// process it.
type session struct {
	cmd      *cobra.Command
	command  string
	opts     sessionOptions
	loader   *config.Loader
	project  *config.Project
	tel      *telemetry.Telemetry
	log      zerolog.Logger
	versions *vcs.VersionCalculator
	registry *plugins.Registry
	policies *policy.Engine
	store    *stores.SQLiteStore
	recorder *stores.Recorder
	locks    *engine.KeyedMutex
}

// openSession loads the project and builds the components selected by opts.
// The caller must call close.
func openSession(cmd *cobra.Command, opts sessionOptions) (s *session, err error) {
	ctx := cmd.Context()

	root := projectDir
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		if root, err = config.FindProjectRoot(cwd); err != nil {
			return nil, err
		}
	}

	loader := config.NewLoader(config.WithLoaderLogger(log.Logger.With().Str("component", "config").Logger()))
	project, err := loader.Load(ctx, root)
	if err != nil {
		return nil, err
	}

	s = &session{
		cmd:     cmd,
		command: cmd.Name(),
		opts:    opts,
		loader:  loader,
		project: project,
		locks:   engine.NewKeyedMutex(),
	}
	defer func() {
		if err != nil {
			s.close(context.Background())
		}
	}()

	if err := s.initTelemetry(); err != nil {
		return nil, err
	}
	s.versions = vcs.NewVersionCalculator(s.component("vcs"))

	if opts.plugins {
		if err := s.initPlugins(ctx); err != nil {
			return nil, err
		}
	}
	if opts.policy && project.Config.Policy.Enabled {
		if err := s.initPolicy(ctx); err != nil {
			return nil, err
		}
	}
	if opts.history {
		if err := s.initHistory(ctx); err != nil {
			return nil, err
		}
	}

	s.log.Debug().
		Str("project", project.Config.Name).
		Str("root", project.Root).
		Int("actions", len(project.Actions)).
		Msg("Session opened")

	return s, nil
}

// telemetryConfig merges CLI flags over the project telemetry settings.
func (s *session) telemetryConfig() *telemetry.Config {
	pc := s.project.Config.Telemetry
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildInfo.version
	cfg.ResourceAttributes["project"] = s.project.Config.Name

	cfg.Logging.Level = firstNonEmpty(logLevel, pc.LogLevel, cfg.Logging.Level)
	cfg.Logging.Format = firstNonEmpty(logFormat, pc.LogFormat, cfg.Logging.Format)
	cfg.Logging.Output = pc.LogOutput
	if out := pc.LogOutput; out != "" && out != "stdout" && out != "stderr" && !filepath.IsAbs(out) {
		cfg.Logging.Output = filepath.Join(s.project.Root, out)
	}

	if exporter := pc.TracingExporter; exporter != "" && exporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = exporter
		cfg.Tracing.Endpoint = pc.TracingEndpoint
		cfg.Tracing.Writer = s.cmd.ErrOrStderr()
	}
	if pc.MetricsAddress != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = pc.MetricsAddress
	}
	return cfg
}

func (s *session) initTelemetry() error {
	cfg := s.telemetryConfig()
	tel, err := telemetry.NewTelemetry(cfg, s.cmd.ErrOrStderr())
	if err != nil {
		return engine.NewConfigurationError("invalid telemetry settings", err)
	}
	s.tel = tel

	zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.Logging.Level))
	log.Logger = tel.Logger.Zerolog()
	s.log = tel.Logger.Zerolog()

	return tel.StartMetricsServer()
}

func (s *session) initPlugins(ctx context.Context) error {
	enabled := make([]plugins.Enabled, 0, len(s.project.Config.Plugins))
	for _, pc := range s.project.Config.Plugins {
		enabled = append(enabled, plugins.Enabled{Name: pc.Name, Config: pc.Config})
	}

	registry, err := plugins.NewRegistry(ctx, builtin.Entries(), enabled, plugins.Options{
		ProjectRoot: s.project.Root,
		StateDir:    s.project.StateDir(),
		Log:         s.component("plugins"),
	})
	if err != nil {
		return err
	}
	s.registry = registry
	return nil
}

func (s *session) initPolicy(ctx context.Context) error {
	pc := s.project.Config.Policy
	opts := []policy.Option{policy.WithMode(policy.Mode(pc.Mode))}
	if len(pc.Builtins) > 0 {
		builtins, err := policy.BuiltinPolicies(pc.Builtins)
		if err != nil {
			return engine.NewConfigurationError("invalid policy settings", err)
		}
		opts = append(opts, policy.WithBuiltins(builtins))
	}

	eng, err := policy.NewEngine(s.component("policy"), opts...)
	if err != nil {
		return engine.NewInternalError("failed to create policy engine", err)
	}
	if dir := s.project.PolicyDir(); dir != "" {
		if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
			return engine.NewConfigurationError(fmt.Sprintf("failed to load policies from %s", dir), err)
		}
	}
	s.policies = eng
	return nil
}

func (s *session) initHistory(ctx context.Context) error {
	store, err := openStore(ctx, s.project.StateDir())
	if err != nil {
		return err
	}
	s.store = store
	s.recorder = stores.NewRecorder(store, s.log)
	s.tel.Events.Subscribe(s.recorder.Emit, nil)
	return nil
}

// openStore opens and migrates the history database in stateDir.
func openStore(ctx context.Context, stateDir string) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(stateDir, historyFile)})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate run history: %w", err)
	}
	return store, nil
}

// handlers returns the plugin registry, or nil when plugins are not loaded.
func (s *session) handlers() engine.HandlerLookup {
	if s.registry == nil {
		return nil
	}
	return s.registry
}

func (s *session) component(name string) zerolog.Logger {
	return s.log.With().Str("component", name).Logger()
}

// reload reads the project again. Plugins, policies and history are kept.
func (s *session) reload(ctx context.Context) error {
	project, err := s.loader.Load(ctx, s.project.Root)
	if err != nil {
		return err
	}
	s.project = project
	return nil
}

// resolve builds and resolves the action graph. Resolution failures are
// returned joined; the partially resolved graph is returned with them.
func (s *session) resolve(ctx context.Context) (*engine.ResolvedConfigGraph, error) {
	graph, err := engine.NewConfigGraph(s.project.Actions, engine.WithGraphVariables(s.project.Variables))
	if err != nil {
		return nil, err
	}

	ctx, span := s.tel.Tracer.StartResolveSpan(ctx, graph.Len())
	defer span.End()
	timer := telemetry.NewTimer()

	resolver := engine.NewActionResolver(graph, s.versions, s.handlers(),
		engine.WithProjectVariables(s.project.Variables),
		engine.WithVarfileLoader(s.loader.LoadVarfile),
		engine.WithResolverLogger(s.component("resolver")),
	)
	resolved, err := resolver.Resolve(ctx)
	s.tel.Metrics.RecordResolve(timer.Duration())
	if err != nil {
		telemetry.RecordError(span, err)
		return resolved, err
	}
	telemetry.RecordSuccess(span)
	return resolved, nil
}

// checkPolicies runs the policy gate over actions. Warnings are logged.
func (s *session) checkPolicies(ctx context.Context, actions []*engine.ResolvedAction) (*policy.Result, error) {
	if s.policies == nil {
		return nil, nil
	}
	result, err := s.policies.Check(ctx, actions, policy.Context{
		Project: s.project.Config.Name,
		Command: s.command,
	})
	if result != nil {
		for _, w := range result.Warnings {
			s.log.Warn().
				Str("policy", w.Policy).
				Str("action", w.Action).
				Msg(w.Message)
		}
	}
	return result, err
}

// scheduler creates a scheduler over a resolved graph that reports to the
// session's telemetry and history.
func (s *session) scheduler(resolved *engine.ResolvedConfigGraph) *engine.TaskGraphScheduler {
	return engine.NewTaskGraphScheduler(resolved, s.handlers(),
		engine.WithEventSink(s.tel.Events),
		engine.WithTaskObserver(s.tel.Observer()),
		engine.WithSchedulerLogger(s.component("scheduler")),
		engine.WithLocks(s.locks),
	)
}

// process runs tasks and records the run in history.
func (s *session) process(ctx context.Context, resolved *engine.ResolvedConfigGraph, tasks []*engine.Task, opts engine.ProcessOptions) (*engine.GraphResults, error) {
	if opts.SessionID == "" {
		opts.SessionID = uuid.New().String()
	}

	roots := make([]string, len(tasks))
	for i, t := range tasks {
		roots[i] = t.Key()
	}

	if s.recorder != nil && !opts.StatusOnly {
		if err := s.recorder.StartRun(ctx, opts.SessionID, s.command, roots); err != nil {
			s.log.Warn().Err(err).Msg("Failed to record run start")
		}
	}

	results, err := s.scheduler(resolved).Process(ctx, tasks, opts)

	if s.recorder != nil && !opts.StatusOnly {
		// Deliver buffered events before the run summary is written.
		s.flushEvents()
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ferr := s.recorder.FinishRun(finishCtx, opts.SessionID, results, err); ferr != nil {
			s.log.Warn().Err(ferr).Msg("Failed to record run result")
		}
	}
	return results, err
}

// flushEvents waits until buffered events reach the history recorder.
func (s *session) flushEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if dropped := s.tel.Events.Dropped(); dropped > 0 {
		s.log.Warn().Int64("dropped", dropped).Msg("Events were dropped")
	}
	if err := s.tel.Events.Flush(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to flush events")
	}
}

// close releases every component. Errors are logged.
func (s *session) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var errs []error
	if s.registry != nil {
		errs = append(errs, s.registry.Close(ctx))
	}
	if s.tel != nil {
		errs = append(errs, s.tel.Shutdown(ctx))
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close session")
	}
}

// tasksFor selects the tasks of kind named by names, or every enabled action
// of kind when names is empty.
func tasksFor(resolved *engine.ResolvedConfigGraph, kind engine.ActionKind, names []string, force bool) ([]*engine.Task, error) {
	var tasks []*engine.Task
	if len(names) == 0 {
		for _, ra := range resolved.GetActions() {
			if ra.Kind() == kind && !ra.IsDisabled() {
				tasks = append(tasks, engine.NewTask(ra, force))
			}
		}
		return tasks, nil
	}

	seen := make(map[string]bool, len(names))
	var missing []string
	for _, name := range names {
		ra, err := resolved.GetByKindAndName(kind, name)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		if seen[ra.Key()] {
			continue
		}
		seen[ra.Key()] = true
		if ra.IsDisabled() {
			return nil, engine.NewConfigurationError(fmt.Sprintf("%s is disabled", ra.Key()), nil).
				WithAction(ra.Key())
		}
		tasks = append(tasks, engine.NewTask(ra, force))
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, engine.NewNotFoundError(
			fmt.Sprintf("no %s action named %s", kind.Lower(), strings.Join(missing, ", ")), nil)
	}
	return tasks, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
