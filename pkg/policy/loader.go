package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/rs/zerolog"
)

// Loader reads policies from .rego and .json files.
//
// A .rego file is one policy named after the file. Package-scoped METADATA
// annotations set its description and, under custom, its severity, tags and
// enabled flag. Without annotations the leading comment block is the
// description.
//
// A .json file holds a Policy document with the Rego inline.
type Loader struct {
	log      zerolog.Logger
	debounce time.Duration

	mu       sync.Mutex
	cache    map[string]cachedPolicy
	watching bool
}

type cachedPolicy struct {
	modTime time.Time
	size    int64
	policy  Policy
}

// NewLoader creates a loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		log:      logger.With().Str("component", "policy-loader").Logger(),
		debounce: 500 * time.Millisecond,
		cache:    make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads every policy file under paths. Directories are walked
// recursively in lexical order. Any unreadable or invalid file fails the
// whole load.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || (path != root && !isPolicyFile(path)) {
				return nil
			}
			p, err := l.loadFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			policies = append(policies, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
	}

	l.log.Debug().Int("policies", len(policies)).Strs("paths", paths).Msg("Policies loaded")
	return policies, nil
}

// loadFile returns the policy in path, from cache while the file is
// unchanged.
func (l *Loader) loadFile(path string) (Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Policy{}, err
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}

	var p Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err = parseRego(path, data)
	case ".json":
		p, err = parseJSON(data)
	default:
		err = fmt.Errorf("unsupported policy file type %q", filepath.Ext(path))
	}
	if err != nil {
		return Policy{}, err
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata["source"] = path

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), size: info.Size(), policy: p}
	l.mu.Unlock()
	return p, nil
}

func parseRego(path string, data []byte) (Policy, error) {
	module, err := ast.ParseModuleWithOpts(path, string(data), ast.ParserOptions{ProcessAnnotation: true})
	if err != nil {
		return Policy{}, err
	}

	p := Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     string(data),
		Severity: SeverityError,
		Enabled:  true,
	}

	for _, a := range module.Annotations {
		if a.Scope != "package" {
			continue
		}
		p.Description = a.Description
		if err := applyCustom(&p, a.Custom); err != nil {
			return Policy{}, err
		}
	}
	if p.Description == "" {
		p.Description = leadingComment(string(data))
	}
	return p, nil
}

// applyCustom reads severity, tags and enabled from METADATA custom fields.
func applyCustom(p *Policy, custom map[string]interface{}) error {
	if v, ok := custom["severity"]; ok {
		s, _ := v.(string)
		sev := Severity(s)
		if !sev.valid() {
			return fmt.Errorf("invalid severity %v", v)
		}
		p.Severity = sev
	}
	if v, ok := custom["enabled"]; ok {
		enabled, isBool := v.(bool)
		if !isBool {
			return fmt.Errorf("enabled must be a boolean, got %v", v)
		}
		p.Enabled = enabled
	}
	if v, ok := custom["tags"].([]interface{}); ok {
		for _, t := range v {
			if s, ok := t.(string); ok {
				p.Tags = append(p.Tags, s)
			}
		}
	}
	return nil
}

// parseJSON decodes a JSON policy. Policies are enabled unless the file
// says otherwise.
func parseJSON(data []byte) (Policy, error) {
	var doc struct {
		Policy
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Policy{}, fmt.Errorf("invalid JSON policy: %w", err)
	}

	p := doc.Policy
	p.Enabled = doc.Enabled == nil || *doc.Enabled
	switch {
	case p.Name == "":
		return Policy{}, fmt.Errorf("policy name is required")
	case p.Rego == "":
		return Policy{}, fmt.Errorf("policy %s has no rego", p.Name)
	case p.Severity == "":
		p.Severity = SeverityError
	case !p.Severity.valid():
		return Policy{}, fmt.Errorf("policy %s has invalid severity %q", p.Name, p.Severity)
	}
	return p, nil
}

// leadingComment joins the first block of # comment lines.
func leadingComment(src string) string {
	var parts []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if text, ok := strings.CutPrefix(line, "#"); ok {
			if text = strings.TrimSpace(text); text != "" {
				parts = append(parts, text)
			}
			continue
		}
		if line != "" && len(parts) > 0 {
			break
		}
	}
	return strings.Join(parts, " ")
}

// Watch calls reload with the full policy set each time files under paths
// change and stay quiet for the debounce interval. It returns once the
// watcher is running; watching stops when ctx is done. A Loader watches at
// most once.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	l.mu.Lock()
	if l.watching {
		l.mu.Unlock()
		return fmt.Errorf("policy loader is already watching")
	}
	l.watching = true
	l.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	for _, p := range paths {
		if err := addDirs(watcher, p); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
	}

	go l.watchLoop(ctx, watcher, paths, reload)
	l.log.Info().Strs("paths", paths).Msg("Watching policies")
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	defer watcher.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addDirs(watcher, ev.Name); err != nil {
						l.log.Warn().Err(err).Str("path", ev.Name).Msg("Failed to watch policy directory")
					}
					continue
				}
			}
			if !isPolicyFile(ev.Name) {
				continue
			}
			l.log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(l.debounce)
			pending = timer.C

		case <-pending:
			pending = nil
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reload(policies)
			}
			if err != nil {
				l.log.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			l.log.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.log.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cachedPolicy)
}

// addDirs watches root, or every directory under it.
func addDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path == root {
			return watcher.Add(path)
		}
		return nil
	})
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}
