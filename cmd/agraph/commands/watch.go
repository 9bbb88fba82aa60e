package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/actiongraph/actiongraph/pkg/policy"
	"github.com/fsnotify/fsnotify"
)

// watchDebounce is how long the project must be quiet before a rerun.
const watchDebounce = 300 * time.Millisecond

// ignoredWatchDirs are never watched.
var ignoredWatchDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
}

// watch calls run once, then again whenever files under the project root
// change. Version caches are cleared and the project is reloaded before
// every rerun. It returns when ctx is done.
func (s *session) watch(ctx context.Context, run func(context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := s.addWatchDirs(watcher, s.project.Root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.project.Root, err)
	}
	if err := s.watchPolicies(ctx); err != nil {
		return err
	}

	s.runWatched(ctx, run)
	s.log.Info().Str("root", s.project.Root).Msg("Watching for changes")

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
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if s.ignoreWatchEvent(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := s.addWatchDirs(watcher, event.Name); err != nil {
						s.log.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch directory")
					}
				}
			}

			s.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Source changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(watchDebounce)
			pending = timer.C

		case <-pending:
			pending = nil
			s.versions.ClearCache()
			if err := s.reload(ctx); err != nil {
				s.log.Error().Err(err).Msg("Failed to reload project")
				continue
			}
			s.runWatched(ctx, run)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// runWatched runs once and logs the outcome. Failures do not stop watching.
func (s *session) runWatched(ctx context.Context, run func(context.Context) error) {
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Msg("Run failed")
		return
	}
	if ctx.Err() == nil {
		s.log.Info().Msg("Run completed, waiting for changes")
	}
}

// watchPolicies reloads the policy engine when the policy directory changes.
func (s *session) watchPolicies(ctx context.Context) error {
	dir := s.project.PolicyDir()
	if s.policies == nil || dir == "" {
		return nil
	}
	loader := policy.NewLoader(s.component("policy"))
	return loader.Watch(ctx, []string{dir}, func(policies []policy.Policy) error {
		return s.policies.ReplacePolicies(ctx, policies)
	})
}

// addWatchDirs adds root and every directory below it that is not ignored.
func (s *session) addWatchDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && s.ignoreWatchEvent(path) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// ignoreWatchEvent reports whether path is the log file, or inside the
// state directory or an ignored directory. Runs write to the log file and
// the state directory, so watching them would rerun forever.
func (s *session) ignoreWatchEvent(path string) bool {
	if logFile := s.tel.Config.Logging.Output; logFile != "" && path == logFile {
		return true
	}
	stateDir := s.project.StateDir()
	if path == stateDir || strings.HasPrefix(path, stateDir+string(filepath.Separator)) {
		return true
	}
	rel, err := filepath.Rel(s.project.Root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if ignoredWatchDirs[part] {
			return true
		}
	}
	return false
}
