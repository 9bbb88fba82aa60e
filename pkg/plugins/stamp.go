package plugins

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/actiongraph/actiongraph/pkg/engine"
)

// VersionStamps records the last version processed for each action, for
// plugins whose backend cannot report its own state. Runs and tests are
// never stamped.
type VersionStamps struct {
	dir string
}

// NewVersionStamps keeps stamps under stateDir/plugin. An empty stateDir
// disables stamping.
func NewVersionStamps(stateDir, plugin string) *VersionStamps {
	if stateDir == "" {
		return &VersionStamps{}
	}
	return &VersionStamps{dir: filepath.Join(stateDir, plugin)}
}

// Current reports whether the action's version was the last one recorded.
func (s *VersionStamps) Current(action *engine.ResolvedAction) bool {
	if !s.applies(action) {
		return false
	}
	b, err := os.ReadFile(s.path(action))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(b)) == action.VersionString()
}

// Record stores the action's version.
func (s *VersionStamps) Record(action *engine.ResolvedAction) error {
	if !s.applies(action) {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path(action), []byte(action.VersionString()+"\n"), 0o644)
}

func (s *VersionStamps) applies(action *engine.ResolvedAction) bool {
	if s.dir == "" {
		return false
	}
	k := action.Kind()
	return k == engine.KindBuild || k == engine.KindDeploy
}

func (s *VersionStamps) path(action *engine.ResolvedAction) string {
	return filepath.Join(s.dir, action.Key()+".version")
}
