package vcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
)

// alwaysExcluded directories are never part of a tree version.
var alwaysExcluded = []string{".git", ".agraph"}

// VersionCalculator computes tree versions with a per-process cache.
type VersionCalculator struct {
	log zerolog.Logger

	mu    sync.Mutex
	cache map[string]TreeVersion
}

// NewVersionCalculator creates a calculator with an empty cache.
func NewVersionCalculator(log zerolog.Logger) *VersionCalculator {
	return &VersionCalculator{
		log:   log.With().Str("component", "vcs").Logger(),
		cache: make(map[string]TreeVersion),
	}
}

// ClearCache drops every cached tree version.
func (c *VersionCalculator) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]TreeVersion)
}

// ComputeVersion is a convenience wrapper around the package function.
func (c *VersionCalculator) ComputeVersion(tree TreeVersion, dependencyVersions map[string]string, configFragment interface{}) (ModuleVersion, error) {
	return ComputeVersion(tree, dependencyVersions, configFragment)
}

// ComputeTreeVersion hashes the files under path selected by include and
// exclude. A nil include selects every file. An empty path yields the empty
// tree version.
func (c *VersionCalculator) ComputeTreeVersion(ctx context.Context, path string, include, exclude []string) (TreeVersion, error) {
	cacheKey := treeCacheKey(path, include, exclude)
	c.mu.Lock()
	if tv, ok := c.cache[cacheKey]; ok {
		c.mu.Unlock()
		return tv, nil
	}
	c.mu.Unlock()

	tv, err := computeTreeVersion(ctx, path, include, exclude)
	if err != nil {
		return TreeVersion{}, err
	}

	c.log.Debug().
		Str("path", path).
		Int("files", len(tv.Files)).
		Str("hash", tv.ContentHash).
		Msg("Computed tree version")

	c.mu.Lock()
	c.cache[cacheKey] = tv
	c.mu.Unlock()
	return tv, nil
}

func treeCacheKey(path string, include, exclude []string) string {
	inc := "*"
	if include != nil {
		inc = strings.Join(include, "\x00")
	}
	return path + "\x01" + inc + "\x01" + strings.Join(exclude, "\x00")
}

// fileEntry is one hashed file of a tree.
type fileEntry struct {
	path string
	hash string
	mode fs.FileMode
}

func computeTreeVersion(ctx context.Context, root string, include, exclude []string) (TreeVersion, error) {
	if root == "" {
		return hashEntries(nil), nil
	}

	includeMatcher, err := newMatcher(include)
	if err != nil {
		return TreeVersion{}, fmt.Errorf("invalid include pattern: %w", err)
	}
	excludeMatcher, err := newMatcher(exclude)
	if err != nil {
		return TreeVersion{}, fmt.Errorf("invalid exclude pattern: %w", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return TreeVersion{}, fmt.Errorf("failed to stat source path %s: %w", root, err)
	}
	if !info.IsDir() {
		return TreeVersion{}, fmt.Errorf("source path %s is not a directory", root)
	}

	entries := make([]fileEntry, 0)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if isAlwaysExcluded(d.Name()) || excludeMatcher.matchDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if excludeMatcher.match(rel) {
			return nil
		}
		if include != nil && !includeMatcher.match(rel) {
			return nil
		}

		entry, err := hashFile(p, rel, d)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return TreeVersion{}, fmt.Errorf("failed to walk source tree %s: %w", root, err)
	}

	return hashEntries(entries), nil
}

func hashEntries(entries []fileEntry) TreeVersion {
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	h := sha256.New()
	writeCount(h, len(entries))
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		writeField(h, []byte(e.path))
		writeField(h, []byte(e.hash))
		writeField(h, []byte(e.mode.String()))
		files = append(files, e.path)
	}
	return TreeVersion{
		ContentHash: hex.EncodeToString(h.Sum(nil)),
		Files:       files,
	}
}

func hashFile(path, rel string, d fs.DirEntry) (fileEntry, error) {
	info, err := d.Info()
	if err != nil {
		return fileEntry{}, err
	}

	h := sha256.New()
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return fileEntry{}, err
		}
		h.Write([]byte(target))
	} else if info.Mode().IsRegular() {
		f, err := os.Open(path)
		if err != nil {
			return fileEntry{}, err
		}
		_, err = io.Copy(h, f)
		closeErr := f.Close()
		if err = errors.Join(err, closeErr); err != nil {
			return fileEntry{}, err
		}
	}

	return fileEntry{
		path: rel,
		hash: hex.EncodeToString(h.Sum(nil)),
		mode: info.Mode().Type() | info.Mode().Perm(),
	}, nil
}

func isAlwaysExcluded(name string) bool {
	for _, ex := range alwaysExcluded {
		if name == ex {
			return true
		}
	}
	return false
}

// matcher matches slash-separated relative paths against glob patterns.
type matcher struct {
	globs []glob.Glob
}

func newMatcher(patterns []string) (*matcher, error) {
	m := &matcher{}
	for _, p := range patterns {
		p = strings.TrimPrefix(filepath.ToSlash(p), "./")
		variants := []string{p}
		// "**/x" should also match "x" at the root.
		if rest, ok := strings.CutPrefix(p, "**/"); ok {
			variants = append(variants, rest)
		}
		for _, v := range variants {
			g, err := glob.Compile(v, '/')
			if err != nil {
				return nil, fmt.Errorf("%q: %w", p, err)
			}
			m.globs = append(m.globs, g)
		}
	}
	return m, nil
}

func (m *matcher) match(rel string) bool {
	for _, g := range m.globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// matchDir reports whether a directory is excluded as a whole, either by
// naming it directly or by a pattern covering everything below it.
func (m *matcher) matchDir(rel string) bool {
	return m.match(rel) || m.match(rel+"/") || m.match(rel+"/**")
}
