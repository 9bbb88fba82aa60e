package vcs

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sort"
)

// versionPrefix is prepended to every version string.
const versionPrefix = "v-"

// versionLength is the number of hex characters kept in a version string.
const versionLength = 10

// TreeVersion fingerprints a filtered source tree.
type TreeVersion struct {
	// ContentHash is the hex sha256 over the sorted file entries.
	ContentHash string `json:"contentHash"`

	// Files are the included paths relative to the tree root, sorted.
	Files []string `json:"files"`
}

// ModuleVersion fingerprints an action including its dependencies.
type ModuleVersion struct {
	// VersionString is the cache key, e.g. "v-3f2a9c01de".
	VersionString string `json:"versionString"`

	// DependencyVersions maps dependency keys to their version strings.
	DependencyVersions map[string]string `json:"dependencyVersions"`

	// Files are the files included in the tree version.
	Files []string `json:"files"`
}

// ComputeVersion combines a tree version, the dependency versions and a
// configuration fragment into a module version. Dependency keys are sorted
// before hashing, so declaration order never affects the result. The config
// fragment is hashed as JSON, whose map keys are always sorted.
func ComputeVersion(tree TreeVersion, dependencyVersions map[string]string, configFragment interface{}) (ModuleVersion, error) {
	config, err := json.Marshal(configFragment)
	if err != nil {
		return ModuleVersion{}, fmt.Errorf("failed to encode config fragment: %w", err)
	}

	keys := make([]string, 0, len(dependencyVersions))
	for k := range dependencyVersions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	writeField(h, []byte(tree.ContentHash))
	writeCount(h, len(keys))
	deps := make(map[string]string, len(keys))
	for _, k := range keys {
		writeField(h, []byte(k))
		writeField(h, []byte(dependencyVersions[k]))
		deps[k] = dependencyVersions[k]
	}
	writeField(h, config)

	return ModuleVersion{
		VersionString:      formatVersion(h.Sum(nil)),
		DependencyVersions: deps,
		Files:              append([]string(nil), tree.Files...),
	}, nil
}

// writeField writes a length-prefixed field so that adjacent fields cannot
// be confused with one another.
func writeField(h hash.Hash, data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	h.Write(length[:])
	h.Write(data)
}

func writeCount(h hash.Hash, n int) {
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(n))
	h.Write(count[:])
}

func formatVersion(sum []byte) string {
	return versionPrefix + hex.EncodeToString(sum)[:versionLength]
}
