// Package vcs computes content fingerprints for actions.
//
// A TreeVersion hashes the filtered file listing of an action's source tree.
// A ModuleVersion combines a TreeVersion with the versions of the action's
// dependencies and the configuration fields that affect its output. Equal
// inputs always produce equal versions, which makes the version string usable
// as a cache key.
package vcs
