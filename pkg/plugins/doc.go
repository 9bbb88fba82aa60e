// Package plugins implements the plugin contract and the static plugin
// registry.
//
// A plugin provides the handler table of one action type. The registry is
// built once per process from a fixed list of entries (see package builtin)
// and the plugins enabled in the project configuration, and is read-only
// afterwards. It implements engine.HandlerLookup, which is all the resolver
// and scheduler see.
//
// Plugin configuration and action specs arrive as generic maps. Decode turns
// them into typed structs with yaml tags and checks validate tags, so every
// plugin reports malformed input the same way: as a configuration error
// naming the plugin or action.
//
// Built-in plugins:
//
//   - exec runs local processes
//   - ssh runs commands and uploads files on remote hosts
//   - wasm runs WASI modules in an embedded runtime
package plugins
