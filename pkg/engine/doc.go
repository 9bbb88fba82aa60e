// Package engine provides the action graph engine for actiongraph.
//
// # Overview
//
// A project declares actions of four kinds (Build, Deploy, Run and Test).
// Each action names a plugin type that implements it, the actions it
// depends on and a spec payload that may reference variables and the
// outputs of other actions through ${...} templates. The engine runs in
// three phases:
//
//  1. Graph - ConfigGraph indexes the declarations, links explicit and
//     inferred dependencies and rejects cycles.
//  2. Resolve - ActionResolver resolves variables and templates, validates
//     each action with its plugin and computes its content version.
//  3. Process - TaskGraphScheduler expands the requested tasks with their
//     dependencies and runs them with bounded concurrency.
//
// # Dependencies
//
// An explicit dependency means the dependant needs the executed outputs of
// the dependency, so the dependency is processed first. A template reference
// such as ${actions.build.api.version} only needs static outputs, which are
// known after resolution, and does not order processing.
//
// # Versions
//
// An action's version is a hash over its source tree, its resolved config
// and the versions of its dependencies. Handlers report whether the action
// is ready at that version; a ready action is not processed again unless
// forced.
//
// # Task state machine
//
// Every task moves through pending, getting-status and then either cached
// (the status was current) or processing. It settles as ready, not-ready,
// failed or aborted. A task is aborted without calling its handler when a
// dependency fails, unless the run proceeds on dependency failure.
//
// # Handlers
//
// Plugins supply an ActionHandlers table per (kind, type) pair through a
// HandlerLookup:
//
//	type HandlerLookup interface {
//	    Handlers(kind ActionKind, actionType string) (*ActionHandlers, error)
//	}
//
// GetStatus and Execute are called by the scheduler. Validate and GetOutputs
// are called during resolution.
//
// # Errors
//
// Every error surfaced by the engine is an *EngineError carrying one of the
// ErrorType values (configuration, validation, plugin, template-string,
// timeout, runtime, not-found, graph, internal). Internal errors include a
// stack trace.
//
// # Events
//
// The scheduler emits an ActionEvent to its EventSink on every task state
// transition, except in status-only runs.
package engine
