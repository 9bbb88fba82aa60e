// Package config loads actiongraph projects.
//
// A project is a directory holding agraph.yaml. Actions are declared in
// files named *.agraph.yaml (multi-document YAML, one action per document)
// or *.agraph.cue (a CUE "actions" list or struct) anywhere below the root.
//
//	# agraph.yaml
//	name: shop
//	variables:
//	  env: dev
//	varfiles: [vars/common.yaml]
//	plugins:
//	  - name: exec
//	defaults:
//	  concurrency: 4
//	  timeout: 10m
//
//	# api/api.agraph.yaml
//	kind: Build
//	type: exec
//	name: api
//	spec:
//	  command: [go, build, -o, bin/api, ./cmd/api]
//	---
//	kind: Deploy
//	type: exec
//	name: api
//	dependencies: [build.api]
//	spec:
//	  command: [./deploy.sh, "${actions.build.api.version}"]
//
// Every document is checked against a CUE definition before it is decoded,
// which rejects unknown fields and wrong types with a file location. The
// decoded structs are then checked with validator tags.
//
// Varfiles may be YAML, JSON or Starlark. A Starlark varfile exports its
// public globals as variables and may read the environment with getenv:
//
//	env = getenv("DEPLOY_ENV", "dev")
//	replicas = 3 if env == "prod" else 1
//
// Loader.LoadVarfile matches engine.VarfileLoader, so the loader serves
// varfiles declared on actions as well.
package config
