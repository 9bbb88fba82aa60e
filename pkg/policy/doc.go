// Package policy gates runs with Open Policy Agent.
//
// Every resolved action is evaluated against the enabled Rego policies
// before tasks are scheduled. A policy module may define a deny set and a
// warn set; each element is either a message string or an object with a
// "message" key and optional "severity". Other object keys are kept as
// violation details.
//
// The input document looks like:
//
//	{
//	  "action": {"key": "deploy.web", "kind": "deploy", "name": "web", "type": "exec",
//	             "spec": {...}, "timeoutSeconds": 600, "timeoutDeclared": false, ...},
//	  "context": {"project": "shop", "command": "deploy", "timestamp": "..."}
//	}
//
// In enforcing mode, denies of error or critical severity fail the run with
// a configuration error. In advisory mode every deny is reported as a
// warning.
//
// # Built-in Policies
//
//   - action-naming: warns on names that are not lowercase DNS labels
//   - require-timeout: denies deploy and run actions without a declared timeout
//   - no-latest-image: denies unpinned container images in spec.image or spec.images
//
// Custom policies are loaded from .rego files, where the file name is the
// policy name and leading comments are the description, or from .json
// files holding a Policy. Loader.Watch reloads them when files change.
package policy
