package policy

import (
	"fmt"
	"sort"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		actionNamingPolicy(),
		requireTimeoutPolicy(),
		noLatestImagePolicy(),
	}
}

// BuiltinPolicies returns the named built-in policies.
func BuiltinPolicies(names []string) ([]Policy, error) {
	all := make(map[string]Policy)
	for _, p := range GetBuiltinPolicies() {
		all[p.Name] = p
	}

	out := make([]Policy, 0, len(names))
	for _, name := range names {
		p, ok := all[name]
		if !ok {
			known := make([]string, 0, len(all))
			for k := range all {
				known = append(known, k)
			}
			sort.Strings(known)
			return nil, fmt.Errorf("unknown built-in policy %q (known: %v)", name, known)
		}
		out = append(out, p)
	}
	return out, nil
}

// actionNamingPolicy warns about names that do not work as host or
// container names.
func actionNamingPolicy() Policy {
	return Policy{
		Name:        "action-naming",
		Description: "Action names should be lowercase letters, numbers and hyphens",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package agraph.policies.naming

import rego.v1

warn contains violation if {
	name := input.action.name
	not regex.match("^[a-z0-9]([a-z0-9-]*[a-z0-9])?$", name)
	violation := {
		"message": sprintf("action name '%s' should contain only lowercase letters, numbers and inner hyphens", [name]),
		"name": name,
	}
}
`,
	}
}

// requireTimeoutPolicy blocks deploys and runs that rely on the default
// timeout.
func requireTimeoutPolicy() Policy {
	return Policy{
		Name:        "require-timeout",
		Description: "Deploy and run actions must declare a timeout",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"reliability"},
		Rego: `package agraph.policies.timeout

import rego.v1

guarded_kinds := {"deploy", "run"}

deny contains violation if {
	input.action.kind in guarded_kinds
	not input.action.disabled
	not input.action.timeoutDeclared
	violation := {
		"message": sprintf("%s must declare a timeout", [input.action.key]),
		"kind": input.action.kind,
	}
}

warn contains violation if {
	input.action.timeoutDeclared
	input.action.timeoutSeconds > 86400
	violation := sprintf("%s has a timeout longer than a day", [input.action.key])
}
`,
	}
}

// noLatestImagePolicy blocks container images without a pinned tag.
func noLatestImagePolicy() Policy {
	return Policy{
		Name:        "no-latest-image",
		Description: "Container images in action specs must be pinned to a tag or digest",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"reproducibility", "containers"},
		Rego: `package agraph.policies.images

import rego.v1

images contains image if {
	image := input.action.spec.image
	is_string(image)
}

images contains image if {
	some image in input.action.spec.images
	is_string(image)
}

unpinned(image) if endswith(image, ":latest")

unpinned(image) if {
	not contains(image, "@")
	parts := split(image, "/")
	not contains(parts[count(parts) - 1], ":")
}

deny contains violation if {
	some image in images
	unpinned(image)
	violation := {
		"message": sprintf("%s uses unpinned image '%s'", [input.action.key, image]),
		"image": image,
	}
}
`,
	}
}
