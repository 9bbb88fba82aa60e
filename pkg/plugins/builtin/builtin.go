// Package builtin lists the plugins compiled into agraph.
package builtin

import (
	"context"

	"github.com/actiongraph/actiongraph/pkg/plugins"
	"github.com/actiongraph/actiongraph/pkg/plugins/exec"
	"github.com/actiongraph/actiongraph/pkg/plugins/ssh"
	"github.com/actiongraph/actiongraph/pkg/plugins/wasm"
)

// Entries returns the built-in plugins in registration order.
func Entries() []plugins.Entry {
	return []plugins.Entry{
		{Name: exec.Name, New: func(ctx context.Context, opts plugins.Options) (plugins.Plugin, error) {
			return exec.New(ctx, opts)
		}},
		{Name: ssh.Name, New: func(ctx context.Context, opts plugins.Options) (plugins.Plugin, error) {
			return ssh.New(ctx, opts)
		}},
		{Name: wasm.Name, New: func(ctx context.Context, opts plugins.Options) (plugins.Plugin, error) {
			return wasm.New(ctx, opts)
		}},
	}
}
