package engine_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/actiongraph/actiongraph/pkg/engine"
)

// Example_configGraph demonstrates building a graph and inspecting its levels.
func Example_configGraph() {
	graph, err := engine.NewConfigGraph([]engine.ActionConfig{
		{Kind: engine.KindBuild, Type: "exec", Name: "api"},
		{Kind: engine.KindBuild, Type: "exec", Name: "web"},
		{Kind: engine.KindDeploy, Type: "exec", Name: "api", Dependencies: []string{"build.api"}},
		{
			Kind: engine.KindTest,
			Type: "exec",
			Name: "e2e",
			Spec: map[string]interface{}{
				"command": []interface{}{"./e2e.sh", "${actions.build.web.version}"},
			},
			Dependencies: []string{"deploy.api"},
		},
	})
	if err != nil {
		panic(err)
	}

	for i, level := range graph.Levels() {
		fmt.Printf("Level %d: %v\n", i, level)
	}

	e2e, _ := graph.GetByKey("test.e2e")
	for _, dep := range e2e.Dependencies() {
		fmt.Printf("%s executed=%v\n", dep.Ref, dep.NeedsExecutedOutputs)
	}

	// Output:
	// Level 0: [build.api build.web]
	// Level 1: [deploy.api]
	// Level 2: [test.e2e]
	// deploy.api executed=true
	// build.web executed=false
}

// recordingHandlers processes every action and records the order.
type recordingHandlers struct {
	mu    sync.Mutex
	order []string
}

func (h *recordingHandlers) Handlers(kind engine.ActionKind, actionType string) (*engine.ActionHandlers, error) {
	return &engine.ActionHandlers{
		GetStatus: func(ctx context.Context, p *engine.HandlerParams) (*engine.ActionStatus, error) {
			return &engine.ActionStatus{State: engine.StateNotReady}, nil
		},
		Execute: func(ctx context.Context, p *engine.HandlerParams) (*engine.ActionStatus, error) {
			h.mu.Lock()
			h.order = append(h.order, p.Action.Key())
			h.mu.Unlock()
			return &engine.ActionStatus{State: engine.StateReady}, nil
		},
	}, nil
}

// Example_process demonstrates resolving a graph and processing a task with
// its dependencies.
func Example_process() {
	graph, err := engine.NewConfigGraph([]engine.ActionConfig{
		{Kind: engine.KindBuild, Type: "exec", Name: "api"},
		{Kind: engine.KindDeploy, Type: "exec", Name: "api", Dependencies: []string{"build.api"}},
	})
	if err != nil {
		panic(err)
	}

	handlers := &recordingHandlers{}
	resolved, err := engine.NewActionResolver(graph, nil, handlers).Resolve(context.Background())
	if err != nil {
		panic(err)
	}

	deploy, _ := resolved.Get("deploy.api")
	scheduler := engine.NewTaskGraphScheduler(resolved, handlers)
	results, err := scheduler.Process(context.Background(), []*engine.Task{engine.NewTask(deploy, false)}, engine.ProcessOptions{})
	if err != nil {
		panic(err)
	}

	fmt.Println("order:", handlers.order)
	for _, res := range results.GetAll() {
		fmt.Printf("%s %s success=%v\n", res.Key, res.Outcome, res.Success)
	}

	// Output:
	// order: [build.api deploy.api]
	// deploy.api ready success=true
	// build.api ready success=true
}
