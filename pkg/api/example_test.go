package api_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/sagaflow"
	"github.com/petrijr/sagaflow/pkg/api"
)

// ExampleWorkflowDefinition shows how to build a workflow definition directly
// using the api package and register it on an Engine.
func ExampleWorkflowDefinition() {
	ctx := context.Background()

	def := api.WorkflowDefinition{
		Name: "AddPrefix",
		Steps: []api.Step{
			{
				Name: "addPrefix",
				Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
					return api.OK(map[string]any{"value": "prefix:" + in.String("value")}), nil
				}),
			},
			{
				Name:      "shout",
				DependsOn: []string{"addPrefix"},
				Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
					return api.OK(map[string]any{"value": in.String("value") + "!"}), nil
				}),
			},
		},
	}

	eng := sagaflow.NewInMemoryEngine()
	defer eng.Close(ctx)

	if err := eng.RegisterWorkflow(def); err != nil {
		log.Fatal(err)
	}

	out, err := eng.StartSync(ctx, def.Name, map[string]any{"value": "v"}, time.Minute)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(out["value"])
	// Output: prefix:v!
}

// ExampleExpand shows a step grafting one step per item after itself.
func ExampleExpand() {
	ctx := context.Background()

	def := api.WorkflowDefinition{
		Name: "fanout",
		Steps: []api.Step{
			{
				Name: "split",
				Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
					var steps []api.Step
					for _, item := range []string{"a", "b"} {
						steps = append(steps, api.Step{
							Name: "handle-" + item,
							Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
								return api.OK(map[string]any{"handled_" + item: true}), nil
							}),
						})
					}
					return api.Expand(steps...), nil
				}),
			},
			{
				Name:           "join",
				DependsOnGraft: "split",
				Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
					return api.OK(map[string]any{"joined": in.Context["handled_a"] == true && in.Context["handled_b"] == true}), nil
				}),
			},
		},
	}

	eng := sagaflow.NewInMemoryEngine()
	defer eng.Close(ctx)

	if err := eng.RegisterWorkflow(def); err != nil {
		log.Fatal(err)
	}
	out, err := eng.StartSync(ctx, def.Name, nil, time.Minute)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(out["joined"])
	// Output: true
}
