package actor_test

import (
	"context"
	"fmt"

	"github.com/roasbeef/troupe/actor"
)

// Example builds a two-level tree and exchanges a request-response pair.
func Example() {
	ctx := context.Background()

	sys := actor.NewSystem()
	defer sys.Destroy(ctx)

	root, err := sys.Root(ctx)
	if err != nil {
		fmt.Println("root:", err)
		return
	}

	greeter := map[string]actor.Handler{
		"greet": func(_ context.Context, args ...any) (any, error) {
			return fmt.Sprintf("hello, %v!", args[0]), nil
		},
	}

	child, err := root.CreateChild(ctx, greeter,
		actor.Config{Name: "greeter"})
	if err != nil {
		fmt.Println("create:", err)
		return
	}

	resp, err := child.SendAndReceive(ctx, "greet", "world")
	if err != nil {
		fmt.Println("ask:", err)
		return
	}
	fmt.Println(resp)

	// Output:
	// hello, world!
}
