package worker

import (
	"context"
	"fmt"
	"os"

	"github.com/roasbeef/troupe/actor"
	"github.com/roasbeef/troupe/transport"
)

// Serve runs the worker side of a process boundary on this process's stdio:
// it waits for the create-actor frame from the parent, hosts the actor, and
// serves until destruction or parent death.
func Serve(ctx context.Context, mode actor.Mode) error {
	switch mode {
	case actor.ModeForked, actor.ModeRemote:
	default:
		return fmt.Errorf("unsupported worker mode %q", mode)
	}

	bus := transport.NewStdioBus(os.Stdin, os.Stdout)
	bus.Start()

	return actor.ServeWorker(ctx, bus, mode)
}

// RunIfChild diverts a re-exec'd binary into worker mode when the worker
// environment marker is set, and never returns in that case. Binaries that
// create forked or remote actors call this first thing in main:
//
//	func main() {
//		worker.RunIfChild()
//		// normal startup
//	}
func RunIfChild() {
	mode := os.Getenv(actor.WorkerEnvVar)
	if mode == "" {
		return
	}

	// Stdout belongs to the frame protocol; logs go to stderr, which the
	// parent inherits.
	cleanup, err := SetupLogging(LogConfig{
		Level: os.Getenv("TROUPE_LOG_LEVEL"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker logging: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := Serve(context.Background(), actor.Mode(mode)); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		cleanup()
		os.Exit(1)
	}

	cleanup()
	os.Exit(0)
}
