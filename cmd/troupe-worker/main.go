// troupe-worker is the standalone worker binary for troupe actor systems.
// Run with no arguments it serves one actor over stdio, which is how a
// parent system uses it as a forked worker command. The listen subcommand
// runs the remote create-actor daemon that lets other hosts place actors
// here.
//
// Definitions must be registered before the worker can host them; deployers
// build their own variant of this binary that imports the packages whose
// init functions register the application's definitions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roasbeef/troupe/actor"
	"github.com/roasbeef/troupe/worker"
)

var (
	logDir   string
	logLevel string
)

func setupLogging(filename string) (func(), error) {
	return worker.SetupLogging(worker.LogConfig{
		Dir:      logDir,
		Filename: filename,
		Level:    logLevel,
	})
}

func newRootCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:          "troupe-worker",
		Short:        "Host troupe actors for a parent system",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cleanup, err := setupLogging("troupe-worker.log")
			if err != nil {
				return err
			}
			defer cleanup()

			return worker.Serve(
				cmd.Context(), actor.Mode(mode),
			)
		},
	}

	cmd.PersistentFlags().StringVar(&logDir, "logdir", "",
		"directory for rotating log files (stderr only when empty)")
	cmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info",
		"log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&mode, "mode", string(actor.ModeForked),
		"worker mode (forked or remote)")

	cmd.AddCommand(newListenCmd())

	return cmd
}

func newListenCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Serve remote actor creation on this host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cleanup, err := setupLogging("troupe-listener.log")
			if err != nil {
				return err
			}
			defer cleanup()

			sys := actor.NewSystem()
			defer sys.Destroy(context.Background())

			ln, err := sys.Listen(cmd.Context(), addr)
			if err != nil {
				return err
			}
			defer ln.Close()

			fmt.Printf("listening on %s\n", ln.Addr())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
			case <-cmd.Context().Done():
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":9090",
		"address of the create-actor listener")

	return cmd
}

func main() {
	// A re-exec'd forked worker never reaches the CLI.
	worker.RunIfChild()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
