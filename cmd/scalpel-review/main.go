// File: cmd/scalpel-review/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/scalpel-review/cmd"
	"github.com/xkilldash9x/scalpel-review/internal/observability"
)

func main() {
	// Cancel in-flight engine runs and drain the HTTP server on SIGINT or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	observability.Sync()
	os.Exit(code)
}

// run executes the command line and maps the outcome to an exit code.
func run(ctx context.Context, args []string) int {
	root := cmd.NewRootCommand()
	root.SetArgs(args)
	err := cmd.ExecuteCommand(ctx, root)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		// Interrupted by the user; not a failure.
		return 0
	default:
		return 1
	}
}
