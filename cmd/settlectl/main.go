package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/commerce-dash/settlement/internal/cli"
	"github.com/commerce-dash/settlement/internal/platform/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	logger = logger.Named("settlectl")
	ctx = observability.WithLogger(ctx, logger)

	if err := cli.NewRootCommand(cli.EnvOpener(logger)).ExecuteContext(ctx); err != nil {
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}
