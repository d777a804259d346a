package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vankka/downloader/cmd"
)

var version string

func main() {
	// Interrupt or SIGTERM cancels the context, draining the server and
	// the sweep loop.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx, version)
}
