// Command wikiscrape builds the Lost City quiz content dataset.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/lostcityquiz/wikiscrape/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.Execute(ctx)
}
