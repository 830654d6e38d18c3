package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmark-sync/internal/cmd/client"
	"github.com/chirino/bookmark-sync/internal/cmd/migrate"
	"github.com/chirino/bookmark-sync/internal/cmd/serve"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "bookmark-sync",
		Usage: "Multi-device bookmark sync server and client",
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
			client.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
