package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	tlog "github.com/kilndb/recordapi/log"
	"github.com/kilndb/recordapi/serve"
)

func main() {
	cmd := &cli.Command{
		Name:  "recordapi",
		Usage: "record API backend platform administration and operation tool",
		Commands: []*cli.Command{
			serve.Command(),
		},
	}

	logger := tlog.New("recordapi")
	slog.SetDefault(logger)

	ctx := context.Background()
	ctx = tlog.IntoContext(ctx, logger)

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
