package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/gophnotes/internal/client/cli"
	"github.com/dmitrijs2005/gophnotes/internal/client/config"
	"github.com/dmitrijs2005/gophnotes/internal/flagx"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
)

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configArgs, rest := flagx.SplitArgs(os.Args[1:], config.Flags)
	cfg, err := config.LoadConfig(configArgs)
	if err != nil {
		log.Fatalf("%v", err)
	}

	logger := logging.NewJSONLoggerTo(os.Stderr, logging.ParseLevel(cfg.LogLevel))

	app, err := cli.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if len(rest) == 0 {
		rest = []string{"shell"}
	}
	err = app.Execute(ctx, rest)
	if cerr := app.Close(); cerr != nil {
		logger.Error(ctx, "closing app", "error", cerr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

}
