package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/dataaxiom/ghcr-cleanup-action/impl/cleanup"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/cmdline"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/config"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/globals"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, fromCmdline, err := cmdline.Parse(ctx, os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
	if fromCmdline.Command == "" {
		// help or version output - the parser already printed it
		return
	}
	if cfg.ConfigFile != "" {
		fileCfg, err := config.Load(cfg.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
			os.Exit(1)
		}
		cfg = config.Merge(fileCfg, cfg, fromCmdline)
	}
	if err := cfg.Check(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %s\n", err)
		os.Exit(1)
	}
	globals.ConfigureLogging(cfg.LogLevel)

	if err := cleanup.NewRunner(cfg).Run(ctx); err != nil {
		log.Errorf("cleanup failed: %s", err)
		os.Exit(1)
	}
}
