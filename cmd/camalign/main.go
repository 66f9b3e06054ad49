// Command camalign calibrates and applies dual-camera alignment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"camera-alignment/internal/cli"
	"camera-alignment/internal/config"
	"camera-alignment/internal/logging"
	"camera-alignment/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := os.Getenv(cli.ConfigEnv)
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "camalign: %v\n", err)
		return 1
	}

	log, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "camalign: %v\n", err)
		return 1
	}

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.New(cfg.Store.Path)
		if err != nil {
			log.Error().Err(err).Str("path", cfg.Store.Path).Msg("open calibration catalog")
			return 1
		}
		defer st.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cfg, cfgPath, log, st).ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		return 1
	}
	return 0
}
