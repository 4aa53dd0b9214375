package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/swarmctl/swarmctl/internal/config"
	"github.com/swarmctl/swarmctl/internal/controller"
	"github.com/swarmctl/swarmctl/internal/logging"
)

func runController(args []string) error {
	fs := flag.NewFlagSet("controller", flag.ExitOnError)
	fs.String("addr", ":4327", "listen address")
	fs.String("data-dir", "", "data directory")
	configPath := fs.String("config", "", "path to a YAML config file")
	execKeyHex := fs.String("exec-key", "", "hex-encoded HMAC signing key for envelopes")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.LoadController(*configPath, fs)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	key, err := decodeExecKey(*execKeyHex)
	if err != nil {
		return fmt.Errorf("exec key: %w", err)
	}

	logging.PrintBanner("controller", version, cfg.Addr)
	logging.PrintAccessURL(cfg.Addr)

	ctl, err := controller.New(cfg, key, nil)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return ctl.Serve(ctx)
}
