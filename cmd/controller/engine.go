package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/swarmctl/swarmctl/internal/config"
	"github.com/swarmctl/swarmctl/internal/engine"
	"github.com/swarmctl/swarmctl/internal/envelope"
	"github.com/swarmctl/swarmctl/internal/id"
	"github.com/swarmctl/swarmctl/internal/logging"
)

func runEngine(args []string) error {
	fs := flag.NewFlagSet("engine", flag.ExitOnError)
	fs.String("controller", "http://localhost:4327", "controller URL")
	fs.String("data-dir", "", "data directory")
	fs.String("targets", "", "comma-separated target labels (not sent to the controller)")
	configPath := fs.String("config", "", "path to a YAML config file")
	execKeyHex := fs.String("exec-key", "", "hex-encoded HMAC signing key for envelopes")
	identity := fs.String("identity", "", "routing identity to register under (default: a random id)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.LoadEngine(*configPath, fs)
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

	logging.PrintBanner("engine", version, cfg.ControllerURL)

	codec, err := envelope.NewCodec(key)
	if err != nil {
		return fmt.Errorf("build codec: %w", err)
	}

	executor := engine.NewExecutor()
	registerBuiltins(executor)

	ownIdentity := *identity
	if ownIdentity == "" {
		hostname, _ := os.Hostname()
		ownIdentity = hostname + "-" + id.Short()
	}

	client := engine.New(cfg.ControllerURL, ownIdentity, codec, executor, id.Generate, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client.ConnectWithReconnect(ctx)
	return nil
}

// registerBuiltins wires the handful of named functions an engine can
// execute on apply_request, standing in for real code execution (an
// explicit non-goal: this protocol dispatches named, pre-registered
// functions rather than arbitrary remote code).
func registerBuiltins(e *engine.Executor) {
	e.Register("echo", func(ctx context.Context, args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error) {
		return map[string]any{"args": args, "kwargs": kwargs}, nil
	})
	e.Register("ping", func(ctx context.Context, args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error) {
		return "pong", nil
	})
}
