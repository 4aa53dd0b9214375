// Command controller runs swarmctl: a distributed compute controller with
// a pluggable task scheduler, heart monitor, and document-backed request
// ledger, plus the engine client that connects to it. Invoked as
// `controller` (default) it runs the controller server; `controller
// engine` runs an engine process that dials a controller.
package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/swarmctl/swarmctl/internal/logging"
)

var version = "dev"

// decodeExecKey turns a hex-encoded flag value into the raw HMAC key
// bytes. An empty string is a valid, deliberately unauthenticated key
// (see envelope.NewCodec).
func decodeExecKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		if err := runController(os.Args[1:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "engine":
		if err := runEngine(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		if len(os.Args[1]) > 0 && os.Args[1][0] == '-' {
			if err := runController(os.Args[1:]); err != nil {
				slog.Error("fatal", "error", err)
				os.Exit(1)
			}
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "usage: controller [engine|version] [flags]\n")
		os.Exit(1)
	}
}
