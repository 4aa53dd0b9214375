package logging

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	cyan    = "\033[36m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	magenta = "\033[35m"
	dim     = "\033[2m"
)

// Logo lines — base swarmctl ASCII art.
var logoLines = [5]string{
	`           _____ _____ _____ __    `,
	`  ___ _ _ |  _  |  _  |     |  |   `,
	` |_ -| | ||     |     | | | |  |__ `,
	` |___|_  ||__|__|__|__|_|_|_|_____|`,
	`     |___|                         `,
}

// Mode-specific ASCII art (right-side, same height as logo).
var controllerArt = [5]string{
	` _           _    `,
	`| |_ _ _ ___| |_  `,
	`|   | | | . | . | `,
	`|_|_|___|  _|___| `,
	`        |_|        `,
}

var engineArt = [5]string{
	`              _            `,
	` ___ ___ ___ |_|___ ___    `,
	`| -_|   | . || |   | -_|   `,
	`|___|_|_|_  ||_|_|_|___|   `,
	`        |___|              `,
}

var standaloneArt = [5]string{
	` _               _               `,
	`|_|___ ___ ___ _| |___ ___ ___    `,
	`| |   | . | . | . |_ -|  _| -_|   `,
	`|_|_|_|___|___|___|___|_| |___|   `,
	`                                   `,
}

// PrintBanner prints the swarmctl ASCII art logo with mode-specific art
// appended to the right. Below the art it prints version and listen
// address. Colors are used only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var modeArt *[5]string
	var modeColor string
	switch mode {
	case "controller":
		modeArt = &controllerArt
		modeColor = green
	case "engine":
		modeArt = &engineArt
		modeColor = yellow
	default: // standalone
		modeArt = &standaloneArt
		modeColor = magenta
	}

	for i := range logoLines {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s%s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+modeColor, modeArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s%s\n", logoLines[i], modeArt[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}

// addrToURL converts a listen address (e.g. ":8787", "0.0.0.0:8787") into
// an http://localhost:<port> URL for the startup log line.
func addrToURL(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		port = strings.TrimPrefix(addr, ":")
	}
	if port == "" || port == "80" {
		return "http://localhost"
	}
	return "http://localhost:" + port
}

// PrintAccessURL prints the Hub's registration URL to stderr.
func PrintAccessURL(addr string) {
	url := addrToURL(addr)
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "  %s%s➜%s  %s%s%s\n\n", bold, green, reset, bold, url, reset)
	} else {
		fmt.Fprintf(os.Stderr, "  ➜  %s\n\n", url)
	}
}
