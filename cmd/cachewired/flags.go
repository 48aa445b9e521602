package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user-supplied flag values prior to validation and
// translation into transport.New's constructor parameters.
type cliConfig struct {
	listenAddr     string
	metricsAddr    string
	logLevel       string
	bufferSize     uint
	maxConnections uint
	echo           bool
	showVersion    bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("cachewired", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.listenAddr, "listen", ":9851", "TCP listen address for the transport")
	fs.StringVar(&cfg.metricsAddr, "metrics-listen", ":9852", "HTTP listen address serving /metrics (empty disables it)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.UintVar(&cfg.bufferSize, "buffer-size", 4096, "Receive buffer size in bytes (minimum 256)")
	fs.UintVar(&cfg.maxConnections, "max-connections", 256, "Maximum concurrently serviced connections")
	fs.BoolVar(&cfg.echo, "echo", true, "Run the built-in echo handler (for smoke-testing the transport)")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.bufferSize < 256 {
		return nil, errors.New("buffer-size must be at least 256")
	}
	if cfg.maxConnections < 1 {
		return nil, errors.New("max-connections must be at least 1")
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	return cfg, nil
}
