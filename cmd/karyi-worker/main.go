// Package main is the reference worker for the karyi host.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/karyi/internal/logging"
	"github.com/dshills/karyi/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	var logLevel string
	var jsonLogs bool

	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&jsonLogs, "json", false, "Write diagnostics as JSON")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "karyi-worker - line-delimited request worker\n\n")
		fmt.Fprintf(os.Stderr, "Usage: karyi-worker [options]\n\n")
		fmt.Fprintf(os.Stderr, "Requests are read from stdin and responses written to stdout.\n")
		fmt.Fprintf(os.Stderr, "Diagnostics, including the readiness marker, go to stderr.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level, err := logging.ParseLogLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	// The readiness marker is matched by substring, so it must be logged at
	// info or below.
	if level > logging.LogLevelInfo {
		level = logging.LogLevelInfo
	}

	logger := logging.New(logging.Config{
		Level:  level,
		Output: os.Stderr,
		JSON:   jsonLogs,
		Name:   "worker",
	})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := worker.NewServer(worker.WithLogger(logger))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, os.Stdin, os.Stdout)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("worker stopped", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	}

	logger.Info("KaryiAgent worker stopped")
	return 0
}
