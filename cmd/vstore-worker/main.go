package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendant/vstore/pkg/vstore"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes
const (
	exitOK          = 0
	exitArgument    = 1
	exitJobNotFound = 2
	exitUnhandled   = -1
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCommand().ExecuteContext(ctx)
	stop()

	code := exitCode(err)
	switch code {
	case exitOK:
	case exitArgument, exitJobNotFound:
		fmt.Fprintf(os.Stderr, "Error: %v\nRun 'vstore-worker --help' for usage.\n", err)
	default:
		slog.Error("worker failed", "err", err)
	}
	os.Exit(code)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, vstore.ErrArgumentParsing):
		return exitArgument
	case errors.Is(err, vstore.ErrJobNotFound):
		return exitJobNotFound
	default:
		return exitUnhandled
	}
}
