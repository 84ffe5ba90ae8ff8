package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/tui"
)

// runWatchCommand opens the live actor view against the local daemon.
func runWatchCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: steward watch")
		return 2
	}
	if !isTerminal(os.Stdout) {
		fmt.Fprintln(os.Stderr, "watch needs a terminal; use `steward status` in scripts")
		return 1
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	src := tui.HTTPSource{
		Base:  strings.TrimSuffix(healthURL(cfg.BindAddr), "/healthz"),
		Token: cfg.AuthToken,
	}
	if err := tui.Run(ctx, src); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}
