package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/persistence"
)

// runReplayCheckCommand reports whether a request timestamp would still be
// inside the replay window. Handy when a platform reports 401s and the host
// clock is suspect.
func runReplayCheckCommand(args []string, now time.Time, out io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: steward replay-check <unix-timestamp>")
		return 2
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad timestamp %q: %v\n", args[0], err)
		return 2
	}
	window := 300 * time.Second
	if cfg, err := config.Load(); err == nil && cfg.ReplayWindow() > 0 {
		window = cfg.ReplayWindow()
	}

	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		fmt.Fprintf(out, "outside window: skew %s > %s\n", skew.Round(time.Second), window)
		return 1
	}
	fmt.Fprintf(out, "ok: skew %s within %s\n", skew.Round(time.Second), window)
	return 0
}

// runProjectAddCommand binds a channel to a project slug. A running daemon
// picks the change up through its config watcher.
func runProjectAddCommand(args []string, out io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: steward project-add <channel-id> <slug>")
		return 2
	}
	home := config.HomeDir()
	if err := config.SetProject(home, args[0], args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "project-add: %v\n", err)
		return 1
	}
	if _, err := config.LoadFrom(home); err != nil {
		fmt.Fprintf(os.Stderr, "project-add: config no longer valid: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "bound %s to project %s\n", strings.TrimSpace(args[0]), strings.TrimSpace(args[1]))
	return 0
}

func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: steward backup <dest-path>")
		return 2
	}
	store, err := persistence.Open(persistence.DefaultDBPath(config.HomeDir()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()
	if err := store.Backup(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Printf("backup written to %s\n", args[0])
	return 0
}
