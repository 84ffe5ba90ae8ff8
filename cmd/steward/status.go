package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/go-steward/internal/config"
)

type health struct {
	Healthy           bool   `json:"healthy"`
	DBOK              bool   `json:"db_ok"`
	ConfigFingerprint string `json:"config_fingerprint"`
	ActorCount        int    `json:"actor_count"`
	RejectedTotal     int64  `json:"rejected_total"`
}

func healthURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

func runStatusCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: steward status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(cfg.BindAddr), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var h health
	if isTerminal(out) && json.Unmarshal(body, &h) == nil {
		fmt.Fprintln(out, renderHealth(h, cfg.Fingerprint()))
	} else {
		_, _ = out.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = out.Write([]byte("\n"))
		}
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(14)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

// renderHealth formats h for a terminal. localFingerprint is the hash of
// config.yaml on disk; a mismatch means the daemon hasn't reloaded it.
func renderHealth(h health, localFingerprint string) string {
	state := okStyle.Render("healthy")
	if !h.Healthy {
		state = badStyle.Render("unhealthy")
	}
	db := okStyle.Render("ok")
	if !h.DBOK {
		db = badStyle.Render("down")
	}
	fp := h.ConfigFingerprint
	if localFingerprint != "" && fp != localFingerprint {
		fp += " " + warnStyle.Render("(differs from config.yaml on disk)")
	}
	rows := []string{
		labelStyle.Render("daemon") + state,
		labelStyle.Render("database") + db,
		labelStyle.Render("actors") + fmt.Sprint(h.ActorCount),
		labelStyle.Render("rejected") + fmt.Sprint(h.RejectedTotal),
		labelStyle.Render("config") + fp,
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}
