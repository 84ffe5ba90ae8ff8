package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: steward doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		// Diagnose anyway; the config check reports what loaded.
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(out, "Steward Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Fprintln(out, "---")
		for _, res := range diag.Results {
			style := okStyle
			switch res.Status {
			case "FAIL":
				style = badStyle
			case "WARN", "SKIP":
				style = warnStyle
			}
			status := res.Status
			if isTerminal(out) {
				status = style.Render(status)
			}
			fmt.Fprintf(out, "%-4s %-12s %s\n", status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(out, "     %s\n", res.Detail)
			}
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
