package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-steward/internal/shared"
)

// Decisions recorded by the ingestion path.
const (
	Accept = "accept"
	Reject = "reject"
	Drop   = "drop"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id"`
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	ConfigVersion string `json:"config_version"`
	Subject       string `json:"subject,omitempty"`
}

var (
	mu            sync.Mutex
	file          *os.File
	db            *sql.DB
	configVersion string
	rejectCount   atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB mirrors audit entries into the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

// SetConfigVersion stamps subsequent entries with the active config fingerprint.
func SetConfigVersion(v string) {
	mu.Lock()
	defer mu.Unlock()
	configVersion = v
}

// ConfigVersion returns the fingerprint entries are currently stamped with.
func ConfigVersion() string {
	mu.Lock()
	defer mu.Unlock()
	return configVersion
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectCount returns the number of reject decisions since startup.
func RejectCount() int64 {
	return rejectCount.Load()
}

// Record appends one decision. The trace id is taken from ctx.
func Record(ctx context.Context, decision, action, reason, subject string) {
	if decision == Reject {
		rejectCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:       traceID,
			Decision:      decision,
			Action:        action,
			Reason:        reason,
			ConfigVersion: configVersion,
			Subject:       subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, config_version)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, subject, action, decision, reason, configVersion)
	}
}
