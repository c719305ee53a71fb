// Package audit records every permission decision made by the guardrail gate.
// Entries are appended to <home>/logs/audit.jsonl and, when a database is
// attached, to the audit_log table.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-devpipe/internal/shared"
)

const (
	OutcomeAllow = "allow"
	OutcomeDeny  = "deny"
)

// Entry is one permission decision.
type Entry struct {
	Timestamp     string `json:"timestamp"`
	Outcome       string `json:"outcome"`
	Subject       string `json:"subject"`
	Operation     string `json:"operation"`
	Reason        string `json:"reason"`
	ContextDigest string `json:"context_digest"`
	PolicyVersion string `json:"policy_version"`
	JobID         string `json:"job_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
}

// Log is an append-only decision log. The zero value discards entries but still counts denials.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
}

// Open creates the audit log under homeDir/logs. db may be nil.
func Open(homeDir string, db *sql.DB) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, db: db}, nil
}

// Close releases the JSONL file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the number of deny decisions recorded by this log.
func (l *Log) DenyCount() int64 {
	if l == nil {
		return 0
	}
	return l.denyCount.Load()
}

// Record appends a decision. Reason and subject are redacted before persistence.
func (l *Log) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	if e.Outcome == OutcomeDeny {
		l.denyCount.Add(1)
	}
	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.JobID == "" {
		e.JobID = shared.JobID(ctx)
	}
	if e.TraceID == "" {
		e.TraceID = shared.TraceID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}

	if l.db != nil {
		_, _ = l.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, job_id, subject, action, decision, reason, context_digest, policy_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.JobID, e.Subject, e.Operation, e.Outcome, e.Reason, e.ContextDigest, e.PolicyVersion)
	}
}

// Digest returns a stable short hash of a decision context so entries can be
// correlated without storing file contents or URLs verbatim.
func Digest(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte(0)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}
