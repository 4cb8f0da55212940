// Package store persists session diagnostics to a local SQLite database so
// request outcomes survive restarts and can be inspected from the CLI.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"glimpse/internal/logging"
	"glimpse/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_diagnostics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	stop_reason TEXT NOT NULL DEFAULT '',
	error_text TEXT NOT NULL DEFAULT '',
	gate_evaluated INTEGER NOT NULL DEFAULT 0,
	gate_passed INTEGER NOT NULL DEFAULT 0,
	repair_attempted INTEGER NOT NULL DEFAULT 0,
	repair_succeeded INTEGER NOT NULL DEFAULT 0,
	repair_timed_out INTEGER NOT NULL DEFAULT 0,
	budgets_met INTEGER NOT NULL DEFAULT 0,
	metrics_json TEXT NOT NULL DEFAULT '{}',
	recorded_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_diag_recorded_at ON session_diagnostics(recorded_at);
`

// DiagnosticsStore appends terminal session outcomes to SQLite. It
// implements diag.Sink.
type DiagnosticsStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// OpenDiagnostics opens (creating if needed) the diagnostics database at
// the given path.
func OpenDiagnostics(path string) (*DiagnosticsStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenDiagnostics")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Get(logging.CategoryStore).Debug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Get(logging.CategoryStore).Debug("failed to set journal_mode=WAL: %v", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logging.Get(logging.CategoryStore).Info("diagnostics store ready at %s", path)
	return &DiagnosticsStore{db: db, dbPath: path}, nil
}

// Append writes one diagnostic row.
func (s *DiagnosticsStore) Append(d types.SessionDiagnostic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metricsJSON, err := json.Marshal(d.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	recorded := d.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO session_diagnostics (
			session_id, phase, stop_reason, error_text,
			gate_evaluated, gate_passed,
			repair_attempted, repair_succeeded, repair_timed_out,
			budgets_met, metrics_json, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.SessionID, string(d.Phase), string(d.StopReason), d.ErrorText,
		boolInt(d.GateEvaluated), boolInt(d.GatePassed),
		boolInt(d.RepairAttempted), boolInt(d.RepairSucceeded), boolInt(d.RepairTimedOut),
		boolInt(d.BudgetsMet), string(metricsJSON), recorded,
	)
	if err != nil {
		return fmt.Errorf("failed to insert diagnostic: %w", err)
	}
	return nil
}

// Recent returns up to limit diagnostics, most recent first.
func (s *DiagnosticsStore) Recent(limit int) ([]types.SessionDiagnostic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT session_id, phase, stop_reason, error_text,
			gate_evaluated, gate_passed,
			repair_attempted, repair_succeeded, repair_timed_out,
			budgets_met, metrics_json, recorded_at
		FROM session_diagnostics
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnostics: %w", err)
	}
	defer rows.Close()

	var out []types.SessionDiagnostic
	for rows.Next() {
		var d types.SessionDiagnostic
		var phase, stop, metricsJSON string
		var gateEval, gatePass, repAtt, repOK, repTO, budgets int
		if err := rows.Scan(
			&d.SessionID, &phase, &stop, &d.ErrorText,
			&gateEval, &gatePass,
			&repAtt, &repOK, &repTO,
			&budgets, &metricsJSON, &d.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic: %w", err)
		}
		d.Phase = types.SessionPhase(phase)
		d.StopReason = types.StopReason(stop)
		d.GateEvaluated = gateEval != 0
		d.GatePassed = gatePass != 0
		d.RepairAttempted = repAtt != 0
		d.RepairSucceeded = repOK != 0
		d.RepairTimedOut = repTO != 0
		d.BudgetsMet = budgets != 0
		if err := json.Unmarshal([]byte(metricsJSON), &d.Metrics); err != nil {
			logging.Get(logging.CategoryStore).Warn("corrupt metrics row for session %s: %v", d.SessionID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Prune deletes rows older than the cutoff and returns how many went.
func (s *DiagnosticsStore) Prune(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM session_diagnostics WHERE recorded_at < ?`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune diagnostics: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *DiagnosticsStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
