// SPDX-License-Identifier: MIT

// Package actionlog persists per-request telemetry rows to SQLite. Writes are
// best-effort: a failed insert is logged and never fails the request.
package actionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure Go driver
)

// Action names written to the log.
const (
	ActionDownloadSuccess = "download_success"
	ActionDownloadFailed  = "download_failed"
	ActionUploadFailed    = "upload_failed"
	ActionRejectedBusy    = "rejected_busy"
	ActionRejectedSize    = "rejected_size"
	ActionCacheHit        = "cache_hit"
	ActionFlyerAdShown    = "flyer_ad_shown"
)

// Entry is one telemetry row. Details is action-specific and serialized to a
// JSON column.
type Entry struct {
	UserRef        int64
	BotRef         string
	Action         string
	Details        any
	APISource      string
	DownloadTimeMs int64
	FileSizeBytes  int64
	SpeedKbps      int64
}

// SuccessDetails accompanies download_success rows. The stage timings split
// the request wall time: preparation before the first media byte, the
// transfer itself, the winning upload attempt, and the end-to-end total.
type SuccessDetails struct {
	SourceKey     string `json:"source_key"`
	Provider      string `json:"provider"`
	Fingerprint   string `json:"fingerprint"`
	Type          string `json:"type,omitempty"` // video, photo or carousel
	DownloadHost  string `json:"download_host,omitempty"`
	Quality       string `json:"quality,omitempty"`
	Items         int    `json:"items,omitempty"`
	PrepMs        int64  `json:"prep_ms,omitempty"`
	UploadMs      int64  `json:"upload_ms,omitempty"`
	TotalMs       int64  `json:"total_ms,omitempty"`
	FlyerRequired bool   `json:"flyer_required,omitempty"`
	Quota         *int64 `json:"quota,omitempty"`
}

// FailureDetails accompanies download_failed and upload_failed rows.
type FailureDetails struct {
	SourceKey  string            `json:"source_key"`
	ErrorClass string            `json:"error_class,omitempty"`
	UserKey    string            `json:"user_key,omitempty"`
	Providers  map[string]string `json:"providers,omitempty"`
}

// GateDetails accompanies flyer_ad_shown rows.
type GateDetails struct {
	SourceKey string `json:"source_key"`
	Total     int64  `json:"total_downloads"`
}

// Store is the append-only action_logs table.
type Store struct {
	db     *sql.DB
	bot    string
	logger zerolog.Logger
}

// Open initializes the database with WAL pragmas in the DSN so they apply to
// every pooled connection, then ensures the schema.
func Open(dbPath, botRef string, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("actionlog: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("actionlog: ping: %w", err)
	}
	s := &Store{
		db:     db,
		bot:    botRef,
		logger: logger.With().Str("component", "actionlog").Logger(),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS action_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_ref INTEGER NOT NULL,
		bot_ref TEXT NOT NULL,
		action TEXT NOT NULL,
		details TEXT,
		api_source TEXT,
		download_time_ms INTEGER,
		file_size_bytes INTEGER,
		download_speed_kbps INTEGER,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_action_logs_user ON action_logs(user_ref);
	CREATE INDEX IF NOT EXISTS idx_action_logs_action ON action_logs(action);
	CREATE INDEX IF NOT EXISTS idx_action_logs_created ON action_logs(created_at);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("actionlog: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping is the health probe hook.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Write inserts one row. Marshalling or insert failures are logged only.
func (s *Store) Write(ctx context.Context, e Entry) {
	var details any
	if e.Details != nil {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			s.logger.Warn().Err(err).Str("action", e.Action).Msg("details marshal failed")
		} else {
			details = string(raw)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_logs
		 (user_ref, bot_ref, action, details, api_source, download_time_ms, file_size_bytes, download_speed_kbps, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserRef, s.bot, e.Action, details, nullStr(e.APISource),
		nullInt(e.DownloadTimeMs), nullInt(e.FileSizeBytes), nullInt(e.SpeedKbps),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		s.logger.Warn().Err(err).Str("action", e.Action).Msg("action log insert failed")
	}
}

// SpeedKbps derives transfer speed from size and elapsed time.
func SpeedKbps(sizeBytes, elapsedMs int64) int64 {
	if elapsedMs <= 0 {
		return 0
	}
	return sizeBytes * 8 / elapsedMs // bytes/ms * 8 = kbit/s
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
