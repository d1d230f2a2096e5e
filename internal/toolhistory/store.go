// Package toolhistory provides the queryable audit store of every tool and
// memory operation, with reconciliation of rows orphaned by process death.
package toolhistory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/tandem/internal/observability"
	"github.com/haasonsaas/tandem/pkg/models"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
)

// malformedSignature is the one SQLite error matched by string: the
// documented corruption signature that triggers backup-and-recreate.
const malformedSignature = "database disk image is malformed"

// ErrExecutionNotFound is returned when a row id is unknown.
var ErrExecutionNotFound = errors.New("toolhistory: execution not found")

// isCorruptOpenError classifies an open/init failure as a corrupt database
// file eligible for backup-and-recreate.
func isCorruptOpenError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, malformedSignature) ||
		strings.Contains(msg, "file is not a database")
}

// Synthetic tools recorded for memory events.
const (
	toolMemoryLookup = "memory.lookup"
	toolMemoryStore  = "memory.store"
)

// Config configures the store.
type Config struct {
	// Path to the database file. Empty uses an in-memory database (tests).
	Path string
	// BackupDir receives malformed database files before recreation.
	// Defaults to "<Path dir>/backup".
	BackupDir string
	// Archiver receives oversized args/result payloads; nil stores inline.
	Archiver Archiver
	// ArchiveThreshold is the serialized payload size, in bytes, above which
	// payloads move to the archiver. Defaults to 64 KiB.
	ArchiveThreshold int
	// SweepSchedule is a cron expression for periodic reconciliation sweeps.
	// Empty disables the schedule.
	SweepSchedule string
	// StaleAfter is the running-row age considered orphaned by the sweep.
	// Defaults to 10 minutes.
	StaleAfter time.Duration
	// Metrics sink; nil disables metrics.
	Metrics *observability.Metrics
	// Logger for store events.
	Logger *slog.Logger
}

// Store persists tool executions in a dedicated SQLite file, separate from
// the memory database.
type Store struct {
	db      *sql.DB
	cfg     Config
	logger  *slog.Logger
	sweeper *cron.Cron
}

// Open opens the store, recovering from a malformed database file by moving
// it to a timestamped backup and recreating the schema.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "tool-history")
	}
	if cfg.ArchiveThreshold <= 0 {
		cfg.ArchiveThreshold = 64 << 10
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}

	db, err := openAndInit(cfg.Path)
	if err != nil && isCorruptOpenError(err) && cfg.Path != "" {
		logger.Error("tool history database malformed, recreating",
			"code", observability.CodeToolHistoryDBMalformed, "path", cfg.Path, "error", err)
		if backupErr := backupMalformed(cfg); backupErr != nil {
			return nil, fmt.Errorf("backup malformed database: %w", backupErr)
		}
		db, err = openAndInit(cfg.Path)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, cfg: cfg, logger: logger}
	if cfg.SweepSchedule != "" {
		s.sweeper = cron.New()
		if _, err := s.sweeper.AddFunc(cfg.SweepSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := s.MarkRunningToolsTerminal(ctx, "", cfg.StaleAfter, "orphaned by reconciliation sweep")
			if err != nil {
				logger.Warn("reconciliation sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("reconciliation sweep", "reconciled", n)
			}
		}); err != nil {
			logger.Warn("invalid sweep schedule, disabled", "schedule", cfg.SweepSchedule, "error", err)
		} else {
			s.sweeper.Start()
		}
	}
	return s, nil
}

func openAndInit(path string) (*sql.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open tool history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			message_id TEXT,
			part_id TEXT,
			correlation_id TEXT,
			tool TEXT NOT NULL,
			status TEXT NOT NULL,
			args_json TEXT,
			result_json TEXT,
			error_text TEXT,
			started_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER,
			updated_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tool_exec_session ON tool_executions(session_id);
		CREATE INDEX IF NOT EXISTS idx_tool_exec_status ON tool_executions(status);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init tool history schema: %w", err)
	}
	return db, nil
}

func backupMalformed(cfg Config) error {
	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(cfg.Path), "backup")
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(backupDir,
		fmt.Sprintf("%s.%s", filepath.Base(cfg.Path), time.Now().Format("20060102T150405")))
	return os.Rename(cfg.Path, dest)
}

// Close stops scheduled work and releases the database.
func (s *Store) Close() error {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	return s.db.Close()
}

// RecordEnvelope maps a hub envelope onto the upsert semantics. Tool events
// write by their composite id; memory events map to synthetic tools with
// deterministic ids. Non-tool, non-memory envelopes are ignored.
func (s *Store) RecordEnvelope(ctx context.Context, env models.Envelope) error {
	event := env.Payload
	switch event.Kind {
	case models.EventToolStart:
		return s.UpsertStart(ctx, models.ToolExecution{
			ID:            models.ToolExecutionID(event.SessionID, event.MessageID, event.PartID, event.Tool),
			SessionID:     event.SessionID,
			MessageID:     event.MessageID,
			PartID:        event.PartID,
			CorrelationID: env.CorrelationID,
			Tool:          event.Tool,
			ArgsJSON:      marshalArgs(event.Args),
			StartedAtMS:   env.TsMS,
		})
	case models.EventToolEnd:
		var result, errText string
		if event.Result != nil {
			result = *event.Result
		}
		if event.Error != nil {
			errText = *event.Error
		}
		return s.UpsertEnd(ctx, models.ToolExecutionID(event.SessionID, event.MessageID, event.PartID, event.Tool),
			result, errText, env.TsMS)
	case models.EventMemoryRetrieval, models.EventMemoryStorage:
		tool := toolMemoryLookup
		if event.Kind == models.EventMemoryStorage {
			tool = toolMemoryStore
		}
		id := models.ToolExecutionID(event.SessionID, event.MessageID, fmt.Sprintf("%d", env.TsMS), tool)
		if err := s.UpsertStart(ctx, models.ToolExecution{
			ID:            id,
			SessionID:     event.SessionID,
			MessageID:     event.MessageID,
			CorrelationID: env.CorrelationID,
			Tool:          tool,
			StartedAtMS:   env.TsMS,
		}); err != nil {
			return err
		}
		return s.UpsertEnd(ctx, id, event.Message, "", env.TsMS)
	default:
		return nil
	}
}

func marshalArgs(args map[string]any) string {
	if args == nil {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}

// UpsertStart inserts a running row, keeping the earliest started_at on
// re-run while refreshing tool, args and correlation.
func (s *Store) UpsertStart(ctx context.Context, exec models.ToolExecution) error {
	args, err := s.maybeArchive(ctx, exec.ID+":args", exec.ArgsJSON)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if exec.StartedAtMS == 0 {
		exec.StartedAtMS = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_executions (id, session_id, message_id, part_id, correlation_id,
			tool, status, args_json, started_at_ms, updated_at_ms)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, 'running', NULLIF(?, ''), ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tool = excluded.tool,
			status = 'running',
			args_json = COALESCE(excluded.args_json, tool_executions.args_json),
			correlation_id = COALESCE(excluded.correlation_id, tool_executions.correlation_id),
			started_at_ms = MIN(tool_executions.started_at_ms, excluded.started_at_ms),
			ended_at_ms = NULL,
			updated_at_ms = excluded.updated_at_ms
	`, exec.ID, exec.SessionID, exec.MessageID, exec.PartID, exec.CorrelationID,
		exec.Tool, args, exec.StartedAtMS, now)
	if err != nil {
		return fmt.Errorf("upsert tool start: %w", err)
	}
	return nil
}

// UpsertEnd finalizes a row: failed when an error is present, completed
// otherwise. Existing non-null args/result/error are preserved.
func (s *Store) UpsertEnd(ctx context.Context, id, resultJSON, errorText string, endedAtMS int64) error {
	result, err := s.maybeArchive(ctx, id+":result", resultJSON)
	if err != nil {
		return err
	}
	status := models.ToolCompleted
	if errorText != "" {
		status = models.ToolFailed
	}
	now := time.Now().UnixMilli()
	if endedAtMS == 0 {
		endedAtMS = now
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_executions SET
			status = ?,
			result_json = COALESCE(result_json, NULLIF(?, '')),
			error_text = COALESCE(error_text, NULLIF(?, '')),
			ended_at_ms = ?,
			updated_at_ms = ?
		WHERE id = ?
	`, status, result, errorText, endedAtMS, now, id)
	if err != nil {
		return fmt.Errorf("upsert tool end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// End without a start still records a terminal row.
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO tool_executions (id, session_id, tool, status, result_json,
				error_text, started_at_ms, ended_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)
		`, id, sessionFromID(id), toolFromID(id), status, result, errorText, endedAtMS, endedAtMS, now)
		if err != nil {
			return fmt.Errorf("insert terminal tool row: %w", err)
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ToolExecutionCounter.WithLabelValues(toolFromID(id), string(status)).Inc()
	}
	return nil
}

func sessionFromID(id string) string {
	parts := strings.SplitN(id, ":", 2)
	return parts[0]
}

func toolFromID(id string) string {
	parts := strings.Split(id, ":")
	return parts[len(parts)-1]
}

// maybeArchive moves an oversized payload to the archiver, returning the
// reference to store instead.
func (s *Store) maybeArchive(ctx context.Context, key, payload string) (string, error) {
	if s.cfg.Archiver == nil || len(payload) <= s.cfg.ArchiveThreshold {
		return payload, nil
	}
	ref, err := s.cfg.Archiver.Put(ctx, key, []byte(payload))
	if err != nil {
		return "", fmt.Errorf("archive payload: %w", err)
	}
	return ref, nil
}

// GetExecution loads one row, transparently dereferencing archived
// payloads.
func (s *Store) GetExecution(ctx context.Context, id string) (*models.ToolExecution, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.dereference(ctx, exec)
}

// ListBySession returns a session's executions, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.ToolExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE session_id = ? ORDER BY started_at_ms DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tool executions: %w", err)
	}
	defer rows.Close()

	var out []*models.ToolExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		exec, err = s.dereference(ctx, exec)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// MarkRunningToolsTerminal reconciles orphaned rows: running rows started
// before now - staleAfter become failed with the reason as error text. A
// non-empty sessionID limits the update to that session. Process startup and
// the sweep schedule invoke it; no session-cancel path calls it.
func (s *Store) MarkRunningToolsTerminal(ctx context.Context, sessionID string, staleAfter time.Duration, reason string) (int64, error) {
	now := time.Now().UnixMilli()
	cutoff := now - staleAfter.Milliseconds()

	query := `
		UPDATE tool_executions SET
			status = 'failed', error_text = ?, ended_at_ms = ?, updated_at_ms = ?
		WHERE status = 'running' AND started_at_ms <= ?
	`
	args := []any{reason, now, now, cutoff}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark running tools terminal: %w", err)
	}
	return res.RowsAffected()
}

const selectColumns = `
	SELECT id, session_id, COALESCE(message_id, ''), COALESCE(part_id, ''),
		COALESCE(correlation_id, ''), tool, status, COALESCE(args_json, ''),
		COALESCE(result_json, ''), COALESCE(error_text, ''),
		started_at_ms, ended_at_ms, updated_at_ms
	FROM tool_executions
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.ToolExecution, error) {
	var exec models.ToolExecution
	var endedAt sql.NullInt64
	err := row.Scan(&exec.ID, &exec.SessionID, &exec.MessageID, &exec.PartID,
		&exec.CorrelationID, &exec.Tool, &exec.Status, &exec.ArgsJSON,
		&exec.ResultJSON, &exec.ErrorText, &exec.StartedAtMS, &endedAt, &exec.UpdatedAtMS)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		exec.EndedAtMS = &endedAt.Int64
	}
	return &exec, nil
}

func (s *Store) dereference(ctx context.Context, exec *models.ToolExecution) (*models.ToolExecution, error) {
	if s.cfg.Archiver == nil {
		return exec, nil
	}
	for _, field := range []*string{&exec.ArgsJSON, &exec.ResultJSON} {
		if !IsArchiveRef(*field) {
			continue
		}
		data, err := s.cfg.Archiver.Get(ctx, *field)
		if err != nil {
			return nil, fmt.Errorf("dereference archived payload: %w", err)
		}
		*field = string(data)
	}
	return exec, nil
}
