package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/tandem/pkg/models"
	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL for operators who want the
// session store outside the local JSON files. Records are stored as JSONB
// documents keyed by id; the Store contract is identical to FileStore's.
type PostgresStore struct {
	db      *sql.DB
	signKey []byte
}

// PostgresConfig holds the connection configuration.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ShareSigningKey []byte
}

// NewPostgresStore opens the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sessions: dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	key := cfg.ShareSigningKey
	if len(key) == 0 {
		key = []byte(uuid.NewString())
	}
	s := &PostgresStore{db: db, signKey: key}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workspace_root TEXT,
			directory TEXT,
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS session_meta (
			session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
			parent_id TEXT,
			doc JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS question_requests (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			doc JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_root)`,
		`CREATE INDEX IF NOT EXISTS idx_session_meta_parent ON session_meta(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_session ON question_requests(session_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) saveSessionTx(ctx context.Context, tx *sql.Tx, session *models.Session) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_root, directory, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			workspace_root = EXCLUDED.workspace_root,
			directory = EXCLUDED.directory,
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at
	`, session.ID, session.WorkspaceRoot, session.Directory, doc, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) saveMetaTx(ctx context.Context, tx *sql.Tx, sessionID string, meta *models.SessionMeta) error {
	doc, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_meta (session_id, parent_id, doc)
		VALUES ($1, NULLIF($2, ''), $3)
		ON CONFLICT (session_id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			doc = EXCLUDED.doc
	`, sessionID, meta.ParentID, doc)
	if err != nil {
		return fmt.Errorf("upsert session meta: %w", err)
	}
	return nil
}

func (s *PostgresStore) getSessionTx(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id string) (*models.Session, error) {
	var doc []byte
	err := q.QueryRowContext(ctx, `SELECT doc FROM sessions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal(doc, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *PostgresStore) getMetaTx(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id string) (*models.SessionMeta, error) {
	var doc []byte
	err := q.QueryRowContext(ctx, `SELECT doc FROM session_meta WHERE session_id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.SessionMeta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session meta: %w", err)
	}
	var meta models.SessionMeta
	if err := json.Unmarshal(doc, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal session meta: %w", err)
	}
	return &meta, nil
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// CreateSession creates a new session row plus empty metadata.
func (s *PostgresStore) CreateSession(ctx context.Context, title, workspaceRoot, directory string) (*models.Session, error) {
	now := time.Now()
	session := &models.Session{
		ID:            uuid.NewString(),
		Title:         title,
		WorkspaceRoot: NormalizeWorkspacePath(workspaceRoot),
		Directory:     directory,
		Messages:      []models.Message{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.saveSessionTx(ctx, tx, session); err != nil {
			return err
		}
		return s.saveMetaTx(ctx, tx, session.ID, &models.SessionMeta{})
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession fetches one session document.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.getSessionTx(ctx, s.db, id)
}

// SaveSession replaces the stored session record.
func (s *PostgresStore) SaveSession(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("sessions: session with id is required")
	}
	clone := models.CloneSession(session)
	clone.WorkspaceRoot = NormalizeWorkspacePath(clone.WorkspaceRoot)
	clone.UpdatedAt = time.Now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.saveSessionTx(ctx, tx, clone)
	})
}

// DeleteSession removes the session; metadata and questions cascade.
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *PostgresStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	return s.listSessions(ctx, `SELECT doc FROM sessions ORDER BY updated_at DESC`)
}

// ListSessionsScoped filters by normalized workspace root or directory.
func (s *PostgresStore) ListSessionsScoped(ctx context.Context, workspaceRoot string) ([]*models.Session, error) {
	want := NormalizeWorkspacePath(workspaceRoot)
	if want == "" {
		return s.ListSessions(ctx)
	}
	all, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.Session
	for _, session := range all {
		if workspaceMatches(session.WorkspaceRoot, session.Directory, want) {
			out = append(out, session)
		}
	}
	return out, nil
}

// Children lists sessions forked from the given parent.
func (s *PostgresStore) Children(ctx context.Context, parentID string) ([]*models.Session, error) {
	return s.listSessions(ctx, `
		SELECT s.doc FROM sessions s
		JOIN session_meta m ON m.session_id = s.id
		WHERE m.parent_id = $1
		ORDER BY s.updated_at DESC
	`, parentID)
}

func (s *PostgresStore) listSessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var session models.Session
		if err := json.Unmarshal(doc, &session); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, &session)
	}
	return out, rows.Err()
}

// AppendMessage mirrors FileStore's append protocol under a transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID string, msg models.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := s.getSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		meta, err := s.getMetaTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		meta.Snapshots = append(meta.Snapshots, models.CloneMessages(session.Messages))
		if len(meta.Snapshots) > models.MaxSnapshots {
			meta.Snapshots = meta.Snapshots[len(meta.Snapshots)-models.MaxSnapshots:]
		}

		clone := models.CloneMessage(msg)
		if clone.ID == "" {
			clone.ID = uuid.NewString()
		}
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = time.Now()
		}
		session.Messages = append(session.Messages, clone)
		session.UpdatedAt = time.Now()

		if err := s.saveSessionTx(ctx, tx, session); err != nil {
			return err
		}
		return s.saveMetaTx(ctx, tx, sessionID, meta)
	})
}

// Revert pops the newest snapshot, stashing current messages.
func (s *PostgresStore) Revert(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := s.getSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		meta, err := s.getMetaTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if len(meta.Snapshots) == 0 {
			return ErrNoSnapshot
		}
		popped := meta.Snapshots[len(meta.Snapshots)-1]
		meta.Snapshots = meta.Snapshots[:len(meta.Snapshots)-1]
		meta.PreRevert = session.Messages
		session.Messages = popped
		session.UpdatedAt = time.Now()

		if err := s.saveSessionTx(ctx, tx, session); err != nil {
			return err
		}
		return s.saveMetaTx(ctx, tx, sessionID, meta)
	})
}

// Unrevert restores messages stashed by Revert.
func (s *PostgresStore) Unrevert(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := s.getSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		meta, err := s.getMetaTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if meta.PreRevert == nil {
			return ErrNoPreRevert
		}
		meta.Snapshots = append(meta.Snapshots, session.Messages)
		if len(meta.Snapshots) > models.MaxSnapshots {
			meta.Snapshots = meta.Snapshots[len(meta.Snapshots)-models.MaxSnapshots:]
		}
		session.Messages = meta.PreRevert
		meta.PreRevert = nil
		session.UpdatedAt = time.Now()

		if err := s.saveSessionTx(ctx, tx, session); err != nil {
			return err
		}
		return s.saveMetaTx(ctx, tx, sessionID, meta)
	})
}

// ForkSession deep-clones a session under a new id.
func (s *PostgresStore) ForkSession(ctx context.Context, id string) (*models.Session, error) {
	var child *models.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		source, err := s.getSessionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		child = models.CloneSession(source)
		child.ID = uuid.NewString()
		child.Title = source.Title + " (fork)"
		now := time.Now()
		child.CreatedAt = now
		child.UpdatedAt = now

		if err := s.saveSessionTx(ctx, tx, child); err != nil {
			return err
		}
		return s.saveMetaTx(ctx, tx, child.ID, &models.SessionMeta{
			ParentID:  id,
			Snapshots: [][]models.Message{models.CloneMessages(child.Messages)},
		})
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// GetMeta fetches session metadata.
func (s *PostgresStore) GetMeta(ctx context.Context, id string) (*models.SessionMeta, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.getMetaTx(ctx, s.db, id)
}

func (s *PostgresStore) mutateMeta(ctx context.Context, id string, fn func(meta *models.SessionMeta) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getSessionTx(ctx, tx, id); err != nil {
			return err
		}
		meta, err := s.getMetaTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(meta); err != nil {
			return err
		}
		return s.saveMetaTx(ctx, tx, id, meta)
	})
}

// SetShared toggles sharing, minting or clearing the share token.
func (s *PostgresStore) SetShared(ctx context.Context, id string, shared bool) (string, error) {
	var shareID string
	err := s.mutateMeta(ctx, id, func(meta *models.SessionMeta) error {
		meta.Shared = shared
		if shared {
			token, err := mintShareToken(s.signKey, id)
			if err != nil {
				return fmt.Errorf("mint share token: %w", err)
			}
			meta.ShareID = token
		} else {
			meta.ShareID = ""
		}
		shareID = meta.ShareID
		return nil
	})
	return shareID, err
}

// ResolveShare verifies a share token against the stored shared flag.
func (s *PostgresStore) ResolveShare(ctx context.Context, shareID string) (string, error) {
	sessionID, err := verifyShareToken(s.signKey, shareID)
	if err != nil {
		return "", err
	}
	meta, err := s.GetMeta(ctx, sessionID)
	if err != nil || !meta.Shared {
		return "", ErrShareInvalid
	}
	return sessionID, nil
}

// SetArchived toggles the archived flag.
func (s *PostgresStore) SetArchived(ctx context.Context, id string, archived bool) error {
	return s.mutateMeta(ctx, id, func(meta *models.SessionMeta) error {
		meta.Archived = archived
		return nil
	})
}

// SetSummary records a session summary.
func (s *PostgresStore) SetSummary(ctx context.Context, id, summary string) error {
	return s.mutateMeta(ctx, id, func(meta *models.SessionMeta) error {
		meta.Summary = summary
		return nil
	})
}

// SetTodos replaces the session's todo list.
func (s *PostgresStore) SetTodos(ctx context.Context, id string, todos []models.Todo) error {
	return s.mutateMeta(ctx, id, func(meta *models.SessionMeta) error {
		meta.Todos = append([]models.Todo(nil), todos...)
		return nil
	})
}

// GetTodos returns the session's todo list.
func (s *PostgresStore) GetTodos(ctx context.Context, id string) ([]models.Todo, error) {
	meta, err := s.GetMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	return meta.Todos, nil
}

// AddQuestionRequest records an open question.
func (s *PostgresStore) AddQuestionRequest(ctx context.Context, req *models.QuestionRequest) error {
	if req == nil {
		return fmt.Errorf("sessions: question request is required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal question request: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO question_requests (id, session_id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
	`, req.ID, req.SessionID, doc)
	if err != nil {
		return fmt.Errorf("insert question request: %w", err)
	}
	return nil
}

// ListQuestionRequests returns open questions, optionally scoped by session.
func (s *PostgresStore) ListQuestionRequests(ctx context.Context, sessionID string) ([]*models.QuestionRequest, error) {
	query := `SELECT doc FROM question_requests`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = $1`
		args = append(args, sessionID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list question requests: %w", err)
	}
	defer rows.Close()

	var out []*models.QuestionRequest
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan question request: %w", err)
		}
		var req models.QuestionRequest
		if err := json.Unmarshal(doc, &req); err != nil {
			return nil, fmt.Errorf("unmarshal question request: %w", err)
		}
		out = append(out, &req)
	}
	return out, rows.Err()
}

// ReplyQuestionRequest removes a question request after the user answered.
func (s *PostgresStore) ReplyQuestionRequest(ctx context.Context, id string) error {
	return s.removeQuestion(ctx, id)
}

// RejectQuestionRequest removes a question request the user declined.
func (s *PostgresStore) RejectQuestionRequest(ctx context.Context, id string) error {
	return s.removeQuestion(ctx, id)
}

func (s *PostgresStore) removeQuestion(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM question_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete question request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrQuestionNotFound
	}
	return nil
}

// AttachSessionToWorkspace moves a session to a new workspace root.
func (s *PostgresStore) AttachSessionToWorkspace(ctx context.Context, id, workspaceRoot, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := s.getSessionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		normalized := NormalizeWorkspacePath(workspaceRoot)
		if session.OriginWorkspaceRoot == "" {
			session.OriginWorkspaceRoot = session.WorkspaceRoot
		}
		session.AttachedFrom = session.WorkspaceRoot
		session.AttachedTo = normalized
		session.AttachTimestampMS = time.Now().UnixMilli()
		session.AttachReason = reason
		session.WorkspaceRoot = normalized
		session.UpdatedAt = time.Now()
		return s.saveSessionTx(ctx, tx, session)
	})
}
