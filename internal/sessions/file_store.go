package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/tandem/pkg/models"
)

const (
	sessionsFile  = "sessions.json"
	metaFile      = "session_meta.json"
	questionsFile = "questions.json"
	markerFile    = "legacy_import_marker.json"
)

// FileStoreConfig configures the JSON-file session store.
type FileStoreConfig struct {
	// BaseDir is the directory holding the store's flat JSON documents.
	BaseDir string

	// ShareSigningKey signs share capability tokens. A fresh random key is
	// generated when absent, which invalidates share links across restarts.
	ShareSigningKey []byte

	// LegacyDir is the root of the legacy tree layout (session/, message/,
	// part/). Defaults to BaseDir.
	LegacyDir string

	// ForceLegacyImport rescans the legacy tree even when the sessions file
	// already exists.
	ForceLegacyImport bool

	// Logger for store events.
	Logger *slog.Logger
}

// FileStore persists sessions, metadata and question requests as three flat
// JSON documents rewritten atomically on every mutation. Readers see the
// prior snapshot until a flush completes.
type FileStore struct {
	mu        sync.RWMutex
	baseDir   string
	sessions  map[string]*models.Session
	meta      map[string]*models.SessionMeta
	questions map[string]*models.QuestionRequest
	signKey   []byte
	logger    *slog.Logger
}

// NewFileStore opens (or creates) a store at cfg.BaseDir. On first startup
// (sessions file absent) or when forced, the legacy tree is scanned and
// merged per the source-of-truth-preserving policy.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("sessions: base dir is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "session-store")
	}
	key := cfg.ShareSigningKey
	if len(key) == 0 {
		key = []byte(uuid.NewString())
	}

	s := &FileStore{
		baseDir:   cfg.BaseDir,
		sessions:  map[string]*models.Session{},
		meta:      map[string]*models.SessionMeta{},
		questions: map[string]*models.QuestionRequest{},
		signKey:   key,
		logger:    logger,
	}

	firstRun := !fileExists(filepath.Join(cfg.BaseDir, sessionsFile))
	s.loadAll()

	if firstRun || cfg.ForceLegacyImport {
		legacyDir := cfg.LegacyDir
		if legacyDir == "" {
			legacyDir = cfg.BaseDir
		}
		report, err := s.importLegacyTree(legacyDir)
		if err != nil {
			logger.Warn("legacy import failed", "error", err)
		} else if report.Scanned > 0 {
			logger.Info("legacy import finished",
				"sessions_scanned", report.Scanned,
				"sessions_inserted", report.Inserted,
				"sessions_merged", report.Merged,
				"errors", report.Errors,
			)
		}
		if err := s.writeMarker(report); err != nil {
			logger.Warn("failed to write legacy import marker", "error", err)
		}
		if report.Inserted > 0 || report.Merged > 0 || firstRun {
			if err := s.flushAllLocked(); err != nil {
				return nil, err
			}
		}
	}

	return s, nil
}

// loadAll reads the three documents. Read errors degrade to empty objects;
// parse errors are logged and treated as empty.
func (s *FileStore) loadAll() {
	loadJSON(filepath.Join(s.baseDir, sessionsFile), &s.sessions, s.logger)
	loadJSON(filepath.Join(s.baseDir, metaFile), &s.meta, s.logger)
	loadJSON(filepath.Join(s.baseDir, questionsFile), &s.questions, s.logger)
	if s.sessions == nil {
		s.sessions = map[string]*models.Session{}
	}
	if s.meta == nil {
		s.meta = map[string]*models.SessionMeta{}
	}
	if s.questions == nil {
		s.questions = map[string]*models.QuestionRequest{}
	}
}

func loadJSON[T any](path string, out *T, logger *slog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, out); err != nil {
		logger.Warn("failed to parse store file, treating as empty", "path", path, "error", err)
	}
}

// atomicWrite replaces path with data via a temp file and rename.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileStore) flushSessionsLocked() error {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	return atomicWrite(filepath.Join(s.baseDir, sessionsFile), data)
}

func (s *FileStore) flushMetaLocked() error {
	data, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	return atomicWrite(filepath.Join(s.baseDir, metaFile), data)
}

func (s *FileStore) flushQuestionsLocked() error {
	data, err := json.MarshalIndent(s.questions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	return atomicWrite(filepath.Join(s.baseDir, questionsFile), data)
}

func (s *FileStore) flushAllLocked() error {
	if err := s.flushSessionsLocked(); err != nil {
		return err
	}
	if err := s.flushMetaLocked(); err != nil {
		return err
	}
	return s.flushQuestionsLocked()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CreateSession creates a new session with a fresh id.
func (s *FileStore) CreateSession(ctx context.Context, title, workspaceRoot, directory string) (*models.Session, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = models.CloneSession(session)
	s.meta[session.ID] = &models.SessionMeta{}
	if err := s.flushSessionsLocked(); err != nil {
		return nil, err
	}
	if err := s.flushMetaLocked(); err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession returns a deep copy of the session.
func (s *FileStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return models.CloneSession(session), nil
}

// SaveSession replaces the stored session record.
func (s *FileStore) SaveSession(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("sessions: session with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := models.CloneSession(session)
	clone.WorkspaceRoot = NormalizeWorkspacePath(clone.WorkspaceRoot)
	clone.UpdatedAt = time.Now()
	s.sessions[clone.ID] = clone
	if _, ok := s.meta[clone.ID]; !ok {
		s.meta[clone.ID] = &models.SessionMeta{}
	}
	return s.flushSessionsLocked()
}

// DeleteSession removes the session, its metadata and any open question
// requests.
func (s *FileStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	delete(s.meta, id)
	for qid, q := range s.questions {
		if q.SessionID == id {
			delete(s.questions, qid)
		}
	}
	return s.flushAllLocked()
}

// ListSessions returns all sessions sorted by most recently updated.
func (s *FileStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	return s.ListSessionsScoped(ctx, "")
}

// ListSessionsScoped returns sessions matching the workspace root, comparing
// both workspace_root and directory after normalization. An empty root
// matches everything.
func (s *FileStore) ListSessionsScoped(ctx context.Context, workspaceRoot string) ([]*models.Session, error) {
	want := NormalizeWorkspacePath(workspaceRoot)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, session := range s.sessions {
		if workspaceMatches(session.WorkspaceRoot, session.Directory, want) {
			out = append(out, models.CloneSession(session))
		}
	}
	sortSessionsByUpdated(out)
	return out, nil
}

// Children returns sessions whose meta records the given parent.
func (s *FileStore) Children(ctx context.Context, parentID string) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for id, meta := range s.meta {
		if meta.ParentID != parentID {
			continue
		}
		if session, ok := s.sessions[id]; ok {
			out = append(out, models.CloneSession(session))
		}
	}
	sortSessionsByUpdated(out)
	return out, nil
}

func sortSessionsByUpdated(sessions []*models.Session) {
	for i := 0; i < len(sessions)-1; i++ {
		for j := i + 1; j < len(sessions); j++ {
			if sessions[j].UpdatedAt.After(sessions[i].UpdatedAt) {
				sessions[i], sessions[j] = sessions[j], sessions[i]
			}
		}
	}
}

// AppendMessage pushes the pre-append messages vector onto the snapshot
// ring (FIFO-evicting past MaxSnapshots), appends the message and flushes.
func (s *FileStore) AppendMessage(ctx context.Context, sessionID string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	meta := s.metaLocked(sessionID)

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

	if err := s.flushSessionsLocked(); err != nil {
		return err
	}
	return s.flushMetaLocked()
}

// Revert pops the newest snapshot, stashing the current messages for
// Unrevert.
func (s *FileStore) Revert(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	meta := s.metaLocked(sessionID)
	if len(meta.Snapshots) == 0 {
		return ErrNoSnapshot
	}
	popped := meta.Snapshots[len(meta.Snapshots)-1]
	meta.Snapshots = meta.Snapshots[:len(meta.Snapshots)-1]
	meta.PreRevert = session.Messages
	session.Messages = popped
	session.UpdatedAt = time.Now()

	if err := s.flushSessionsLocked(); err != nil {
		return err
	}
	return s.flushMetaLocked()
}

// Unrevert restores the messages stashed by the most recent Revert.
func (s *FileStore) Unrevert(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	meta := s.metaLocked(sessionID)
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

	if err := s.flushSessionsLocked(); err != nil {
		return err
	}
	return s.flushMetaLocked()
}

// ForkSession deep-clones the session under a new id. The child references
// its parent by id only; deleting the parent preserves the child.
func (s *FileStore) ForkSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	source, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	child := models.CloneSession(source)
	child.ID = uuid.NewString()
	child.Title = source.Title + " (fork)"
	now := time.Now()
	child.CreatedAt = now
	child.UpdatedAt = now

	s.sessions[child.ID] = child
	s.meta[child.ID] = &models.SessionMeta{
		ParentID:  id,
		Snapshots: [][]models.Message{models.CloneMessages(child.Messages)},
	}
	if err := s.flushSessionsLocked(); err != nil {
		return nil, err
	}
	if err := s.flushMetaLocked(); err != nil {
		return nil, err
	}
	return models.CloneSession(child), nil
}

func (s *FileStore) metaLocked(id string) *models.SessionMeta {
	meta, ok := s.meta[id]
	if !ok {
		meta = &models.SessionMeta{}
		s.meta[id] = meta
	}
	return meta
}

// GetMeta returns a copy of the session's metadata.
func (s *FileStore) GetMeta(ctx context.Context, id string) (*models.SessionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[id]; !ok {
		return nil, ErrSessionNotFound
	}
	meta, ok := s.meta[id]
	if !ok {
		return &models.SessionMeta{}, nil
	}
	clone := *meta
	clone.Snapshots = make([][]models.Message, len(meta.Snapshots))
	for i, snap := range meta.Snapshots {
		clone.Snapshots[i] = models.CloneMessages(snap)
	}
	clone.PreRevert = models.CloneMessages(meta.PreRevert)
	clone.Todos = append([]models.Todo(nil), meta.Todos...)
	return &clone, nil
}

// SetShared toggles sharing. Enabling mints a signed share capability token;
// disabling clears it.
func (s *FileStore) SetShared(ctx context.Context, id string, shared bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return "", ErrSessionNotFound
	}
	meta := s.metaLocked(id)
	meta.Shared = shared
	if shared {
		token, err := mintShareToken(s.signKey, id)
		if err != nil {
			return "", fmt.Errorf("mint share token: %w", err)
		}
		meta.ShareID = token
	} else {
		meta.ShareID = ""
	}
	if err := s.flushMetaLocked(); err != nil {
		return "", err
	}
	return meta.ShareID, nil
}

// ResolveShare verifies a share token and returns the session id it names.
func (s *FileStore) ResolveShare(ctx context.Context, shareID string) (string, error) {
	sessionID, err := verifyShareToken(s.signKey, shareID)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.meta[sessionID]
	if !ok || !meta.Shared {
		return "", ErrShareInvalid
	}
	return sessionID, nil
}

// SetArchived toggles the archived flag.
func (s *FileStore) SetArchived(ctx context.Context, id string, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	s.metaLocked(id).Archived = archived
	return s.flushMetaLocked()
}

// SetSummary records a session summary.
func (s *FileStore) SetSummary(ctx context.Context, id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	s.metaLocked(id).Summary = summary
	return s.flushMetaLocked()
}

// SetTodos replaces the session's todo list.
func (s *FileStore) SetTodos(ctx context.Context, id string, todos []models.Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	s.metaLocked(id).Todos = append([]models.Todo(nil), todos...)
	return s.flushMetaLocked()
}

// GetTodos returns the session's todo list.
func (s *FileStore) GetTodos(ctx context.Context, id string) ([]models.Todo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[id]; !ok {
		return nil, ErrSessionNotFound
	}
	meta, ok := s.meta[id]
	if !ok {
		return []models.Todo{}, nil
	}
	return append([]models.Todo(nil), meta.Todos...), nil
}

// AddQuestionRequest records an open question from the assistant.
func (s *FileStore) AddQuestionRequest(ctx context.Context, req *models.QuestionRequest) error {
	if req == nil {
		return fmt.Errorf("sessions: question request is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[req.SessionID]; !ok {
		return ErrSessionNotFound
	}
	clone := *req
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	s.questions[clone.ID] = &clone
	req.ID = clone.ID
	return s.flushQuestionsLocked()
}

// ListQuestionRequests returns open question requests, optionally scoped to
// one session.
func (s *FileStore) ListQuestionRequests(ctx context.Context, sessionID string) ([]*models.QuestionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.QuestionRequest
	for _, q := range s.questions {
		if sessionID != "" && q.SessionID != sessionID {
			continue
		}
		clone := *q
		out = append(out, &clone)
	}
	return out, nil
}

// ReplyQuestionRequest removes a question request after the user answered.
func (s *FileStore) ReplyQuestionRequest(ctx context.Context, id string) error {
	return s.removeQuestion(id)
}

// RejectQuestionRequest removes a question request the user declined.
func (s *FileStore) RejectQuestionRequest(ctx context.Context, id string) error {
	return s.removeQuestion(id)
}

func (s *FileStore) removeQuestion(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.questions[id]; !ok {
		return ErrQuestionNotFound
	}
	delete(s.questions, id)
	return s.flushQuestionsLocked()
}

// AttachSessionToWorkspace moves a session to a new workspace root,
// recording the move in the attachment audit fields. The audit records the
// most recent move; the origin workspace is captured once.
func (s *FileStore) AttachSessionToWorkspace(ctx context.Context, id, workspaceRoot, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
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
	return s.flushSessionsLocked()
}
