package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/tandem/pkg/models"
	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// ImportReport summarizes one legacy scan. It is persisted as the
// legacy-import marker, which records the counts; the marker does not gate
// later scans, which run only when the sessions file is absent or an import
// is forced.
type ImportReport struct {
	Scanned    int       `json:"scanned"`
	Inserted   int       `json:"inserted"`
	Merged     int       `json:"merged"`
	Errors     int       `json:"errors"`
	ImportedAt time.Time `json:"imported_at"`
}

// Legacy tree layout: session/<id>.json holds the session record,
// message/<session>/<id>.json each message, part/<session>/<message>/<id>.json
// each part. Records are parsed tolerantly: legacy trees are hand-edited over
// years and accrue trailing commas and comments.

type legacySession struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Directory     string         `json:"directory"`
	WorkspaceRoot string         `json:"workspace_root"`
	Path          string         `json:"path"`
	Time          legacyTimePair `json:"time"`
}

type legacyMessage struct {
	ID   string         `json:"id"`
	Role string         `json:"role"`
	Time legacyTimePair `json:"time"`
}

type legacyPart struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Tool  string          `json:"tool"`
	State legacyToolState `json:"state"`
}

type legacyToolState struct {
	Input  map[string]any `json:"input"`
	Output string         `json:"output"`
	Error  string         `json:"error"`
}

type legacyTimePair struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

func (t legacyTimePair) createdTime() time.Time {
	if t.Created == 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.Created)
}

// importLegacyTree scans the legacy layout under dir and merges results into
// the in-memory maps. Partial failures continue and count as errors. The
// caller flushes and writes the marker.
func (s *FileStore) importLegacyTree(dir string) (ImportReport, error) {
	report := ImportReport{ImportedAt: time.Now()}
	sessionDir := filepath.Join(dir, "session")
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		// No legacy tree is the common case on fresh installs.
		return report, nil
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		report.Scanned++
		var legacy legacySession
		if err := readJSON5(filepath.Join(sessionDir, entry.Name()), &legacy); err != nil {
			s.logger.Warn("skipping unreadable legacy session", "file", entry.Name(), "error", err)
			report.Errors++
			continue
		}
		if legacy.ID == "" {
			legacy.ID = strings.TrimSuffix(entry.Name(), ".json")
		}

		messages := s.loadLegacyMessages(dir, legacy.ID, &report)

		if existing, ok := s.sessions[legacy.ID]; ok {
			if s.mergeIntoExisting(existing, &legacy, messages) {
				report.Merged++
			}
			continue
		}

		session := &models.Session{
			ID:            legacy.ID,
			Title:         legacy.Title,
			Directory:     legacy.Directory,
			WorkspaceRoot: NormalizeWorkspacePath(firstNonEmpty(legacy.WorkspaceRoot, legacy.Path)),
			Messages:      messages,
			CreatedAt:     legacy.Time.createdTime(),
			UpdatedAt:     time.UnixMilli(max64(legacy.Time.Updated, legacy.Time.Created)),
		}
		if session.CreatedAt.IsZero() {
			session.CreatedAt = time.Now()
			session.UpdatedAt = session.CreatedAt
		}
		s.sessions[session.ID] = session
		if _, ok := s.meta[session.ID]; !ok {
			s.meta[session.ID] = &models.SessionMeta{}
		}
		report.Inserted++
	}

	return report, nil
}

// mergeIntoExisting fills only empty fields of a known session from legacy
// data; the current store remains source of truth. Messages are merged
// per-id, preferring the more informative record.
func (s *FileStore) mergeIntoExisting(existing *models.Session, legacy *legacySession, messages []models.Message) bool {
	changed := false
	if len(existing.Messages) == 0 && len(messages) > 0 {
		existing.Messages = messages
		changed = true
	} else if len(messages) > 0 {
		merged, didMerge := mergeMessages(existing.Messages, messages)
		if didMerge {
			existing.Messages = merged
			changed = true
		}
	}
	if existing.Title == "" && legacy.Title != "" {
		existing.Title = legacy.Title
		changed = true
	}
	if existing.Directory == "" && legacy.Directory != "" {
		existing.Directory = legacy.Directory
		changed = true
	}
	if existing.WorkspaceRoot == "" {
		if root := firstNonEmpty(legacy.WorkspaceRoot, legacy.Path); root != "" {
			existing.WorkspaceRoot = NormalizeWorkspacePath(root)
			changed = true
		}
	}
	return changed
}

func (s *FileStore) loadLegacyMessages(dir, sessionID string, report *ImportReport) []models.Message {
	messageDir := filepath.Join(dir, "message", sessionID)
	entries, err := os.ReadDir(messageDir)
	if err != nil {
		return nil
	}

	var messages []models.Message
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var legacy legacyMessage
		if err := readJSON5(filepath.Join(messageDir, entry.Name()), &legacy); err != nil {
			s.logger.Warn("skipping unreadable legacy message",
				"session_id", sessionID, "file", entry.Name(), "error", err)
			report.Errors++
			continue
		}
		if legacy.ID == "" {
			legacy.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		msg := models.Message{
			ID:        legacy.ID,
			Role:      legacyRole(legacy.Role),
			CreatedAt: legacy.Time.createdTime(),
			Parts:     s.loadLegacyParts(dir, sessionID, legacy.ID, report),
		}
		messages = append(messages, msg)
	}
	sortMessagesByCreated(messages)
	return messages
}

func (s *FileStore) loadLegacyParts(dir, sessionID, messageID string, report *ImportReport) []models.Part {
	partDir := filepath.Join(dir, "part", sessionID, messageID)
	entries, err := os.ReadDir(partDir)
	if err != nil {
		return nil
	}

	var parts []models.Part
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var legacy legacyPart
		if err := readJSON5(filepath.Join(partDir, entry.Name()), &legacy); err != nil {
			report.Errors++
			continue
		}
		if legacy.ID == "" {
			legacy.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		parts = append(parts, legacyPartToModel(legacy))
	}
	return parts
}

// legacyPartToModel maps a legacy part onto a Part variant: an explicit tool
// field (or "tool" type) wins, then reasoning, then text.
func legacyPartToModel(legacy legacyPart) models.Part {
	part := models.Part{ID: legacy.ID}
	switch {
	case legacy.Tool != "" || legacy.Type == "tool":
		part.Type = models.PartToolInvocation
		part.Tool = legacy.Tool
		part.Args = legacy.State.Input
		if legacy.State.Error != "" {
			e := legacy.State.Error
			part.Error = &e
		} else if legacy.State.Output != "" {
			r := legacy.State.Output
			part.Result = &r
		}
	case legacy.Type == "reasoning":
		part.Type = models.PartReasoning
		part.Text = legacy.Text
	default:
		part.Type = models.PartText
		part.Text = legacy.Text
	}
	return part
}

func legacyRole(role string) models.Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant", "ai":
		return models.RoleAssistant
	case "system":
		return models.RoleSystem
	case "tool":
		return models.RoleTool
	default:
		return models.RoleUser
	}
}

func readJSON5(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json5.Unmarshal(data, out)
}

func (s *FileStore) writeMarker(report ImportReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.baseDir, markerFile), data)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
