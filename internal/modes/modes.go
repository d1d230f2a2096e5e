package modes

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/tandem/pkg/models"
)

var modeIDPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// ErrValidation wraps definition validation failures.
var ErrValidation = errors.New("modes: validation failed")

// Store reads and writes mode definitions across the user and project
// scopes and resolves requests against the merged set.
type Store struct {
	// userDir is the operator's config directory holding modes.json.
	userDir string
	logger  *slog.Logger
}

// StoreConfig configures the mode store.
type StoreConfig struct {
	// UserDir is the operator-level config directory.
	UserDir string
	// Logger for store events.
	Logger *slog.Logger
}

// NewStore builds a mode store.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "modes")
	}
	return &Store{userDir: cfg.UserDir, logger: logger}
}

// BuiltInModes returns the six built-in modes.
func BuiltInModes() []models.ResolvedMode {
	builtin := func(id, label string, base models.BaseMode) models.ResolvedMode {
		return models.ResolvedMode{
			ModeDefinition: models.ModeDefinition{ID: id, Label: label, BaseMode: base},
			Source:         models.ModeSourceBuiltin,
		}
	}
	return []models.ResolvedMode{
		builtin("immediate", "Immediate", models.BaseImmediate),
		builtin("plan", "Plan", models.BasePlan),
		builtin("orchestrate", "Orchestrate", models.BaseOrchestrate),
		builtin("coder", "Coder", models.BaseCoder),
		builtin("ask", "Ask", models.BaseAsk),
		builtin("explore", "Explore", models.BaseExplore),
	}
}

// SidecarAgent maps a resolved mode's base onto the sidecar engine agent
// that drives it. Immediate runs without an engine agent.
func SidecarAgent(mode *models.ResolvedMode) string {
	switch mode.BaseMode {
	case models.BaseAsk:
		return "general"
	case models.BasePlan, models.BaseOrchestrate:
		return "plan"
	case models.BaseCoder:
		return "build"
	case models.BaseExplore:
		return "explore"
	default:
		return ""
	}
}

// ModeIDFromLegacyAgent maps a pre-mode-system agent selection onto the
// corresponding mode id.
func ModeIDFromLegacyAgent(agent string) string {
	switch agent {
	case "plan", "orchestrate", "coder", "explore":
		return agent
	case "general":
		return "ask"
	default:
		return "immediate"
	}
}

func (s *Store) userModesPath() (string, error) {
	if s.userDir == "" {
		return "", fmt.Errorf("modes: user config directory not configured")
	}
	if err := os.MkdirAll(s.userDir, 0o755); err != nil {
		return "", fmt.Errorf("create user config dir: %w", err)
	}
	return filepath.Join(s.userDir, "modes.json"), nil
}

func projectModesPath(workspace string) string {
	if workspace == "" {
		return ""
	}
	return filepath.Join(workspace, ".tandem", "modes.json")
}

func (s *Store) scopePath(workspace string, scope models.ModeScope) (string, error) {
	switch scope {
	case models.ModeScopeUser:
		return s.userModesPath()
	case models.ModeScopeProject:
		path := projectModesPath(workspace)
		if path == "" {
			return "", fmt.Errorf("modes: cannot manage project modes without an active workspace")
		}
		return path, nil
	default:
		return "", fmt.Errorf("modes: unknown scope %q", scope)
	}
}

// readModeFile accepts either a bare JSON array or a {"modes": [...]} wrapper.
func readModeFile(path string) ([]models.ModeDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read modes file: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}

	var bare []models.ModeDefinition
	if err := json.Unmarshal(data, &bare); err == nil {
		return bare, nil
	}
	var wrapped struct {
		Modes []models.ModeDefinition `json:"modes"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse modes file %s: %w", path, err)
	}
	return wrapped.Modes, nil
}

func writeModeFile(path string, defs []models.ModeDefinition) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create modes dir: %w", err)
	}
	data, err := json.MarshalIndent(defs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal modes: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write modes file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Normalize trims fields, canonicalizes tool names and dedupes lists.
func Normalize(mode models.ModeDefinition) models.ModeDefinition {
	mode.ID = strings.TrimSpace(mode.ID)
	mode.Label = strings.TrimSpace(mode.Label)
	mode.Icon = strings.TrimSpace(mode.Icon)
	mode.SystemPromptAppend = strings.TrimSpace(mode.SystemPromptAppend)
	if mode.AllowedTools != nil {
		seen := map[string]struct{}{}
		out := make([]string, 0, len(mode.AllowedTools))
		for _, t := range mode.AllowedTools {
			canonical := CanonicalToolName(t)
			if _, ok := seen[canonical]; ok {
				continue
			}
			seen[canonical] = struct{}{}
			out = append(out, canonical)
		}
		mode.AllowedTools = out
	}
	if mode.EditGlobs != nil {
		seen := map[string]struct{}{}
		out := make([]string, 0, len(mode.EditGlobs))
		for _, g := range mode.EditGlobs {
			g = strings.TrimSpace(g)
			if g == "" {
				continue
			}
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			out = append(out, g)
		}
		mode.EditGlobs = out
	}
	return mode
}

// Validate checks a normalized definition: id shape, non-empty label,
// known tools, valid globs.
func Validate(mode models.ModeDefinition) error {
	if !modeIDPattern.MatchString(mode.ID) {
		return fmt.Errorf("%w: invalid mode id %q, use kebab-case like 'safe-coder'", ErrValidation, mode.ID)
	}
	if mode.Label == "" {
		return fmt.Errorf("%w: mode label cannot be empty", ErrValidation)
	}
	if mode.Icon != "" && !modeIDPattern.MatchString(mode.Icon) {
		return fmt.Errorf("%w: invalid mode icon %q", ErrValidation, mode.Icon)
	}
	for _, tool := range mode.AllowedTools {
		if !isKnownTool(tool) {
			return fmt.Errorf("%w: unknown tool %q in allowed_tools", ErrValidation, tool)
		}
	}
	for _, glob := range mode.EditGlobs {
		if !validGlob(glob) {
			return fmt.Errorf("%w: invalid edit_glob %q for mode %q", ErrValidation, glob, mode.ID)
		}
	}
	return nil
}

// validateAndNormalizeMany drops invalid definitions with a warning rather
// than failing the whole file.
func (s *Store) validateAndNormalizeMany(defs []models.ModeDefinition) []models.ModeDefinition {
	var out []models.ModeDefinition
	for _, def := range defs {
		normalized := Normalize(def)
		if err := Validate(normalized); err != nil {
			s.logger.Warn("dropping invalid mode", "id", normalized.ID, "error", err)
			continue
		}
		out = append(out, normalized)
	}
	return out
}

// ListModes merges builtin, user and project definitions with project >
// user > builtin precedence by id, sorted by label case-insensitively.
func (s *Store) ListModes(workspace string) ([]models.ResolvedMode, error) {
	merged := map[string]models.ResolvedMode{}
	for _, mode := range BuiltInModes() {
		merged[mode.ID] = mode
	}

	if path, err := s.userModesPath(); err == nil {
		defs, err := readModeFile(path)
		if err != nil {
			return nil, err
		}
		for _, def := range s.validateAndNormalizeMany(defs) {
			merged[def.ID] = models.ResolvedMode{
				ModeDefinition: def,
				Source:         models.ModeSourceUser,
				Scope:          models.ModeScopeUser,
			}
		}
	}

	if path := projectModesPath(workspace); path != "" {
		defs, err := readModeFile(path)
		if err != nil {
			return nil, err
		}
		for _, def := range s.validateAndNormalizeMany(defs) {
			merged[def.ID] = models.ResolvedMode{
				ModeDefinition: def,
				Source:         models.ModeSourceProject,
				Scope:          models.ModeScopeProject,
			}
		}
	}

	out := make([]models.ResolvedMode, 0, len(merged))
	for _, mode := range merged {
		out = append(out, mode)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Label) < strings.ToLower(out[j].Label)
	})
	return out, nil
}

// Resolution is the outcome of resolving a mode request.
type Resolution struct {
	Mode           models.ResolvedMode
	FallbackReason string
}

// ResolveModeForRequest picks the requested mode, falling back to the
// legacy-agent mapping and finally to the builtin 'ask' mode.
func (s *Store) ResolveModeForRequest(workspace, modeID, legacyAgent string) (*Resolution, error) {
	modes, err := s.ListModes(workspace)
	if err != nil {
		return nil, err
	}

	requested := strings.TrimSpace(modeID)
	if requested == "" {
		requested = ModeIDFromLegacyAgent(legacyAgent)
	}
	for _, mode := range modes {
		if mode.ID == requested {
			return &Resolution{Mode: mode}, nil
		}
	}

	for _, mode := range modes {
		if mode.ID == "ask" {
			return &Resolution{
				Mode:           mode,
				FallbackReason: fmt.Sprintf("Mode %q was not found. Falling back to 'ask'.", requested),
			}, nil
		}
	}
	return nil, fmt.Errorf("modes: missing builtin fallback mode 'ask'")
}

// UpsertMode validates and writes one definition into the scope's file.
func (s *Store) UpsertMode(workspace string, scope models.ModeScope, mode models.ModeDefinition) error {
	path, err := s.scopePath(workspace, scope)
	if err != nil {
		return err
	}
	normalized := Normalize(mode)
	if err := Validate(normalized); err != nil {
		return err
	}

	defs, err := readModeFile(path)
	if err != nil {
		return err
	}
	out := defs[:0]
	for _, def := range defs {
		if def.ID != normalized.ID {
			out = append(out, def)
		}
	}
	out = append(out, normalized)
	return writeModeFile(path, out)
}

// DeleteMode removes one definition from the scope's file.
func (s *Store) DeleteMode(workspace string, scope models.ModeScope, id string) error {
	path, err := s.scopePath(workspace, scope)
	if err != nil {
		return err
	}
	defs, err := readModeFile(path)
	if err != nil {
		return err
	}
	out := defs[:0]
	for _, def := range defs {
		if def.ID != id {
			out = append(out, def)
		}
	}
	return writeModeFile(path, out)
}

// ExportModes round-trips the scope's validated set as pretty JSON.
func (s *Store) ExportModes(workspace string, scope models.ModeScope) (string, error) {
	path, err := s.scopePath(workspace, scope)
	if err != nil {
		return "", err
	}
	defs, err := readModeFile(path)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(s.validateAndNormalizeMany(defs), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal modes: %w", err)
	}
	return string(data), nil
}

// ImportModes replaces the scope's file with a validated payload. The
// payload is schema-checked first (precise structural errors), then every
// entry passes Validate; a payload containing duplicate ids is rejected.
func (s *Store) ImportModes(workspace string, scope models.ModeScope, payload string) error {
	path, err := s.scopePath(workspace, scope)
	if err != nil {
		return err
	}
	if err := validatePayloadSchema(payload); err != nil {
		return err
	}

	var defs []models.ModeDefinition
	if err := json.Unmarshal([]byte(payload), &defs); err != nil {
		var wrapped struct {
			Modes []models.ModeDefinition `json:"modes"`
		}
		if err := json.Unmarshal([]byte(payload), &wrapped); err != nil {
			return fmt.Errorf("modes: invalid import JSON: %w", err)
		}
		defs = wrapped.Modes
	}

	seen := map[string]struct{}{}
	normalized := make([]models.ModeDefinition, 0, len(defs))
	for _, def := range defs {
		n := Normalize(def)
		if err := Validate(n); err != nil {
			return err
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("%w: duplicate mode id %q in import payload", ErrValidation, n.ID)
		}
		seen[n.ID] = struct{}{}
		normalized = append(normalized, n)
	}
	return writeModeFile(path, normalized)
}
