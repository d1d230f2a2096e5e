package models

// BaseMode is one of the built-in mode archetypes a definition derives from.
type BaseMode string

const (
	BaseImmediate   BaseMode = "immediate"
	BasePlan        BaseMode = "plan"
	BaseOrchestrate BaseMode = "orchestrate"
	BaseCoder       BaseMode = "coder"
	BaseAsk         BaseMode = "ask"
	BaseExplore     BaseMode = "explore"
)

// ModeSource identifies where a definition came from. Resolution precedence
// is project > user > builtin, merged by id.
type ModeSource string

const (
	ModeSourceBuiltin ModeSource = "builtin"
	ModeSourceUser    ModeSource = "user"
	ModeSourceProject ModeSource = "project"
)

// ModeScope identifies which definition file a user-editable mode lives in.
type ModeScope string

const (
	ModeScopeUser    ModeScope = "user"
	ModeScopeProject ModeScope = "project"
)

// ModeDefinition is a stored mode. ID must match ^[a-z][a-z0-9-]*$ and Label
// must be non-empty; every AllowedTools entry must canonicalize to a known
// tool and every EditGlob must be a valid glob.
type ModeDefinition struct {
	ID                 string   `json:"id"`
	Label              string   `json:"label"`
	BaseMode           BaseMode `json:"base_mode"`
	Icon               string   `json:"icon,omitempty"`
	SystemPromptAppend string   `json:"system_prompt_append,omitempty"`
	AllowedTools       []string `json:"allowed_tools,omitempty"`
	EditGlobs          []string `json:"edit_globs,omitempty"`
	AutoApprove        bool     `json:"auto_approve"`
}

// ResolvedMode is a definition after precedence merging, annotated with its
// winning source.
type ResolvedMode struct {
	ModeDefinition
	Source ModeSource `json:"source"`
	Scope  ModeScope  `json:"scope,omitempty"`
}
