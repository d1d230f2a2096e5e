package observability

// Well-known error codes used in observability events and API responses.
// These strings are stable for external consumers.
const (
	CodeSpawnPolicyDisabled       = "SPAWN_POLICY_DISABLED"
	CodeSpawnDeniedEdge           = "SPAWN_DENIED_EDGE"
	CodeSpawnRequiredSkillMissing = "SPAWN_REQUIRED_SKILL_MISSING"
	CodeToolHistoryDBMalformed    = "TOOL_HISTORY_DB_MALFORMED"
	CodeEngineStartupFailed       = "ENGINE_STARTUP_FAILED"
)
