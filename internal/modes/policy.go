// Package modes resolves execution modes and gates tool invocations: mode
// CRUD over user/project definition files, precedence merging, tool-name
// canonicalization and edit-path glob scoping.
package modes

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/tandem/pkg/models"
)

// PermissionDeniedError reports a gate refusal; callers branch on it with
// errors.As.
type PermissionDeniedError struct {
	Tool string
	Mode string
	Path string
}

func (e *PermissionDeniedError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("modes: path %q is blocked by edit_globs for mode %q", e.Path, e.Mode)
	}
	return fmt.Sprintf("modes: tool %q is not allowed in mode %q", e.Tool, e.Mode)
}

// knownTools is the canonical allowlist every allowed_tools entry must
// resolve into.
var knownTools = map[string]struct{}{
	"ls": {}, "list": {}, "read": {}, "search": {}, "grep": {},
	"codesearch": {}, "glob": {}, "write": {}, "write_file": {},
	"create_file": {}, "delete": {}, "delete_file": {}, "edit": {},
	"patch": {}, "replace": {}, "bash": {}, "shell": {}, "cmd": {},
	"terminal": {}, "run_command": {}, "websearch": {}, "webfetch": {},
	"webfetch_document": {}, "todo_write": {}, "todowrite": {},
	"new_task": {}, "update_todo_list": {}, "task": {}, "question": {},
	"skill": {}, "apply_patch": {}, "batch": {}, "lsp": {},
	"switch_mode": {}, "run_slash_command": {},
}

// editTools are the tool names subject to edit-path gating.
var editTools = map[string]struct{}{
	"write": {}, "write_file": {}, "create_file": {},
	"delete": {}, "delete_file": {}, "edit": {}, "patch": {},
}

// CanonicalToolName lowercases, maps hyphens to underscores, and applies
// the two legacy aliases.
func CanonicalToolName(raw string) string {
	cleaned := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	switch cleaned {
	case "update_todos":
		return "update_todo_list"
	case "todo_write":
		return "todowrite"
	default:
		return cleaned
	}
}

func isKnownTool(tool string) bool {
	_, ok := knownTools[CanonicalToolName(tool)]
	return ok
}

func isEditTool(tool string) bool {
	_, ok := editTools[CanonicalToolName(tool)]
	return ok
}

// isUniversalTool reports tools permitted in every mode regardless of the
// allowlist.
func isUniversalTool(tool string) bool {
	return CanonicalToolName(tool) == "skill"
}

// IsToolAllowed applies the mode's allowlist. An absent allowlist permits
// everything; universal tools always pass.
func IsToolAllowed(mode *models.ResolvedMode, tool string) bool {
	if isUniversalTool(tool) {
		return true
	}
	if mode.AllowedTools == nil {
		return true
	}
	requested := CanonicalToolName(tool)
	for _, t := range mode.AllowedTools {
		if t == requested {
			return true
		}
	}
	return false
}

// ToolPathFromArgs extracts the edit target from tool args, in the order
// the sidecar's tools actually populate: filePath, absolute_path, path,
// file.
func ToolPathFromArgs(args map[string]any) string {
	for _, key := range []string{"filePath", "absolute_path", "path", "file"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// IsEditPathAllowed applies the mode's edit_globs to a workspace-relative
// form of the path. An absent glob list permits everything.
func IsEditPathAllowed(mode *models.ResolvedMode, workspace, path string) bool {
	if mode.EditGlobs == nil {
		return true
	}
	rel := path
	if workspace != "" {
		if r, err := filepath.Rel(workspace, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	rel = strings.ReplaceAll(rel, `\`, "/")
	for _, pattern := range mode.EditGlobs {
		if matchGlob(pattern, rel) {
			return true
		}
	}
	return false
}

// AllowToolExecution is the single gate every tool invocation passes
// through: allowlist first, then edit-path scoping for edit-class tools.
func AllowToolExecution(mode *models.ResolvedMode, workspace, tool string, args map[string]any) error {
	if !IsToolAllowed(mode, tool) {
		return &PermissionDeniedError{Tool: tool, Mode: mode.Label}
	}
	if isEditTool(tool) && workspace != "" {
		if path := ToolPathFromArgs(args); path != "" {
			if !IsEditPathAllowed(mode, workspace, path) {
				return &PermissionDeniedError{Tool: tool, Mode: mode.Label, Path: path}
			}
		}
	}
	return nil
}

// matchGlob matches slash-separated paths with single-segment wildcards per
// filepath.Match plus "**" spanning any number of segments.
func matchGlob(pattern, path string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

func matchSegments(pattern, path []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			if len(pattern) == 1 {
				return true
			}
			for skip := 0; skip <= len(path); skip++ {
				if matchSegments(pattern[1:], path[skip:]) {
					return true
				}
			}
			return false
		}
		if len(path) == 0 {
			return false
		}
		ok, err := filepath.Match(pattern[0], path[0])
		if err != nil || !ok {
			return false
		}
		pattern = pattern[1:]
		path = path[1:]
	}
	return len(path) == 0
}

// validGlob reports whether a pattern compiles: every non-** segment must
// be a valid filepath.Match pattern.
func validGlob(pattern string) bool {
	if strings.TrimSpace(pattern) == "" {
		return false
	}
	for _, segment := range strings.Split(pattern, "/") {
		if segment == "**" {
			continue
		}
		if _, err := filepath.Match(segment, "probe"); err != nil {
			return false
		}
	}
	return true
}
