package sessions

import (
	"path/filepath"
	"strings"
)

// verbatimPrefix is the Windows extended-length path prefix. Canonicalized
// paths may carry it while user-supplied paths do not; it is stripped before
// comparison so equivalent paths compare equal.
const verbatimPrefix = `\\?\`

// NormalizeWorkspacePath normalizes a workspace root for storage and
// comparison: absolute, canonical when the path exists on disk, the literal
// absolute form otherwise.
func NormalizeWorkspacePath(path string) string {
	if path == "" {
		return ""
	}
	path = stripVerbatimPrefix(path)
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return stripVerbatimPrefix(filepath.Clean(abs))
}

func stripVerbatimPrefix(path string) string {
	return strings.TrimPrefix(path, verbatimPrefix)
}

// workspaceMatches reports whether a session belongs to the given normalized
// workspace root, matching both the session's workspace_root and its
// directory after normalization.
func workspaceMatches(sessionRoot, sessionDir, wantRoot string) bool {
	if wantRoot == "" {
		return true
	}
	if sessionRoot != "" && pathsEqual(NormalizeWorkspacePath(sessionRoot), wantRoot) {
		return true
	}
	if sessionDir != "" && pathsEqual(NormalizeWorkspacePath(sessionDir), wantRoot) {
		return true
	}
	return false
}

func pathsEqual(a, b string) bool {
	return stripVerbatimPrefix(a) == stripVerbatimPrefix(b)
}
