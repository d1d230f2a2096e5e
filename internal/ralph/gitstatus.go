package ralph

import (
	"context"
	"os/exec"
	"strings"
)

// GitStatusFunc captures the workspace's dirty-file set. Injected so tests
// can script file-change sequences without a repository.
type GitStatusFunc func(ctx context.Context, dir string) ([]string, error)

// gitStatusPorcelain shells out to the workspace's git binary. A missing
// repository yields an empty set rather than an error, so every iteration
// then counts as one without file changes.
func gitStatusPorcelain(ctx context.Context, dir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return nil, nil
	}
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// diffStatus returns the porcelain lines present in after but not before:
// the iteration's file changes.
func diffStatus(before, after []string) []string {
	seen := make(map[string]struct{}, len(before))
	for _, line := range before {
		seen[line] = struct{}{}
	}
	var changed []string
	for _, line := range after {
		if _, ok := seen[line]; !ok {
			changed = append(changed, line)
		}
	}
	return changed
}
