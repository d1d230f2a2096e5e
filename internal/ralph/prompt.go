// Package ralph implements the bounded iterative loop that drives an LLM to
// task completion, detecting struggle and a completion promise token.
package ralph

import (
	"fmt"
	"regexp"
	"strings"
)

// promptInputs carries everything one iteration's prompt is built from.
type promptInputs struct {
	Iteration         int
	MaxIterations     int
	Task              string
	InjectedContext   []string
	Struggling        bool
	PreviousErrors    []string
	PlanModeGuard     bool
	CompletionPromise string
}

// buildPrompt composes the iteration prompt in a fixed section order:
// iteration header, task, additional context, struggle hint, errors from
// the last iteration, plan-mode guard, todo instruction, completion
// instruction. Tests snapshot this output, so the order is load-bearing.
func buildPrompt(in promptInputs) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Iteration %d of %d.\n\n", in.Iteration, in.MaxIterations)
	fmt.Fprintf(&b, "TASK:\n%s\n", in.Task)

	if len(in.InjectedContext) > 0 {
		b.WriteString("\nADDITIONAL CONTEXT:\n")
		for _, c := range in.InjectedContext {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if in.Struggling {
		b.WriteString("\nYou appear to be stuck: recent iterations produced no file changes or repeated the same errors. Try a different approach, break the problem into smaller steps, or re-read the errors below before retrying.\n")
	}

	if len(in.PreviousErrors) > 0 {
		b.WriteString("\nERRORS FROM LAST ITERATION:\n")
		for _, e := range in.PreviousErrors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}

	if in.PlanModeGuard {
		b.WriteString("\nPLAN MODE ACTIVE: do not modify files; produce or refine the plan only.\n")
	}

	b.WriteString("\nKeep the todo list current: mark completed items as you finish them.\n")
	fmt.Fprintf(&b, "\nWhen the task is truly complete, output <promise>%s</promise> to finish.\n", in.CompletionPromise)

	return b.String()
}

// completionPattern builds the case-insensitive detector for the promise
// token, tolerant of whitespace inside the tag.
func completionPattern(token string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)<promise>\s*` + regexp.QuoteMeta(token) + `\s*</promise>`)
}
