package sessions

import (
	"testing"
	"time"

	"github.com/haasonsaas/tandem/pkg/models"
)

func textMessage(id, text string, created time.Time) models.Message {
	return models.Message{
		ID:        id,
		Role:      models.RoleAssistant,
		CreatedAt: created,
		Parts:     []models.Part{{Type: models.PartText, Text: text}},
	}
}

func TestMergeMessages(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	result := "ok"

	tests := []struct {
		name        string
		current     []models.Message
		incoming    []models.Message
		wantChanged bool
		wantLen     int
		check       func(t *testing.T, merged []models.Message)
	}{
		{
			name:        "unknown id appended",
			current:     []models.Message{textMessage("a", "one", base)},
			incoming:    []models.Message{textMessage("b", "two", base.Add(time.Minute))},
			wantChanged: true,
			wantLen:     2,
		},
		{
			name:        "richer text replaces",
			current:     []models.Message{textMessage("a", "hi", base)},
			incoming:    []models.Message{textMessage("a", "hi, a much longer answer", base)},
			wantChanged: true,
			wantLen:     1,
			check: func(t *testing.T, merged []models.Message) {
				if merged[0].Parts[0].Text != "hi, a much longer answer" {
					t.Errorf("richer text did not win: %q", merged[0].Parts[0].Text)
				}
			},
		},
		{
			name:        "poorer text does not replace",
			current:     []models.Message{textMessage("a", "a full answer", base)},
			incoming:    []models.Message{textMessage("a", "stub", base)},
			wantChanged: false,
			wantLen:     1,
		},
		{
			name: "tool result present wins over absent",
			current: []models.Message{{
				ID: "a", CreatedAt: base,
				Parts: []models.Part{{Type: models.PartToolInvocation, Tool: "bash"}},
			}},
			incoming: []models.Message{{
				ID: "a", CreatedAt: base,
				Parts: []models.Part{{Type: models.PartToolInvocation, Tool: "bash", Result: &result}},
			}},
			wantChanged: true,
			wantLen:     1,
			check: func(t *testing.T, merged []models.Message) {
				if merged[0].Parts[0].Result == nil {
					t.Error("tool result lost in merge")
				}
			},
		},
		{
			name: "merged output sorted by created_at",
			current: []models.Message{
				textMessage("late", "later", base.Add(time.Hour)),
			},
			incoming: []models.Message{
				textMessage("early", "earlier", base),
			},
			wantChanged: true,
			wantLen:     2,
			check: func(t *testing.T, merged []models.Message) {
				if merged[0].ID != "early" || merged[1].ID != "late" {
					t.Errorf("not sorted by created_at: %s, %s", merged[0].ID, merged[1].ID)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, changed := mergeMessages(tt.current, tt.incoming)
			if changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tt.wantChanged)
			}
			if len(merged) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(merged), tt.wantLen)
			}
			if tt.check != nil {
				tt.check(t, merged)
			}
		})
	}
}

func TestNormalizeWorkspacePath(t *testing.T) {
	if got := NormalizeWorkspacePath(""); got != "" {
		t.Errorf("empty path normalized to %q", got)
	}
	if got := NormalizeWorkspacePath(verbatimPrefix + `C:\work`); got == verbatimPrefix+`C:\work` {
		t.Error("verbatim prefix not stripped")
	}
	dir := t.TempDir()
	indirect := dir + "/sub/.."
	if NormalizeWorkspacePath(indirect) != NormalizeWorkspacePath(dir) {
		t.Error("equivalent paths normalize differently")
	}
}
