package sessions

import "github.com/haasonsaas/tandem/pkg/models"

// mergeMessages merges incoming legacy messages into current per-id. An
// incoming message replaces the current record only when its parts are
// strictly more informative: richer non-empty text/reasoning, or a tool
// result present where none existed. Unknown ids are appended. The merged
// slice is sorted by created_at.
func mergeMessages(current, incoming []models.Message) ([]models.Message, bool) {
	byID := make(map[string]int, len(current))
	merged := append([]models.Message(nil), current...)
	for i, msg := range merged {
		byID[msg.ID] = i
	}

	changed := false
	for _, msg := range incoming {
		idx, ok := byID[msg.ID]
		if !ok {
			byID[msg.ID] = len(merged)
			merged = append(merged, msg)
			changed = true
			continue
		}
		if moreInformative(msg, merged[idx]) {
			merged[idx] = msg
			changed = true
		}
	}
	if changed {
		sortMessagesByCreated(merged)
	}
	return merged, changed
}

// moreInformative reports whether candidate carries strictly more
// information than existing.
func moreInformative(candidate, existing models.Message) bool {
	candText, candReasoning, candResults := partsInfo(candidate)
	existText, existReasoning, existResults := partsInfo(existing)

	if candResults > existResults {
		return true
	}
	if candResults < existResults {
		return false
	}
	if candText > existText && candText > 0 {
		return true
	}
	if candReasoning > existReasoning && candReasoning > 0 {
		return candText >= existText
	}
	return false
}

// partsInfo measures a message's informativeness: total non-empty text
// length, reasoning length, and tool results present.
func partsInfo(msg models.Message) (textLen, reasoningLen, toolResults int) {
	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartText:
			textLen += len(p.Text)
		case models.PartReasoning:
			reasoningLen += len(p.Text)
		case models.PartToolInvocation:
			if p.Result != nil || p.Error != nil {
				toolResults++
			}
		}
	}
	return textLen, reasoningLen, toolResults
}

func sortMessagesByCreated(messages []models.Message) {
	for i := 0; i < len(messages)-1; i++ {
		for j := i + 1; j < len(messages); j++ {
			if messages[j].CreatedAt.Before(messages[i].CreatedAt) {
				messages[i], messages[j] = messages[j], messages[i]
			}
		}
	}
}
