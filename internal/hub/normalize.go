// Package hub implements the streaming hub: a single subscription to the
// LLM sidecar fanned out to many subscribers as normalized, correlated
// envelopes, with health transitions and stalled-tool reconciliation.
package hub

import (
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/tandem/internal/sidecar"
	"github.com/haasonsaas/tandem/pkg/models"
)

// normalizeUpstream maps a raw sidecar event onto the normalized taxonomy.
// Unknown event types pass through as Raw.
func normalizeUpstream(event sidecar.UpstreamEvent) models.StreamEvent {
	out := models.StreamEvent{
		SessionID: event.SessionID,
		MessageID: event.MessageID,
		PartID:    event.PartID,
		RequestID: event.RequestID,
	}
	switch event.Type {
	case sidecar.EventTypeContent:
		out.Kind = models.EventContent
		out.Delta = event.Delta
	case sidecar.EventTypeToolStart:
		out.Kind = models.EventToolStart
		out.Tool = event.Tool
		out.Args = event.Args
	case sidecar.EventTypeToolEnd:
		out.Kind = models.EventToolEnd
		out.Tool = event.Tool
		out.Result = event.Result
		out.Error = event.Error
	case sidecar.EventTypeSessionStatus:
		out.Kind = models.EventSessionStatus
		out.Status = event.Status
	case sidecar.EventTypeSessionIdle:
		out.Kind = models.EventSessionIdle
	case sidecar.EventTypeSessionError:
		out.Kind = models.EventSessionError
		if event.Error != nil {
			out.Message = *event.Error
		}
	case sidecar.EventTypePermissionAsked:
		out.Kind = models.EventPermissionAsked
	case sidecar.EventTypeQuestionAsked:
		out.Kind = models.EventQuestionAsked
	case sidecar.EventTypeTodoUpdated:
		out.Kind = models.EventTodoUpdated
	case sidecar.EventTypeFileEdited:
		out.Kind = models.EventFileEdited
		out.Status = event.Status
	default:
		out.Kind = models.EventRaw
		out.Raw = event.Payload
		out.Status = string(event.Type)
	}
	return out
}

// correlationID derives the deterministic correlation id for an event:
// tool events correlate by part, content by message, permission/question by
// request, everything else by session.
func correlationID(event models.StreamEvent) string {
	switch event.Kind {
	case models.EventToolStart, models.EventToolEnd:
		return event.SessionID + ":" + event.PartID
	case models.EventContent:
		return event.SessionID + ":" + event.MessageID
	case models.EventPermissionAsked, models.EventQuestionAsked:
		return event.SessionID + ":" + event.RequestID
	default:
		return event.SessionID
	}
}

// envelope wraps a normalized event for fan-out.
func envelope(event models.StreamEvent, source models.EventSource) models.Envelope {
	return models.Envelope{
		EventID:       uuid.NewString(),
		CorrelationID: correlationID(event),
		TsMS:          time.Now().UnixMilli(),
		SessionID:     event.SessionID,
		Source:        source,
		Payload:       event,
	}
}
