package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/tandem/internal/sidecar"
	"github.com/haasonsaas/tandem/pkg/models"
)

// fakeSidecar is a scriptable sidecar client. Each SubscribeEvents call
// returns a fresh channel the test feeds through Emit.
type fakeSidecar struct {
	mu      sync.Mutex
	events  chan sidecar.UpstreamEvent
	errCh   chan error
	subs    int
}

func newFakeSidecar() *fakeSidecar {
	return &fakeSidecar{}
}

func (f *fakeSidecar) SubscribeEvents(ctx context.Context) (<-chan sidecar.UpstreamEvent, <-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	f.events = make(chan sidecar.UpstreamEvent, 64)
	f.errCh = make(chan error, 1)
	return f.events, f.errCh, nil
}

func (f *fakeSidecar) SendMessage(ctx context.Context, sessionID, message string) error {
	return nil
}

func (f *fakeSidecar) Emit(event sidecar.UpstreamEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events <- event
}

func startTestHub(t *testing.T, cfg Config) (*Hub, *fakeSidecar) {
	t.Helper()
	fake := newFakeSidecar()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	h := New(fake, cfg)
	h.Start()
	t.Cleanup(h.Stop)

	// Wait for the upstream subscription.
	deadline := time.Now().Add(2 * time.Second)
	for h.Health() != models.HubHealthy {
		if time.Now().After(deadline) {
			t.Fatal("hub never became healthy")
		}
		time.Sleep(time.Millisecond)
	}
	return h, fake
}

func collect(t *testing.T, ch <-chan models.Envelope, n int) []models.Envelope {
	t.Helper()
	var out []models.Envelope
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case env := <-ch:
			out = append(out, env)
		case <-timeout:
			t.Fatalf("collected %d envelopes, want %d", len(out), n)
		}
	}
	return out
}

func TestHub_ContentOrderingPreserved(t *testing.T) {
	h, fake := startTestHub(t, Config{})
	events, unsub := h.Subscribe()
	defer unsub()

	deltas := []string{"hel", "lo ", "wor", "ld"}
	for _, d := range deltas {
		fake.Emit(sidecar.UpstreamEvent{
			Type: sidecar.EventTypeContent, SessionID: "ses-1", MessageID: "msg-1", Delta: d,
		})
	}

	got := collect(t, events, len(deltas))
	for i, env := range got {
		if env.Payload.Delta != deltas[i] {
			t.Fatalf("delta %d = %q, want %q (order broken)", i, env.Payload.Delta, deltas[i])
		}
		if env.CorrelationID != "ses-1:msg-1" {
			t.Errorf("content correlation = %q, want ses-1:msg-1", env.CorrelationID)
		}
		if env.EventID == "" || env.TsMS == 0 || env.Source != models.SourceSidecar {
			t.Errorf("envelope fields incomplete: %+v", env)
		}
	}
}

func TestHub_ToolStartPrecedesToolEnd(t *testing.T) {
	h, fake := startTestHub(t, Config{})
	events, unsub := h.Subscribe()
	defer unsub()

	result := "done"
	fake.Emit(sidecar.UpstreamEvent{
		Type: sidecar.EventTypeToolStart, SessionID: "ses-1",
		MessageID: "msg-1", PartID: "prt-1", Tool: "bash",
	})
	fake.Emit(sidecar.UpstreamEvent{
		Type: sidecar.EventTypeToolEnd, SessionID: "ses-1",
		MessageID: "msg-1", PartID: "prt-1", Tool: "bash", Result: &result,
	})

	got := collect(t, events, 2)
	if got[0].Payload.Kind != models.EventToolStart || got[1].Payload.Kind != models.EventToolEnd {
		t.Fatalf("tool ordering broken: %s then %s", got[0].Payload.Kind, got[1].Payload.Kind)
	}
	if got[0].CorrelationID != "ses-1:prt-1" || got[1].CorrelationID != got[0].CorrelationID {
		t.Errorf("tool events not correlated by part: %q vs %q",
			got[0].CorrelationID, got[1].CorrelationID)
	}
}

func TestHub_PendingToolTimeoutSynthesizesSessionError(t *testing.T) {
	h, fake := startTestHub(t, Config{
		ToolTimeout:  30 * time.Millisecond,
		TickInterval: 10 * time.Millisecond,
	})
	events, unsub := h.Subscribe()
	defer unsub()

	fake.Emit(sidecar.UpstreamEvent{
		Type: sidecar.EventTypeToolStart, SessionID: "ses-stuck",
		MessageID: "msg-1", PartID: "prt-stuck", Tool: "hang",
	})

	// ToolStart, then the synthesized error once the timeout passes.
	got := collect(t, events, 2)
	errEnv := got[1]
	if errEnv.Payload.Kind != models.EventSessionError {
		t.Fatalf("got %s, want synthesized session_error", errEnv.Payload.Kind)
	}
	if errEnv.Source != models.SourceSystem {
		t.Errorf("synthesized error source = %s, want system", errEnv.Source)
	}
	if errEnv.SessionID != "ses-stuck" {
		t.Errorf("synthesized error session = %q", errEnv.SessionID)
	}
}

func TestHub_MemoryEventsPublishWithMemorySource(t *testing.T) {
	h, _ := startTestHub(t, Config{})
	events, unsub := h.Subscribe()
	defer unsub()

	h.Publish(models.StreamEvent{
		Kind: models.EventMemoryRetrieval, SessionID: "ses-1",
		Message: "retrieved 2 facts",
	})

	got := collect(t, events, 1)
	if got[0].Source != models.SourceMemory {
		t.Errorf("source = %s, want memory", got[0].Source)
	}
	if got[0].CorrelationID != "ses-1" {
		t.Errorf("session-scope correlation = %q, want session id", got[0].CorrelationID)
	}
}

func TestHub_RecorderReceivesToolAndMemoryEvents(t *testing.T) {
	rec := &captureRecorder{}
	h, fake := startTestHub(t, Config{Recorder: rec})
	events, unsub := h.Subscribe()
	defer unsub()

	fake.Emit(sidecar.UpstreamEvent{
		Type: sidecar.EventTypeToolStart, SessionID: "s", MessageID: "m", PartID: "p", Tool: "bash",
	})
	fake.Emit(sidecar.UpstreamEvent{
		Type: sidecar.EventTypeContent, SessionID: "s", MessageID: "m", Delta: "x",
	})
	h.Publish(models.StreamEvent{Kind: models.EventMemoryStorage, SessionID: "s"})

	collect(t, events, 3)
	kinds := rec.kinds()
	if len(kinds) != 2 {
		t.Fatalf("recorder saw %d envelopes, want 2 (tool + memory, not content)", len(kinds))
	}
}

type captureRecorder struct {
	mu   sync.Mutex
	seen []models.StreamEventKind
}

func (r *captureRecorder) RecordEnvelope(ctx context.Context, env models.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, env.Payload.Kind)
	return nil
}

func (r *captureRecorder) kinds() []models.StreamEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.StreamEventKind(nil), r.seen...)
}

func TestHub_LaggedSubscriberGetsNoticeAndResumes(t *testing.T) {
	h, fake := startTestHub(t, Config{BufferSize: 4})
	events, unsub := h.Subscribe()
	defer unsub()

	// Flood well past the buffer without reading.
	for i := 0; i < 32; i++ {
		fake.Emit(sidecar.UpstreamEvent{
			Type: sidecar.EventTypeContent, SessionID: "ses-1", MessageID: "m", Delta: "x",
		})
	}

	// Give the hub time to process the flood.
	time.Sleep(200 * time.Millisecond)

	sawNotice := false
	drained := 0
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case env := <-events:
			drained++
			if env.Payload.Kind == models.EventRaw && env.Source == models.SourceSystem {
				sawNotice = true
			}
		case <-timeout:
			break drain
		default:
			if drained > 0 {
				break drain
			}
			time.Sleep(time.Millisecond)
		}
	}
	if !sawNotice {
		t.Error("lagged subscriber never saw a lag notice")
	}

	// The subscriber resumes: a fresh event arrives normally.
	fake.Emit(sidecar.UpstreamEvent{
		Type: sidecar.EventTypeContent, SessionID: "ses-1", MessageID: "m", Delta: "resumed",
	})
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-events:
			if env.Payload.Delta == "resumed" {
				return
			}
		case <-deadline:
			t.Fatal("subscriber did not resume after lag")
		}
	}
}

func TestHub_StartIsIdempotentAndStopTerminates(t *testing.T) {
	fake := newFakeSidecar()
	h := New(fake, Config{TickInterval: 10 * time.Millisecond})
	h.Start()
	h.Start() // no-op

	deadline := time.Now().Add(2 * time.Second)
	for h.Health() != models.HubHealthy {
		if time.Now().After(deadline) {
			t.Fatal("hub never healthy")
		}
		time.Sleep(time.Millisecond)
	}

	fake.mu.Lock()
	subs := fake.subs
	fake.mu.Unlock()
	if subs != 1 {
		t.Errorf("double start subscribed %d times, want 1", subs)
	}

	done := make(chan struct{})
	go func() {
		h.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not terminate")
	}
	if h.Health() != models.HubStopped {
		t.Errorf("health after stop = %s", h.Health())
	}
}
