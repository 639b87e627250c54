package session

import (
	"errors"
	"testing"
	"time"

	"relaybot/internal/broadcast"
)

func textPayload(s string) broadcast.Payload {
	return broadcast.Payload{Kind: broadcast.KindText, Text: s}
}

func TestToggleIsIdempotentPair(t *testing.T) {
	st := NewStore(time.Hour)
	st.Create(1, textPayload("hi"))

	sel, err := st.Toggle(1, 100)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if _, ok := sel[100]; !ok {
		t.Fatalf("expected 100 selected after first toggle")
	}

	sel, err = st.Toggle(1, 100)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if len(sel) != 0 {
		t.Fatalf("expected empty selection after toggle pair, got %v", sel)
	}
}

func TestCreateReplacesExistingSession(t *testing.T) {
	st := NewStore(time.Hour)
	st.Create(1, textPayload("first"))
	if _, err := st.Toggle(1, 100); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	st.Create(1, textPayload("second"))
	payload, targets, err := st.ConfirmAndClear(1)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if payload.Text != "second" {
		t.Fatalf("expected latest payload, got %q", payload.Text)
	}
	if len(targets) != 0 {
		t.Fatalf("expected fresh empty selection, got %v", targets)
	}
}

func TestSelectAllReplacesSelection(t *testing.T) {
	st := NewStore(time.Hour)
	st.Create(1, textPayload("hi"))
	if _, err := st.Toggle(1, 5); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	sel, err := st.SelectAll(1, []int64{10, 20, 30})
	if err != nil {
		t.Fatalf("select all: %v", err)
	}
	if len(sel) != 3 {
		t.Fatalf("expected 3 selected, got %d", len(sel))
	}
	if _, ok := sel[5]; ok {
		t.Fatalf("stale selection survived select-all")
	}
}

func TestConfirmAndClearIsSingleUse(t *testing.T) {
	st := NewStore(time.Hour)
	st.Create(1, textPayload("hi"))

	if _, _, err := st.ConfirmAndClear(1); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, _, err := st.ConfirmAndClear(1); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession on second confirm, got %v", err)
	}
	if _, err := st.Toggle(1, 100); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after confirm, got %v", err)
	}
}

func TestPeekLeavesSessionIntact(t *testing.T) {
	st := NewStore(time.Hour)
	st.Create(1, broadcast.Payload{Kind: broadcast.KindAlbum})
	if err := st.AttachCorrelation(1, "album-abc"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := st.Toggle(1, 100); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	payload, err := st.Peek(1)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if payload.Kind != broadcast.KindAlbum {
		t.Fatalf("expected album payload, got %v", payload.Kind)
	}

	if _, ok := st.ResolveCorrelation("album-abc"); !ok {
		t.Fatalf("peek dropped the correlation")
	}
	_, targets, err := st.ConfirmAndClear(1)
	if err != nil {
		t.Fatalf("confirm after peek: %v", err)
	}
	if len(targets) != 1 || targets[0] != 100 {
		t.Fatalf("selection lost after peek, got %v", targets)
	}

	if _, err := st.Peek(1); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestCorrelationLifecycle(t *testing.T) {
	st := NewStore(time.Hour)
	st.Create(1, broadcast.Payload{Kind: broadcast.KindAlbum})
	if err := st.AttachCorrelation(1, "album-xyz"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	userID, ok := st.ResolveCorrelation("album-xyz")
	if !ok || userID != 1 {
		t.Fatalf("resolve: got (%d, %v)", userID, ok)
	}

	if _, _, err := st.ConfirmAndClear(1); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, ok := st.ResolveCorrelation("album-xyz"); ok {
		t.Fatalf("correlation survived session clear")
	}
}

func TestSweepDropsExpired(t *testing.T) {
	st := NewStore(10 * time.Minute)
	now := time.Now()
	st.now = func() time.Time { return now }

	st.Create(1, textPayload("old"))
	if err := st.AttachCorrelation(1, "old-corr"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	now = now.Add(11 * time.Minute)
	st.Create(2, textPayload("fresh"))

	if removed := st.Sweep(); removed != 1 {
		t.Fatalf("expected 1 swept, got %d", removed)
	}
	if st.Len() != 1 {
		t.Fatalf("expected 1 session left, got %d", st.Len())
	}
	if _, ok := st.ResolveCorrelation("old-corr"); ok {
		t.Fatalf("correlation of swept session still resolvable")
	}
	if _, _, err := st.ConfirmAndClear(2); err != nil {
		t.Fatalf("fresh session swept too: %v", err)
	}
}
