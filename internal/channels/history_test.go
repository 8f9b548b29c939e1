package channels

import (
	"strings"
	"testing"
	"time"
)

func TestPendingHistoryRecordAndBuildContext(t *testing.T) {
	h := NewPendingHistory()
	h.Record("chat:1", HistoryEntry{Sender: "alice", Body: "hi", Timestamp: time.Now(), MessageID: "1"}, 10)
	h.Record("chat:1", HistoryEntry{Sender: "bob", Body: "yo", Timestamp: time.Now(), MessageID: "2"}, 10)

	got := h.BuildContext("chat:1", "[From: carol]\nhey", 10)
	if !strings.Contains(got, "[alice]: hi") {
		t.Errorf("expected alice's message in context, got %q", got)
	}
	if !strings.Contains(got, "[bob]: yo") {
		t.Errorf("expected bob's message in context, got %q", got)
	}
	if !strings.HasSuffix(got, "[From: carol]\nhey") {
		t.Errorf("expected current message appended last, got %q", got)
	}
}

func TestPendingHistoryBuildContextEmptyBuffer(t *testing.T) {
	h := NewPendingHistory()
	got := h.BuildContext("chat:unused", "current message", 10)
	if got != "current message" {
		t.Errorf("expected unchanged current message, got %q", got)
	}
}

func TestPendingHistoryTrimsToLimit(t *testing.T) {
	h := NewPendingHistory()
	for i := 0; i < 5; i++ {
		h.Record("chat:1", HistoryEntry{Sender: "s", Body: string(rune('a' + i))}, 3)
	}
	got := h.BuildContext("chat:1", "current", 3)
	for _, dropped := range []string{"a", "b"} {
		if strings.Contains(got, "[s]: "+dropped+"\n") {
			t.Errorf("expected oldest entry %q to be trimmed, got %q", dropped, got)
		}
	}
	for _, kept := range []string{"c", "d", "e"} {
		if !strings.Contains(got, "[s]: "+kept) {
			t.Errorf("expected entry %q to survive trimming, got %q", kept, got)
		}
	}
}

func TestPendingHistoryClearRemovesBuffer(t *testing.T) {
	h := NewPendingHistory()
	h.Record("chat:1", HistoryEntry{Sender: "s", Body: "hi"}, 10)
	h.Clear("chat:1")

	got := h.BuildContext("chat:1", "current", 10)
	if got != "current" {
		t.Errorf("expected cleared buffer to produce unchanged current message, got %q", got)
	}
}

func TestPendingHistoryKeysAreIndependent(t *testing.T) {
	h := NewPendingHistory()
	h.Record("chat:1", HistoryEntry{Sender: "s", Body: "only in chat 1"}, 10)

	got := h.BuildContext("chat:2", "current", 10)
	if got != "current" {
		t.Errorf("expected chat:2 to have no buffered history, got %q", got)
	}
}
