package chat

import (
	"fmt"
	"strings"
	"testing"

	"github.com/portfolio/presence-relay/internal/protocol"
)

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	l := NewLog(10)

	m1 := l.Append(protocol.Message{Content: "one"})
	m2 := l.Append(protocol.Message{Content: "two"})
	m3 := l.Append(protocol.Message{Content: "three"})

	if m1.ID != 1 || m2.ID != 2 || m3.ID != 3 {
		t.Errorf("expected ids 1,2,3, got %d,%d,%d", m1.ID, m2.ID, m3.ID)
	}
}

func TestHistoryKeepsInsertionOrder(t *testing.T) {
	l := NewLog(10)
	for i := 1; i <= 5; i++ {
		l.Append(protocol.Message{Content: fmt.Sprintf("msg-%d", i)})
	}

	hist := l.History()
	if len(hist) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(hist))
	}
	for i, m := range hist {
		want := fmt.Sprintf("msg-%d", i+1)
		if m.Content != want {
			t.Errorf("history[%d]: expected %q, got %q", i, want, m.Content)
		}
	}
}

func TestRetentionTrimsOldest(t *testing.T) {
	l := NewLog(3)
	for i := 1; i <= 7; i++ {
		l.Append(protocol.Message{Content: fmt.Sprintf("msg-%d", i)})
	}

	hist := l.History()
	if len(hist) != 3 {
		t.Fatalf("expected 3 retained messages, got %d", len(hist))
	}
	// Messages 5..7 survive; ids keep counting past the trim.
	for i, m := range hist {
		want := fmt.Sprintf("msg-%d", i+5)
		if m.Content != want {
			t.Errorf("history[%d]: expected %q, got %q", i, want, m.Content)
		}
		if m.ID != int64(i+5) {
			t.Errorf("history[%d]: expected id %d, got %d", i, i+5, m.ID)
		}
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	l := NewLog(10)
	l.Append(protocol.Message{Content: "keep"})
	target := l.Append(protocol.Message{Content: "remove"})
	l.Append(protocol.Message{Content: "keep too"})

	if !l.Delete(target.ID) {
		t.Fatal("expected first Delete to remove the message")
	}
	if l.Delete(target.ID) {
		t.Error("second Delete of same id should be a no-op")
	}
	if l.Delete(9999) {
		t.Error("Delete of never-existing id should be a no-op")
	}

	for _, m := range l.History() {
		if m.ID == target.ID {
			t.Errorf("deleted id %d still present in history", target.ID)
		}
	}
	if l.Len() != 2 {
		t.Errorf("expected 2 messages left, got %d", l.Len())
	}
}

func TestSeed(t *testing.T) {
	l := NewLog(10)
	l.Seed([]protocol.Message{
		{ID: 40, Content: "old-1"},
		{ID: 41, Content: "old-2"},
	})

	if l.Len() != 2 {
		t.Fatalf("expected 2 seeded messages, got %d", l.Len())
	}

	next := l.Append(protocol.Message{Content: "new"})
	if next.ID != 42 {
		t.Errorf("expected id counter to continue at 42, got %d", next.ID)
	}

	// Seeding a non-empty log must be ignored.
	l.Seed([]protocol.Message{{ID: 1, Content: "ignored"}})
	if l.Len() != 3 {
		t.Errorf("seed of non-empty log should be ignored, len=%d", l.Len())
	}
}

func TestValidateContent(t *testing.T) {
	if _, err := ValidateContent(""); err == nil {
		t.Error("empty content must be rejected")
	}
	if _, err := ValidateContent("   \t\n "); err == nil {
		t.Error("whitespace-only content must be rejected")
	}
	if _, err := ValidateContent(strings.Repeat("a", MaxContentChars+1)); err == nil {
		t.Error("over-length content must be rejected")
	}
	if _, err := ValidateContent(string([]byte{0xff, 0xfe})); err == nil {
		t.Error("invalid UTF-8 must be rejected")
	}

	got, err := ValidateContent("  hi there  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hi there" {
		t.Errorf("expected trimmed %q, got %q", "hi there", got)
	}
}
