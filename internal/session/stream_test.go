package session

import (
	"testing"
	"time"
)

func waitMatch(t *testing.T, w *watch) match {
	t.Helper()
	select {
	case m := <-w.found:
		return m
	case <-time.After(time.Second):
		t.Fatal("sentinel was not matched")
		return match{}
	}
}

func TestStreamMatchesSplitSentinel(t *testing.T) {
	s := &stream{}
	w := s.arm("TOK")

	chunks := []string{"hello\nwor", "ld\n\nTO", "K:", "4", "2\n"}
	for _, c := range chunks {
		if _, err := s.Write([]byte(c)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	m := waitMatch(t, w)
	if m.text != "hello\nworld" {
		t.Errorf("text = %q, want %q", m.text, "hello\nworld")
	}
	if m.code != 42 {
		t.Errorf("code = %d, want 42", m.code)
	}
}

func TestStreamWaitsForNewline(t *testing.T) {
	s := &stream{}
	w := s.arm("TOK")

	_, _ = s.Write([]byte("out\nTOK:1"))
	select {
	case <-w.found:
		t.Fatal("matched before the sentinel line was complete")
	default:
	}

	_, _ = s.Write([]byte("\r\n"))
	if m := waitMatch(t, w); m.code != 1 || m.text != "out" {
		t.Errorf("match = %+v", m)
	}
}

func TestStreamSkipsMalformedCodes(t *testing.T) {
	s := &stream{}
	w := s.arm("TOK")

	_, _ = s.Write([]byte("TOK:abc\nmore\nTOK:-3\n"))
	m := waitMatch(t, w)
	if m.code != -3 {
		t.Errorf("code = %d, want -3", m.code)
	}
	if m.text != "TOK:abc\nmore" {
		t.Errorf("text = %q", m.text)
	}
}

func TestStreamDropsUnarmedOutput(t *testing.T) {
	s := &stream{}
	_, _ = s.Write([]byte("stray TOK:0\n"))

	w := s.arm("TOK")
	_, _ = s.Write([]byte("real\nTOK:0\n"))
	if m := waitMatch(t, w); m.text != "real" {
		t.Errorf("text = %q, want %q", m.text, "real")
	}

	// after a match the stream is unarmed again
	_, _ = s.Write([]byte("late output"))
	if got := s.disarm(); got != "" {
		t.Errorf("disarm() = %q, want empty", got)
	}
}

func TestStreamIgnoresOtherTokens(t *testing.T) {
	s := &stream{}
	w := s.arm("NEW")

	_, _ = s.Write([]byte("OLD:0\nNEW:5\n"))
	if m := waitMatch(t, w); m.code != 5 || m.text != "OLD:0" {
		t.Errorf("match = %+v", m)
	}
}
