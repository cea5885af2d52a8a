package ipc

import "testing"

func TestMailboxLatestWins(t *testing.T) {
	m := NewMailbox[int]()
	if _, ok := m.Peek(); ok {
		t.Fatal("expected empty mailbox to report ok=false")
	}

	m.Publish(1)
	m.Publish(2)
	m.Publish(3)

	got, ok := m.Peek()
	if !ok || got != 3 {
		t.Fatalf("expected latest value 3, got %v (ok=%v)", got, ok)
	}

	// Peek does not consume.
	got, ok = m.Peek()
	if !ok || got != 3 {
		t.Fatalf("Peek should not consume: got %v (ok=%v)", got, ok)
	}
}

func TestEncodeFrame(t *testing.T) {
	msg, err := EncodeFrame("studyFrame", map[string]int{"frameNumber": 7})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if msg.Type != "studyFrame" {
		t.Fatalf("expected type studyFrame, got %v", msg.Type)
	}
	if len(msg.Data) == 0 {
		t.Fatal("expected non-empty data payload")
	}
}
