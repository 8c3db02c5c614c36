package metrics

import "testing"

func TestLogSink_IncrementError(t *testing.T) {
	s := NewLogSink()
	s.IncrementError("ProtocolError")
	s.IncrementError("ProtocolError")
	s.IncrementError("IOError")

	if got := s.ErrorCount("ProtocolError"); got != 2 {
		t.Errorf("expected ProtocolError count 2, got %d", got)
	}
	if got := s.ErrorCount("IOError"); got != 1 {
		t.Errorf("expected IOError count 1, got %d", got)
	}
	if got := s.ErrorCount("Timeout"); got != 0 {
		t.Errorf("expected unseen class count 0, got %d", got)
	}
}

func TestNoop_DoesNotPanic(t *testing.T) {
	var s Noop
	s.IncrementError("anything")
	s.SetDelayedStart(7)
}
