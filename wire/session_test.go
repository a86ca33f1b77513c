package wire

import (
	"testing"

	"jupyterctl/kerrors"
)

func TestSignRoundTrip(t *testing.T) {
	s := New([]byte("secret"), "hmac-sha256", "tester")
	msg := s.Build("execute_request", nil, map[string]any{"code": "1+1"})

	frames, err := s.Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := s.Parse("shell", frames, true)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Header.MsgID != msg.Header.MsgID {
		t.Fatalf("msg id mismatch: got %s want %s", got.Header.MsgID, msg.Header.MsgID)
	}
	if got.Content["code"] != "1+1" {
		t.Fatalf("content mismatch: %+v", got.Content)
	}
}

func TestVerifyFailsWithWrongKey(t *testing.T) {
	s := New([]byte("secret"), "hmac-sha256", "tester")
	other := New([]byte("different"), "hmac-sha256", "tester")

	msg := s.Build("kernel_info_request", nil, map[string]any{})
	frames, err := s.Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	_, err = other.Parse("shell", frames, true)
	if !kerrors.Of(err, kerrors.InvalidSignature) {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
}

func TestEmptyKeySkipsVerification(t *testing.T) {
	s := New(nil, "", "tester")
	msg := s.Build("kernel_info_request", nil, map[string]any{})
	frames, err := s.Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if got, err := s.Parse("shell", frames, true); err != nil {
		t.Fatalf("Parse with empty key: %v", err)
	} else if got.Header.MsgType != "kernel_info_request" {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestDuplicateSignatureRejectedOnShellOnly(t *testing.T) {
	s := New([]byte("secret"), "hmac-sha256", "tester")
	msg := s.Build("execute_request", nil, map[string]any{"code": "x"})
	frames, err := s.Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	if _, err := s.Parse("shell", frames, true); err != nil {
		t.Fatalf("first parse: %v", err)
	}
	if _, err := s.Parse("shell", frames, true); !kerrors.Of(err, kerrors.DuplicateSignature) {
		t.Fatalf("expected DuplicateSignature on replay, got %v", err)
	}

	// Replaying the identical frames on iopub (dedupe=false) must
	// succeed: iopub is a broadcast channel and is never deduped.
	if _, err := s.Parse("iopub", frames, false); err != nil {
		t.Fatalf("iopub replay should succeed, got %v", err)
	}
}

func TestParentCorrelation(t *testing.T) {
	s := New([]byte("secret"), "hmac-sha256", "tester")
	req := s.Build("execute_request", nil, map[string]any{"code": "1"})
	reply := s.Build("execute_reply", &req.Header, map[string]any{"status": "ok"})

	if reply.ParentHeader.MsgID != req.Header.MsgID {
		t.Fatalf("parent header not propagated")
	}
}

func TestTimestampRoundTrips(t *testing.T) {
	s := New([]byte("k"), "hmac-sha256", "tester")
	msg := s.Build("status", nil, map[string]any{})
	parsedTime, err := msg.Header.Time()
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if parsedTime.IsZero() {
		t.Fatalf("parsed zero time")
	}
}

func TestUnparseableTimestampTolerated(t *testing.T) {
	s := New(nil, "", "tester")
	msg := s.Build("status", nil, map[string]any{})
	msg.Header.Date = "not-a-timestamp"
	frames, err := s.Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := s.Parse("iopub", frames, false)
	if err != nil {
		t.Fatalf("Parse should tolerate unparseable date, got %v", err)
	}
	if got.Header.Date != "not-a-timestamp" {
		t.Fatalf("date not passed through: %q", got.Header.Date)
	}
	if _, err := got.Header.Time(); err == nil {
		t.Fatalf("expected Time() to fail on bogus date")
	}
}

func TestMalformedFrameMissingDelimiter(t *testing.T) {
	s := New(nil, "", "tester")
	_, err := s.Parse("shell", [][]byte{[]byte("garbage")}, true)
	if !kerrors.Of(err, kerrors.MalformedFrame) {
		t.Fatalf("expected MalformedFrame, got %v", err)
	}
}

func TestIdentifierUniqueness(t *testing.T) {
	s := New([]byte("k"), "hmac-sha256", "tester")
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		msg := s.Build("execute_request", nil, map[string]any{})
		if seen[msg.Header.MsgID] {
			t.Fatalf("duplicate msg id: %s", msg.Header.MsgID)
		}
		seen[msg.Header.MsgID] = true
	}
}
