package envelope

import (
	"bytes"
	"testing"
	"time"
)

func TestEnvelopeTypeParts(t *testing.T) {
	tests := []struct {
		msgType string
		domain  string
		action  string
		control bool
	}{
		{"chat:start", "chat", "start", false},
		{"chat:chunk", "chat", "chunk", false},
		{"connection:welcome", "connection", "welcome", true},
		{"auth:login", "auth", "login", true},
		{"ping", "ping", "", true},
		{"error", "error", "", true},
		{"files:upload:part", "files", "upload:part", false},
	}

	for _, test := range tests {
		e := Envelope{Type: test.msgType}
		if domain := e.Domain(); domain != test.domain {
			t.Fatalf("%s: expected domain %s, got %s", test.msgType, test.domain, domain)
		} else if action := e.Action(); action != test.action {
			t.Fatalf("%s: expected action %s, got %s", test.msgType, test.action, action)
		} else if control := e.IsControl(); control != test.control {
			t.Fatalf("%s: expected IsControl %t, got %t", test.msgType, test.control, control)
		}
	}
}

func TestEnvelopeRoundtrip(t *testing.T) {
	e := New("chat:chunk", "t1", map[string]interface{}{
		"content": "Hi there",
		"final":   false,
	})

	var buff bytes.Buffer
	if err := Marshal(e, &buff); err != nil {
		t.Fatal(err)
	}

	if e2, err := Unmarshal(&buff); err != nil {
		t.Fatal(err)
	} else if e2.Type != "chat:chunk" {
		t.Fatalf("expected type chat:chunk, got %s", e2.Type)
	} else if e2.TaskId != "t1" {
		t.Fatalf("expected taskId t1, got %s", e2.TaskId)
	} else if e2.String("content") != "Hi there" {
		t.Fatalf("expected content \"Hi there\", got %q", e2.String("content"))
	} else if e2.Timestamp.IsZero() {
		t.Fatal("timestamp was not carried over the wire")
	} else if _, known := e2.Payload["type"]; known {
		t.Fatal("type leaked into the payload map")
	}
}

func TestEnvelopePayloadFlattened(t *testing.T) {
	e := New("chat:done", "t2", map[string]interface{}{"finishReason": "stop"})

	data, err := e.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Contains(data, []byte(`"finishReason":"stop"`)) {
		t.Fatalf("payload field is not a top-level key: %s", data)
	}
	if bytes.Contains(data, []byte(`"payload"`)) {
		t.Fatalf("payload must not be nested: %s", data)
	}
}

func TestEnvelopeMissingType(t *testing.T) {
	if _, err := Unmarshal(bytes.NewBufferString(`{"taskId":"t1"}`)); err == nil {
		t.Fatal("expected an error for an envelope without a type")
	}
}

func TestErrorEnvelope(t *testing.T) {
	e := NewError("t3", CodeRateLimitExceeded, "slow down", true)

	if e.Type != TypeError {
		t.Fatalf("expected type %s, got %s", TypeError, e.Type)
	} else if e.String("code") != CodeRateLimitExceeded {
		t.Fatalf("expected code %s, got %s", CodeRateLimitExceeded, e.String("code"))
	} else if !e.Bool("retryable") {
		t.Fatal("expected a retryable error")
	} else if e.Timestamp.After(time.Now()) {
		t.Fatal("timestamp lies in the future")
	}
}
