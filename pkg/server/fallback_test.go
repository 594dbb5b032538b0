package server

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/taskwire/taskwire-go/pkg/envelope"
)

func streamRequest(t *testing.T, e envelope.Envelope, token string) *http.Request {
	var body bytes.Buffer
	if err := envelope.Marshal(e, &body); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/stream", &body)
	r.Header.Set("Content-Type", "application/json")
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

// parseStreamEvents splits an event stream body into event names and their
// raw data lines.
func parseStreamEvents(t *testing.T, body string) (names, datas []string) {
	scanner := bufio.NewScanner(strings.NewReader(body))

	name, data := "", ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(line[len("data:"):])
		case line == "":
			if name != "" {
				names = append(names, name)
				datas = append(datas, data)
			}
			name, data = "", ""
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}
	return
}

func TestStreamHandler(t *testing.T) {
	controller, _ := testController(t, Config{Executor: wordExecutor("Hi", " there")})

	w := httptest.NewRecorder()
	controller.StreamHandler(w, streamRequest(t, envelope.New("chat:start", "t1", map[string]interface{}{
		"prompt": "hi",
	}), ""))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if contentType := w.Header().Get("Content-Type"); contentType != "text/event-stream" {
		t.Fatalf("expected an event stream, got %q", contentType)
	}

	names, datas := parseStreamEvents(t, w.Body.String())

	expected := []string{"connected", "start", "content", "content", "done", "end"}
	if len(names) != len(expected) {
		t.Fatalf("expected events %v, got %v", expected, names)
	}
	for i, name := range expected {
		if names[i] != name {
			t.Fatalf("event %d: expected %s, got %s", i, name, names[i])
		}
	}

	if !strings.Contains(datas[1], "t1") {
		t.Fatalf("start event does not echo the task id: %s", datas[1])
	}
	if !strings.Contains(datas[2], "Hi") || !strings.Contains(datas[3], "there") {
		t.Fatalf("content events are out of order: %v", datas)
	}
}

func TestStreamHandlerMethod(t *testing.T) {
	controller, _ := testController(t, Config{Executor: wordExecutor("hi")})

	w := httptest.NewRecorder()
	controller.StreamHandler(w, httptest.NewRequest(http.MethodGet, "/stream", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", w.Code)
	}
}

func TestStreamHandlerRejectsNonStart(t *testing.T) {
	controller, _ := testController(t, Config{Executor: wordExecutor("hi")})

	w := httptest.NewRecorder()
	controller.StreamHandler(w, streamRequest(t, envelope.New("chat:cancel", "t1", nil), ""))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestStreamHandlerAuth(t *testing.T) {
	controller, _ := testController(t, Config{
		Executor: wordExecutor("hi"),
		Identity: tokenIdentity{token: "good", claims: Claims{UserId: "u1", Role: "user"}},
	})
	controller.RequireAuth("chat", "start")

	// no token at all
	w := httptest.NewRecorder()
	controller.StreamHandler(w, streamRequest(t, envelope.New("chat:start", "t1", nil), ""))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
	if e, err := envelope.Unmarshal(w.Body); err != nil {
		t.Fatal(err)
	} else if e.String("code") != envelope.CodeUnauthorized {
		t.Fatalf("expected code %s, got %s", envelope.CodeUnauthorized, e.String("code"))
	}

	// an invalid token
	w = httptest.NewRecorder()
	controller.StreamHandler(w, streamRequest(t, envelope.New("chat:start", "t1", nil), "bad"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}

	// a valid one
	w = httptest.NewRecorder()
	controller.StreamHandler(w, streamRequest(t, envelope.New("chat:start", "t1", nil), "good"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}

func TestStreamHandlerRateLimit(t *testing.T) {
	controller, _ := testController(t, Config{
		Executor:     wordExecutor("hi"),
		MessageLimit: 2,
		RateWindow:   time.Hour,
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		controller.StreamHandler(w, streamRequest(t, envelope.New("chat:start", "", nil), ""))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d below the limit answered %d", i, w.Code)
		}
	}

	// every further request within the window is rejected
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		controller.StreamHandler(w, streamRequest(t, envelope.New("chat:start", "", nil), ""))
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d above the limit answered %d", i, w.Code)
		}

		e, err := envelope.Unmarshal(w.Body)
		if err != nil {
			t.Fatal(err)
		}
		if e.String("code") != envelope.CodeRateLimitExceeded {
			t.Fatalf("expected code %s, got %s", envelope.CodeRateLimitExceeded, e.String("code"))
		} else if !e.Bool("retryable") {
			t.Fatal("a rate limit rejection must be retryable")
		} else if _, hinted := e.Payload["retryAfter"]; !hinted {
			t.Fatal("a window rejection must hint a retryAfter")
		}
	}
}

func TestStreamHandlerConcurrentLimit(t *testing.T) {
	aborted := make(chan struct{})
	controller, _ := testController(t, Config{
		Executor:  blockingExecutor(aborted),
		TaskLimit: 1,
	})

	srv := httptest.NewServer(http.HandlerFunc(controller.StreamHandler))
	defer srv.Close()

	post := func() *http.Response {
		var body bytes.Buffer
		if err := envelope.Marshal(envelope.New("chat:start", "", nil), &body); err != nil {
			t.Fatal(err)
		}
		resp, err := http.Post(srv.URL, "application/json", &body)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	first := post()
	defer func() { _ = first.Body.Close() }()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first stream answered %d", first.StatusCode)
	}

	// wait for the start event so the slot is certainly claimed
	reader := bufio.NewReader(first.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(line, "event: start") {
			break
		}
	}

	second := post()
	defer func() { _ = second.Body.Close() }()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second concurrent stream answered %d", second.StatusCode)
	}

	e, err := envelope.Unmarshal(second.Body)
	if err != nil {
		t.Fatal(err)
	}
	if e.String("code") != envelope.CodeRateLimitExceeded {
		t.Fatalf("expected code %s, got %s", envelope.CodeRateLimitExceeded, e.String("code"))
	}
	if _, hinted := e.Payload["retryAfter"]; hinted {
		t.Fatal("a task slot rejection must not guess a retryAfter")
	}
}

func TestStreamHandlerExecutorError(t *testing.T) {
	controller, _ := testController(t, Config{Executor: executorFunc(
		func(ctx context.Context, _, _ string, _ map[string]interface{}) (<-chan Event, error) {
			events := make(chan Event, 1)
			events <- Event{Kind: EventError, Error: "model unavailable"}
			close(events)
			return events, nil
		})})

	w := httptest.NewRecorder()
	controller.StreamHandler(w, streamRequest(t, envelope.New("chat:start", "t1", nil), ""))

	names, datas := parseStreamEvents(t, w.Body.String())
	if len(names) < 4 || names[2] != "error" || names[3] != "end" {
		t.Fatalf("expected an error before end, got %v", names)
	}
	if !strings.Contains(datas[2], "model unavailable") {
		t.Fatalf("error event lost its message: %s", datas[2])
	}
}
