package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"cmoon.dev/moonchat/internal/store"
)

const completionsPath = "/v1/chat/completions"

// capturedRequest is the subset of the wire request the tests inspect.
type capturedRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func streamingFixture(t *testing.T, chunks []string, capture *capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != completionsPath {
			http.NotFound(w, r)
			return
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decoding relay request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w,
				`data: {"id":"cmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":%s},"finish_reason":null}]}`+"\n\n",
				strconv.Quote(chunk))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func singleShotFixture(t *testing.T, reply string, capture *capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != completionsPath {
			http.NotFound(w, r)
			return
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decoding relay request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w,
			`{"id":"cmpl-1","object":"chat.completion","created":1,"model":"o1-preview","choices":[{"index":0,"message":{"role":"assistant","content":%s},"finish_reason":"stop"}]}`,
			strconv.Quote(reply))
	}))
}

func failingFixture(t *testing.T, status int, message string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error":{"message":%s,"type":"invalid_request_error"}}`, strconv.Quote(message))
	}))
}

func fixtureCreds(server *httptest.Server) Credentials {
	return Credentials{APIKey: "sk-test", BaseURL: server.URL + "/v1"}
}

func testHistory() []store.Message {
	return []store.Message{
		{ID: 1, Role: store.RoleSystem, Content: "How can I help you?"},
		{ID: 2, Role: store.RoleUser, Content: "Hello"},
		{ID: 3, Role: store.RoleAssistant, Content: "Hi there"},
		{ID: 4, Role: store.RoleUser, Content: "Tell me more"},
	}
}

func TestGenerateStreamingAccumulates(t *testing.T) {
	var captured capturedRequest
	server := streamingFixture(t, []string{"Hel", "lo ", "world"}, &captured)
	defer server.Close()

	relay := NewRelay()
	settings := DefaultSettings()

	var chunks []string
	reply, err := relay.Generate(context.Background(), fixtureCreds(server), settings, testHistory(), func(chunk string) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "Hello world" {
		t.Errorf("reply = %q, want %q", reply, "Hello world")
	}
	if len(chunks) != 3 {
		t.Errorf("got %d chunks, want 3", len(chunks))
	}

	if !captured.Stream {
		t.Error("streaming request did not set stream=true")
	}
	// Stored system rows stay out; the relay's own instruction leads.
	if captured.Messages[0].Role != "system" || captured.Messages[0].Content != relaySystemInstruction {
		t.Errorf("first wire message = %+v, want relay system instruction", captured.Messages[0])
	}
	for _, m := range captured.Messages[1:] {
		if m.Content == "How can I help you?" {
			t.Error("stored system message leaked into model input")
		}
	}
	if got := len(captured.Messages); got != 4 {
		t.Errorf("wire message count = %d, want 4 (instruction + 3 turns)", got)
	}
}

func TestGenerateStreamingUpstreamFailure(t *testing.T) {
	server := failingFixture(t, http.StatusUnauthorized, "invalid api key")
	defer server.Close()

	relay := NewRelay()
	_, err := relay.Generate(context.Background(), fixtureCreds(server), DefaultSettings(), testHistory(), nil)

	var modelErr *ModelInvocationError
	if !errors.As(err, &modelErr) {
		t.Fatalf("error = %v, want *ModelInvocationError", err)
	}
	if modelErr.Model != "gpt-4o" {
		t.Errorf("error model = %q, want gpt-4o", modelErr.Model)
	}
}

func TestGenerateStreamingAbnormalTerminationDiscardsPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"cmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"partial "},"finish_reason":null}]}`+"\n\n")
		// Corrupt frame mid-stream; the accumulated text must be discarded.
		fmt.Fprint(w, "data: {not json\n\n")
	}))
	defer server.Close()

	relay := NewRelay()
	reply, err := relay.Generate(context.Background(), fixtureCreds(server), DefaultSettings(), testHistory(), nil)

	var modelErr *ModelInvocationError
	if !errors.As(err, &modelErr) {
		t.Fatalf("error = %v, want *ModelInvocationError", err)
	}
	if reply != "" {
		t.Errorf("partial reply %q returned alongside error", reply)
	}
}

func TestGenerateRoleCoercedSingle(t *testing.T) {
	var captured capturedRequest
	server := singleShotFixture(t, "full reply", &captured)
	defer server.Close()

	relay := NewRelay()
	settings := DefaultSettings()
	settings.Model = "o1-preview"

	reply, err := relay.Generate(context.Background(), fixtureCreds(server), settings, testHistory(), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "full reply" {
		t.Errorf("reply = %q, want %q", reply, "full reply")
	}

	if captured.Stream {
		t.Error("single-shot request set stream=true")
	}
	for _, m := range captured.Messages {
		switch m.Role {
		case "user", "assistant":
			// The only two roles this variant understands.
		default:
			t.Errorf("wire role %q not coerced", m.Role)
		}
	}
	// The stored system message is dropped, everything else coerced in order.
	if len(captured.Messages) != 3 {
		t.Fatalf("wire message count = %d, want 3", len(captured.Messages))
	}
	if captured.Messages[0].Role != "user" || captured.Messages[1].Role != "assistant" || captured.Messages[2].Role != "user" {
		t.Errorf("coerced roles = %q/%q/%q", captured.Messages[0].Role, captured.Messages[1].Role, captured.Messages[2].Role)
	}
}

func TestPolicyFor(t *testing.T) {
	if PolicyFor("o1-preview") != RoleCoercedSinglePolicy {
		t.Error("o1-preview should use the role-coerced single policy")
	}
	for _, model := range []string{"gpt-4o", "claude-3-5-sonnet-20240620", "some-future-model"} {
		if PolicyFor(model) != StreamingPolicy {
			t.Errorf("%s should default to streaming", model)
		}
	}
}

func TestSettingsValidate(t *testing.T) {
	valid := DefaultSettings()
	if err := valid.Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"unknown model", func(s *Settings) { s.Model = "gpt-9000" }},
		{"temperature too high", func(s *Settings) { s.Temperature = 1.5 }},
		{"negative top_p", func(s *Settings) { s.TopP = -0.1 }},
		{"zero max_tokens", func(s *Settings) { s.MaxTokens = 0 }},
		{"max_tokens over cap", func(s *Settings) { s.MaxTokens = 9000 }},
		{"memory out of range", func(s *Settings) { s.Memory = 40 }},
	}
	for _, tc := range cases {
		s := DefaultSettings()
		tc.mutate(&s)
		if err := s.Validate(); err == nil {
			t.Errorf("%s: validation passed", tc.name)
		}
	}
}
