package core

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"cmoon.dev/moonchat/internal/store"
)

func newTestController(t *testing.T, dbStore *store.SQLiteStore, creds Credentials) *SessionController {
	t.Helper()
	return NewSessionController(dbStore, NewChatService(dbStore), NewRelay(), creds)
}

func TestSendMessageCreatesChatAndPersistsBothSides(t *testing.T) {
	server := streamingFixture(t, []string{"Hi ", "there"}, nil)
	defer server.Close()

	dbStore := newTestStore(t)
	user := newTestUser(t, dbStore, "alice")
	ctrl := newTestController(t, dbStore, fixtureCreds(server))

	sess := &Session{UserID: user.ID, Settings: DefaultSettings()}
	var streamed string
	msg, err := ctrl.SendMessage(context.Background(), sess, "Hello", func(chunk string) {
		streamed += chunk
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sess.ChatID == "" {
		t.Fatal("no chat created for fresh session")
	}
	if msg.Role != store.RoleAssistant || msg.Content != "Hi there" {
		t.Errorf("assistant message = %+v", msg)
	}
	if streamed != "Hi there" {
		t.Errorf("streamed %q, want %q", streamed, "Hi there")
	}

	messages, err := dbStore.ListMessages(user.ID, sess.ChatID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	wantRoles := []store.Role{store.RoleSystem, store.RoleUser, store.RoleAssistant}
	if len(messages) != len(wantRoles) {
		t.Fatalf("log has %d messages, want %d", len(messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if messages[i].Role != role {
			t.Errorf("message %d role = %q, want %q", i, messages[i].Role, role)
		}
	}

	// First user message became the title.
	chat, err := dbStore.GetChat(user.ID, sess.ChatID)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if chat.Title != "Hello" {
		t.Errorf("title = %q, want %q", chat.Title, "Hello")
	}
}

func TestSendMessageFailureLeavesNoAssistantRow(t *testing.T) {
	server := failingFixture(t, http.StatusTooManyRequests, "quota exceeded")
	defer server.Close()

	dbStore := newTestStore(t)
	user := newTestUser(t, dbStore, "alice")
	ctrl := newTestController(t, dbStore, fixtureCreds(server))

	sess := &Session{UserID: user.ID, Settings: DefaultSettings()}
	_, err := ctrl.SendMessage(context.Background(), sess, "Hello", nil)

	var modelErr *ModelInvocationError
	if !errors.As(err, &modelErr) {
		t.Fatalf("error = %v, want *ModelInvocationError", err)
	}

	// The prompt is persisted, the reply is not.
	messages, listErr := dbStore.ListMessages(user.ID, sess.ChatID)
	if listErr != nil {
		t.Fatalf("ListMessages: %v", listErr)
	}
	var users, assistants int
	for _, msg := range messages {
		switch msg.Role {
		case store.RoleUser:
			users++
		case store.RoleAssistant:
			assistants++
		}
	}
	if users != 1 {
		t.Errorf("user messages = %d, want 1", users)
	}
	if assistants != 0 {
		t.Errorf("assistant messages = %d, want 0", assistants)
	}
}

func TestRetryAfterFailureDoesNotDuplicatePrompt(t *testing.T) {
	bad := failingFixture(t, http.StatusBadGateway, "upstream down")
	defer bad.Close()
	good := streamingFixture(t, []string{"Recovered"}, nil)
	defer good.Close()

	dbStore := newTestStore(t)
	user := newTestUser(t, dbStore, "alice")

	// Users carry their own endpoint; point it at the failing upstream.
	badURL := bad.URL + "/v1"
	key := "sk-user"
	if _, err := dbStore.UpdateUserAPISettings(user.ID, &key, &badURL); err != nil {
		t.Fatalf("UpdateUserAPISettings: %v", err)
	}

	ctrl := newTestController(t, dbStore, Credentials{})
	sess := &Session{UserID: user.ID, Settings: DefaultSettings()}
	if _, err := ctrl.SendMessage(context.Background(), sess, "Hello", nil); err == nil {
		t.Fatal("send against failing upstream succeeded")
	}

	// Upstream recovers; retry re-invokes the relay with existing history.
	goodURL := good.URL + "/v1"
	if _, err := dbStore.UpdateUserAPISettings(user.ID, &key, &goodURL); err != nil {
		t.Fatalf("UpdateUserAPISettings: %v", err)
	}

	msg, err := ctrl.Retry(context.Background(), sess, nil)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if msg.Content != "Recovered" {
		t.Errorf("retried reply = %q", msg.Content)
	}

	messages, err := dbStore.ListMessages(user.ID, sess.ChatID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	var users int
	for _, m := range messages {
		if m.Role == store.RoleUser {
			users++
		}
	}
	if users != 1 {
		t.Errorf("user messages after retry = %d, want 1 (no duplicate prompt)", users)
	}
}

func TestSendMessageRejectsInvalidInput(t *testing.T) {
	dbStore := newTestStore(t)
	user := newTestUser(t, dbStore, "alice")
	ctrl := newTestController(t, dbStore, Credentials{APIKey: "sk-test"})

	sess := &Session{UserID: user.ID, Settings: DefaultSettings()}
	if _, err := ctrl.SendMessage(context.Background(), sess, "", nil); err == nil {
		t.Error("empty prompt accepted")
	}

	bad := &Session{UserID: user.ID, Settings: Settings{Model: "nope"}}
	if _, err := ctrl.SendMessage(context.Background(), bad, "Hello", nil); err == nil {
		t.Error("invalid settings accepted")
	}
}

func TestSendMessageRequiresAPIKey(t *testing.T) {
	dbStore := newTestStore(t)
	user := newTestUser(t, dbStore, "alice")
	ctrl := newTestController(t, dbStore, Credentials{})

	sess := &Session{UserID: user.ID, Settings: DefaultSettings()}
	if _, err := ctrl.SendMessage(context.Background(), sess, "Hello", nil); err == nil {
		t.Error("send succeeded with no API key configured anywhere")
	}
}
