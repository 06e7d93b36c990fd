package core

import (
	"context"
	"fmt"

	"cmoon.dev/moonchat/internal/store"
)

// Session carries the per-request interactive state explicitly: no global
// "current chat" anywhere.
type Session struct {
	UserID   int64
	ChatID   string // empty means no chat selected yet
	Settings Settings
}

// SessionController drives one send-message cycle: resolve the chat, persist
// the user's message, retitle on first input, invoke the relay, persist the
// reply.
type SessionController struct {
	dbStore      *store.SQLiteStore
	chatService  *ChatService
	relay        *Relay
	defaultCreds Credentials
}

func NewSessionController(db *store.SQLiteStore, chats *ChatService, relay *Relay, defaultCreds Credentials) *SessionController {
	return &SessionController{
		dbStore:      db,
		chatService:  chats,
		relay:        relay,
		defaultCreds: defaultCreds,
	}
}

// SendMessage appends the user's prompt to the session's chat (creating the
// chat first if none is selected), then asks the relay for the assistant's
// reply and persists it. Streaming chunks are forwarded to onChunk.
//
// If the relay fails, the user's message stays persisted and no assistant
// message is written; re-invoking with the same session retries against the
// existing history without duplicating the prompt.
func (c *SessionController) SendMessage(ctx context.Context, sess *Session, prompt string, onChunk func(string)) (*store.Message, error) {
	if prompt == "" {
		return nil, fmt.Errorf("message content cannot be empty")
	}
	if err := sess.Settings.Validate(); err != nil {
		return nil, err
	}

	if sess.ChatID == "" {
		chat, err := c.chatService.CreateChat(sess.UserID, PlaceholderTitle)
		if err != nil {
			return nil, err
		}
		sess.ChatID = chat.ID
	}

	if _, err := c.chatService.AppendMessage(sess.UserID, sess.ChatID, store.RoleUser, prompt); err != nil {
		return nil, err
	}

	if _, err := c.chatService.MaybeRetitle(sess.UserID, sess.ChatID, prompt); err != nil {
		return nil, err
	}

	history, err := c.chatService.History(sess.UserID, sess.ChatID)
	if err != nil {
		return nil, err
	}

	creds, err := c.resolveCredentials(sess.UserID)
	if err != nil {
		return nil, err
	}

	reply, err := c.relay.Generate(ctx, creds, sess.Settings, history, onChunk)
	if err != nil {
		return nil, err
	}

	return c.chatService.AppendMessage(sess.UserID, sess.ChatID, store.RoleAssistant, reply)
}

// Retry re-invokes the relay against the chat's existing history and
// persists the reply. Used after a failed SendMessage: the user's prompt is
// already in the log, so nothing is appended before the model call.
func (c *SessionController) Retry(ctx context.Context, sess *Session, onChunk func(string)) (*store.Message, error) {
	if sess.ChatID == "" {
		return nil, fmt.Errorf("no chat selected")
	}
	if err := sess.Settings.Validate(); err != nil {
		return nil, err
	}

	history, err := c.chatService.History(sess.UserID, sess.ChatID)
	if err != nil {
		return nil, err
	}

	creds, err := c.resolveCredentials(sess.UserID)
	if err != nil {
		return nil, err
	}

	reply, err := c.relay.Generate(ctx, creds, sess.Settings, history, onChunk)
	if err != nil {
		return nil, err
	}

	return c.chatService.AppendMessage(sess.UserID, sess.ChatID, store.RoleAssistant, reply)
}

// resolveCredentials prefers the user's stored API settings and falls back
// to the server-wide defaults.
func (c *SessionController) resolveCredentials(userID int64) (Credentials, error) {
	user, err := c.dbStore.GetUserByID(userID)
	if err != nil {
		return Credentials{}, err
	}
	creds := c.defaultCreds
	if user.APIKey != nil && *user.APIKey != "" {
		creds.APIKey = *user.APIKey
	}
	if user.BaseURL != nil && *user.BaseURL != "" {
		creds.BaseURL = *user.BaseURL
	}
	if creds.APIKey == "" {
		return Credentials{}, fmt.Errorf("no API key configured for user %d", userID)
	}
	return creds, nil
}
