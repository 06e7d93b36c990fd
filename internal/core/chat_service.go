package core

import (
	"fmt"
	"strings"

	"cmoon.dev/moonchat/internal/store"
)

const (
	// PlaceholderTitle is the title a chat carries until its first user
	// message renames it.
	PlaceholderTitle = "New chat"

	// systemGreeting seeds every new chat's message log. It is never sent to
	// the model and never rendered.
	systemGreeting = "How can I help you?"

	titleMaxRunes = 64
)

type ChatService struct {
	dbStore *store.SQLiteStore
}

func NewChatService(db *store.SQLiteStore) *ChatService {
	return &ChatService{dbStore: db}
}

func (s *ChatService) ListChats(userID int64) ([]store.Chat, error) {
	return s.dbStore.ListChats(userID)
}

func (s *ChatService) GetChat(userID int64, chatID string) (*store.Chat, error) {
	return s.dbStore.GetChat(userID, chatID)
}

// CreateChat creates a chat and seeds its synthetic system message.
func (s *ChatService) CreateChat(userID int64, title string) (*store.Chat, error) {
	if title == "" {
		title = PlaceholderTitle
	}
	chat, err := s.dbStore.CreateChat(userID, title)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	if _, err := s.dbStore.CreateMessage(userID, chat.ID, store.RoleSystem, systemGreeting); err != nil {
		return nil, fmt.Errorf("failed to seed system message for chat %s: %w", chat.ID, err)
	}
	return chat, nil
}

func (s *ChatService) RenameChat(userID int64, chatID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("chat title cannot be empty")
	}
	return s.dbStore.RenameChat(userID, chatID, title)
}

func (s *ChatService) DeleteChat(userID int64, chatID string) error {
	return s.dbStore.DeleteChat(userID, chatID)
}

func (s *ChatService) PinChat(userID int64, chatID string) (*store.Chat, error) {
	return s.dbStore.PinChat(userID, chatID)
}

func (s *ChatService) UnpinChat(userID int64, chatID string) (*store.Chat, error) {
	return s.dbStore.UnpinChat(userID, chatID)
}

func (s *ChatService) AppendMessage(userID int64, chatID string, role store.Role, content string) (*store.Message, error) {
	if !store.ValidRole(role) {
		return nil, fmt.Errorf("unknown message role %q", role)
	}
	return s.dbStore.CreateMessage(userID, chatID, role, content)
}

// History returns the chat's full ordered message log, system message
// included. Callers that feed the model or render the UI filter it out.
func (s *ChatService) History(userID int64, chatID string) ([]store.Message, error) {
	return s.dbStore.ListMessages(userID, chatID)
}

// MaybeRetitle renames a chat still carrying the placeholder title to a
// prefix of the given content. The session controller calls this after the
// first user message; appends never trigger it implicitly.
func (s *ChatService) MaybeRetitle(userID int64, chatID, content string) (bool, error) {
	chat, err := s.dbStore.GetChat(userID, chatID)
	if err != nil {
		return false, err
	}
	if chat.Title != PlaceholderTitle {
		return false, nil
	}
	title := titlePrefix(content)
	if title == "" {
		return false, nil
	}
	if err := s.dbStore.RenameChat(userID, chatID, title); err != nil {
		return false, err
	}
	return true, nil
}

func titlePrefix(content string) string {
	title := strings.TrimSpace(content)
	runes := []rune(title)
	if len(runes) > titleMaxRunes {
		title = string(runes[:titleMaxRunes])
	}
	return title
}
