package store

import "time"

// Role tags a message with its author within a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ValidRole reports whether r is one of the known message roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Do not expose this in JSON responses
	APIKey       *string   `json:"api_key,omitempty"`
	BaseURL      *string   `json:"base_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Chat struct {
	ID        string     `json:"id"` // Using UUID for external ID
	UserID    int64      `json:"user_id"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	Pinned    bool       `json:"pinned"`
	PinnedAt  *time.Time `json:"pinned_at,omitempty"` // Set iff Pinned
}

type Message struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
