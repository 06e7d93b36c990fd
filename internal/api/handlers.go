package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"cmoon.dev/moonchat/internal/auth"
	"cmoon.dev/moonchat/internal/core"
	"cmoon.dev/moonchat/internal/store"
)

type APIHandler struct {
	dbStore     *store.SQLiteStore
	authService *core.AuthService
	chatService *core.ChatService
	sessions    *core.SessionController
}

func NewAPIHandler(db *store.SQLiteStore, as *core.AuthService, cs *core.ChatService, sc *core.SessionController) *APIHandler {
	return &APIHandler{
		dbStore:     db,
		authService: as,
		chatService: cs,
		sessions:    sc,
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		username, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.dbStore.GetUserByUsername(username)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "User not found", http.StatusUnauthorized)
				return
			}
			log.Printf("Error in JWTAuthMiddleware for user %s: %v", username, err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}

		ctx := context.WithValue(r.Context(), "userID", user.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type SignupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.authService.Register(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateUsername) {
			http.Error(w, "Username already taken", http.StatusConflict)
			return
		}
		log.Printf("Error creating user %s: %v", req.Username, err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	user, err := h.authService.Authenticate(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, core.ErrInvalidCredentials) {
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		log.Printf("Error authenticating user %s: %v", req.Username, err)
		http.Error(w, "Failed to authenticate", http.StatusInternalServerError)
		return
	}

	token, err := auth.GenerateJWT(user.Username)
	if err != nil {
		log.Printf("Error generating JWT for user %s: %v", user.Username, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (h *APIHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	// Tokens are stateless; the client discards its copy.
	h.authService.Logout()
	w.WriteHeader(http.StatusNoContent)
}

type CreateChatRequest struct {
	Title string `json:"title,omitempty"`
}

func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req CreateChatRequest
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	chat, err := h.chatService.CreateChat(userID, req.Title)
	if err != nil {
		log.Printf("Error creating chat for user %d: %v", userID, err)
		http.Error(w, "Failed to create chat", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(chat)
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	chats, err := h.chatService.ListChats(userID)
	if err != nil {
		log.Printf("Error listing chats for user %d: %v", userID, err)
		http.Error(w, "Failed to list chats", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(chats)
}

type GetChatDetailsResponse struct {
	*store.Chat
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetChatDetailsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	chatID := chi.URLParam(r, "chatID")

	chat, err := h.chatService.GetChat(userID, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		log.Printf("Error getting chat %s for user %d: %v", chatID, userID, err)
		http.Error(w, "Failed to get chat details", http.StatusInternalServerError)
		return
	}

	messages, err := h.chatService.History(userID, chatID)
	if err != nil {
		log.Printf("Error getting messages for chat %s: %v", chatID, err)
		http.Error(w, "Failed to get chat details", http.StatusInternalServerError)
		return
	}

	resp := GetChatDetailsResponse{
		Chat:     chat,
		Messages: visibleMessages(messages),
	}
	json.NewEncoder(w).Encode(resp)
}

// visibleMessages drops system-role entries, which are never rendered.
func visibleMessages(messages []store.Message) []store.Message {
	visible := make([]store.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == store.RoleSystem {
			continue
		}
		visible = append(visible, msg)
	}
	return visible
}

type RenameChatRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) RenameChatHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	chatID := chi.URLParam(r, "chatID")

	var req RenameChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		http.Error(w, "Title cannot be empty", http.StatusBadRequest)
		return
	}

	if err := h.chatService.RenameChat(userID, chatID, req.Title); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		log.Printf("Error renaming chat %s for user %d: %v", chatID, userID, err)
		http.Error(w, "Failed to rename chat", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	chatID := chi.URLParam(r, "chatID")

	if err := h.chatService.DeleteChat(userID, chatID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		log.Printf("Error deleting chat %s for user %d: %v", chatID, userID, err)
		http.Error(w, "Failed to delete chat", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) PinChatHandler(w http.ResponseWriter, r *http.Request) {
	h.setPinned(w, r, true)
}

func (h *APIHandler) UnpinChatHandler(w http.ResponseWriter, r *http.Request) {
	h.setPinned(w, r, false)
}

func (h *APIHandler) setPinned(w http.ResponseWriter, r *http.Request, pinned bool) {
	userID := r.Context().Value("userID").(int64)
	chatID := chi.URLParam(r, "chatID")

	var chat *store.Chat
	var err error
	if pinned {
		chat, err = h.chatService.PinChat(userID, chatID)
	} else {
		chat, err = h.chatService.UnpinChat(userID, chatID)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		log.Printf("Error updating pin state for chat %s, user %d: %v", chatID, userID, err)
		http.Error(w, "Failed to update pin state", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(chat)
}

type SendMessageRequest struct {
	ChatID   string         `json:"chat_id,omitempty"`
	Content  string         `json:"content"`
	Settings *core.Settings `json:"settings,omitempty"`
}

// SendMessageHandler drives the full session cycle. Streaming models answer
// over SSE; the rest answer with a single JSON message.
func (h *APIHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "Message content cannot be empty", http.StatusBadRequest)
		return
	}

	settings := core.DefaultSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	if err := settings.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess := &core.Session{
		UserID:   userID,
		ChatID:   req.ChatID,
		Settings: settings,
	}

	if core.PolicyFor(settings.Model) == core.StreamingPolicy {
		h.streamReply(w, r, sess, req.Content)
		return
	}

	msg, err := h.sessions.SendMessage(r.Context(), sess, req.Content, nil)
	if err != nil {
		h.writeSendError(w, sess, err)
		return
	}
	json.NewEncoder(w).Encode(sendMessageEnvelope(sess, msg))
}

func (h *APIHandler) streamReply(w http.ResponseWriter, r *http.Request, sess *core.Session, content string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	onChunk := func(chunk string) {
		payload, _ := json.Marshal(map[string]string{"content": chunk})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	msg, err := h.sessions.SendMessage(r.Context(), sess, content, onChunk)
	if err != nil {
		// Headers are already out; report the failure in-band.
		log.Printf("Error generating reply for user %d, chat %s: %v", sess.UserID, sess.ChatID, err)
		payload, _ := json.Marshal(map[string]string{"error": "Failed to generate reply"})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		return
	}

	payload, _ := json.Marshal(sendMessageEnvelope(sess, msg))
	fmt.Fprintf(w, "data: %s\n\n", payload)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func sendMessageEnvelope(sess *core.Session, msg *store.Message) map[string]any {
	return map[string]any{
		"chat_id": sess.ChatID,
		"message": msg,
	}
}

func (h *APIHandler) writeSendError(w http.ResponseWriter, sess *core.Session, err error) {
	var modelErr *core.ModelInvocationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Chat not found", http.StatusNotFound)
	case errors.As(err, &modelErr):
		log.Printf("Model invocation failed for user %d, chat %s: %v", sess.UserID, sess.ChatID, err)
		http.Error(w, "Failed to generate reply", http.StatusBadGateway)
	default:
		log.Printf("Error sending message for user %d, chat %s: %v", sess.UserID, sess.ChatID, err)
		http.Error(w, "Failed to send message", http.StatusInternalServerError)
	}
}

type RetryMessageRequest struct {
	ChatID   string         `json:"chat_id"`
	Settings *core.Settings `json:"settings,omitempty"`
}

// RetryMessageHandler re-invokes the relay against the chat's existing
// history after a failed send. The prompt is already persisted, so no user
// message is appended.
func (h *APIHandler) RetryMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req RetryMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ChatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}

	settings := core.DefaultSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	if err := settings.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess := &core.Session{
		UserID:   userID,
		ChatID:   req.ChatID,
		Settings: settings,
	}

	msg, err := h.sessions.Retry(r.Context(), sess, nil)
	if err != nil {
		h.writeSendError(w, sess, err)
		return
	}
	json.NewEncoder(w).Encode(sendMessageEnvelope(sess, msg))
}

type APISettingsRequest struct {
	APIKey  *string `json:"api_key"`
	BaseURL *string `json:"base_url"`
}

type APISettingsResponse struct {
	APIKey   *string       `json:"api_key"`
	BaseURL  *string       `json:"base_url"`
	Models   []string      `json:"models"`
	Defaults core.Settings `json:"defaults"`
}

func (h *APIHandler) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	user, err := h.dbStore.GetUserByID(userID)
	if err != nil {
		log.Printf("Error fetching settings for user %d: %v", userID, err)
		http.Error(w, "Failed to get settings", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(APISettingsResponse{
		APIKey:   user.APIKey,
		BaseURL:  user.BaseURL,
		Models:   core.AllowedModels,
		Defaults: core.DefaultSettings(),
	})
}

func (h *APIHandler) UpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req APISettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	user, err := h.dbStore.UpdateUserAPISettings(userID, req.APIKey, req.BaseURL)
	if err != nil {
		log.Printf("Error updating settings for user %d: %v", userID, err)
		http.Error(w, "Failed to update settings", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(APISettingsResponse{
		APIKey:   user.APIKey,
		BaseURL:  user.BaseURL,
		Models:   core.AllowedModels,
		Defaults: core.DefaultSettings(),
	})
}
