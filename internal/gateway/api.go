// ABOUTME: HTTP API handlers for users, avatars, chats, and message turns.
// ABOUTME: Provides JSON endpoints plus SSE streaming for assistant replies.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reklamaton/avatar-gateway/internal/assistant"
	"github.com/reklamaton/avatar-gateway/internal/store"
)

// CreateUserRequest is the JSON request body for POST /api/users.
type CreateUserRequest struct {
	Username string `json:"username"`
	Age      int    `json:"age,omitempty"`
	Sex      string `json:"sex,omitempty"`
}

// UserResponse is the JSON representation of a user.
type UserResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Age       int    `json:"age,omitempty"`
	Sex       string `json:"sex,omitempty"`
	CreatedAt string `json:"created_at"`
}

// CreateAvatarRequest is the JSON request body for POST /api/users/{id}/avatars.
// ImageURL optionally supplies a ready portrait, skipping generation.
type CreateAvatarRequest struct {
	Name        string `json:"name"`
	Personality string `json:"personality,omitempty"`
	Features    string `json:"features,omitempty"`
	Age         int    `json:"age,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Hobbies     string `json:"hobbies,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

// AvatarResponse is the JSON representation of an avatar.
type AvatarResponse struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id,omitempty"`
	Name        string `json:"name"`
	Personality string `json:"personality,omitempty"`
	Features    string `json:"features,omitempty"`
	Age         int    `json:"age,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Hobbies     string `json:"hobbies,omitempty"`
	System      bool   `json:"system"`
	ImageStatus string `json:"image_status"`
	ImageRef    string `json:"image_ref,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// CreateChatRequest is the JSON request body for POST /api/users/{id}/chats.
type CreateChatRequest struct {
	AvatarID string `json:"avatar_id"`
}

// ChatResponse is the JSON representation of a chat session.
type ChatResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	AvatarID  string `json:"avatar_id"`
	CreatedAt string `json:"created_at"`
}

// SendMessageRequest is the JSON request body for message turns.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse is the JSON response for a synchronous turn.
type SendMessageResponse struct {
	Reply string `json:"reply"`
}

// MessageResponse is the JSON representation of one stored message.
// HTML is populated only when the client asks for ?format=html.
type MessageResponse struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	HTML      string `json:"html,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ChatMessagesResponse is the JSON response for GET /api/chats/{id}/messages.
type ChatMessagesResponse struct {
	ChatID   string            `json:"chat_id"`
	Messages []MessageResponse `json:"messages"`
}

// handleUsers handles /api/users: POST creates a user, GET looks one up
// by ?username=X.
func (g *Gateway) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		g.handleCreateUser(w, r)
	case http.MethodGet:
		g.handleLookupUser(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	req, err := parseJSONBody[CreateUserRequest](r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" {
		g.sendJSONError(w, http.StatusBadRequest, "username is required")
		return
	}

	user := &store.User{
		ID:        uuid.New().String(),
		Username:  req.Username,
		Age:       req.Age,
		Sex:       req.Sex,
		CreatedAt: time.Now().UTC(),
	}

	if err := g.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			g.sendJSONError(w, http.StatusConflict, "username already taken")
			return
		}
		g.logger.Error("failed to create user", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusCreated, userToResponse(user))
}

func (g *Gateway) handleLookupUser(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		g.sendJSONError(w, http.StatusBadRequest, "username query param required")
		return
	}

	user, err := g.store.GetUserByUsername(r.Context(), username)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to look up user", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, userToResponse(user))
}

// handleUserRoutes dispatches /api/users/{id} and its sub-resources.
func (g *Gateway) handleUserRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/users/")
	userID, sub, _ := strings.Cut(rest, "/")
	if userID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	switch sub {
	case "":
		g.handleGetUser(w, r, userID)
	case "avatars":
		switch r.Method {
		case http.MethodPost:
			g.handleCreateAvatar(w, r, userID)
		case http.MethodGet:
			g.handleListAvatars(w, r, userID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "chats":
		switch r.Method {
		case http.MethodPost:
			g.handleCreateChat(w, r, userID)
		case http.MethodGet:
			g.handleListChats(w, r, userID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

func (g *Gateway) handleGetUser(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	user, err := g.store.GetUser(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get user", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, userToResponse(user))
}

// handleCreateAvatar handles POST /api/users/{id}/avatars.
// The avatar starts with a pending image; a generation job is dispatched
// unless the request supplies a ready image URL.
func (g *Gateway) handleCreateAvatar(w http.ResponseWriter, r *http.Request, userID string) {
	req, err := parseJSONBody[CreateAvatarRequest](r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	if _, err := g.store.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "user not found")
			return
		}
		g.logger.Error("failed to get user", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	avatar := &store.Avatar{
		ID:          uuid.New().String(),
		OwnerID:     userID,
		Name:        req.Name,
		Personality: req.Personality,
		Features:    req.Features,
		Age:         req.Age,
		Gender:      req.Gender,
		Hobbies:     req.Hobbies,
		ImageStatus: store.ImageStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	avatar.Instructions = buildInstructions(avatar)

	if req.ImageURL != "" {
		// Caller supplied the portrait, no generation needed.
		avatar.ImageStatus = store.ImageStatusReady
		avatar.ImageRef = req.ImageURL
	}

	if err := g.store.CreateAvatar(r.Context(), avatar); err != nil {
		g.logger.Error("failed to create avatar", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if avatar.ImageStatus == store.ImageStatusPending {
		g.generator.Launch(avatar.ID, buildImagePrompt(avatar))
	}

	g.writeJSON(w, http.StatusCreated, avatarToResponse(avatar))
}

// handleListAvatars handles GET /api/users/{id}/avatars.
// Returns the user's own avatars plus the built-in system avatars.
func (g *Gateway) handleListAvatars(w http.ResponseWriter, r *http.Request, userID string) {
	if _, err := g.store.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "user not found")
			return
		}
		g.logger.Error("failed to get user", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	avatars, err := g.store.ListAvatars(r.Context(), userID)
	if err != nil {
		g.logger.Error("failed to list avatars", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]AvatarResponse, 0, len(avatars))
	for _, a := range avatars {
		response = append(response, avatarToResponse(a))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleGetAvatar handles GET /api/avatars/{id}.
// Clients poll this endpoint to observe the avatar's image status.
func (g *Gateway) handleGetAvatar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	avatarID := strings.TrimPrefix(r.URL.Path, "/api/avatars/")
	if avatarID == "" || strings.Contains(avatarID, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "avatar_id is required")
		return
	}

	avatar, err := g.store.GetAvatar(r.Context(), avatarID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "avatar not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get avatar", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, avatarToResponse(avatar))
}

// handleCreateChat handles POST /api/users/{id}/chats.
// A fresh assistant thread is created per chat and reused for its lifetime.
func (g *Gateway) handleCreateChat(w http.ResponseWriter, r *http.Request, userID string) {
	req, err := parseJSONBody[CreateChatRequest](r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AvatarID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "avatar_id is required")
		return
	}

	if _, err := g.store.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "user not found")
			return
		}
		g.logger.Error("failed to get user", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if _, err := g.store.GetAvatar(r.Context(), req.AvatarID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "avatar not found")
			return
		}
		g.logger.Error("failed to get avatar", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	threadID, err := g.assistants.CreateThread(r.Context())
	if err != nil {
		g.logger.Error("failed to create assistant thread", "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "assistant service unavailable")
		return
	}

	chat := &store.ChatSession{
		ID:        uuid.New().String(),
		UserID:    userID,
		AvatarID:  req.AvatarID,
		ThreadID:  threadID,
		CreatedAt: time.Now().UTC(),
	}

	if err := g.store.CreateChat(r.Context(), chat); err != nil {
		g.logger.Error("failed to create chat", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusCreated, chatToResponse(chat))
}

// handleListChats handles GET /api/users/{id}/chats.
func (g *Gateway) handleListChats(w http.ResponseWriter, r *http.Request, userID string) {
	if _, err := g.store.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "user not found")
			return
		}
		g.logger.Error("failed to get user", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	chats, err := g.store.ListChats(r.Context(), userID)
	if err != nil {
		g.logger.Error("failed to list chats", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ChatResponse, 0, len(chats))
	for _, c := range chats {
		response = append(response, chatToResponse(c))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleChatRoutes dispatches /api/chats/{id}/messages and /api/chats/{id}/stream.
func (g *Gateway) handleChatRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/chats/")
	chatID, sub, _ := strings.Cut(rest, "/")
	if chatID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	switch {
	case sub == "messages" && r.Method == http.MethodGet:
		g.handleChatMessages(w, r, chatID)
	case sub == "messages" && r.Method == http.MethodPost:
		g.handleSendMessage(w, r, chatID)
	case sub == "stream" && r.Method == http.MethodPost:
		g.handleStreamMessage(w, r, chatID)
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleChatMessages handles GET /api/chats/{id}/messages requests.
// Returns the most recent ?limit=N messages in chronological order.
// With ?format=html each message also carries its content rendered as HTML.
func (g *Gateway) handleChatMessages(w http.ResponseWriter, r *http.Request, chatID string) {
	// Parse optional limit parameter (default 50, max 1000)
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > 1000 {
			limit = 1000
		}
	}

	renderHTML := r.URL.Query().Get("format") == "html"

	messages, err := g.conversation.History(r.Context(), chatID, limit)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := ChatMessagesResponse{
		ChatID:   chatID,
		Messages: make([]MessageResponse, len(messages)),
	}
	for i, msg := range messages {
		response.Messages[i] = MessageResponse{
			ID:        msg.ID,
			ChatID:    msg.ChatID,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339),
		}
		if renderHTML {
			response.Messages[i].HTML = g.renderMarkdown(msg.Content)
		}
	}

	g.writeJSON(w, http.StatusOK, response)
}

// renderMarkdown converts message markdown to HTML. On render failure the
// raw content is returned as-is rather than failing the whole request.
func (g *Gateway) renderMarkdown(content string) string {
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(content), &buf); err != nil {
		g.logger.Warn("markdown render failed", "error", err)
		return content
	}
	return buf.String()
}

// handleSendMessage handles POST /api/chats/{id}/messages requests.
// Runs one synchronous turn: the user message is persisted, the assistant
// run polled to completion, and the reply returned in the response body.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request, chatID string) {
	req, err := parseSendRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	reply, err := g.conversation.HandleTurn(r.Context(), chatID, req.Content)
	if err != nil {
		g.respondTurnError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, SendMessageResponse{Reply: reply})
}

// handleStreamMessage handles POST /api/chats/{id}/stream requests.
// It accepts a JSON body with the message content and streams the reply via SSE.
//
// Responsibilities:
//  1. Parse JSON body - decode SendMessageRequest from request body
//  2. Setup SSE streaming - verify flusher support, set SSE headers
//  3. Run the turn via the conversation service (which persists both sides)
//  4. Stream fragments as SSE events until the run terminates
func (g *Gateway) handleStreamMessage(w http.ResponseWriter, r *http.Request, chatID string) {
	req, err := parseSendRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check streaming support before sending (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := g.conversation.StreamTurn(r.Context(), chatID, req.Content)
	if err != nil {
		g.respondTurnError(w, err)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "started", map[string]string{"chat_id": chatID})
	flusher.Flush()

	g.streamEvents(r.Context(), w, flusher, events)
}

// streamEvents reads from the event channel and writes SSE events.
// Message persistence is handled by the conversation service which wraps
// the channel.
func (g *Gateway) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan assistant.Event) {
	var full strings.Builder

	for {
		select {
		case <-ctx.Done():
			g.writeSSEEvent(w, "error", map[string]string{"error": "request cancelled"})
			flusher.Flush()
			return

		case ev, ok := <-events:
			if !ok {
				return
			}

			switch ev.Kind {
			case assistant.KindFragment:
				full.WriteString(ev.Text)
				g.writeSSEEvent(w, "fragment", map[string]string{"text": ev.Text})
				flusher.Flush()
			case assistant.KindCompleted:
				g.writeSSEEvent(w, "done", map[string]string{"full_response": full.String()})
				flusher.Flush()
				return
			case assistant.KindFailed:
				g.writeSSEEvent(w, "error", map[string]string{"error": ev.Reason})
				flusher.Flush()
				return
			}
		}
	}
}

// respondTurnError maps a turn error to the right HTTP status.
func (g *Gateway) respondTurnError(w http.ResponseWriter, err error) {
	var runErr *assistant.RunError
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "chat not found")
	case errors.As(err, &runErr):
		g.sendJSONError(w, http.StatusBadGateway, runErr.Error())
	case errors.Is(err, context.Canceled):
		// Client went away, nothing useful to write.
	default:
		g.logger.Error("turn failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// parseJSONBody decodes a JSON request body into the given type.
func parseJSONBody[T any](r io.Reader) (*T, error) {
	var req T
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	return &req, nil
}

// parseSendRequest parses and validates a SendMessageRequest from the given
// reader. Returns an error if the JSON is invalid or content is missing.
func parseSendRequest(r io.Reader) (*SendMessageRequest, error) {
	req, err := parseJSONBody[SendMessageRequest](r)
	if err != nil {
		return nil, err
	}
	if req.Content == "" {
		return nil, errors.New("content is required")
	}
	return req, nil
}

func userToResponse(u *store.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		Age:       u.Age,
		Sex:       u.Sex,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func avatarToResponse(a *store.Avatar) AvatarResponse {
	return AvatarResponse{
		ID:          a.ID,
		OwnerID:     a.OwnerID,
		Name:        a.Name,
		Personality: a.Personality,
		Features:    a.Features,
		Age:         a.Age,
		Gender:      a.Gender,
		Hobbies:     a.Hobbies,
		System:      a.System,
		ImageStatus: a.ImageStatus,
		ImageRef:    a.ImageRef,
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
	}
}

func chatToResponse(c *store.ChatSession) ChatResponse {
	return ChatResponse{
		ID:        c.ID,
		UserID:    c.UserID,
		AvatarID:  c.AvatarID,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
}
