// ABOUTME: Websocket bridge for live chat turns with streamed replies.
// ABOUTME: Serializes turns per connection and cancels in-flight runs on close.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reklamaton/avatar-gateway/internal/assistant"
	"github.com/reklamaton/avatar-gateway/internal/conversation"
	"github.com/reklamaton/avatar-gateway/internal/store"
)

// closeChatNotFound is the close code sent when the chat does not exist.
const closeChatNotFound = 4404

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway has no browser origin of its own; clients are native apps.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsInbound is a client frame carrying one user message.
type wsInbound struct {
	Content string `json:"content"`
}

// wsOutbound is a server frame: a reply fragment, a completion marker,
// or an error for the current turn.
type wsOutbound struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleChatSocket handles GET /ws/chats/{id} upgrade requests.
func (g *Gateway) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Path[len("/ws/chats/"):]
	if chatID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Chat and avatar lookups happen after the upgrade so the client
	// receives a proper close code instead of a failed handshake.
	chat, err := g.store.GetChat(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.closeSocket(conn, closeChatNotFound, "chat not found")
		} else {
			g.logger.Error("failed to get chat", "error", err)
			g.closeSocket(conn, websocket.CloseInternalServerErr, "internal server error")
		}
		return
	}
	if _, err := g.store.GetAvatar(r.Context(), chat.AvatarID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.closeSocket(conn, closeChatNotFound, "avatar not found")
		} else {
			g.logger.Error("failed to get avatar", "error", err)
			g.closeSocket(conn, websocket.CloseInternalServerErr, "internal server error")
		}
		return
	}

	bridge := &liveChannelBridge{
		conn:         conn,
		chatID:       chatID,
		conversation: g.conversation,
		logger:       g.logger.With("component", "ws-bridge", "chat_id", chatID),
	}
	bridge.run(r.Context())
}

// closeSocket sends a close frame with the given code and closes the connection.
func (g *Gateway) closeSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		g.logger.Debug("failed to write close frame", "error", err)
	}
	_ = conn.Close()
}

// liveChannelBridge pumps one websocket connection. Inbound messages are
// processed strictly one at a time; the next turn starts only after the
// previous one has terminated.
type liveChannelBridge struct {
	conn         *websocket.Conn
	chatID       string
	conversation *conversation.Service
	logger       *slog.Logger
}

// run drives the bridge until the client disconnects or the request context
// is canceled. All frame writes happen on this goroutine.
func (b *liveChannelBridge) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer b.conn.Close()

	inbound := make(chan string)
	go b.readPump(ctx, cancel, inbound)

	b.logger.Info("live chat connected")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("live chat closed")
			return
		case content, ok := <-inbound:
			if !ok {
				b.logger.Info("live chat closed")
				return
			}
			b.handleTurn(ctx, content)
		}
	}
}

// readPump reads client frames and forwards message content to the turn loop.
// A read error means the client went away: the connection context is canceled
// so any in-flight run stops without persisting a partial reply.
func (b *liveChannelBridge) readPump(ctx context.Context, cancel context.CancelFunc, inbound chan<- string) {
	defer cancel()
	defer close(inbound)

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Content == "" {
			// Malformed frames are dropped, the connection stays up.
			b.logger.Debug("dropping malformed frame")
			continue
		}

		// Abandon the send when the bridge is shutting down.
		select {
		case inbound <- msg.Content:
		case <-ctx.Done():
			return
		}
	}
}

// handleTurn runs one streamed turn and relays events as frames.
// Turn errors are reported in-band; the connection stays open for the
// next message.
func (b *liveChannelBridge) handleTurn(ctx context.Context, content string) {
	events, err := b.conversation.StreamTurn(ctx, b.chatID, content)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("failed to start turn", "error", err)
		b.writeFrame(wsOutbound{Type: "error", Error: "failed to start turn"})
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case assistant.KindFragment:
				b.writeFrame(wsOutbound{Type: "fragment", Text: ev.Text})
			case assistant.KindCompleted:
				b.writeFrame(wsOutbound{Type: "completed"})
				return
			case assistant.KindFailed:
				b.writeFrame(wsOutbound{Type: "error", Error: ev.Reason})
				return
			}
		}
	}
}

// writeFrame writes one JSON frame. Write errors are logged, not fatal:
// the read side notices the broken connection and shuts the bridge down.
func (b *liveChannelBridge) writeFrame(frame wsOutbound) {
	if err := b.conn.WriteJSON(frame); err != nil {
		b.logger.Debug("websocket write failed", "error", err)
	}
}
