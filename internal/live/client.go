package live

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumenclass/backend/internal/models"
)

const (
	// PingInterval and PongWait drive the websocket heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// Identity is what the authentication collaborator resolves a channel token to.
type Identity struct {
	UserID uuid.UUID
	Name   string
	Role   string
}

// Authenticator resolves a signaling-channel token to a platform identity.
type Authenticator func(token string) (Identity, error)

// Client is one signaling channel: a persistent websocket between a
// participant (broadcaster or viewer) and the registry.
type Client struct {
	ID       string
	Identity Identity
	JoinedAt time.Time

	registry *Registry
	conn     *websocket.Conn
	send     chan Message
	logger   *zap.Logger

	// sessions this channel created or joined, maintained on the read loop.
	owned  uuid.UUID
	joined map[uuid.UUID]struct{}
}

// Send queues a message for the write pump. Never blocks: a viewer that
// cannot drain its channel loses messages rather than stalling the session.
func (c *Client) Send(m Message) bool {
	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

// ServeWs upgrades the HTTP request and runs the signaling channel until it
// closes. Token comes from the query string (no Authorization header on
// websocket dials from browsers).
func ServeWs(registry *Registry, logger *zap.Logger, authenticate Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		ident, err := authenticate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		id := uuid.New().String()
		client := &Client{
			ID:       id,
			Identity: ident,
			JoinedAt: time.Now(),
			registry: registry,
			conn:     conn,
			send:     make(chan Message, 256),
			joined:   make(map[uuid.UUID]struct{}),
			logger: logger.With(
				zap.String("channel_id", id),
				zap.String("user_id", ident.UserID.String())),
		}

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.registry.DropChannel(c.ID)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		for sid := range c.joined {
			c.registry.Heartbeat(sid, c.ID)
		}
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.handle(msg)
	}
}

// handle dispatches one decoded message. Protocol errors are answered with a
// TypeError message and dropped; they never tear the channel down.
func (c *Client) handle(msg Message) {
	payload, err := Decode(msg)
	if err != nil {
		c.logger.Warn("invalid message", zap.String("type", string(msg.Type)), zap.Error(err))
		c.Send(NewError(CodeInvalidMessage, err.Error()))
		return
	}

	switch p := payload.(type) {
	case CreateSessionPayload:
		if !models.Role(c.Identity.Role).CanBroadcast() {
			c.Send(NewError(CodeNotAllowed, "only instructors can broadcast"))
			return
		}
		id, err := c.registry.CreateSession(c, c.ID, c.Identity.UserID, p.Metadata)
		if err != nil {
			c.Send(NewError(CodeNotAllowed, err.Error()))
			return
		}
		c.owned = id
		c.Send(New(TypeSessionCreated, SessionCreatedPayload{SessionID: id, SelfID: c.ID}))

	case JoinPayload:
		if p.Viewer.Name == "" {
			p.Viewer.Name = c.Identity.Name
		}
		count, err := c.registry.Join(p.SessionID, c.ID, c.Identity.UserID, p.Viewer, c)
		if err != nil {
			c.Send(NewError(CodeRoomNotFound, "no active stream"))
			return
		}
		c.joined[p.SessionID] = struct{}{}
		c.Send(New(TypeJoinAccepted, JoinAcceptedPayload{SessionID: p.SessionID, SelfID: c.ID, Count: count}))

	case LeavePayload:
		c.registry.Leave(p.SessionID, c.ID)
		delete(c.joined, p.SessionID)

	case RelayPayload:
		// Stamp the sender so a channel cannot spoof another participant.
		p.From = c.ID
		fwd := New(msg.Type, p)
		if err := c.registry.Relay(p.SessionID, c.ID, fwd, p); err != nil {
			c.logger.Debug("relay dropped", zap.String("to", p.To), zap.Error(err))
		}

	case MicPayload:
		c.handleMic(msg.Type, p)

	default:
		// Server-to-client types arriving inbound are protocol errors.
		c.logger.Warn("unexpected inbound type", zap.String("type", string(msg.Type)))
		c.Send(NewError(CodeInvalidMessage, "unexpected message type"))
	}
}

func (c *Client) handleMic(t MessageType, p MicPayload) {
	switch t {
	case TypeMicRequest:
		if err := c.registry.RequestMic(p.SessionID, c.ID); err != nil {
			c.Send(NewError(CodeRoomNotFound, "no active stream"))
		}
	case TypeMicApproved, TypeMicRejected, TypeMicRevoked, TypeMicActive:
		if !c.registry.IsBroadcaster(p.SessionID, c.ID) {
			c.Send(NewError(CodeNotAllowed, "mic admission is broadcaster-only"))
			return
		}
		switch t {
		case TypeMicApproved:
			c.registry.ApproveMic(p.SessionID, p.ViewerID)
		case TypeMicRejected:
			c.registry.RejectMic(p.SessionID, p.ViewerID)
		case TypeMicRevoked:
			c.registry.RevokeMic(p.SessionID, p.ViewerID)
		case TypeMicActive:
			c.registry.MicActivated(p.SessionID, p.ViewerID)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
