package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/auth"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/pubsub"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	maxClientMessageSize = 64 * 1024
)

// wsConn adapts a WebSocket to pubsub.Conn. The broadcaster, the ping loop
// and the read loop all write to it, so writes hold mu.
type wsConn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Send(ctx context.Context, msg models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleWebSocket serves the live observer protocol
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Str("origin", r.Header.Get("Origin")).
			Msg("Failed to upgrade to WebSocket")
		return
	}

	conn := &wsConn{id: uuid.New().String(), ws: ws}
	logger := log.With().
		Str("connection_id", conn.id).
		Str("remote_addr", r.RemoteAddr).
		Str("operator", auth.Username(r)).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	b := s.fleet.Broadcaster
	b.Connect(conn)
	defer func() {
		cancel()
		b.Disconnect(conn.id)
		ws.Close()
		logger.Info().Msg("Observer disconnected")
	}()

	logger.Info().Msg("Observer connected")

	if err := conn.Send(ctx, models.NewMessage(models.MessageConnectionEstablished, map[string]interface{}{
		"connection_id":      conn.id,
		"available_channels": models.Channels,
	})); err != nil {
		return
	}

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					logger.Debug().Err(err).Msg("Ping failed")
					ws.Close()
					return
				}
			}
		}
	}()

	ws.SetReadLimit(maxClientMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("Observer read failed")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		if err := conn.Send(ctx, s.handleClientMessage(conn, data)); err != nil {
			return
		}
	}
}

// handleClientMessage applies one client frame and returns the reply
func (s *Server) handleClientMessage(conn pubsub.Conn, data []byte) models.Message {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errorMessage("invalid message: %v", err)
	}

	b := s.fleet.Broadcaster
	connID := conn.ID()

	switch msg.Type {
	case models.ClientSubscribe, models.ClientUnsubscribe:
		if len(msg.Channels) == 0 {
			return errorMessage("channels is required")
		}
		var unknown []string
		for _, channel := range msg.Channels {
			if !models.ValidChannel(channel) {
				unknown = append(unknown, channel)
			}
		}
		if len(unknown) > 0 {
			return errorMessage("unknown channels: %s", strings.Join(unknown, ", "))
		}

		replyType := models.MessageSubscriptionConfirmed
		if msg.Type == models.ClientSubscribe {
			b.Subscribe(conn, msg.Channels...)
		} else {
			b.Unsubscribe(connID, msg.Channels...)
			replyType = models.MessageUnsubscriptionConfirmed
		}
		return models.NewMessage(replyType, map[string]interface{}{
			"channels":      msg.Channels,
			"subscriptions": b.Subscriptions(connID),
		})

	case models.ClientPing:
		return models.NewMessage(models.MessagePong, msg.Data)

	case models.ClientGetSubscriptions:
		return models.NewMessage(models.MessageSubscriptions, map[string]interface{}{
			"subscriptions": b.Subscriptions(connID),
		})

	default:
		return errorMessage("unknown message type %q", msg.Type)
	}
}

func errorMessage(format string, args ...interface{}) models.Message {
	msg := models.NewMessage(models.MessageError, nil)
	msg.Error = fmt.Sprintf(format, args...)
	return msg
}
