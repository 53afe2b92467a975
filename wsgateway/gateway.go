// Package wsgateway is a WebSocket implementation of the core's transport
// collaborator. It upgrades HTTP connections, assigns connection ids, and
// routes client envelopes into the session manager.
package wsgateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	scenemesh "go-scenemesh"
)

// Handler receives the client-driven lifecycle and command events the
// gateway decodes. The session manager satisfies it.
type Handler interface {
	HandleConnect(ctx context.Context, conn scenemesh.ConnID, characterID int64) error
	ConfirmSceneReady(conn scenemesh.ConnID)
	HandleDisconnect(ctx context.Context, conn scenemesh.ConnID)
	Teleport(ctx context.Context, conn scenemesh.ConnID, teleporterName string) error
	SubmitChat(ctx context.Context, conn scenemesh.ConnID, channel, body string) error
}

// envelope is the wire framing for both directions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type helloData struct {
	CharacterID int64 `json:"character_id"`
}

type chatData struct {
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

type teleportData struct {
	Name string `json:"name"`
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Gateway accepts WebSocket connections and implements scenemesh.Transport.
type Gateway struct {
	handler  Handler
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[scenemesh.ConnID]*client
	nextID  atomic.Int64
}

// New creates a gateway routing into the given handler.
func New(handler Handler, logger *slog.Logger) *Gateway {
	return &Gateway{
		handler: handler,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[scenemesh.ConnID]*client),
	}
}

// ServeHTTP upgrades one connection and runs its read loop until the
// connection closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var conn, err = g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	var (
		id = scenemesh.ConnID(g.nextID.Add(1))
		c  = &client{conn: conn}
	)

	g.mu.Lock()
	g.clients[id] = c
	g.mu.Unlock()

	g.readLoop(r.Context(), id, c)
}

func (g *Gateway) readLoop(ctx context.Context, id scenemesh.ConnID, c *client) {
	defer func() {
		g.drop(id)
		g.handler.HandleDisconnect(context.Background(), id)
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			g.logger.Warn("malformed client envelope", "conn", id, "error", err)
			g.Kick(id, scenemesh.KickCharacterNotFound)
			return
		}

		switch env.Type {
		case "hello":
			var hello helloData
			if err := json.Unmarshal(env.Data, &hello); err != nil {
				g.Kick(id, scenemesh.KickCharacterNotFound)
				return
			}
			// HandleConnect blocks through scene resolution; run it off
			// the read loop so the scene-ready ack can still arrive.
			go func() {
				if err := g.handler.HandleConnect(ctx, id, hello.CharacterID); err != nil {
					g.logger.Info("connect rejected", "conn", id, "error", err)
				}
			}()
		case "scene_ready":
			g.handler.ConfirmSceneReady(id)
		case "chat":
			var chat chatData
			if err := json.Unmarshal(env.Data, &chat); err != nil {
				continue
			}
			if err := g.handler.SubmitChat(ctx, id, chat.Channel, chat.Body); err != nil {
				g.logger.Debug("chat rejected", "conn", id, "error", err)
			}
		case "teleport":
			var teleport teleportData
			if err := json.Unmarshal(env.Data, &teleport); err != nil {
				continue
			}
			if err := g.handler.Teleport(ctx, id, teleport.Name); err != nil {
				g.logger.Debug("teleport rejected", "conn", id, "error", err)
			}
		default:
			g.logger.Debug("unknown envelope type", "conn", id, "type", env.Type)
		}
	}
}

// Send implements scenemesh.Transport.
func (g *Gateway) Send(conn scenemesh.ConnID, msgType string, payload any) error {
	g.mu.RLock()
	var c = g.clients[conn]
	g.mu.RUnlock()
	if c == nil {
		return websocket.ErrCloseSent
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Type: msgType, Data: data})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Kick implements scenemesh.Transport.
func (g *Gateway) Kick(conn scenemesh.ConnID, reason scenemesh.KickReason) {
	g.mu.RLock()
	var c = g.clients[conn]
	g.mu.RUnlock()
	if c == nil {
		return
	}

	var message = websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(reason))
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, message)
	c.writeMu.Unlock()
	c.conn.Close()
}

func (g *Gateway) drop(id scenemesh.ConnID) {
	g.mu.Lock()
	var c = g.clients[id]
	delete(g.clients, id)
	g.mu.Unlock()

	if c != nil {
		c.conn.Close()
	}
}
