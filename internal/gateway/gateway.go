// Package gateway terminates the long-lived per-user push subscriptions.
// A connected user is placed into the shared waiting set and subscribed to
// their push topic; room assignments arriving on the topic are forwarded
// over the websocket. Disconnecting leaves the queue and drops the topic.
//
// Authentication is out of scope for the engine: the gateway trusts the
// X-User-ID header placed by the fronting auth layer.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lyncup/engine/internal/metrics"
	"github.com/lyncup/engine/internal/push"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second // time allowed to write a message
	sendBuffer = 16               // per-user outbound channel buffer
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WaitingSet is the queue membership surface the gateway mutates.
type WaitingSet interface {
	AddWaiting(ctx context.Context, userID int64) error
	RemoveWaiting(ctx context.Context, userIDs ...int64) (int64, error)
}

// Subscriber attaches a handler to a user's push topic.
type Subscriber interface {
	SubscribeUser(ctx context.Context, userID int64, handler func(push.RoomAssignment)) (func(), error)
}

// Gateway upgrades websocket connections and bridges push topics to them.
type Gateway struct {
	waiting WaitingSet
	bus     Subscriber
}

// New creates a gateway.
func New(waiting WaitingSet, bus Subscriber) *Gateway {
	return &Gateway{waiting: waiting, bus: bus}
}

// conn is one subscribed user connection. All writes go through the send
// channel and a single writePump goroutine, so ping frames and room
// assignments never race on the socket.
type conn struct {
	userID int64
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// HandleWS upgrades the request and runs the subscription until disconnect.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil {
		http.Error(w, "missing or invalid X-User-ID", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Gateway] Upgrade failed", "user_id", userID, "error", err)
		return
	}

	c := &conn{
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}

	ctx := context.Background()
	unsubscribe, err := g.bus.SubscribeUser(ctx, userID, func(msg push.RoomAssignment) {
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		select {
		case c.send <- data:
		default:
			// Slow consumer: drop rather than block the bus. The user can
			// still be re-matched next tick while they remain waiting.
			slog.Warn("[Gateway] Dropping message for slow consumer", "user_id", userID)
		}
	})
	if err != nil {
		slog.Error("[Gateway] Subscribe failed", "user_id", userID, "error", err)
		ws.Close()
		return
	}

	if err := g.waiting.AddWaiting(ctx, userID); err != nil {
		slog.Error("[Gateway] Failed to join waiting set", "user_id", userID, "error", err)
		unsubscribe()
		ws.Close()
		return
	}

	metrics.GatewayConnections.Inc()
	slog.Info("[Gateway] User connected", "user_id", userID)

	go c.writePump()
	c.readPump()

	// Disconnect path: leave the queue, drop the topic.
	unsubscribe()
	if _, err := g.waiting.RemoveWaiting(ctx, userID); err != nil {
		slog.Warn("[Gateway] Failed to leave waiting set", "user_id", userID, "error", err)
	}
	metrics.GatewayConnections.Dec()
	slog.Info("[Gateway] User disconnected", "user_id", userID)
}

// readPump consumes the socket until it closes. Inbound frames carry no
// engine semantics; reading exists to process pongs and observe disconnect.
func (c *conn) readPump() {
	defer c.close()
	c.ws.SetReadLimit(1024)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump serializes outbound writes and keeps the connection alive with
// pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
