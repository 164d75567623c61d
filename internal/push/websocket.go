package push

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/earth92/appsuite-middleware-sub014/internal/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	// Slow consumers are disconnected once their send buffer fills.
	wsSendBuffer = 32
)

// WebSocketGateway keeps live browser connections and delivers events to
// them. Connections are ephemeral; the durable subscription row only records
// that the user wants WebSocket delivery.
type WebSocketGateway struct {
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[int64]map[*wsConn]struct{}
}

func NewWebSocketGateway() *WebSocketGateway {
	return &WebSocketGateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[int64]map[*wsConn]struct{}),
	}
}

func (g *WebSocketGateway) ID() string { return "websocket" }

// Deliver queues the event on every live connection of the user. A user
// with no open connection is not an error; the event is simply not seen.
func (g *WebSocketGateway) Deliver(ctx context.Context, sub store.PushSubscription, ev Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}

	g.mu.RLock()
	var stale []*wsConn
	for c := range g.conns[sub.UserID] {
		select {
		case c.send <- payload:
		default:
			stale = append(stale, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range stale {
		log.Printf("[WARN] disconnecting slow websocket consumer for user %d", sub.UserID)
		g.remove(c)
	}
	return nil
}

// HandleUpgrade upgrades the request and pumps events until the client goes
// away. The caller has already authenticated the user.
func (g *WebSocketGateway) HandleUpgrade(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Printf("[WARN] websocket upgrade for user %d: %v", userID, err)
		return
	}

	c := &wsConn{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
	}

	g.mu.Lock()
	if g.conns[userID] == nil {
		g.conns[userID] = make(map[*wsConn]struct{})
	}
	g.conns[userID][c] = struct{}{}
	g.mu.Unlock()

	go c.writePump(g)
	c.readPump(g)
}

// Close tears down every live connection.
func (g *WebSocketGateway) Close() {
	g.mu.Lock()
	var all []*wsConn
	for _, conns := range g.conns {
		for c := range conns {
			all = append(all, c)
		}
	}
	g.conns = make(map[int64]map[*wsConn]struct{})
	g.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

func (g *WebSocketGateway) remove(c *wsConn) {
	g.mu.Lock()
	if conns := g.conns[c.userID]; conns != nil {
		delete(conns, c)
		if len(conns) == 0 {
			delete(g.conns, c.userID)
		}
	}
	g.mu.Unlock()
	c.close()
}

type wsConn struct {
	userID int64
	conn   *websocket.Conn
	send   chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump discards client frames; it exists to process pongs and to notice
// the peer going away.
func (c *wsConn) readPump(g *WebSocketGateway) {
	defer g.remove(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsConn) writePump(g *WebSocketGateway) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		g.remove(c)
	}()
	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
