package server

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/backtestq/logger"
	"github.com/teranos/backtestq/pulse/events"
	"github.com/teranos/backtestq/pulse/service"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames
	maxMessageSize = 4096

	clientBufferSize = 64
)

// Client is one websocket subscriber to the job event stream
type Client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan events.Event
	caller    service.Caller
	id        string
	closeOnce sync.Once
}

// wants reports whether ev is visible to the client's caller
func (c *Client) wants(ev events.Event) bool {
	if c.caller.IsOperator {
		return true
	}
	return ev.OwnerID != "" && ev.OwnerID == c.caller.ID
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// handleEvents upgrades to a websocket and streams job events
func (s *Server) handleEvents(c *gin.Context) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("Failed to upgrade WebSocket", logger.FieldError, err)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan events.Event, clientBufferSize),
		caller: callerFrom(c),
		id:     uuid.New().String(),
	}
	s.register(client)

	s.wg.Add(2)
	go client.writePump()
	go client.readPump()
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c] = true
	count := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Event stream client connected",
		"client_id", shortID(c.id),
		logger.FieldCallerID, c.caller.ID,
		logger.FieldOperator, c.caller.IsOperator,
		"clients", count)
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()

	if ok {
		s.logger.Infow("Event stream client disconnected", "client_id", shortID(c.id))
	}
}

// readPump discards inbound frames and detects disconnects
func (c *Client) readPump() {
	defer func() {
		c.server.wg.Done()
		c.server.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error",
					"client_id", shortID(c.id),
					logger.FieldError, err)
			}
			return
		}
	}
}

// writePump forwards events and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.server.wg.Done()
		c.close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.server.logger.Debugw("Event write error",
					"client_id", shortID(c.id),
					logger.FieldError, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
