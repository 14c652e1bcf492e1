// Package server manages individual WebSocket connections, handling the
// read/write pumps, frame dispatch, rate limiting, and lifecycle control for
// each authenticated session.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/identity"
)

const (
	readIdleTimeout = 60 * time.Second
	writeTimeout    = 10 * time.Second
	pingInterval    = 54 * time.Second
)

// Client represents one live WebSocket connection. The bound identity is set
// once, before registration, and never changes; the handle is owned by its
// pumps and referenced (not owned) by the presence table and the hub.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	identity       identity.Identity
	closed         atomic.Bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient creates a Client for an already-authenticated connection. The
// send channel is bounded; fan-out to a slow consumer drops rather than
// blocks.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, id identity.Identity) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, cfg.SendBuffer),
		hub:            hub,
		addr:           addr,
		identity:       id,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// Identity returns the authenticated user this connection speaks for.
func (c *Client) Identity() identity.Identity {
	return c.identity
}

// GetSendChan returns the client's send channel for reading outgoing frames.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", c.addr, err)
		}
		return nil
	})
}

// logReadError logs a read failure with enough context to tell expected
// disconnects from real problems.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Printf("Frame from %s exceeded maximum size of %d bytes", c.addr, c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Printf("Client %s disconnected: %v", c.addr, err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		log.Printf("Client %s connection closed: %v", c.addr, err)
	default:
		log.Printf("WebSocket read error from %s: %v", c.addr, err)
	}
}

// handleFrame runs one inbound frame through the pipeline: decode, optional
// attachment store, durable append, fan-out. Every failure is local to the
// frame; the connection stays open. Returns whether the frame was delivered.
func (c *Client) handleFrame(raw []byte) bool {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Printf("Dropping malformed frame from %s: %v", c.addr, err)
		return false
	}
	if frame.Recipient == "" {
		log.Printf("Dropping frame without recipient from %s", c.addr)
		return false
	}

	var attachmentRef string
	if frame.File != nil {
		ref, err := c.storeAttachment(frame.File)
		if err != nil {
			// The attachment is lost but any text still goes through.
			log.Printf("Dropping attachment %q from %s: %v", frame.File.Name, c.addr, err)
		} else {
			attachmentRef = ref
		}
	}
	if frame.Text == "" && attachmentRef == "" {
		return false
	}

	// The append must complete before any fan-out so live delivery and
	// history never disagree.
	msg, err := c.hub.messages.Append(c.hub.ctx, c.identity.UserID, frame.Recipient, frame.Text, attachmentRef)
	if err != nil {
		log.Printf("Dropping message from %s: append failed: %v", c.addr, err)
		return false
	}

	c.hub.deliver <- msg
	return true
}

func (c *Client) storeAttachment(file *InboundFile) (string, error) {
	blob, err := decodeAttachment(file.Data)
	if err != nil {
		return "", err
	}
	return c.hub.attachments.Store(storedName(file.Name, blob), blob)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing connection in readPump: %v", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.rateLimiter.allow() {
			log.Printf("Rate limit exceeded for %s (%d frames per %s); discarding frame",
				c.addr, c.rateLimit.Burst, c.rateLimit.RefillInterval)
			continue
		}

		c.handleFrame(raw)
	}
}

// writePump drains the send channel onto the wire, one JSON frame per
// WebSocket message, and keeps the connection alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Printf("Error setting write deadline for %s: %v", c.addr, err)
				return
			}
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
					log.Printf("Error writing close message to %s: %v", c.addr, err)
				}
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error writing frame to %s: %v", c.addr, err)
				}
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Printf("Error setting write deadline for ping to %s: %v", c.addr, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error writing ping to %s: %v", c.addr, err)
				}
				return
			}
		}
	}
}
