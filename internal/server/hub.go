// Package server coordinates connection registration, message fan-out, and
// presence broadcasts for the chatrelay WebSocket system via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"chatrelay/internal/store"
)

// MessageLog is the durable append-only store consulted from the hub's
// delivery path. A message must be appended successfully before it is fanned
// out anywhere.
type MessageLog interface {
	Append(ctx context.Context, sender, recipient, text, attachmentRef string) (store.Message, error)
}

// AttachmentStore persists an uploaded blob under a name and returns the
// stable reference recorded in the message log.
type AttachmentStore interface {
	Store(name string, data []byte) (string, error)
}

// Hub owns the presence table and runs the single event loop that serializes
// registration, deregistration, message delivery, and roster broadcasts.
type Hub struct {
	presence    *PresenceTable
	messages    MessageLog
	attachments AttachmentStore
	register    chan *Client
	unregister  chan *Client
	deliver     chan store.Message
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	pumps       pumpGroup
}

// NewHub creates a Hub wired to its durable collaborators. The returned Hub
// is inert until Run is called.
func NewHub(messages MessageLog, attachments AttachmentStore) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		presence:    NewPresenceTable(),
		messages:    messages,
		attachments: attachments,
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		deliver:     make(chan store.Message),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// GetRegisterChan returns the channel used for registering authenticated clients.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for deregistering clients.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// Presence returns the hub's presence table.
func (h *Hub) Presence() *PresenceTable {
	return h.presence
}

// Run starts the hub's event loop. It should be called in its own goroutine
// as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Printf("Received nil client registration; skipping")
				continue
			}
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case msg := <-h.deliver:
			h.deliverMessage(msg)
		}
	}
}

// handleRegister inserts the connection into the presence table, starts its
// pumps, and announces the roster. Only an identity's first connection
// changes the roster; a secondary connection just receives the current one.
func (h *Hub) handleRegister(client *Client) {
	first := h.presence.Add(client.identity, client)
	log.Printf("User %s connected from %s. Open connections: %d",
		client.identity.UserID, client.addr, h.presence.Len())

	if client.conn != nil {
		h.pumps.start(client)
	}

	if first {
		h.broadcastRoster()
	} else if !h.safeSend(client, h.rosterPayload()) {
		h.dropClient(client)
	}
}

// handleUnregister removes the connection from the presence table. Running it
// twice for the same handle is harmless: the second pass finds nothing.
func (h *Hub) handleUnregister(client *Client) {
	if h.dropClient(client) {
		log.Printf("User %s disconnected from %s. Open connections: %d",
			client.identity.UserID, client.addr, h.presence.Len())
	}
}

// dropClient deregisters a handle, closes its send channel, and broadcasts
// the shrunken roster when its identity went offline. Reports whether the
// handle was registered.
func (h *Hub) dropClient(client *Client) bool {
	found, last := h.presence.Remove(client)
	if !found {
		return false
	}
	client.closed.Store(true)
	close(client.send)
	if last {
		h.broadcastRoster()
	}
	return true
}

// deliverMessage fans a persisted message out to every open connection bound
// to the recipient or the sender, so the sender's other devices see the echo.
func (h *Hub) deliverMessage(msg store.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error encoding message %s for delivery: %v", msg.ID, err)
		return
	}

	var failed []*Client
	for _, client := range h.presence.Handles(msg.Recipient, msg.Sender) {
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}
	h.evictFailed(failed)
}

// broadcastRoster sends the current presence snapshot to every open
// connection. The snapshot is computed at the time of the change that
// triggered it.
func (h *Hub) broadcastRoster() {
	payload := h.rosterPayload()
	var failed []*Client
	for _, client := range h.presence.AllHandles() {
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}
	h.evictFailed(failed)
}

func (h *Hub) rosterPayload() []byte {
	payload, err := json.Marshal(RosterFrame{Online: h.presence.Roster()})
	if err != nil {
		log.Printf("Error encoding roster frame: %v", err)
		return nil
	}
	return payload
}

// safeSend enqueues a payload on a client's bounded send buffer without ever
// blocking the hub loop. A stale or saturated client reports false.
func (h *Hub) safeSend(client *Client, payload []byte) (sent bool) {
	if payload == nil {
		return true
	}
	defer func() {
		// The send channel may close between the flag check and the send.
		if r := recover(); r != nil {
			log.Printf("Recovered from send to closed connection %s: %v", client.addr, r)
			sent = false
		}
	}()

	if client.closed.Load() {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// evictFailed unregisters clients whose send buffers are full or whose
// connections went stale between lookup and send.
func (h *Hub) evictFailed(clients []*Client) {
	for _, client := range clients {
		if h.dropClient(client) {
			log.Printf("Client %s removed due to full send buffer", client.addr)
		}
	}
}

// shutdownClients closes all active client connections.
func (h *Hub) shutdownClients() {
	clients := h.presence.AllHandles()
	log.Printf("Shutting down %d client connections...", len(clients))

	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing client connection from %s: %v", client.addr, err)
		}
	}
}

// pumpGroup tracks the pump goroutines launched per connection so shutdown
// can drain them.
type pumpGroup struct {
	wg sync.WaitGroup
}

func (g *pumpGroup) start(client *Client) {
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		client.writePump()
	}()
	go func() {
		defer g.wg.Done()
		client.readPump()
	}()
}

func (g *pumpGroup) wait() {
	g.wg.Wait()
}

// Shutdown stops the event loop, closes every connection, and waits for the
// pump goroutines to finish or the timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.pumps.wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
