package main

import (
	"context"
	"log"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	maxConnsPerIP = 5
	maxTotalConns = 1000
)

// Hub manages all connected clients, drives the connection lifecycle on
// register/unregister and fans change events out to subscribed clients
type Hub struct {
	world *World
	ctx   context.Context
	stop  context.CancelFunc

	mu         sync.RWMutex
	clients    map[*Client]bool
	byIdentity map[Identity]*Client
	register   chan *Client
	unregister chan *Client
	// Connection limiting (mutex-protected, accessed from HTTP handlers)
	connMu     sync.Mutex
	ipConns    map[string]int
	totalConns int

	changes *Subscription
}

// NewHub creates a new Hub for world
func NewHub(world *World) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		world:      world,
		ctx:        ctx,
		stop:       cancel,
		clients:    make(map[*Client]bool),
		byIdentity: make(map[Identity]*Client),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		ipConns:    make(map[string]int),
		changes:    world.Feed.Subscribe(4096),
	}
}

func (h *Hub) CanAccept(ip string) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.totalConns >= maxTotalConns {
		return false
	}
	if h.ipConns[ip] >= maxConnsPerIP {
		return false
	}
	return true
}

func (h *Hub) TrackConnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]++
	h.totalConns++
}

func (h *Hub) TrackDisconnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]--
	if h.ipConns[ip] <= 0 {
		delete(h.ipConns, ip)
	}
	h.totalConns--
}

// Run processes register/unregister events until Stop
func (h *Hub) Run() {
	go h.fanOut()
	for {
		select {
		case client := <-h.register:
			h.connect(client)
		case client := <-h.unregister:
			h.disconnect(client)
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop ends Run and the change fan-out
func (h *Hub) Stop() {
	h.stop()
	h.changes.Close()
}

func (h *Hub) connect(client *Client) {
	h.mu.Lock()
	// A newer connection of the same identity replaces the old one. The
	// old client is dropped without a lifecycle disconnect.
	if old := h.byIdentity[client.identity]; old != nil {
		delete(h.clients, old)
		close(old.send)
		log.Printf("hub: %s reconnected, closing previous connection", client.identity)
	}
	h.clients[client] = true
	h.byIdentity[client.identity] = client
	h.mu.Unlock()

	if _, err := h.world.Lifecycle.Connect(h.ctx, client.identity); err != nil {
		log.Printf("hub: connect %s: %v", client.identity, err)
		client.sendError("connect failed")
		h.drop(client)
		return
	}
	state, err := h.world.Lifecycle.State(h.ctx, client.identity)
	if err != nil {
		log.Printf("hub: state of %s: %v", client.identity, err)
	}
	client.SendJSON(Envelope{T: MsgWelcome, Data: WelcomeMsg{
		Identity: string(client.identity),
		Token:    client.token,
		State:    state.String(),
	}})
}

func (h *Hub) disconnect(client *Client) {
	if !h.drop(client) {
		return
	}
	if err := h.world.Lifecycle.Disconnect(h.ctx, client.identity); err != nil {
		log.Printf("hub: disconnect %s: %v", client.identity, err)
	}
}

// drop removes client from the registry and reports whether it was the
// current connection of its identity
func (h *Hub) drop(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return false
	}
	delete(h.clients, client)
	close(client.send)
	if h.byIdentity[client.identity] == client {
		delete(h.byIdentity, client.identity)
		return true
	}
	return false
}

// fanOut encodes each change once and pushes it to every subscribed client
func (h *Hub) fanOut() {
	for change := range h.changes.C {
		data, err := msgpack.Marshal(change)
		if err != nil {
			log.Printf("hub: encode %s change: %v", change.Table, err)
			continue
		}
		h.mu.RLock()
		for c := range h.clients {
			if c.wants(change.Table) {
				c.SendBinary(data)
			}
		}
		h.mu.RUnlock()
	}
}

// Client returns the current connection of identity, if any
func (h *Hub) Client(identity Identity) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byIdentity[identity]
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TotalConns returns the tracked connection count
func (h *Hub) TotalConns() int {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.totalConns
}
