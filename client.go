package main

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 4096
	sendBufSize       = 256
	maxMessagesPerSec = 50
	maxNearbyRadius   = 32
)

// Client represents a WebSocket connection of one identity
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	identity   Identity
	token      string
	remoteAddr string
	msgCount   int
	msgResetAt time.Time

	// Set once the identity is Online; only touched by ReadPump
	account AccountID
	owned   map[EntityID]bool

	subscribed atomic.Bool
	tablesMu   sync.RWMutex
	tables     map[string]bool // nil = every table
}

// NewClient creates a new Client
func NewClient(hub *Hub, conn *websocket.Conn, identity Identity, token, remoteAddr string) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufSize),
		identity:   identity,
		token:      token,
		remoteAddr: remoteAddr,
		owned:      make(map[EntityID]bool),
	}
}

// ReadPump reads messages from the WebSocket connection
func (c *Client) ReadPump() {
	defer func() {
		c.hub.TrackDisconnect(c.remoteAddr)
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws error: %v", err)
			}
			break
		}

		// Rate limiting
		now := time.Now()
		if now.After(c.msgResetAt) {
			c.msgCount = 0
			c.msgResetAt = now.Add(time.Second)
		}
		c.msgCount++
		if c.msgCount > maxMessagesPerSec {
			log.Printf("rate limit exceeded for %s, disconnecting", c.remoteAddr)
			break
		}

		if msgType == websocket.BinaryMessage {
			c.handleBinary(message)
		} else {
			c.handleMessage(message)
		}
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// Check for binary marker (0xFF prefix from SendBinary)
			var err error
			if len(message) > 0 && message[0] == 0xFF {
				err = c.conn.WriteMessage(websocket.BinaryMessage, message[1:])
			} else {
				err = c.conn.WriteMessage(websocket.TextMessage, message)
			}
			if err != nil {
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

// SendJSON sends a JSON message to the client
func (c *Client) SendJSON(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("marshal error: %v", err)
		return
	}
	c.SendRaw(data)
}

// SendRaw sends pre-marshaled bytes as a text message to the client
func (c *Client) SendRaw(data []byte) {
	defer func() { recover() }()
	select {
	case c.send <- data:
	default:
		// Client too slow, drop message
	}
}

// SendBinary sends pre-marshaled bytes as a binary WebSocket message.
// Prefixes with 0xFF marker byte so WritePump can distinguish from text.
func (c *Client) SendBinary(data []byte) {
	defer func() { recover() }()
	msg := make([]byte, len(data)+1)
	msg[0] = 0xFF // binary marker
	copy(msg[1:], data)
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) sendError(msg string) {
	c.SendJSON(Envelope{T: MsgError, Data: ErrorMsg{Msg: msg}})
}

// wants reports whether a change of table should be pushed to this client
func (c *Client) wants(table string) bool {
	if !c.subscribed.Load() {
		return false
	}
	c.tablesMu.RLock()
	defer c.tablesMu.RUnlock()
	return c.tables == nil || c.tables[table]
}

// handleBinary decodes the compact position and rotation frames
func (c *Client) handleBinary(msg []byte) {
	if len(msg) == 0 {
		return
	}
	switch msg[0] {
	case framePos:
		m, err := decodePosFrame(msg)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.submitPosition(m)
	case frameRot:
		m, err := decodeRotFrame(msg)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.submitRotation(m)
	}
}

// handleMessage routes incoming messages (single-pass decode via InEnvelope)
func (c *Client) handleMessage(raw []byte) {
	var env InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("unmarshal error: %v", err)
		return
	}

	switch env.T {
	case MsgPos:
		var m PosMsg
		if err := json.Unmarshal(env.D, &m); err != nil {
			return
		}
		c.submitPosition(m)
	case MsgRot:
		var m RotMsg
		if err := json.Unmarshal(env.D, &m); err != nil {
			return
		}
		c.submitRotation(m)
	case MsgAuth:
		c.handleAuth(env.D)
	case MsgNearby:
		c.handleNearby(env.D)
	case MsgSub:
		c.handleSub(env.D)
	case MsgUnsub:
		c.subscribed.Store(false)
	}
}

func (c *Client) submitPosition(m PosMsg) {
	id := EntityID(m.ID)
	if !c.owns(id) {
		return
	}
	if _, err := c.hub.world.Ingest.SubmitPosition(c.hub.ctx, id, m.X, m.Y, m.Z); err != nil {
		c.submitFailed(id, err)
	}
}

func (c *Client) submitRotation(m RotMsg) {
	id := EntityID(m.ID)
	if !c.owns(id) {
		return
	}
	if _, err := c.hub.world.Ingest.SubmitRotation(c.hub.ctx, id, m.RX, m.RY, m.RZ); err != nil {
		c.submitFailed(id, err)
	}
}

func (c *Client) submitFailed(id EntityID, err error) {
	if errors.Is(err, ErrEntityNotFound) {
		delete(c.owned, id)
		c.sendError("entity not found")
		return
	}
	log.Printf("submit for entity %d from %s: %v", id, c.identity, err)
	c.sendError("update rejected")
}

// owns reports whether the client may update entity id. Only Online
// identities may, and only for entities their account owns.
func (c *Client) owns(id EntityID) bool {
	if c.owned[id] {
		return true
	}
	w := c.hub.world
	if c.account == 0 {
		state, err := w.Lifecycle.State(c.hub.ctx, c.identity)
		if err != nil || state != StateOnline {
			c.sendError("not authenticated")
			return false
		}
		acct, ok, err := w.Lifecycle.Account(c.hub.ctx, c.identity)
		if err != nil || !ok {
			c.sendError("not authenticated")
			return false
		}
		c.account = acct.ID
	}
	e, err := w.Entities.Entity(c.hub.ctx, id)
	if err != nil {
		c.sendError("entity not found")
		return false
	}
	if e.OwnerID != c.account {
		log.Printf("SECURITY: %s tried to move entity %d owned by %d", c.identity, id, e.OwnerID)
		c.sendError("not your entity")
		return false
	}
	c.owned[id] = true
	return true
}

func (c *Client) handleAuth(data json.RawMessage) {
	var msg AuthMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Key == "" {
		return
	}
	// No reply: the outcome shows up as a presence change
	c.hub.world.Lifecycle.PrivateAuthenticate(c.hub.ctx, c.identity, msg.Key)
}

func (c *Client) handleNearby(data json.RawMessage) {
	var msg NearbyMsg
	if len(data) > 0 {
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
	}
	r := msg.R
	if r == 0 {
		r = DefaultNearbyRadius
	}
	if r > maxNearbyRadius {
		r = maxNearbyRadius
	}
	chunks, err := c.hub.world.Chunks.NearbyChunks(c.hub.ctx, c.identity, r)
	if err != nil {
		log.Printf("nearby for %s: %v", c.identity, err)
		c.sendError("nearby failed")
		return
	}
	c.SendJSON(Envelope{T: MsgChunks, Data: ChunksMsg{Chunks: chunkViews(chunks)}})
}

func (c *Client) handleSub(data json.RawMessage) {
	var msg SubMsg
	if len(data) > 0 {
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
	}
	var tables map[string]bool
	if len(msg.Tables) > 0 {
		tables = make(map[string]bool, len(msg.Tables))
		for _, t := range msg.Tables {
			tables[t] = true
		}
	}
	c.tablesMu.Lock()
	c.tables = tables
	c.tablesMu.Unlock()
	c.subscribed.Store(true)
	c.SendJSON(Envelope{T: MsgSubOK, Data: msg})
}
