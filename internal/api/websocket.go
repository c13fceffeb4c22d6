package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/se-broker/internal/logging"
	"github.com/SimplyPrint/se-broker/internal/terminal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
	Code    string          `json:"code,omitempty"`    // Error code if any
}

// WSClient represents a connected WebSocket client. Sessions and channels
// it opens belong to it and are closed when it disconnects.
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *WSHub
	server *Server

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	caller *terminal.Caller

	// originBound clients are named after their Origin and hello only
	// sets a label.
	originBound bool
	label       string

	sessions map[string]*terminal.Session
	channels map[string]*terminal.Channel
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
}

// Run runs the hub's main loop until ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every connected client.
func (h *WSHub) Broadcast(msgType string, payload any) {
	payloadBytes, _ := json.Marshal(payload)
	message, _ := json.Marshal(WSMessage{Type: msgType, Payload: payloadBytes})
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

// deliver sends message to one client unless it was already dropped.
func (h *WSHub) deliver(c *WSClient, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- message:
	case <-time.After(writeWait):
		logging.Warn(logging.CatWebSocket, "Dropping message for slow client", nil)
	}
}

// PresenceChanged broadcasts a card insertion or removal. It has the
// signature of terminal.Options.OnPresenceChanged.
func (s *Server) PresenceChanged(t *terminal.Terminal, present bool) {
	s.hub.Broadcast("presence_changed", map[string]any{
		"terminal": t.Name(),
		"present":  present,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
		"remoteAddr": r.RemoteAddr,
	})

	caller, originBound := callerForRequest(r)
	ctx, cancel := context.WithCancel(context.Background())
	client := &WSClient{
		conn:        conn,
		send:        make(chan []byte, 256),
		hub:         s.hub,
		server:      s,
		ctx:         ctx,
		cancel:      cancel,
		caller:      caller,
		originBound: originBound,
		sessions:    make(map[string]*terminal.Session),
		channels:    make(map[string]*terminal.Channel),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		cancel()
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		c.cancel()
		c.release()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", fmt.Errorf("%w: invalid message format", terminal.ErrInvalidArgument))
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}

			if err := w.Close(); err != nil {
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

// release closes every session the client still holds.
func (c *WSClient) release() {
	c.mu.Lock()
	sessions := make([]*terminal.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = map[string]*terminal.Session{}
	c.channels = map[string]*terminal.Channel{}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			logging.Warn(logging.CatWebSocket, "Closing session of disconnected client failed", map[string]any{
				"session": s.ID(),
				"error":   err.Error(),
			})
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	var err error
	switch msg.Type {
	case "hello":
		err = c.handleHello(msg.ID, msg.Payload)
	case "list_terminals":
		c.sendResponse(msg.ID, "terminals", c.server.listTerminals(c.ctx))
	case "is_present":
		err = c.handleIsPresent(msg.ID, msg.Payload)
	case "get_atr":
		err = c.handleGetATR(msg.ID, msg.Payload)
	case "open_session":
		err = c.handleOpenSession(msg.ID, msg.Payload)
	case "close_session":
		err = c.handleCloseSession(msg.ID, msg.Payload)
	case "close_sessions":
		err = c.handleCloseSessions(msg.ID, msg.Payload)
	case "open_basic_channel":
		err = c.handleOpenChannel(msg.ID, msg.Payload, true)
	case "open_logical_channel":
		err = c.handleOpenChannel(msg.ID, msg.Payload, false)
	case "transmit":
		err = c.handleTransmit(msg.ID, msg.Payload)
	case "close_channel":
		err = c.handleCloseChannel(msg.ID, msg.Payload)
	case "version":
		c.sendResponse(msg.ID, "version", map[string]string{
			"version":   Version,
			"buildTime": BuildTime,
			"gitCommit": GitCommit,
		})
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		err = fmt.Errorf("%w: unknown message type: %s", terminal.ErrInvalidArgument, msg.Type)
	}

	if err != nil {
		level := logging.Info
		if isCanceled(err) {
			level = logging.Debug
		}
		level(logging.CatWebSocket, "Request failed", map[string]any{
			"type":  msg.Type,
			"id":    msg.ID,
			"error": err.Error(),
		})
		c.sendError(msg.ID, err)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload any) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.hub.deliver(c, responseBytes)
}

func (c *WSClient) sendError(id string, err error) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: err.Error(),
		Code:  errorCode(err),
	}
	responseBytes, _ := json.Marshal(response)
	c.hub.deliver(c, responseBytes)
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: missing payload", terminal.ErrInvalidArgument)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: invalid payload", terminal.ErrInvalidArgument)
	}
	return nil
}

func decodeHex(field, s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid hex", terminal.ErrInvalidArgument, field)
	}
	return b, nil
}

func (c *WSClient) currentCaller() *terminal.Caller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caller
}

func (c *WSClient) handleHello(id string, payload json.RawMessage) error {
	var req struct {
		Caller string `json:"caller"`
	}
	if err := decode(payload, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Caller) == "" {
		return fmt.Errorf("%w: caller name is empty", terminal.ErrInvalidArgument)
	}

	c.mu.Lock()
	if c.originBound {
		c.label = req.Caller
	} else {
		c.caller = &terminal.Caller{Name: req.Caller}
	}
	caller, label := c.caller.Name, c.label
	c.mu.Unlock()

	logging.Info(logging.CatWebSocket, "Client identified", map[string]any{
		"caller": caller,
		"label":  label,
	})
	c.sendResponse(id, "hello", map[string]string{
		"caller":  caller,
		"label":   label,
		"version": Version,
	})
	return nil
}

type terminalRequest struct {
	Terminal string `json:"terminal"`
}

func (c *WSClient) lookupTerminal(payload json.RawMessage) (*terminal.Terminal, error) {
	var req terminalRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return c.server.pool.Get(req.Terminal)
}

func (c *WSClient) handleIsPresent(id string, payload json.RawMessage) error {
	t, err := c.lookupTerminal(payload)
	if err != nil {
		return err
	}
	c.sendResponse(id, "presence", map[string]any{
		"terminal": t.Name(),
		"present":  t.IsSecureElementPresent(c.ctx),
	})
	return nil
}

func (c *WSClient) handleGetATR(id string, payload json.RawMessage) error {
	var req struct {
		Terminal string `json:"terminal"`
		Session  string `json:"session"`
	}
	if err := decode(payload, &req); err != nil {
		return err
	}

	var atr []byte
	if req.Session != "" {
		s, err := c.session(req.Session)
		if err != nil {
			return err
		}
		atr = s.ATR(c.ctx)
	} else {
		t, err := c.server.pool.Get(req.Terminal)
		if err != nil {
			return err
		}
		atr = t.ATR(c.ctx)
	}

	resp := map[string]any{"atr": nil}
	if atr != nil {
		resp["atr"] = hex.EncodeToString(atr)
	}
	c.sendResponse(id, "atr", resp)
	return nil
}

func (c *WSClient) session(handle string) (*terminal.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[handle]
	if !ok {
		return nil, fmt.Errorf("%w: unknown session %q", terminal.ErrInvalidArgument, handle)
	}
	return s, nil
}

func (c *WSClient) channel(handle string) (*terminal.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[handle]
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel %q", terminal.ErrInvalidArgument, handle)
	}
	return ch, nil
}

// forgetSession drops s and its channels from the client's tables.
func (c *WSClient) forgetSession(s *terminal.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s.ID())
	for handle, ch := range c.channels {
		if ch.Session() == s {
			delete(c.channels, handle)
		}
	}
}

func (c *WSClient) handleOpenSession(id string, payload json.RawMessage) error {
	t, err := c.lookupTerminal(payload)
	if err != nil {
		return err
	}
	s, err := t.OpenSession(c.ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessions[s.ID()] = s
	c.mu.Unlock()

	c.sendResponse(id, "session", map[string]string{
		"session":  s.ID(),
		"terminal": t.Name(),
	})
	return nil
}

func (c *WSClient) handleCloseSession(id string, payload json.RawMessage) error {
	var req struct {
		Session string `json:"session"`
	}
	if err := decode(payload, &req); err != nil {
		return err
	}
	s, err := c.session(req.Session)
	if err != nil {
		return err
	}

	c.forgetSession(s)
	if err := s.Close(c.ctx); err != nil {
		return err
	}
	c.sendResponse(id, "session_closed", map[string]string{"session": s.ID()})
	return nil
}

// handleCloseSessions closes the client's sessions on one terminal.
func (c *WSClient) handleCloseSessions(id string, payload json.RawMessage) error {
	t, err := c.lookupTerminal(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	var sessions []*terminal.Session
	for _, s := range c.sessions {
		if s.Terminal() == t {
			sessions = append(sessions, s)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		c.forgetSession(s)
		errs = append(errs, s.Close(c.ctx))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	c.sendResponse(id, "sessions_closed", map[string]any{
		"terminal": t.Name(),
		"closed":   len(sessions),
	})
	return nil
}

func (c *WSClient) handleOpenChannel(id string, payload json.RawMessage, basic bool) error {
	var req struct {
		Session string `json:"session"`
		AID     string `json:"aid"`
	}
	if err := decode(payload, &req); err != nil {
		return err
	}
	s, err := c.session(req.Session)
	if err != nil {
		return err
	}

	var aid []byte
	if req.AID != "" {
		if aid, err = decodeHex("aid", req.AID); err != nil {
			return err
		}
	}

	var ch *terminal.Channel
	if basic {
		ch, err = s.OpenBasicChannel(c.ctx, aid, c.currentCaller())
	} else {
		ch, err = s.OpenLogicalChannel(c.ctx, aid, c.currentCaller())
	}
	if err != nil {
		return err
	}

	handle := uuid.NewString()
	c.mu.Lock()
	c.channels[handle] = ch
	c.mu.Unlock()

	c.sendResponse(id, "channel", map[string]any{
		"channel":        handle,
		"session":        s.ID(),
		"number":         ch.Number(),
		"basic":          ch.IsBasic(),
		"selectResponse": hex.EncodeToString(ch.SelectResponse()),
	})
	return nil
}

func (c *WSClient) handleTransmit(id string, payload json.RawMessage) error {
	var req struct {
		Channel string `json:"channel"`
		APDU    string `json:"apdu"`
	}
	if err := decode(payload, &req); err != nil {
		return err
	}
	ch, err := c.channel(req.Channel)
	if err != nil {
		return err
	}
	cmd, err := decodeHex("apdu", req.APDU)
	if err != nil {
		return err
	}

	rsp, err := ch.Transmit(c.ctx, cmd)
	if err != nil {
		return err
	}
	c.sendResponse(id, "response", map[string]string{
		"channel":  req.Channel,
		"response": hex.EncodeToString(rsp),
	})
	return nil
}

func (c *WSClient) handleCloseChannel(id string, payload json.RawMessage) error {
	var req struct {
		Channel string `json:"channel"`
	}
	if err := decode(payload, &req); err != nil {
		return err
	}
	ch, err := c.channel(req.Channel)
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.channels, req.Channel)
	c.mu.Unlock()

	if err := ch.Close(c.ctx); err != nil {
		return err
	}
	c.sendResponse(id, "channel_closed", map[string]string{"channel": req.Channel})
	return nil
}
