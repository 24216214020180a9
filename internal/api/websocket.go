package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CardFlight/payment-agent/internal/amount"
	"github.com/CardFlight/payment-agent/internal/core"
	"github.com/CardFlight/payment-agent/internal/errs"
	"github.com/CardFlight/payment-agent/internal/logging"
	"github.com/CardFlight/payment-agent/internal/manager"
	"github.com/CardFlight/payment-agent/internal/notify"
	"github.com/CardFlight/payment-agent/internal/transaction"
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
	Code    string          `json:"code,omitempty"`
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *WSHub
	server *Server

	mu       sync.Mutex
	closed   bool
	sessions map[string]*transaction.Session
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
		broadcast:  make(chan []byte, 64),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run(ctx context.Context) {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.trySend(message) {
					delete(h.clients, client)
					client.closeSend()
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish broadcasts a transaction event to every client.
func (h *WSHub) Publish(ctx context.Context, ev notify.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	message, err := json.Marshal(WSMessage{Type: "transaction_event", Payload: payload})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- message:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// add and remove give up once the hub has stopped.
func (h *WSHub) add(c *WSClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *WSHub) remove(c *WSClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
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

	client := &WSClient{
		conn:     conn,
		send:     make(chan []byte, 256),
		hub:      s.hub,
		server:   s,
		sessions: make(map[string]*transaction.Session),
	}

	if !s.hub.add(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// trySend queues message without blocking. It reports false when the
// client is gone or its buffer is full.
func (c *WSClient) trySend(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *WSClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		c.mu.Lock()
		sessions := c.sessions
		c.sessions = map[string]*transaction.Session{}
		c.mu.Unlock()
		for _, s := range sessions {
			s.Close()
		}

		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024) // 512KB max message size, signatures included
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
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
			c.sendError("", errs.New(errs.CodeInvalidArgument, "invalid message format"))
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
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
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
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
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "list_readers":
		c.handleListReaders(msg.ID)
	case "create_sale", "create_auth", "create_tokenization":
		c.handleCreate(msg.ID, msg.Type, msg.Payload)
	case "resume":
		c.handleResume(msg.ID, msg.Payload)
	case "scan_readers", "select_reader", "use_keyed_card", "select_aid",
		"select_process_option", "attach_adjustment", "attach_signature",
		"update_reachability", "close_session":
		c.handleSessionAction(msg.ID, msg.Type, msg.Payload)
	case "version":
		c.sendResponse(msg.ID, "version", map[string]string{
			"version":   Version,
			"buildTime": BuildTime,
			"gitCommit": GitCommit,
		})
	case "health":
		c.sendResponse(msg.ID, "health", c.server.health(context.Background()))
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, errs.New(errs.CodeInvalidArgument, "unknown message type: %s", msg.Type))
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	if !c.trySend(responseBytes) {
		logging.Warn(logging.CatWebSocket, "Dropped message for slow or closed client", map[string]any{
			"type": msgType,
		})
	}
}

func (c *WSClient) sendError(id string, err error) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: err.Error(),
		Code:  errs.CodeOf(err).String(),
	}
	responseBytes, _ := json.Marshal(response)
	c.trySend(responseBytes)
}

func (c *WSClient) handleListReaders(id string) {
	driver := c.server.manager.Driver()
	if driver == nil {
		c.sendResponse(id, "readers", []core.ReaderInfo{})
		return
	}
	readers, err := driver.Readers(context.Background())
	if err != nil {
		c.sendError(id, errs.Wrap(errs.CodeReader, err, "failed to list readers"))
		return
	}
	c.sendResponse(id, "readers", readers)
}

type createRequest struct {
	accountRef
	Amount           amount.Amount     `json:"amount"`
	CustomerID       string            `json:"customerId"`
	CallbackURL      string            `json:"callbackUrl"`
	Metadata         map[string]string `json:"metadata"`
	RequireSignature bool              `json:"requireSignature"`
	QuickChip        bool              `json:"quickChip"`
	Adjustment       bool              `json:"adjustment"`
}

func (r createRequest) options() []manager.Option {
	var opts []manager.Option
	if r.CallbackURL != "" {
		opts = append(opts, manager.WithCallbackURL(r.CallbackURL))
	}
	if len(r.Metadata) > 0 {
		opts = append(opts, manager.WithMetadata(r.Metadata))
	}
	if r.RequireSignature {
		opts = append(opts, manager.WithSignatureRequired())
	}
	if r.QuickChip {
		opts = append(opts, manager.WithQuickChip())
	}
	if r.Adjustment {
		opts = append(opts, manager.WithAdjustment())
	}
	return opts
}

func (c *WSClient) handleCreate(id, msgType string, payload json.RawMessage) {
	var req createRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, errs.New(errs.CodeInvalidArgument, "invalid payload"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	acct, err := c.server.resolveAccount(ctx, req.accountRef)
	if err != nil {
		c.sendError(id, err)
		return
	}

	m := c.server.manager
	obs := &wsObserver{client: c}
	var session *transaction.Session
	switch msgType {
	case "create_sale":
		session, err = m.CreateSale(req.Amount, acct, obs, req.options()...)
	case "create_auth":
		session, err = m.CreateAuth(req.Amount, acct, obs, req.options()...)
	default:
		session, err = m.CreateTokenization(acct, req.CustomerID, obs, req.options()...)
	}
	if err != nil {
		c.sendError(id, err)
		return
	}
	c.track(session)

	logging.Info(logging.CatWebSocket, "Session created", map[string]any{
		"sessionId": session.ID(),
		"kind":      msgType,
	})
	c.sendResponse(id, "session_created", map[string]string{"sessionId": session.ID()})
}

func (c *WSClient) handleResume(id string, payload json.RawMessage) {
	var req struct {
		accountRef
		Data        []byte            `json:"data"` // base64 in JSON
		CallbackURL string            `json:"callbackUrl"`
		Metadata    map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, errs.New(errs.CodeInvalidArgument, "invalid payload"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	acct, err := c.server.resolveAccount(ctx, req.accountRef)
	if err != nil {
		c.sendError(id, err)
		return
	}

	opts := []manager.Option{manager.WithAccount(acct)}
	if req.CallbackURL != "" {
		opts = append(opts, manager.WithCallbackURL(req.CallbackURL))
	}
	if len(req.Metadata) > 0 {
		opts = append(opts, manager.WithMetadata(req.Metadata))
	}
	session, err := c.server.manager.ResumeDeferred(req.Data, &wsObserver{client: c}, opts...)
	if err != nil {
		c.sendError(id, err)
		return
	}
	c.track(session)
	c.sendResponse(id, "session_created", map[string]string{"sessionId": session.ID()})
}

// sessionRequest carries the fields of every session action; each action
// reads the ones it needs.
type sessionRequest struct {
	SessionID    string                    `json:"sessionId"`
	Reader       core.ReaderInfo           `json:"reader"`
	Model        core.ReaderModel          `json:"model"`
	Card         core.KeyedCard            `json:"card"`
	AID          string                    `json:"aid"`
	Option       transaction.ProcessOption `json:"option"`
	TipAmount    amount.Amount             `json:"tipAmount"`
	Metadata     map[string]string         `json:"metadata"`
	Image        []byte                    `json:"image"`
	Reachability transaction.Reachability  `json:"reachability"`
}

func (c *WSClient) handleSessionAction(id, msgType string, payload json.RawMessage) {
	var req sessionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, errs.New(errs.CodeInvalidArgument, "invalid payload: %v", err))
		return
	}

	c.mu.Lock()
	session, ok := c.sessions[req.SessionID]
	c.mu.Unlock()
	if !ok {
		c.sendError(id, errs.New(errs.CodeNotFound, "no active session %q", req.SessionID))
		return
	}

	switch msgType {
	case "scan_readers":
		session.ScanReaders()
	case "select_reader":
		model := req.Model
		if model == core.ReaderModelUnknown {
			model = req.Reader.Model
		}
		session.SelectReader(req.Reader, model)
	case "use_keyed_card":
		session.UseKeyedCard(req.Card)
	case "select_aid":
		session.SelectCardAID(req.AID)
	case "select_process_option":
		session.SelectProcessOption(req.Option)
	case "attach_adjustment":
		session.AttachAdjustment(transaction.Adjustment{TipAmount: req.TipAmount, Metadata: req.Metadata})
	case "attach_signature":
		session.AttachSignature(req.Image)
	case "update_reachability":
		session.UpdateReachability(req.Reachability)
	case "close_session":
		session.Close()
		c.untrack(session)
	}

	// Outcomes arrive as session events.
	c.sendResponse(id, "accepted", map[string]string{"sessionId": session.ID()})
}

func (c *WSClient) track(s *transaction.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.Close()
		return
	}
	// a resumed session can finish before it is tracked; one still waiting
	// for a signature must stay reachable
	if s.Finished() {
		return
	}
	c.sessions[s.ID()] = s
}

func (c *WSClient) untrack(s *transaction.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s.ID())
}
