package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spherify/collab/internal/auth"
	"github.com/spherify/collab/internal/collab"
	"github.com/spherify/collab/internal/delta"
	"github.com/spherify/collab/internal/metrics"
	"github.com/spherify/collab/internal/presence"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	EventGetDocument      = "get-document"
	EventJoinDocument     = "join-document"
	EventLeaveDocument    = "leave-document"
	EventSendChanges      = "send-changes"
	EventSendFormat       = "send-format"
	EventUpdateCursor     = "update-cursor"
	EventUpdateUserStatus = "update-user-status"
	EventStatusChanged    = "status-changed"

	defaultSendQueue       = 256
	defaultEventsPerSecond = 50
	defaultEventBurst      = 100
	defaultHandleTimeout   = 10 * time.Second

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var (
	errMissingRegistry = errors.New("collab registry dependency required")
	errMissingRelay    = errors.New("collab relay dependency required")
	errMissingPresence = errors.New("presence reconciler dependency required")
	errHubClosed       = errors.New("websocket hub closed")
)

// RequestValidator authenticates websocket upgrade requests.
type RequestValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps validated claims onto a canonical user id.
type IdentityResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// HubConfig describes the hub collaborators and per-connection limits.
type HubConfig struct {
	Registry        *collab.Registry
	Relay           *collab.Relay
	Presence        *presence.Reconciler
	Validator       RequestValidator
	Identities      IdentityResolver
	SendQueue       int
	EventsPerSecond float64
	EventBurst      int
	Metrics         *metrics.Collectors
	Logger          *zap.Logger
}

// Hub owns websocket connections and routes collaboration messages to them.
type Hub struct {
	registry   *collab.Registry
	relay      *collab.Relay
	presence   *presence.Reconciler
	validator  RequestValidator
	identities IdentityResolver
	sendQueue  int
	eventRate  rate.Limit
	eventBurst int
	metrics    *metrics.Collectors
	logger     *zap.Logger
	upgrader   websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*connection
	byUser      map[collab.UserID]map[string]*connection
	closed      bool
	active      sync.WaitGroup
}

type inboundEnvelope struct {
	Event      string          `json:"event"`
	DocumentID string          `json:"documentId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type outboundEnvelope struct {
	Event      string `json:"event"`
	DocumentID string `json:"documentId,omitempty"`
	Data       any    `json:"data,omitempty"`
}

type joinPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
}

type leavePayload struct {
	UserID string `json:"userId"`
}

type changesPayload struct {
	Delta json.RawMessage `json:"delta"`
}

type formatPayload struct {
	Format map[string]any     `json:"format"`
	Range  collab.CursorRange `json:"range"`
}

type statusPayload struct {
	UserID   string         `json:"userId"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata"`
}

// NewHub constructs a hub and subscribes it to presence notifications.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Relay == nil {
		return nil, errMissingRelay
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	sendQueue := cfg.SendQueue
	if sendQueue <= 0 {
		sendQueue = defaultSendQueue
	}
	eventRate := cfg.EventsPerSecond
	if eventRate <= 0 {
		eventRate = defaultEventsPerSecond
	}
	eventBurst := cfg.EventBurst
	if eventBurst <= 0 {
		eventBurst = defaultEventBurst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := &Hub{
		registry:    cfg.Registry,
		relay:       cfg.Relay,
		presence:    cfg.Presence,
		validator:   cfg.Validator,
		identities:  cfg.Identities,
		sendQueue:   sendQueue,
		eventRate:   rate.Limit(eventRate),
		eventBurst:  eventBurst,
		metrics:     cfg.Metrics,
		logger:      logger,
		connections: make(map[string]*connection),
		byUser:      make(map[collab.UserID]map[string]*connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	cfg.Presence.SetNotifier(hub)
	return hub, nil
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	var boundUser collab.UserID
	if h.validator != nil {
		claims, err := h.validator.ValidateRequest(r)
		if err != nil {
			h.logger.Warn("websocket authentication failed", zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		userID, err := h.resolveUser(r.Context(), claims)
		if err != nil {
			h.logger.Warn("websocket identity resolution failed", zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		boundUser = userID
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		id:        uuid.NewString(),
		hub:       h,
		socket:    socket,
		send:      make(chan []byte, h.sendQueue),
		limiter:   rate.NewLimiter(h.eventRate, h.eventBurst),
		userID:    boundUser,
		bound:     boundUser != "",
		documents: make(map[collab.DocumentID]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	if err := h.register(conn); err != nil {
		cancel()
		_ = socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = socket.Close()
		return
	}
	defer h.active.Done()
	h.metrics.SocketOpened()
	h.logger.Debug("websocket connected", zap.String("connection_id", conn.id), zap.String("user_id", boundUser.String()))

	go conn.writeLoop()
	conn.readLoop()
	h.disconnect(conn)
}

// Emit delivers messages produced outside a connection, such as idle sweeps.
func (h *Hub) Emit(messages ...collab.Outbound) {
	h.deliver(nil, messages)
}

// NotifyStatus broadcasts a committed presence change to every connection.
func (h *Hub) NotifyStatus(record presence.Record) {
	payload, err := json.Marshal(outboundEnvelope{Event: EventStatusChanged, Data: record})
	if err != nil {
		h.logger.Error("failed to encode status change", zap.Error(err))
		return
	}
	h.mu.RLock()
	targets := make([]*connection, 0, len(h.connections))
	for _, conn := range h.connections {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()
	for _, conn := range targets {
		conn.enqueue(payload)
	}
}

// ConnectionCount reports the number of open websocket connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) resolveUser(ctx context.Context, claims auth.SessionClaims) (collab.UserID, error) {
	raw := claims.UserID
	if h.identities != nil {
		canonical, err := h.identities.ResolveCanonicalUserID(ctx, claims)
		if err != nil {
			return "", err
		}
		raw = canonical
	}
	if strings.TrimSpace(raw) == "" {
		raw = claims.Subject
	}
	return collab.NewUserID(raw)
}

func (h *Hub) register(conn *connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHubClosed
	}
	h.active.Add(1)
	h.connections[conn.id] = conn
	if conn.userID != "" {
		h.bindLocked(conn, conn.userID)
	}
	return nil
}

// Close disconnects every connection and waits until their handlers have
// returned, so no event is applied after it. Later upgrades are refused.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	open := make([]*connection, 0, len(h.connections))
	for _, conn := range h.connections {
		open = append(open, conn)
	}
	h.mu.Unlock()

	for _, conn := range open {
		conn.close()
		_ = conn.socket.Close()
	}

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) bindLocked(conn *connection, userID collab.UserID) {
	peers, ok := h.byUser[userID]
	if !ok {
		peers = make(map[string]*connection)
		h.byUser[userID] = peers
	}
	peers[conn.id] = conn
}

// bind attaches an anonymous connection to the user id it first joined as.
func (h *Hub) bind(conn *connection, userID collab.UserID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.userID != "" {
		return conn.userID == userID
	}
	conn.userID = userID
	h.bindLocked(conn, userID)
	return true
}

// heldElsewhere reports whether another connection of userID has joined documentID.
func (h *Hub) heldElsewhere(conn *connection, userID collab.UserID, documentID collab.DocumentID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, peer := range h.byUser[userID] {
		if id == conn.id {
			continue
		}
		if peer.hasJoined(documentID) {
			return true
		}
	}
	return false
}

func (h *Hub) disconnect(conn *connection) {
	conn.close()

	h.mu.Lock()
	delete(h.connections, conn.id)
	userID := conn.userIdentity()
	lastConnection := false
	if userID != "" {
		peers := h.byUser[userID]
		delete(peers, conn.id)
		if len(peers) == 0 {
			delete(h.byUser, userID)
			lastConnection = true
		}
	}
	h.mu.Unlock()
	h.metrics.SocketClosed()

	if userID == "" {
		return
	}
	for _, documentID := range conn.joinedDocuments() {
		if h.heldElsewhere(conn, userID, documentID) {
			continue
		}
		h.deliver(nil, h.registry.Leave(documentID, userID))
	}
	if lastConnection {
		if err := h.presence.ReportStatus(userID.String(), presence.StatusOffline, nil); err != nil {
			h.logger.Warn("failed to report disconnect", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
	h.logger.Debug("websocket disconnected", zap.String("connection_id", conn.id), zap.String("user_id", userID.String()))
}

// deliver routes messages: unicast replies go to origin only, room messages
// go to every connection of a recipient that has joined the document.
func (h *Hub) deliver(origin *connection, messages []collab.Outbound) {
	for _, message := range messages {
		payload, err := json.Marshal(outboundEnvelope{
			Event:      string(message.Event),
			DocumentID: message.DocumentID.String(),
			Data:       message.Payload,
		})
		if err != nil {
			h.logger.Error("failed to encode outbound message", zap.String("event", string(message.Event)), zap.Error(err))
			continue
		}
		if message.Unicast {
			if origin != nil {
				origin.enqueue(payload)
			}
			continue
		}
		for _, conn := range h.roomConnections(message.DocumentID, message.Recipients) {
			conn.enqueue(payload)
		}
	}
}

func (h *Hub) roomConnections(documentID collab.DocumentID, recipients []collab.UserID) []*connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var targets []*connection
	for _, userID := range recipients {
		for _, conn := range h.byUser[userID] {
			if conn.hasJoined(documentID) {
				targets = append(targets, conn)
			}
		}
	}
	return targets
}

func (h *Hub) handle(conn *connection, envelope inboundEnvelope) {
	ctx, cancel := context.WithTimeout(conn.ctx, defaultHandleTimeout)
	defer cancel()

	switch envelope.Event {
	case EventGetDocument:
		h.handleGetDocument(ctx, conn, envelope)
	case EventJoinDocument:
		h.handleJoin(ctx, conn, envelope)
	case EventLeaveDocument:
		h.handleLeave(conn, envelope)
	case EventSendChanges:
		h.handleChanges(ctx, conn, envelope)
	case EventSendFormat:
		h.handleFormat(conn, envelope)
	case EventUpdateCursor:
		h.handleCursor(conn, envelope)
	case EventUpdateUserStatus:
		h.handleStatus(conn, envelope)
	default:
		h.logger.Debug("ignoring unknown event", zap.String("event", envelope.Event), zap.String("connection_id", conn.id))
	}
}

func (h *Hub) handleGetDocument(ctx context.Context, conn *connection, envelope inboundEnvelope) {
	documentID, ok := h.documentID(conn, envelope)
	if !ok {
		return
	}
	messages, err := h.relay.RequestSnapshot(ctx, documentID)
	if err != nil {
		h.logger.Warn("snapshot request failed", zap.String("document_id", documentID.String()), zap.Error(err))
	}
	h.deliver(conn, messages)
}

func (h *Hub) handleJoin(ctx context.Context, conn *connection, envelope inboundEnvelope) {
	documentID, ok := h.documentID(conn, envelope)
	if !ok {
		return
	}
	var payload joinPayload
	if !h.decode(conn, envelope, &payload) {
		return
	}
	userID, ok := h.actingUser(conn, payload.UserID)
	if !ok {
		return
	}
	conn.markJoined(documentID)
	_, messages := h.registry.Join(ctx, documentID, userID, payload.DisplayName, payload.AvatarRef)
	h.deliver(conn, messages)
}

func (h *Hub) handleLeave(conn *connection, envelope inboundEnvelope) {
	documentID, ok := h.documentID(conn, envelope)
	if !ok {
		return
	}
	var payload leavePayload
	if !h.decode(conn, envelope, &payload) {
		return
	}
	userID, ok := h.actingUser(conn, payload.UserID)
	if !ok {
		return
	}
	conn.markLeft(documentID)
	if h.heldElsewhere(conn, userID, documentID) {
		return
	}
	h.deliver(conn, h.registry.Leave(documentID, userID))
}

func (h *Hub) handleChanges(ctx context.Context, conn *connection, envelope inboundEnvelope) {
	documentID, ok := h.documentID(conn, envelope)
	if !ok {
		return
	}
	userID := conn.userIdentity()
	var payload changesPayload
	var change delta.Delta
	err := json.Unmarshal(envelope.Data, &payload)
	if err == nil {
		err = json.Unmarshal(payload.Delta, &change)
	}
	if err != nil || userID == "" {
		reason := "malformed_delta"
		if err == nil {
			reason = "not_joined"
		}
		h.metrics.ChangeRejected(reason)
		h.logger.Debug("rejecting change", zap.String("document_id", documentID.String()), zap.String("reason", reason))
		h.deliver(conn, []collab.Outbound{{
			Event:      collab.EventChangeRejected,
			DocumentID: documentID,
			Unicast:    true,
			Payload:    collab.RejectionPayload{Reason: reason},
		}})
		return
	}
	messages, err := h.relay.ApplyChange(ctx, documentID, userID, change)
	if err != nil {
		h.logger.Debug("change rejected", zap.String("document_id", documentID.String()), zap.String("user_id", userID.String()), zap.Error(err))
	}
	h.deliver(conn, messages)
}

func (h *Hub) handleFormat(conn *connection, envelope inboundEnvelope) {
	documentID, ok := h.documentID(conn, envelope)
	if !ok {
		return
	}
	var payload formatPayload
	if !h.decode(conn, envelope, &payload) {
		return
	}
	messages, err := h.relay.ApplyFormatIntent(documentID, conn.userIdentity(), payload.Format, payload.Range)
	if err != nil {
		h.logger.Debug("format intent ignored", zap.String("document_id", documentID.String()), zap.Error(err))
		return
	}
	h.deliver(conn, messages)
}

func (h *Hub) handleCursor(conn *connection, envelope inboundEnvelope) {
	documentID, ok := h.documentID(conn, envelope)
	if !ok {
		return
	}
	var cursor collab.CursorRange
	if !h.decode(conn, envelope, &cursor) {
		return
	}
	messages, err := h.registry.UpdateCursor(documentID, conn.userIdentity(), cursor)
	if err != nil {
		h.logger.Debug("cursor update ignored", zap.String("document_id", documentID.String()), zap.Error(err))
		return
	}
	h.deliver(conn, messages)
}

func (h *Hub) handleStatus(conn *connection, envelope inboundEnvelope) {
	var payload statusPayload
	if !h.decode(conn, envelope, &payload) {
		return
	}
	userID, ok := h.actingUser(conn, payload.UserID)
	if !ok {
		return
	}
	if strings.TrimSpace(envelope.DocumentID) != "" {
		if documentID, err := collab.NewDocumentID(envelope.DocumentID); err == nil {
			if err := h.registry.Heartbeat(documentID, userID); err != nil && !errors.Is(err, collab.ErrSessionNotFound) {
				h.logger.Warn("heartbeat failed", zap.String("document_id", documentID.String()), zap.Error(err))
			}
		}
	}
	status, err := presence.ParseStatus(payload.Status)
	if err != nil {
		h.logger.Debug("ignoring status report", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	if err := h.presence.ReportStatus(userID.String(), status, payload.Metadata); err != nil {
		h.logger.Warn("status report failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

func (h *Hub) documentID(conn *connection, envelope inboundEnvelope) (collab.DocumentID, bool) {
	documentID, err := collab.NewDocumentID(envelope.DocumentID)
	if err != nil {
		h.logger.Debug("ignoring event without document", zap.String("event", envelope.Event), zap.String("connection_id", conn.id))
		return "", false
	}
	return documentID, true
}

func (h *Hub) decode(conn *connection, envelope inboundEnvelope, target any) bool {
	if len(envelope.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		h.logger.Debug("ignoring malformed event payload", zap.String("event", envelope.Event), zap.String("connection_id", conn.id), zap.Error(err))
		return false
	}
	return true
}

// actingUser returns the connection's user, binding anonymous connections on
// first use. Claims for a different user are ignored.
func (h *Hub) actingUser(conn *connection, claimed string) (collab.UserID, bool) {
	if current := conn.userIdentity(); current != "" && strings.TrimSpace(claimed) == "" {
		return current, true
	}
	userID, err := collab.NewUserID(claimed)
	if err != nil {
		h.logger.Debug("ignoring event without user", zap.String("connection_id", conn.id), zap.Error(err))
		return "", false
	}
	if conn.isBound() {
		return conn.userIdentity(), true
	}
	if !h.bind(conn, userID) {
		h.logger.Warn("connection attempted to act as another user",
			zap.String("connection_id", conn.id),
			zap.String("user_id", conn.userIdentity().String()),
			zap.String("claimed_user_id", userID.String()))
		return "", false
	}
	return userID, true
}

type connection struct {
	id      string
	hub     *Hub
	socket  *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	userID    collab.UserID
	bound     bool
	documents map[collab.DocumentID]struct{}
	closed    bool
}

func (c *connection) readLoop() {
	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read failed", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}
		var envelope inboundEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			c.hub.logger.Debug("ignoring malformed envelope", zap.String("connection_id", c.id), zap.Error(err))
			continue
		}
		c.hub.handle(c, envelope)
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			_ = c.socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// enqueue never blocks; a peer whose queue is full is disconnected so it
// resynchronises instead of silently missing messages.
func (c *connection) enqueue(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.closed = true
		c.hub.metrics.SlowPeerDropped()
		c.hub.logger.Warn("dropping slow websocket peer", zap.String("connection_id", c.id), zap.String("user_id", c.userID.String()))
		c.cancel()
		_ = c.socket.Close()
	}
}

func (c *connection) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

func (c *connection) userIdentity() collab.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *connection) isBound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}

func (c *connection) markJoined(documentID collab.DocumentID) {
	c.mu.Lock()
	c.documents[documentID] = struct{}{}
	c.mu.Unlock()
}

func (c *connection) markLeft(documentID collab.DocumentID) {
	c.mu.Lock()
	delete(c.documents, documentID)
	c.mu.Unlock()
}

func (c *connection) hasJoined(documentID collab.DocumentID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.documents[documentID]
	return ok
}

func (c *connection) joinedDocuments() []collab.DocumentID {
	c.mu.Lock()
	defer c.mu.Unlock()
	documents := make([]collab.DocumentID, 0, len(c.documents))
	for documentID := range c.documents {
		documents = append(documents, documentID)
	}
	return documents
}
