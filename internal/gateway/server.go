// Package gateway terminates client websockets: it authenticates the
// handshake, registers sessions with the connection manager, binds them to
// the router, and demuxes inbound frames. One reader and one writer
// goroutine serve each socket; routed events reach the writer through the
// session's bounded send channel.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/apix-io/apix/internal/connection"
	"github.com/apix-io/apix/internal/router"
	"github.com/apix-io/apix/pkg/auth"
	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/events"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/tenant"
)

// Config carries the gateway limits. Zero fields fall back to defaults.
type Config struct {
	MaxPayloadLength int64
	IdleTimeout      time.Duration
	MaxConnections   int

	// HandshakeTimeout bounds how long a fresh socket may take to present
	// its auth frame.
	HandshakeTimeout time.Duration

	// SendBufferSize is the per-session outbound buffer; a full buffer is
	// backpressure, not a blocked dispatcher.
	SendBufferSize int

	RateLimitWindow time.Duration
	RateLimitMax    int

	// MaxParseErrors is how many malformed frames a session may send
	// before the socket closes.
	MaxParseErrors int
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		MaxPayloadLength: 16 * 1024 * 1024,
		IdleTimeout:      120 * time.Second,
		MaxConnections:   10000,
		HandshakeTimeout: 10 * time.Second,
		SendBufferSize:   256,
		RateLimitWindow:  time.Minute,
		RateLimitMax:     100,
		MaxParseErrors:   5,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxPayloadLength <= 0 {
		c.MaxPayloadLength = def.MaxPayloadLength
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = def.RateLimitWindow
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = def.RateLimitMax
	}
	if c.MaxParseErrors <= 0 {
		c.MaxParseErrors = def.MaxParseErrors
	}
}

// Server accepts websockets and wires them into the fabric.
type Server struct {
	auth    *auth.Service
	manager *connection.Manager
	router  *router.Router
	quota   *tenant.QuotaTracker
	limits  *tenant.LimitResolver
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu        sync.RWMutex
	sockets   map[string]*wsSession
	shutdown  bool
	startTime time.Time
}

// NewServer builds a gateway and installs itself as the connection
// manager's transport prober. Suspension and removal events close the
// affected socket.
func NewServer(authSvc *auth.Service, mgr *connection.Manager, rt *router.Router, quota *tenant.QuotaTracker, limits *tenant.LimitResolver, bus *events.Bus, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Server {
	cfg.normalize()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	s := &Server{
		auth:      authSvc,
		manager:   mgr,
		router:    rt,
		quota:     quota,
		limits:    limits,
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		sockets:   make(map[string]*wsSession),
		startTime: time.Now(),
	}
	mgr.SetProber(s)
	if bus != nil {
		bus.Subscribe(events.TopicConnectionSuspended, func(ctx context.Context, env events.Envelope) {
			if conn, ok := env.Payload.(*models.Connection); ok {
				s.closeSocket(conn.SessionID, CloseTenantSuspended, "tenant suspended")
			}
		})
		bus.Subscribe(events.TopicConnectionRemoved, func(ctx context.Context, env events.Envelope) {
			if conn, ok := env.Payload.(*models.Connection); ok {
				s.closeSocket(conn.SessionID, CloseNormal, "session removed")
			}
		})
	}
	return s
}

// Probe implements connection.Prober: a reconnection attempt succeeds only
// when the client has actually re-established a socket for the session.
func (s *Server) Probe(ctx context.Context, sessionID string) error {
	s.mu.RLock()
	sess, ok := s.sockets[sessionID]
	s.mu.RUnlock()
	if !ok {
		return apierrors.Newf(apierrors.KindTransient, "no live socket for session %s", sessionID)
	}
	select {
	case <-sess.closed:
		return apierrors.Newf(apierrors.KindTransient, "socket for session %s is closing", sessionID)
	default:
		return nil
	}
}

// SocketCount returns the number of live sockets.
func (s *Server) SocketCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sockets)
}

// Uptime reports how long the gateway has been serving.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// ServeHTTP upgrades the request and runs the session to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.HandleWebSocket(w, r)
}

// HandleWebSocket accepts a socket, runs the auth handshake, and starts
// the session pumps. The first frame must be an auth frame; anything else
// closes the socket with an unauthorized code.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	down := s.shutdown
	total := len(s.sockets)
	s.mu.RUnlock()
	if down {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if total >= s.config.MaxConnections {
		s.metrics.IncrementCounterWithLabels("gateway.rejected", 1, map[string]string{"reason": "max_connections"})
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"apix.v1"},
	})
	if err != nil {
		s.logger.Error("Websocket accept failed", map[string]interface{}{
			"error":       err.Error(),
			"remote_addr": r.RemoteAddr,
		})
		return
	}
	conn.SetReadLimit(s.config.MaxPayloadLength)

	ctx := context.Background()
	principal, hello, err := s.handshake(ctx, conn)
	if err != nil {
		s.metrics.IncrementCounterWithLabels("gateway.rejected", 1, map[string]string{"reason": "auth"})
		s.logger.Warn("Handshake rejected", map[string]interface{}{
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		})
		_ = conn.Close(CloseUnauthorized, "unauthorized")
		return
	}

	orgID := principal.OrganizationID
	if !s.limits.Active(ctx, orgID) {
		s.metrics.IncrementCounterWithLabels("gateway.rejected", 1, map[string]string{"reason": "suspended"})
		_ = conn.Close(CloseTenantSuspended, "tenant suspended")
		return
	}
	if err := s.quota.AcquireConnection(orgID, s.limits.Limits(ctx, orgID)); err != nil {
		s.metrics.IncrementCounterWithLabels("gateway.rejected", 1, map[string]string{"reason": "quota"})
		_ = conn.Close(CloseTenantSuspended, "connection quota exceeded")
		return
	}

	sessionID := hello.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	row := &models.Connection{
		SessionID:      sessionID,
		OrganizationID: orgID,
		ClientType:     principal.ClientType,
	}
	if principal.UserID != uuid.Nil {
		userID := principal.UserID
		row.UserID = &userID
	}
	if hello.Metadata != nil && hello.Metadata.CorrelationID != "" {
		row.Metadata = models.JSONMap{"correlation_id": hello.Metadata.CorrelationID}
	}

	if err := s.manager.Register(ctx, row); err != nil {
		s.quota.ReleaseConnection(orgID)
		s.logger.Warn("Session registration refused", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		_ = conn.Close(CloseProtocolAbuse, err.Error())
		return
	}

	sess := newSession(sessionID, principal, conn, s)
	if err := s.router.RegisterSession(sessionID, orgID, principal.UserID, sess); err != nil {
		s.quota.ReleaseConnection(orgID)
		_ = s.manager.Remove(ctx, sessionID)
		_ = conn.Close(CloseProtocolAbuse, err.Error())
		return
	}

	s.mu.Lock()
	if prior, ok := s.sockets[sessionID]; ok {
		// A stale socket for the same session; the new one supersedes it.
		prior.close(CloseNormal, "superseded by a new socket")
	}
	s.sockets[sessionID] = sess
	total = len(s.sockets)
	s.mu.Unlock()

	s.metrics.IncrementCounterWithLabels("gateway.accepted", 1, map[string]string{
		"client_type": string(principal.ClientType),
	})
	s.metrics.RecordGauge("gateway.sockets", float64(total), nil)
	s.logger.Info("Socket established", map[string]interface{}{
		"session_id":      sessionID,
		"organization_id": orgID.String(),
		"client_type":     string(principal.ClientType),
	})

	sess.sendFrame(&ServerFrame{
		Type:       FrameConnected,
		SessionID:  sessionID,
		ServerTime: time.Now().UnixMilli(),
	})

	go sess.writePump(ctx)
	go sess.readPump(ctx)
}

// handshake reads the auth frame and resolves the principal. The client
// may carry a prior session id to resume after a reconnect.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (*auth.Principal, *ClientFrame, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, nil, apierrors.Wrap(apierrors.KindUnauthorized, "no handshake frame", err)
	}
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, nil, apierrors.Wrap(apierrors.KindParse, "malformed handshake frame", err)
	}
	if frame.Type != FrameAuth {
		return nil, nil, apierrors.Newf(apierrors.KindUnauthorized, "expected auth frame, got %q", frame.Type)
	}

	principal, err := s.auth.Authenticate(ctx, frame.Token)
	if err != nil {
		return nil, nil, err
	}
	if frame.ClientType != "" {
		ct := models.ClientType(frame.ClientType)
		if !ct.Valid() {
			return nil, nil, apierrors.Newf(apierrors.KindParse, "unknown client type %q", frame.ClientType)
		}
		principal.ClientType = ct
	}
	return principal, &frame, nil
}

// handleFrame demuxes one authenticated inbound frame.
func (s *Server) handleFrame(ctx context.Context, sess *wsSession, frame *ClientFrame) {
	s.metrics.IncrementCounterWithLabels("gateway.frames_in", 1, map[string]string{"type": frame.Type})
	correlationID := ""
	if frame.Metadata != nil {
		correlationID = frame.Metadata.CorrelationID
	}

	switch frame.Type {
	case FrameSubscribe:
		s.handleSubscribe(ctx, sess, frame, correlationID)
	case FrameUnsubscribe:
		if err := s.router.Unsubscribe(ctx, sess.id, frame.Channel); err != nil {
			s.replyError(sess, err, correlationID)
			return
		}
		sess.sendFrame(&ServerFrame{Type: FrameUnsubscribed, Channel: frame.Channel, CorrelationID: correlationID})
	case FramePublish:
		s.handlePublish(ctx, sess, frame, correlationID)
	case FrameHeartbeat, FramePing:
		s.handleHeartbeat(ctx, sess, frame)
	case FrameAck:
		if err := s.router.Ack(sess.id, frame.EventID); err != nil {
			s.replyError(sess, err, correlationID)
			return
		}
	case FrameAuth:
		sess.sendError(ErrCodeUnknownType, "session is already authenticated", correlationID)
	default:
		sess.sendError(ErrCodeUnknownType, "unknown frame type "+frame.Type, correlationID)
	}
}

func (s *Server) handleSubscribe(ctx context.Context, sess *wsSession, frame *ClientFrame, correlationID string) {
	sub, err := s.router.Subscribe(ctx, sess.principal, sess.id, frame.Channel, router.SubscribeOptions{
		Filters:        frame.Filters,
		Acknowledgment: frame.Ack,
	})
	if err != nil {
		// A policy denial closes the socket; quota and validation answer
		// with an error frame and leave it open.
		if apierrors.IsForbidden(err) {
			sess.close(CloseForbidden, err.Error())
			s.markDisconnected(ctx, sess)
			return
		}
		s.replyError(sess, err, correlationID)
		return
	}
	sess.sendFrame(&ServerFrame{Type: FrameSubscribed, Channel: sub.Channel, CorrelationID: correlationID})
}

func (s *Server) handlePublish(ctx context.Context, sess *wsSession, frame *ClientFrame, correlationID string) {
	var body PublishBody
	if err := json.Unmarshal(frame.Payload, &body); err != nil {
		sess.sendError(ErrCodeParse, "malformed publish payload", correlationID)
		if sess.countParseError() {
			sess.close(CloseProtocolAbuse, "too many malformed frames")
			s.markDisconnected(ctx, sess)
		}
		return
	}

	orgID := sess.principal.OrganizationID
	if err := s.quota.AllowEvent(orgID, s.limits.Limits(ctx, orgID)); err != nil {
		// Over-quota publishes answer with an error frame; the connection
		// stays open.
		sess.sendError(ErrCodeQuotaExceeded, err.Error(), correlationID)
		return
	}

	event, err := s.router.Publish(ctx, sess.principal, router.PublishRequest{
		Channel:        frame.Channel,
		Type:           body.Type,
		Payload:        body.Payload,
		Priority:       body.Priority,
		Acknowledgment: body.Acknowledgment,
		Metadata:       body.Metadata,
		SessionID:      sess.id,
	})
	if err != nil {
		if apierrors.IsForbidden(err) {
			sess.close(CloseForbidden, err.Error())
			s.markDisconnected(ctx, sess)
			return
		}
		s.replyError(sess, err, correlationID)
		return
	}
	sess.sendFrame(&ServerFrame{
		Type:          FramePublished,
		ID:            event.ID,
		Channel:       event.Channel,
		CorrelationID: correlationID,
	})
}

func (s *Server) handleHeartbeat(ctx context.Context, sess *wsSession, frame *ClientFrame) {
	var clientTS *time.Time
	if frame.Metadata != nil && frame.Metadata.Timestamp > 0 {
		ts := time.UnixMilli(frame.Metadata.Timestamp).UTC()
		clientTS = &ts
	}
	latency, quality, err := s.manager.UpdateHeartbeat(ctx, sess.id, clientTS)
	if err != nil {
		s.replyError(sess, err, "")
		return
	}
	sess.sendFrame(&ServerFrame{
		Type:       FramePong,
		ServerTime: time.Now().UnixMilli(),
		LatencyMs:  latency,
		Quality:    string(quality),
	})
}

// replyError maps a fabric error onto a wire error frame.
func (s *Server) replyError(sess *wsSession, err error, correlationID string) {
	code := ErrCodeInternal
	switch apierrors.KindOf(err) {
	case apierrors.KindUnauthorized:
		code = ErrCodeUnauthorized
	case apierrors.KindForbidden:
		code = ErrCodeForbidden
	case apierrors.KindNotFound:
		code = ErrCodeNotFound
	case apierrors.KindQuotaExceeded:
		code = ErrCodeQuotaExceeded
	case apierrors.KindRateLimited:
		code = ErrCodeRateLimited
	case apierrors.KindParse:
		code = ErrCodeParse
	}
	sess.sendError(code, err.Error(), correlationID)
}

// markDisconnected handles a deliberate end of the session, either a clean
// client departure or a server-side kick: the row falls to DISCONNECTED
// without a reconnection schedule.
func (s *Server) markDisconnected(ctx context.Context, sess *wsSession) {
	sess.close(CloseNormal, "")
	if err := s.manager.UpdateStatus(ctx, sess.id, models.StatusDisconnected); err != nil && !apierrors.IsNotFound(err) && !apierrors.IsConflict(err) {
		s.logger.Warn("Failed to mark session disconnected", map[string]interface{}{
			"session_id": sess.id,
			"error":      err.Error(),
		})
	}
}

// socketLost handles an abnormal transport end: the heartbeat-timeout path
// runs, which schedules reconnection.
func (s *Server) socketLost(ctx context.Context, sess *wsSession) {
	sess.close(websocket.StatusAbnormalClosure, "")
	if err := s.manager.HandleTimeout(ctx, sess.id); err != nil && !apierrors.IsNotFound(err) {
		s.logger.Warn("Timeout handling failed for lost socket", map[string]interface{}{
			"session_id": sess.id,
			"error":      err.Error(),
		})
	}
}

// teardown forgets the socket and releases its tenant slot. Subscriptions
// survive: the router drains them only when the session itself is removed.
func (s *Server) teardown(sess *wsSession) {
	s.mu.Lock()
	current, ok := s.sockets[sess.id]
	if ok && current == sess {
		delete(s.sockets, sess.id)
	}
	total := len(s.sockets)
	s.mu.Unlock()
	if !ok || current != sess {
		return
	}

	s.quota.ReleaseConnection(sess.principal.OrganizationID)
	s.metrics.RecordGauge("gateway.sockets", float64(total), nil)
	s.logger.Debug("Socket torn down", map[string]interface{}{"session_id": sess.id})
}

// closeSocket closes the live socket for a session, if any.
func (s *Server) closeSocket(sessionID string, code websocket.StatusCode, reason string) {
	s.mu.RLock()
	sess, ok := s.sockets[sessionID]
	s.mu.RUnlock()
	if ok {
		sess.close(code, reason)
	}
}

// Shutdown refuses new sockets and closes the live ones with the
// server-shutdown code. Waits until the sockets are gone or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	open := make([]*wsSession, 0, len(s.sockets))
	for _, sess := range s.sockets {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.close(CloseServerShutdown, "server shutting down")
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.SocketCount() == 0 {
			s.logger.Info("Gateway drained", map[string]interface{}{"had_sockets": len(open)})
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
