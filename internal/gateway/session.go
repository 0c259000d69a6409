package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/apix-io/apix/pkg/auth"
	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/models"
)

const writeTimeout = 10 * time.Second

// wsSession is one live socket. The reader goroutine demuxes inbound
// frames; the writer drains the bounded send channel. Routed events reach
// the socket only through Deliver, which never blocks.
type wsSession struct {
	id        string
	principal *auth.Principal
	conn      *websocket.Conn
	gw        *Server

	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}

	mu          sync.Mutex
	parseErrors int
}

func newSession(id string, principal *auth.Principal, conn *websocket.Conn, gw *Server) *wsSession {
	return &wsSession{
		id:        id,
		principal: principal,
		conn:      conn,
		gw:        gw,
		send:      make(chan []byte, gw.config.SendBufferSize),
		limiter:   rate.NewLimiter(rate.Limit(float64(gw.config.RateLimitMax)/gw.config.RateLimitWindow.Seconds()), gw.config.RateLimitMax),
		closed:    make(chan struct{}),
	}
}

// Deliver implements router.Sink. A full send channel is reported
// immediately so the router can apply its backpressure policy.
func (s *wsSession) Deliver(event *models.Event) error {
	data, err := json.Marshal(eventFrame(event))
	if err != nil {
		return apierrors.Wrap(apierrors.KindParse, "failed to encode event frame", err)
	}
	select {
	case s.send <- data:
		return nil
	case <-s.closed:
		return apierrors.Newf(apierrors.KindTransient, "session %s socket is closed", s.id)
	default:
		return apierrors.Newf(apierrors.KindTransient, "session %s outbound buffer is full", s.id)
	}
}

// sendFrame queues a control frame, dropping it if the buffer is full.
// Control traffic is best-effort; routed events go through Deliver.
func (s *wsSession) sendFrame(frame *ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.gw.logger.Error("Failed to marshal server frame", map[string]interface{}{
			"session_id": s.id,
			"error":      err.Error(),
		})
		return
	}
	select {
	case s.send <- data:
	case <-s.closed:
	default:
		s.gw.logger.Warn("Dropped control frame, outbound buffer full", map[string]interface{}{
			"session_id": s.id,
			"type":       frame.Type,
		})
		s.gw.metrics.IncrementCounterWithLabels("gateway.frames_dropped", 1, map[string]string{"type": frame.Type})
	}
}

func (s *wsSession) sendError(code, message, correlationID string) {
	s.sendFrame(errorFrame(code, message, correlationID))
}

// close shuts the socket exactly once. The closed channel unblocks the
// writer and makes further Deliver calls fail fast.
func (s *wsSession) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.conn.Close(code, reason); err != nil {
			s.gw.logger.Debug("Socket close returned an error", map[string]interface{}{
				"session_id": s.id,
				"error":      err.Error(),
			})
		}
	})
}

// countParseError bumps the malformed-frame counter and reports whether
// the session has exhausted its budget.
func (s *wsSession) countParseError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parseErrors++
	return s.parseErrors >= s.gw.config.MaxParseErrors
}

// readPump reads and demuxes inbound frames until the socket dies or a
// policy violation closes it. On exit the gateway is told how the reader
// ended so the connection manager sees the right transition.
func (s *wsSession) readPump(ctx context.Context) {
	defer s.gw.teardown(s)

	for {
		readCtx, cancel := context.WithTimeout(ctx, s.gw.config.IdleTimeout)
		_, data, err := s.conn.Read(readCtx)
		cancel()
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.gw.markDisconnected(ctx, s)
				return
			}
			select {
			case <-s.closed:
				// Server-initiated close; teardown already decided.
			default:
				s.gw.logger.Debug("Socket read failed", map[string]interface{}{
					"session_id": s.id,
					"error":      err.Error(),
				})
				s.gw.socketLost(ctx, s)
			}
			return
		}

		if !s.limiter.Allow() {
			s.gw.metrics.IncrementCounter("gateway.rate_limited", 1)
			s.gw.logger.Warn("Session exceeded its frame budget", map[string]interface{}{
				"session_id": s.id,
			})
			s.close(CloseForbidden, "rate limit exceeded")
			s.gw.markDisconnected(ctx, s)
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.gw.metrics.IncrementCounter("gateway.parse_errors", 1)
			s.sendError(ErrCodeParse, "malformed frame", "")
			if s.countParseError() {
				s.close(CloseProtocolAbuse, "too many malformed frames")
				s.gw.markDisconnected(ctx, s)
				return
			}
			continue
		}

		s.gw.handleFrame(ctx, s, &frame)
	}
}

// writePump drains the send channel onto the socket. A write error is a
// dead transport: signal the heartbeat-timeout path and stop.
func (s *wsSession) writePump(ctx context.Context) {
	for {
		select {
		case data := <-s.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.gw.logger.Debug("Socket write failed", map[string]interface{}{
					"session_id": s.id,
					"error":      err.Error(),
				})
				s.gw.metrics.IncrementCounter("gateway.write_errors", 1)
				s.close(websocket.StatusAbnormalClosure, "write failed")
				s.gw.socketLost(ctx, s)
				return
			}
			s.gw.metrics.IncrementCounter("gateway.frames_out", 1)
		case <-s.closed:
			return
		}
	}
}
