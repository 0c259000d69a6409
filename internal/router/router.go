// Package router owns the channel registry and the fan-out path between
// publishers and live sessions. Channels materialize lazily on first
// subscribe and retire once they have sat empty past the TTL. Publishes do
// not touch sockets directly: they enqueue onto the message queue, and the
// dispatch consumer fans the event out to subscribed sessions. Tenant
// isolation is enforced at dispatch time, so shared system channels can
// carry subscribers from every organization while each event still reaches
// only sessions of its own organization.
package router

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apix-io/apix/pkg/auth"
	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/events"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/rbac"
)

// EventMessageType marks queue messages carrying a routed event.
const EventMessageType = "event.dispatch"

// Sink receives routed events for one session. Implementations must not
// block: a full outbound buffer returns an error immediately and the router
// decides whether to drop or retry.
type Sink interface {
	Deliver(event *models.Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(event *models.Event) error

// Deliver calls f.
func (f SinkFunc) Deliver(event *models.Event) error { return f(event) }

// Enqueuer is the slice of the message queue the router publishes through.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *models.QueueMessage) (string, error)
}

// Config carries the routing limits. Zero fields fall back to defaults.
type Config struct {
	// MaxSubscriptionsPerSession caps how many channels one session may
	// hold at once.
	MaxSubscriptionsPerSession int
	// MaxChannelsPerTenant is the fabric-wide channel cap applied when an
	// organization row carries no override.
	MaxChannelsPerTenant int
	// ChannelTTL is how long a channel may sit without subscribers before
	// the sweeper retires it.
	ChannelTTL    time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the routing defaults.
func DefaultConfig() Config {
	return Config{
		MaxSubscriptionsPerSession: 50,
		MaxChannelsPerTenant:       500,
		ChannelTTL:                 time.Hour,
		SweepInterval:              5 * time.Minute,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxSubscriptionsPerSession <= 0 {
		c.MaxSubscriptionsPerSession = def.MaxSubscriptionsPerSession
	}
	if c.MaxChannelsPerTenant <= 0 {
		c.MaxChannelsPerTenant = def.MaxChannelsPerTenant
	}
	if c.ChannelTTL <= 0 {
		c.ChannelTTL = def.ChannelTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
}

// SubscribeOptions carries the per-subscription delivery settings.
type SubscribeOptions struct {
	// Filters restricts delivery. The recognized key is "types": a list of
	// event type strings; events of any other type are skipped for this
	// subscription. Unknown keys are ignored.
	Filters models.JSONMap
	// Acknowledgment asks for at-least-once delivery: the event stays
	// pending until the client acks it, and a full outbound buffer defers
	// to queue retry instead of dropping.
	Acknowledgment bool
}

// PublishRequest describes one event to route.
type PublishRequest struct {
	Channel        string
	Type           string
	Payload        json.RawMessage
	Priority       int
	Acknowledgment bool
	Metadata       models.JSONMap
	// SessionID identifies the publishing session, when there is one.
	SessionID string
}

// Stats is a point-in-time snapshot of the routing state.
type Stats struct {
	Channels      int `json:"channels"`
	Subscriptions int `json:"subscriptions"`
	Sessions      int `json:"sessions"`
	PendingAcks   int `json:"pending_acks"`
}

// channelKey identifies a channel in the registry. Global system channels
// share one entry across organizations.
type channelKey struct {
	org  uuid.UUID
	name string
}

func keyFor(name string, orgID uuid.UUID) channelKey {
	if models.ChannelTypeForName(name).Global() {
		return channelKey{name: name}
	}
	return channelKey{org: orgID, name: name}
}

type channelState struct {
	info     models.Channel
	sessions map[string]*models.Subscription
	// emptySince is set when the last subscriber leaves; the sweeper
	// retires the channel once it has been empty past the TTL.
	emptySince time.Time
}

type routedSession struct {
	id      string
	orgID   uuid.UUID
	userID  uuid.UUID
	sink    Sink
	subs    map[channelKey]struct{}
	pending map[string]time.Time
}

// Router maintains the channel and session indices and routes events
// between them.
type Router struct {
	policy  *rbac.PolicyEngine
	queue   Enqueuer
	quota   *QuotaTracker
	bus     *events.Bus
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu            sync.RWMutex
	channels      map[channelKey]*channelState
	sessions      map[string]*routedSession
	channelsByOrg map[uuid.UUID]int

	nowFn func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRouter builds a Router. It subscribes itself to connection removal
// events on the bus so a removed session's subscriptions drain without the
// gateway having to remember to do it.
func NewRouter(policy *rbac.PolicyEngine, q Enqueuer, quota *QuotaTracker, bus *events.Bus, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Router {
	cfg.normalize()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	if quota == nil {
		quota = NewQuotaTracker(nil, cfg.MaxChannelsPerTenant, logger)
	}
	r := &Router{
		policy:        policy,
		queue:         q,
		quota:         quota,
		bus:           bus,
		config:        cfg,
		logger:        logger,
		metrics:       metrics,
		channels:      make(map[channelKey]*channelState),
		sessions:      make(map[string]*routedSession),
		channelsByOrg: make(map[uuid.UUID]int),
		nowFn:         time.Now,
		stopCh:        make(chan struct{}),
	}
	if bus != nil {
		bus.Subscribe(events.TopicConnectionRemoved, func(ctx context.Context, env events.Envelope) {
			conn, ok := env.Payload.(*models.Connection)
			if !ok {
				return
			}
			r.UnregisterSession(conn.SessionID)
		})
	}
	return r
}

// RegisterSession announces a live session to the router. Re-registering an
// existing session swaps its sink and keeps its subscriptions, which is what
// a reconnect needs.
func (r *Router) RegisterSession(sessionID string, orgID, userID uuid.UUID, sink Sink) error {
	if sessionID == "" {
		return apierrors.New(apierrors.KindParse, "session id is required")
	}
	if orgID == uuid.Nil {
		return apierrors.New(apierrors.KindParse, "organization id is required")
	}
	if sink == nil {
		return apierrors.New(apierrors.KindParse, "sink is required")
	}

	r.mu.Lock()
	if sess, ok := r.sessions[sessionID]; ok {
		sess.sink = sink
		r.mu.Unlock()
		return nil
	}
	r.sessions[sessionID] = &routedSession{
		id:      sessionID,
		orgID:   orgID,
		userID:  userID,
		sink:    sink,
		subs:    make(map[channelKey]struct{}),
		pending: make(map[string]time.Time),
	}
	total := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordGauge("router.sessions", float64(total), nil)
	return nil
}

// UnregisterSession drains every subscription the session holds and forgets
// it. Unknown sessions are a no-op so the bus handler and an explicit
// gateway call cannot trip over each other.
func (r *Router) UnregisterSession(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	drained := len(sess.subs)
	now := r.nowFn().UTC()
	for key := range sess.subs {
		ch, ok := r.channels[key]
		if !ok {
			continue
		}
		delete(ch.sessions, sessionID)
		if len(ch.sessions) == 0 {
			ch.emptySince = now
		}
	}
	delete(r.sessions, sessionID)
	total := len(r.sessions)
	r.mu.Unlock()

	if drained > 0 {
		r.logger.Debug("Drained session subscriptions", map[string]interface{}{
			"session_id": sessionID,
			"channels":   drained,
		})
		r.metrics.IncrementCounter("router.unsubscribed", float64(drained))
	}
	r.metrics.RecordGauge("router.sessions", float64(total), nil)
}

// Subscribe installs the session into a channel, materializing the channel
// on first use. The channel policy, the per-session subscription cap, and
// the per-tenant channel cap all apply; re-subscribing to a held channel
// refreshes its filters and acknowledgment mode in place.
func (r *Router) Subscribe(ctx context.Context, principal *auth.Principal, sessionID, channel string, opts SubscribeOptions) (*models.Subscription, error) {
	if !models.ValidChannelName(channel) {
		return nil, apierrors.Newf(apierrors.KindParse, "invalid channel name %q", channel)
	}
	if err := r.policy.CanSubscribe(ctx, principal, channel); err != nil {
		return nil, err
	}

	chType := models.ChannelTypeForName(channel)
	maxChannels := r.config.MaxChannelsPerTenant
	if !chType.Global() {
		maxChannels = r.quota.MaxChannels(ctx, principal.OrganizationID)
	}

	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, apierrors.Newf(apierrors.KindNotFound, "session %s is not registered", sessionID)
	}
	if sess.orgID != principal.OrganizationID {
		r.mu.Unlock()
		return nil, apierrors.Newf(apierrors.KindForbidden, "session %s belongs to another organization", sessionID)
	}

	key := keyFor(channel, principal.OrganizationID)
	if _, held := sess.subs[key]; held {
		sub := r.channels[key].sessions[sessionID]
		sub.Filters = opts.Filters
		sub.Acknowledgment = opts.Acknowledgment
		out := *sub
		r.mu.Unlock()
		return &out, nil
	}
	if len(sess.subs) >= r.config.MaxSubscriptionsPerSession {
		r.mu.Unlock()
		return nil, apierrors.Newf(apierrors.KindQuotaExceeded,
			"session %s has reached its %d subscription limit", sessionID, r.config.MaxSubscriptionsPerSession)
	}

	now := r.nowFn().UTC()
	ch, ok := r.channels[key]
	if !ok {
		if !chType.Global() && r.channelsByOrg[key.org] >= maxChannels {
			r.mu.Unlock()
			return nil, apierrors.Newf(apierrors.KindQuotaExceeded,
				"organization %s has reached its %d channel limit", key.org, maxChannels)
		}
		ch = &channelState{
			info: models.Channel{
				Name:           channel,
				Type:           chType,
				OrganizationID: key.org,
				CreatedAt:      now,
			},
			sessions: make(map[string]*models.Subscription),
		}
		r.channels[key] = ch
		if !chType.Global() {
			r.channelsByOrg[key.org]++
		}
		r.metrics.IncrementCounterWithLabels("router.channels_created", 1, map[string]string{"type": string(chType)})
	}

	sub := &models.Subscription{
		SessionID:      sessionID,
		Channel:        channel,
		OrganizationID: principal.OrganizationID,
		Filters:        opts.Filters,
		Acknowledgment: opts.Acknowledgment,
		CreatedAt:      now,
	}
	ch.sessions[sessionID] = sub
	ch.emptySince = time.Time{}
	sess.subs[key] = struct{}{}
	out := *sub
	r.mu.Unlock()

	r.metrics.IncrementCounterWithLabels("router.subscribed", 1, map[string]string{"type": string(chType)})
	r.logger.Debug("Session subscribed", map[string]interface{}{
		"session_id": sessionID,
		"channel":    channel,
		"type":       string(chType),
	})
	return &out, nil
}

// Unsubscribe removes the session from a channel. The channel itself stays
// registered until the sweeper retires it.
func (r *Router) Unsubscribe(ctx context.Context, sessionID, channel string) error {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return apierrors.Newf(apierrors.KindNotFound, "session %s is not registered", sessionID)
	}
	key := keyFor(channel, sess.orgID)
	if _, held := sess.subs[key]; !held {
		r.mu.Unlock()
		return apierrors.Newf(apierrors.KindNotFound, "session %s is not subscribed to %q", sessionID, channel)
	}
	delete(sess.subs, key)
	if ch, ok := r.channels[key]; ok {
		delete(ch.sessions, sessionID)
		if len(ch.sessions) == 0 {
			ch.emptySince = r.nowFn().UTC()
		}
	}
	r.mu.Unlock()

	r.metrics.IncrementCounter("router.unsubscribed", 1)
	return nil
}

// Publish authorizes the write, stamps the event with a server-assigned id
// and timestamp, and hands it to the message queue. Delivery happens when
// the dispatch consumer picks it up; priorities above 5 ride the
// high-priority queue.
func (r *Router) Publish(ctx context.Context, principal *auth.Principal, req PublishRequest) (*models.Event, error) {
	if !models.ValidChannelName(req.Channel) {
		return nil, apierrors.Newf(apierrors.KindParse, "invalid channel name %q", req.Channel)
	}
	if req.Type == "" {
		return nil, apierrors.New(apierrors.KindParse, "event type is required")
	}
	if err := r.policy.CanPublish(ctx, principal, req.Channel); err != nil {
		return nil, err
	}

	event := &models.Event{
		ID:             uuid.NewString(),
		Type:           req.Type,
		Channel:        req.Channel,
		Payload:        req.Payload,
		OrganizationID: principal.OrganizationID,
		SessionID:      req.SessionID,
		Acknowledgment: req.Acknowledgment,
		Priority:       req.Priority,
		CreatedAt:      r.nowFn().UTC(),
		Metadata:       req.Metadata,
	}
	if principal.UserID != uuid.Nil {
		userID := principal.UserID
		event.UserID = &userID
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindParse, "failed to encode event", err)
	}
	queueName, err := r.queue.Enqueue(ctx, &models.QueueMessage{
		Type:           EventMessageType,
		Payload:        payload,
		Priority:       req.Priority,
		OrganizationID: principal.OrganizationID,
		UserID:         event.UserID,
	})
	if err != nil {
		return nil, err
	}

	r.metrics.IncrementCounterWithLabels("router.published", 1, map[string]string{
		"type":  string(models.ChannelTypeForName(req.Channel)),
		"queue": queueName,
	})
	r.logger.Debug("Event published", map[string]interface{}{
		"event_id": event.ID,
		"channel":  req.Channel,
		"queue":    queueName,
	})
	return event, nil
}

// HandleQueueMessage is the queue handler for the dispatch consumers.
// Messages of any other type are acknowledged untouched.
func (r *Router) HandleQueueMessage(ctx context.Context, msg *models.QueueMessage) error {
	if msg.Type != EventMessageType {
		r.logger.Debug("Skipping unrelated queue message", map[string]interface{}{
			"message_id": msg.ID,
			"type":       msg.Type,
		})
		return nil
	}
	var event models.Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return apierrors.Wrap(apierrors.KindParse, "malformed event payload", err)
	}
	event.RetryCount = msg.Attempts
	return r.Dispatch(ctx, &event)
}

// Dispatch fans one event out to the sessions subscribed to its channel.
// Only sessions of the event's organization receive it. A full outbound
// buffer drops the event for that session, except for acknowledged events,
// which return an error so the queue redelivers; sessions already holding
// the event pending are skipped on redelivery.
func (r *Router) Dispatch(ctx context.Context, event *models.Event) error {
	if event == nil || event.Channel == "" {
		return apierrors.New(apierrors.KindParse, "event carries no channel")
	}

	type target struct {
		sessionID string
		sink      Sink
	}
	key := keyFor(event.Channel, event.OrganizationID)
	r.mu.RLock()
	ch, ok := r.channels[key]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	targets := make([]target, 0, len(ch.sessions))
	for sessionID, sub := range ch.sessions {
		sess, ok := r.sessions[sessionID]
		if !ok || sess.orgID != event.OrganizationID {
			continue
		}
		if !matchesFilters(sub, event) {
			continue
		}
		if event.Acknowledgment {
			if _, dup := sess.pending[event.ID]; dup {
				continue
			}
		}
		targets = append(targets, target{sessionID: sessionID, sink: sess.sink})
	}
	r.mu.RUnlock()

	var delivered, backlogged []string
	for _, t := range targets {
		if err := t.sink.Deliver(event); err != nil {
			if event.Acknowledgment {
				backlogged = append(backlogged, t.sessionID)
				continue
			}
			r.metrics.IncrementCounterWithLabels("backpressure.drop", 1, map[string]string{"channel": event.Channel})
			r.logger.Debug("Dropped event for backlogged session", map[string]interface{}{
				"event_id":   event.ID,
				"session_id": t.sessionID,
				"channel":    event.Channel,
			})
			continue
		}
		delivered = append(delivered, t.sessionID)
	}

	if event.Acknowledgment && len(delivered) > 0 {
		now := r.nowFn().UTC()
		r.mu.Lock()
		for _, sessionID := range delivered {
			if sess, ok := r.sessions[sessionID]; ok {
				sess.pending[event.ID] = now
			}
		}
		r.mu.Unlock()
	}

	r.metrics.IncrementCounterWithLabels("router.dispatched", 1, map[string]string{"channel": event.Channel})
	if len(backlogged) > 0 {
		return apierrors.Newf(apierrors.KindTransient,
			"event %s backlogged for %d session(s)", event.ID, len(backlogged))
	}
	return nil
}

// Ack resolves a pending acknowledged delivery.
func (r *Router) Ack(sessionID, eventID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return apierrors.Newf(apierrors.KindNotFound, "session %s is not registered", sessionID)
	}
	if _, ok := sess.pending[eventID]; !ok {
		r.mu.Unlock()
		return apierrors.Newf(apierrors.KindNotFound, "no pending delivery for event %s", eventID)
	}
	delete(sess.pending, eventID)
	r.mu.Unlock()

	r.metrics.IncrementCounter("router.acked", 1)
	return nil
}

// matchesFilters applies the subscription's delivery filters. The "types"
// key restricts delivery to listed event types; other keys are ignored.
func matchesFilters(sub *models.Subscription, event *models.Event) bool {
	if len(sub.Filters) == 0 {
		return true
	}
	raw, ok := sub.Filters["types"]
	if !ok {
		return true
	}
	switch list := raw.(type) {
	case []interface{}:
		for _, v := range list {
			if s, ok := v.(string); ok && s == event.Type {
				return true
			}
		}
		return false
	case []string:
		for _, s := range list {
			if s == event.Type {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// Start launches the channel retirement sweeper.
func (r *Router) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop halts the sweeper and waits for it to exit.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Router) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepOnce()
		case <-r.stopCh:
			return
		}
	}
}

// sweepOnce retires channels that have sat empty past the TTL.
func (r *Router) sweepOnce() {
	now := r.nowFn().UTC()
	var retired int
	r.mu.Lock()
	for key, ch := range r.channels {
		if len(ch.sessions) > 0 || ch.emptySince.IsZero() {
			continue
		}
		if now.Sub(ch.emptySince) < r.config.ChannelTTL {
			continue
		}
		delete(r.channels, key)
		if !ch.info.Type.Global() {
			r.channelsByOrg[key.org]--
			if r.channelsByOrg[key.org] <= 0 {
				delete(r.channelsByOrg, key.org)
			}
		}
		retired++
	}
	r.mu.Unlock()

	if retired > 0 {
		r.logger.Debug("Retired idle channels", map[string]interface{}{"count": retired})
		r.metrics.IncrementCounter("router.channels_retired", float64(retired))
	}
}

// Stats returns a snapshot of the routing state.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Channels: len(r.channels),
		Sessions: len(r.sessions),
	}
	for _, ch := range r.channels {
		s.Subscriptions += len(ch.sessions)
	}
	for _, sess := range r.sessions {
		s.PendingAcks += len(sess.pending)
	}
	return s
}

// Channels lists the registered channels sorted by organization then name.
func (r *Router) Channels() []models.Channel {
	r.mu.RLock()
	out := make([]models.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch.info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OrganizationID != out[j].OrganizationID {
			return out[i].OrganizationID.String() < out[j].OrganizationID.String()
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Subscriptions lists the channels a session currently holds, sorted by
// channel name.
func (r *Router) Subscriptions(sessionID string) []models.Subscription {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	out := make([]models.Subscription, 0, len(sess.subs))
	for key := range sess.subs {
		if ch, ok := r.channels[key]; ok {
			if sub, ok := ch.sessions[sessionID]; ok {
				out = append(out, *sub)
			}
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
