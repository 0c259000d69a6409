package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apix-io/apix/pkg/auth"
	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/events"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/rbac"
	"github.com/apix-io/apix/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []*models.QueueMessage
}

func (q *fakeQueue) Enqueue(ctx context.Context, msg *models.QueueMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	clone := *msg
	q.msgs = append(q.msgs, &clone)
	if msg.Priority > 5 {
		return "high-priority", nil
	}
	return "normal-priority", nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

func (q *fakeQueue) last(t *testing.T) *models.QueueMessage {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.msgs)
	return q.msgs[len(q.msgs)-1]
}

// ringSink mimics the gateway's bounded outbound buffer: deliveries beyond
// the limit fail immediately.
type ringSink struct {
	mu     sync.Mutex
	limit  int
	events []*models.Event
}

func (s *ringSink) Deliver(event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.events) >= s.limit {
		return errors.New("outbound buffer full")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *ringSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *ringSink) lastEvent(t *testing.T) *models.Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.events)
	return s.events[len(s.events)-1]
}

func (s *ringSink) drain() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

func newTestRouter(t *testing.T, cfg Config) (*Router, *store.MemoryStore, *fakeQueue, *fakeClock, *events.Bus) {
	t.Helper()
	st := store.NewMemoryStore()
	policy := rbac.NewPolicyEngine(st, nil, observability.NewNoopLogger())
	fq := &fakeQueue{}
	bus := events.NewBus(observability.NewNoopLogger())
	quota := NewQuotaTracker(st, cfg.MaxChannelsPerTenant, observability.NewNoopLogger())
	r := NewRouter(policy, fq, quota, bus, cfg, observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r.nowFn = clk.Now
	quota.nowFn = clk.Now
	return r, st, fq, clk, bus
}

func seedOrg(t *testing.T, st *store.MemoryStore, slug string, maxChannels int) *models.Organization {
	t.Helper()
	org := &models.Organization{
		Name:     slug,
		Slug:     slug,
		IsActive: true,
		Limits:   models.OrganizationLimits{MaxChannels: maxChannels},
	}
	require.NoError(t, st.CreateOrganization(context.Background(), org))
	return org
}

func member(orgID, userID uuid.UUID) *auth.Principal {
	return &auth.Principal{
		OrganizationID: orgID,
		UserID:         userID,
		Permissions:    []string{"channel:read", "channel:write"},
		ClientType:     models.ClientTypeWebApp,
	}
}

func registerSink(t *testing.T, r *Router, sessionID string, orgID, userID uuid.UUID) *ringSink {
	t.Helper()
	sink := &ringSink{}
	require.NoError(t, r.RegisterSession(sessionID, orgID, userID, sink))
	return sink
}

func TestBasicFanoutIsolation(t *testing.T) {
	ctx := context.Background()
	r, st, fq, clk, _ := newTestRouter(t, Config{})
	orgA := seedOrg(t, st, "org-a", 0)
	orgB := seedOrg(t, st, "org-b", 0)
	u1, u2, v1 := uuid.New(), uuid.New(), uuid.New()

	sinkU1 := registerSink(t, r, "sess-u1", orgA.ID, u1)
	sinkU2 := registerSink(t, r, "sess-u2", orgA.ID, u2)
	sinkV1 := registerSink(t, r, "sess-v1", orgB.ID, v1)

	for _, sub := range []struct {
		session string
		p       *auth.Principal
	}{
		{"sess-u1", member(orgA.ID, u1)},
		{"sess-u2", member(orgA.ID, u2)},
		{"sess-v1", member(orgB.ID, v1)},
	} {
		_, err := r.Subscribe(ctx, sub.p, sub.session, "agent_events", SubscribeOptions{})
		require.NoError(t, err)
	}

	// the same channel name in two organizations is two channels
	stats := r.Stats()
	assert.Equal(t, 2, stats.Channels)
	assert.Equal(t, 3, stats.Subscriptions)
	assert.Equal(t, 3, stats.Sessions)

	published, err := r.Publish(ctx, member(orgA.ID, u1), PublishRequest{
		Channel:   "agent_events",
		Type:      "agent_started",
		Payload:   json.RawMessage(`{"agent":"a1"}`),
		SessionID: "sess-u1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, published.ID)
	assert.Equal(t, clk.Now(), published.CreatedAt)
	require.NotNil(t, published.UserID)
	assert.Equal(t, u1, *published.UserID)

	require.Equal(t, 1, fq.count())
	msg := fq.last(t)
	assert.Equal(t, EventMessageType, msg.Type)
	assert.Equal(t, orgA.ID, msg.OrganizationID)

	require.NoError(t, r.HandleQueueMessage(ctx, msg))

	require.Equal(t, 1, sinkU1.count())
	require.Equal(t, 1, sinkU2.count())
	assert.Zero(t, sinkV1.count())

	got := sinkU2.lastEvent(t)
	assert.Equal(t, published.ID, got.ID)
	assert.Equal(t, orgA.ID, got.OrganizationID)
	assert.Equal(t, "agent_started", got.Type)
	assert.JSONEq(t, `{"agent":"a1"}`, string(got.Payload))
}

func TestSubscribeValidationAndPolicy(t *testing.T) {
	ctx := context.Background()
	r, st, _, _, _ := newTestRouter(t, Config{})
	org := seedOrg(t, st, "acme", 0)
	userID := uuid.New()
	registerSink(t, r, "sess-1", org.ID, userID)

	t.Run("rejects malformed channel names", func(t *testing.T) {
		_, err := r.Subscribe(ctx, member(org.ID, userID), "sess-1", "Not A Channel!", SubscribeOptions{})
		require.Error(t, err)
		assert.True(t, apierrors.IsParse(err))
	})

	t.Run("requires a registered session", func(t *testing.T) {
		_, err := r.Subscribe(ctx, member(org.ID, userID), "sess-missing", "agent_events", SubscribeOptions{})
		require.Error(t, err)
		assert.True(t, apierrors.IsNotFound(err))
	})

	t.Run("denies without channel read permission", func(t *testing.T) {
		bare := &auth.Principal{OrganizationID: org.ID, UserID: userID, ClientType: models.ClientTypeWebApp}
		_, err := r.Subscribe(ctx, bare, "sess-1", "agent_events", SubscribeOptions{})
		require.Error(t, err)
		assert.True(t, apierrors.IsForbidden(err))
	})

	t.Run("private channels admit only their owner", func(t *testing.T) {
		stranger := uuid.New()
		_, err := r.Subscribe(ctx, member(org.ID, userID), "sess-1", "user:"+stranger.String(), SubscribeOptions{})
		require.Error(t, err)
		assert.True(t, apierrors.IsForbidden(err))

		_, err = r.Subscribe(ctx, member(org.ID, userID), "sess-1", "user:"+userID.String(), SubscribeOptions{})
		require.NoError(t, err)
	})

	t.Run("system channels are readable without grants", func(t *testing.T) {
		bare := &auth.Principal{OrganizationID: org.ID, UserID: userID, ClientType: models.ClientTypeWebApp}
		_, err := r.Subscribe(ctx, bare, "sess-1", "system_events", SubscribeOptions{})
		require.NoError(t, err)
	})

	t.Run("rejects a principal from another organization", func(t *testing.T) {
		other := seedOrg(t, st, "rival", 0)
		_, err := r.Subscribe(ctx, member(other.ID, uuid.New()), "sess-1", "agent_events", SubscribeOptions{})
		require.Error(t, err)
		assert.True(t, apierrors.IsForbidden(err))
	})
}

func TestSubscriptionCapAndChannelQuota(t *testing.T) {
	ctx := context.Background()
	r, st, _, _, _ := newTestRouter(t, Config{MaxSubscriptionsPerSession: 3})
	org := seedOrg(t, st, "capped", 2)
	userID := uuid.New()
	p := member(org.ID, userID)
	registerSink(t, r, "sess-1", org.ID, userID)
	registerSink(t, r, "sess-2", org.ID, userID)

	t.Run("per tenant channel cap", func(t *testing.T) {
		for _, name := range []string{"alerts", "jobs"} {
			_, err := r.Subscribe(ctx, p, "sess-1", name, SubscribeOptions{})
			require.NoError(t, err)
		}
		_, err := r.Subscribe(ctx, p, "sess-1", "one-too-many", SubscribeOptions{})
		require.Error(t, err)
		assert.True(t, apierrors.IsQuotaExceeded(err))

		// joining an existing channel does not create one
		_, err = r.Subscribe(ctx, p, "sess-2", "alerts", SubscribeOptions{})
		require.NoError(t, err)
	})

	t.Run("per session subscription cap", func(t *testing.T) {
		_, err := r.Subscribe(ctx, p, "sess-1", "jobs", SubscribeOptions{})
		require.NoError(t, err) // re-subscribe to a held channel is free
		_, err = r.Subscribe(ctx, p, "sess-1", "system_events", SubscribeOptions{})
		require.NoError(t, err)

		// sess-1 now holds alerts, jobs, system_events
		_, err = r.Subscribe(ctx, p, "sess-1", "jobs_2", SubscribeOptions{})
		require.Error(t, err)
		assert.True(t, apierrors.IsQuotaExceeded(err))
	})

	t.Run("re-subscribe refreshes options in place", func(t *testing.T) {
		sub, err := r.Subscribe(ctx, p, "sess-1", "jobs", SubscribeOptions{
			Acknowledgment: true,
			Filters:        models.JSONMap{"types": []string{"job_done"}},
		})
		require.NoError(t, err)
		assert.True(t, sub.Acknowledgment)

		held := r.Subscriptions("sess-1")
		require.Len(t, held, 3)
		assert.Equal(t, []string{"alerts", "jobs", "system_events"},
			[]string{held[0].Channel, held[1].Channel, held[2].Channel})
		for _, s := range held {
			if s.Channel == "jobs" {
				assert.True(t, s.Acknowledgment)
			}
		}
	})
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, st, fq, _, _ := newTestRouter(t, Config{})
	org := seedOrg(t, st, "acme", 0)
	userID := uuid.New()
	p := member(org.ID, userID)
	sink := registerSink(t, r, "sess-1", org.ID, userID)

	_, err := r.Subscribe(ctx, p, "sess-1", "agent_events", SubscribeOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, r.Stats().Subscriptions)

	require.NoError(t, r.Unsubscribe(ctx, "sess-1", "agent_events"))
	assert.Zero(t, r.Stats().Subscriptions)
	// the channel lingers until the sweeper retires it
	assert.Equal(t, 1, r.Stats().Channels)

	err = r.Unsubscribe(ctx, "sess-1", "agent_events")
	require.Error(t, err)
	assert.True(t, apierrors.IsNotFound(err))

	err = r.Unsubscribe(ctx, "sess-ghost", "agent_events")
	require.Error(t, err)
	assert.True(t, apierrors.IsNotFound(err))

	// no further deliveries after unsubscribe
	_, err = r.Publish(ctx, p, PublishRequest{Channel: "agent_events", Type: "agent_started"})
	require.NoError(t, err)
	require.NoError(t, r.HandleQueueMessage(ctx, fq.last(t)))
	assert.Zero(t, sink.count())
}

func TestDrainOnConnectionRemoved(t *testing.T) {
	ctx := context.Background()
	r, st, _, _, bus := newTestRouter(t, Config{})
	org := seedOrg(t, st, "acme", 0)
	userID := uuid.New()
	p := member(org.ID, userID)
	registerSink(t, r, "sess-1", org.ID, userID)

	for _, name := range []string{"agent_events", "tool_events"} {
		_, err := r.Subscribe(ctx, p, "sess-1", name, SubscribeOptions{})
		require.NoError(t, err)
	}
	require.Equal(t, 2, r.Stats().Subscriptions)

	bus.Publish(ctx, events.TopicConnectionRemoved, &models.Connection{
		SessionID:      "sess-1",
		OrganizationID: org.ID,
	})

	stats := r.Stats()
	assert.Zero(t, stats.Sessions)
	assert.Zero(t, stats.Subscriptions)

	// a second drain is a no-op
	r.UnregisterSession("sess-1")
}

func TestChannelRetirement(t *testing.T) {
	ctx := context.Background()
	r, st, _, clk, _ := newTestRouter(t, Config{ChannelTTL: 5 * time.Minute})
	org := seedOrg(t, st, "acme", 0)
	userID := uuid.New()
	p := member(org.ID, userID)
	registerSink(t, r, "sess-1", org.ID, userID)

	_, err := r.Subscribe(ctx, p, "sess-1", "agent_events", SubscribeOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Unsubscribe(ctx, "sess-1", "agent_events"))

	clk.advance(4 * time.Minute)
	r.sweepOnce()
	assert.Equal(t, 1, r.Stats().Channels)

	clk.advance(time.Minute)
	r.sweepOnce()
	assert.Zero(t, r.Stats().Channels)

	t.Run("resubscribe before the deadline rescues the channel", func(t *testing.T) {
		_, err := r.Subscribe(ctx, p, "sess-1", "agent_events", SubscribeOptions{})
		require.NoError(t, err)
		require.NoError(t, r.Unsubscribe(ctx, "sess-1", "agent_events"))
		clk.advance(4 * time.Minute)
		_, err = r.Subscribe(ctx, p, "sess-1", "agent_events", SubscribeOptions{})
		require.NoError(t, err)

		clk.advance(10 * time.Minute)
		r.sweepOnce()
		assert.Equal(t, 1, r.Stats().Channels)
	})
}

func TestDispatchBackpressure(t *testing.T) {
	ctx := context.Background()
	r, st, fq, _, _ := newTestRouter(t, Config{})
	org := seedOrg(t, st, "acme", 0)
	userID := uuid.New()
	p := member(org.ID, userID)

	healthy := registerSink(t, r, "sess-healthy", org.ID, userID)
	clogged := &ringSink{limit: 1}
	require.NoError(t, r.RegisterSession("sess-clogged", org.ID, userID, clogged))

	for _, session := range []string{"sess-healthy", "sess-clogged"} {
		_, err := r.Subscribe(ctx, p, session, "agent_events", SubscribeOptions{})
		require.NoError(t, err)
	}

	// fill the clogged session's buffer
	_, err := r.Publish(ctx, p, PublishRequest{Channel: "agent_events", Type: "warmup"})
	require.NoError(t, err)
	require.NoError(t, r.HandleQueueMessage(ctx, fq.last(t)))
	require.Equal(t, 1, clogged.count())

	t.Run("fire and forget events drop for the clogged session", func(t *testing.T) {
		_, err := r.Publish(ctx, p, PublishRequest{Channel: "agent_events", Type: "tick"})
		require.NoError(t, err)
		require.NoError(t, r.HandleQueueMessage(ctx, fq.last(t)))
		assert.Equal(t, 2, healthy.count())
		assert.Equal(t, 1, clogged.count())
	})

	t.Run("acknowledged events defer to queue retry", func(t *testing.T) {
		published, err := r.Publish(ctx, p, PublishRequest{
			Channel:        "agent_events",
			Type:           "job_assigned",
			Acknowledgment: true,
		})
		require.NoError(t, err)

		msg := fq.last(t)
		err = r.HandleQueueMessage(ctx, msg)
		require.Error(t, err)
		assert.True(t, apierrors.IsTransient(err))
		assert.Equal(t, 3, healthy.count())

		// redelivery skips the session already holding the event pending
		err = r.HandleQueueMessage(ctx, msg)
		require.Error(t, err)
		assert.Equal(t, 3, healthy.count())

		// the clogged client catches up and the retry lands
		clogged.drain()
		require.NoError(t, r.HandleQueueMessage(ctx, msg))
		assert.Equal(t, 1, clogged.count())
		assert.Equal(t, 3, healthy.count())
		assert.Equal(t, 2, r.Stats().PendingAcks)

		require.NoError(t, r.Ack("sess-healthy", published.ID))
		err = r.Ack("sess-healthy", published.ID)
		require.Error(t, err)
		assert.True(t, apierrors.IsNotFound(err))

		err = r.Ack("sess-ghost", published.ID)
		require.Error(t, err)
		assert.True(t, apierrors.IsNotFound(err))
		assert.Equal(t, 1, r.Stats().PendingAcks)
	})
}

func TestPublishGuards(t *testing.T) {
	ctx := context.Background()
	r, st, fq, _, _ := newTestRouter(t, Config{})
	org := seedOrg(t, st, "acme", 0)
	userID := uuid.New()
	p := member(org.ID, userID)

	t.Run("rejects malformed channel names", func(t *testing.T) {
		_, err := r.Publish(ctx, p, PublishRequest{Channel: "Bad Channel", Type: "x"})
		require.Error(t, err)
		assert.True(t, apierrors.IsParse(err))
	})

	t.Run("requires an event type", func(t *testing.T) {
		_, err := r.Publish(ctx, p, PublishRequest{Channel: "agent_events"})
		require.Error(t, err)
		assert.True(t, apierrors.IsParse(err))
	})

	t.Run("denies without channel write permission", func(t *testing.T) {
		bare := &auth.Principal{OrganizationID: org.ID, UserID: userID, ClientType: models.ClientTypeWebApp}
		_, err := r.Publish(ctx, bare, PublishRequest{Channel: "agent_events", Type: "x"})
		require.Error(t, err)
		assert.True(t, apierrors.IsForbidden(err))
	})

	t.Run("system channels accept writes from internal services only", func(t *testing.T) {
		_, err := r.Publish(ctx, p, PublishRequest{Channel: "system_events", Type: "announce"})
		require.Error(t, err)
		assert.True(t, apierrors.IsForbidden(err))

		svc := &auth.Principal{OrganizationID: org.ID, ClientType: models.ClientTypeInternalService}
		_, err = r.Publish(ctx, svc, PublishRequest{Channel: "system_events", Type: "announce"})
		require.NoError(t, err)
	})

	t.Run("priority rides through to the queue message", func(t *testing.T) {
		_, err := r.Publish(ctx, p, PublishRequest{Channel: "agent_events", Type: "urgent", Priority: 7})
		require.NoError(t, err)
		assert.Equal(t, 7, fq.last(t).Priority)
	})
}

func TestHandleQueueMessage(t *testing.T) {
	ctx := context.Background()
	r, st, fq, _, _ := newTestRouter(t, Config{})
	org := seedOrg(t, st, "acme", 0)
	userID := uuid.New()
	p := member(org.ID, userID)
	sink := registerSink(t, r, "sess-1", org.ID, userID)
	_, err := r.Subscribe(ctx, p, "sess-1", "agent_events", SubscribeOptions{})
	require.NoError(t, err)

	t.Run("skips unrelated message types", func(t *testing.T) {
		require.NoError(t, r.HandleQueueMessage(ctx, &models.QueueMessage{Type: "webhook.fire"}))
		assert.Zero(t, sink.count())
	})

	t.Run("rejects malformed payloads", func(t *testing.T) {
		err := r.HandleQueueMessage(ctx, &models.QueueMessage{
			Type:    EventMessageType,
			Payload: json.RawMessage(`{not json`),
		})
		require.Error(t, err)
		assert.True(t, apierrors.IsParse(err))
	})

	t.Run("carries the attempt count into the event", func(t *testing.T) {
		_, err := r.Publish(ctx, p, PublishRequest{Channel: "agent_events", Type: "agent_started"})
		require.NoError(t, err)
		msg := fq.last(t)
		msg.Attempts = 2
		require.NoError(t, r.HandleQueueMessage(ctx, msg))
		assert.Equal(t, 2, sink.lastEvent(t).RetryCount)
	})
}

func TestDispatchFilters(t *testing.T) {
	ctx := context.Background()
	r, st, fq, _, _ := newTestRouter(t, Config{})
	org := seedOrg(t, st, "acme", 0)
	userID := uuid.New()
	p := member(org.ID, userID)
	sink := registerSink(t, r, "sess-1", org.ID, userID)

	_, err := r.Subscribe(ctx, p, "sess-1", "agent_events", SubscribeOptions{
		Filters: models.JSONMap{"types": []interface{}{"agent_started"}},
	})
	require.NoError(t, err)

	for _, eventType := range []string{"agent_started", "agent_stopped", "agent_started"} {
		_, err := r.Publish(ctx, p, PublishRequest{Channel: "agent_events", Type: eventType})
		require.NoError(t, err)
		require.NoError(t, r.HandleQueueMessage(ctx, fq.last(t)))
	}

	require.Equal(t, 2, sink.count())
	assert.Equal(t, "agent_started", sink.lastEvent(t).Type)
}

func TestSweeperLoop(t *testing.T) {
	ctx := context.Background()
	r, st, _, clk, _ := newTestRouter(t, Config{ChannelTTL: time.Minute, SweepInterval: 10 * time.Millisecond})
	org := seedOrg(t, st, "acme", 0)
	userID := uuid.New()
	p := member(org.ID, userID)
	registerSink(t, r, "sess-1", org.ID, userID)

	_, err := r.Subscribe(ctx, p, "sess-1", "agent_events", SubscribeOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Unsubscribe(ctx, "sess-1", "agent_events"))
	clk.advance(2 * time.Minute)

	r.Start()
	require.Eventually(t, func() bool {
		return r.Stats().Channels == 0
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
}

func TestQuotaTracker(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	org := seedOrg(t, st, "limited", 7)

	t.Run("uses the organization limit", func(t *testing.T) {
		tracker := NewQuotaTracker(st, 100, observability.NewNoopLogger())
		assert.Equal(t, 7, tracker.MaxChannels(ctx, org.ID))
		// second call is served from cache
		assert.Equal(t, 7, tracker.MaxChannels(ctx, org.ID))
	})

	t.Run("falls back when the row carries no override", func(t *testing.T) {
		plain := seedOrg(t, st, "plain", 0)
		tracker := NewQuotaTracker(st, 100, observability.NewNoopLogger())
		assert.Equal(t, 100, tracker.MaxChannels(ctx, plain.ID))
	})

	t.Run("falls back when the organization is unknown", func(t *testing.T) {
		tracker := NewQuotaTracker(st, 100, observability.NewNoopLogger())
		assert.Equal(t, 100, tracker.MaxChannels(ctx, uuid.New()))
	})

	t.Run("nil store always falls back", func(t *testing.T) {
		tracker := NewQuotaTracker(nil, 0, observability.NewNoopLogger())
		assert.Equal(t, DefaultConfig().MaxChannelsPerTenant, tracker.MaxChannels(ctx, org.ID))
	})

	t.Run("invalidate drops the cached limit", func(t *testing.T) {
		tracker := NewQuotaTracker(st, 100, observability.NewNoopLogger())
		require.Equal(t, 7, tracker.MaxChannels(ctx, org.ID))
		tracker.Invalidate(org.ID)
		assert.Equal(t, 7, tracker.MaxChannels(ctx, org.ID))
	})
}
