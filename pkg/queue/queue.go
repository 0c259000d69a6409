// Package queue implements the priority message queue over the stream
// broker: three consumable priority streams, sorted-set due-time indexes
// for delayed and retry delivery, and a dead-letter stream per queue.
//
// Durability-bearing schedule state never lives in process memory. A
// delayed or retrying message is a member of a Redis sorted set scored by
// its due time; sweepers promote due members onto the priority streams,
// so a restarted node picks up exactly where the previous one stopped.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/redis"
)

// Logical queue names.
const (
	HighPriority   = "high-priority"
	NormalPriority = "normal-priority"
	LowPriority    = "low-priority"
	Delayed        = "delayed"
	Retry          = "retry"
)

// Backoff strategies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// consumableQueues are the streams consumer groups read from. Delayed and
// retry are index-backed and only ever feed these.
var consumableQueues = []string{HighPriority, NormalPriority, LowPriority}

// Config holds the queue settings. Zero fields fall back to defaults.
type Config struct {
	ConsumerGroup string
	// ConsumerName identifies this process in the consumer group. When
	// empty a per-process unique name is generated.
	ConsumerName string

	Workers        int
	BatchSize      int64
	BlockTimeout   time.Duration
	ProcessTimeout time.Duration
	AutoAck        bool

	MaxAttempts       int
	BackoffStrategy   string
	BackoffDelay      time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	Jitter            bool

	SweepInterval time.Duration
	ClaimMinIdle  time.Duration
	ClaimInterval time.Duration
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() *Config {
	return &Config{
		ConsumerGroup:     "apix-consumers",
		Workers:           2,
		BatchSize:         10,
		BlockTimeout:      5 * time.Second,
		ProcessTimeout:    30 * time.Second,
		AutoAck:           true,
		MaxAttempts:       3,
		BackoffStrategy:   BackoffExponential,
		BackoffDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
		Jitter:            true,
		SweepInterval:     time.Second,
		ClaimMinIdle:      time.Minute,
		ClaimInterval:     30 * time.Second,
	}
}

// normalize fills zero fields with defaults and generates the per-process
// consumer name.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = def.ConsumerGroup
	}
	if c.ConsumerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "apix"
		}
		c.ConsumerName = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = def.BlockTimeout
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = def.ProcessTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffStrategy == "" {
		c.BackoffStrategy = def.BackoffStrategy
	}
	if c.BackoffDelay <= 0 {
		c.BackoffDelay = def.BackoffDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = def.ClaimMinIdle
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = def.ClaimInterval
	}
}

// QueueStats is the depth snapshot for one logical queue.
type QueueStats struct {
	Depth       int64 `json:"depth"`
	DeadLetters int64 `json:"dead_letters"`
}

// Queue is the producer and scheduling side of the message queue.
// Consumers are created per queue via NewConsumer.
type Queue struct {
	broker  *redis.Broker
	config  *Config
	logger  observability.Logger
	metrics observability.MetricsClient

	nowFn  func() time.Time
	randFn func() float64

	sweepers sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewQueue creates the queue and ensures the consumer groups exist on
// every consumable stream.
func NewQueue(ctx context.Context, broker *redis.Broker, config *Config, logger observability.Logger, metrics observability.MetricsClient) (*Queue, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.normalize()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	q := &Queue{
		broker:  broker,
		config:  config,
		logger:  logger,
		metrics: metrics,
		nowFn:   time.Now,
		randFn:  rand.Float64,
		stopCh:  make(chan struct{}),
	}

	if err := q.EnsureGroups(ctx); err != nil {
		return nil, err
	}

	logger.Info("Message queue ready", map[string]interface{}{
		"consumer_group": config.ConsumerGroup,
		"consumer_name":  config.ConsumerName,
	})

	return q, nil
}

// EnsureGroups creates the consumer group on each consumable stream,
// creating the streams as a side effect. Safe to call repeatedly; callers
// must call it again after Purge.
func (q *Queue) EnsureGroups(ctx context.Context) error {
	for _, name := range consumableQueues {
		if err := q.broker.EnsureGroup(ctx, q.streamKey(name), q.config.ConsumerGroup, "0"); err != nil {
			return apierrors.Wrap(apierrors.KindTransient, "failed to create consumer group", err).WithOp("queue.EnsureGroups")
		}
	}
	return nil
}

// Enqueue routes a message by its delay and priority: a positive delay
// schedules it on the delayed index, priority above 5 targets the high
// stream, negative priority the low stream, everything else normal.
// Returns the queue the message landed on.
func (q *Queue) Enqueue(ctx context.Context, msg *models.QueueMessage) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = q.nowFn().UTC()
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = q.config.MaxAttempts
	}

	if msg.DelayMs > 0 {
		member, err := encodeMessage(msg)
		if err != nil {
			return "", err
		}
		due := q.nowFn().Add(time.Duration(msg.DelayMs) * time.Millisecond)
		if err := q.broker.AddDue(ctx, q.delayedIndexKey(), member, due); err != nil {
			return "", apierrors.Wrap(apierrors.KindTransient, "failed to schedule delayed message", err).WithOp("queue.Enqueue")
		}
		q.metrics.IncrementCounterWithLabels("queue.enqueued", 1, map[string]string{"queue": Delayed})
		return Delayed, nil
	}

	target := targetQueue(msg.Priority)
	if err := q.appendTo(ctx, target, msg); err != nil {
		return "", err
	}
	q.metrics.IncrementCounterWithLabels("queue.enqueued", 1, map[string]string{"queue": target})
	return target, nil
}

// targetQueue maps a message priority onto a consumable queue.
func targetQueue(priority int) string {
	switch {
	case priority > 5:
		return HighPriority
	case priority < 0:
		return LowPriority
	default:
		return NormalPriority
	}
}

// appendTo adds a message to a consumable stream.
func (q *Queue) appendTo(ctx context.Context, queueName string, msg *models.QueueMessage) error {
	member, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if _, err := q.broker.Add(ctx, q.streamKey(queueName), map[string]interface{}{
		"message": member,
		"type":    msg.Type,
	}); err != nil {
		return apierrors.Wrap(apierrors.KindTransient, "failed to enqueue message", err).WithOp("queue.Enqueue")
	}
	return nil
}

// scheduleRetry places a failed message on the retry index with backoff.
func (q *Queue) scheduleRetry(ctx context.Context, msg *models.QueueMessage) error {
	member, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	delay := q.backoffDelay(msg.Attempts)
	if err := q.broker.AddDue(ctx, q.retryIndexKey(), member, q.nowFn().Add(delay)); err != nil {
		return apierrors.Wrap(apierrors.KindTransient, "failed to schedule retry", err).WithOp("queue.scheduleRetry")
	}
	q.metrics.IncrementCounterWithLabels("queue.retried", 1, map[string]string{"queue": Retry})
	return nil
}

// backoffDelay computes the retry delay for the given attempt count,
// which has already been incremented for the failure being handled.
func (q *Queue) backoffDelay(attempts int) time.Duration {
	delay := q.config.BackoffDelay
	if q.config.BackoffStrategy == BackoffExponential && attempts > 1 {
		delay = time.Duration(float64(delay) * math.Pow(q.config.BackoffMultiplier, float64(attempts-1)))
	}
	if delay > q.config.MaxBackoff {
		delay = q.config.MaxBackoff
	}
	if q.config.Jitter {
		// Spread retries across [0.5, 1.5) of the computed delay.
		delay = time.Duration(float64(delay) * (0.5 + q.randFn()))
	}
	return delay
}

// deadLetter appends a message to the dead-letter stream of the queue it
// failed on.
func (q *Queue) deadLetter(ctx context.Context, queueName string, msg *models.QueueMessage, cause string) error {
	member, err := encodeMessage(msg)
	if err != nil {
		// The message cannot be serialized; record what we know.
		member = fmt.Sprintf(`{"id":%q,"error":%q}`, msg.ID, cause)
	}
	if _, err := q.broker.Add(ctx, q.dlqKey(queueName), map[string]interface{}{
		"message":   member,
		"error":     cause,
		"failed_at": q.nowFn().UnixMilli(),
	}); err != nil {
		return apierrors.Wrap(apierrors.KindTransient, "failed to dead-letter message", err).WithOp("queue.deadLetter")
	}
	q.metrics.IncrementCounterWithLabels("queue.dead_lettered", 1, map[string]string{"queue": queueName})
	return nil
}

// deadLetterRaw dead-letters an unparseable payload as-is.
func (q *Queue) deadLetterRaw(ctx context.Context, queueName, raw string) error {
	if _, err := q.broker.Add(ctx, q.dlqKey(queueName), map[string]interface{}{
		"message":   raw,
		"error":     "parse",
		"failed_at": q.nowFn().UnixMilli(),
	}); err != nil {
		return apierrors.Wrap(apierrors.KindTransient, "failed to dead-letter message", err).WithOp("queue.deadLetter")
	}
	q.metrics.IncrementCounterWithLabels("queue.dead_lettered", 1, map[string]string{"queue": queueName})
	return nil
}

// Start launches the delayed and retry sweepers.
func (q *Queue) Start() {
	q.sweepers.Add(2)
	go q.sweepLoop(q.delayedIndexKey(), q.promoteDelayed)
	go q.sweepLoop(q.retryIndexKey(), q.promoteRetry)
}

// Stop halts the sweepers and waits for them to drain.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.sweepers.Wait()
}

// sweepLoop pops due members off an index at the sweep interval and hands
// them to the promote function.
func (q *Queue) sweepLoop(indexKey string, promote func(ctx context.Context, member string)) {
	defer q.sweepers.Done()

	ticker := time.NewTicker(q.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.sweepOnce(indexKey, promote)
		}
	}
}

// sweepOnce drains one batch of due members.
func (q *Queue) sweepOnce(indexKey string, promote func(ctx context.Context, member string)) {
	ctx, cancel := context.WithTimeout(context.Background(), q.config.BlockTimeout)
	defer cancel()

	members, err := q.broker.PopDue(ctx, indexKey, q.nowFn(), q.config.BatchSize)
	if err != nil {
		q.logger.Error("Due-index sweep failed", map[string]interface{}{
			"index": indexKey,
			"error": err.Error(),
		})
		return
	}
	for _, member := range members {
		promote(ctx, member)
	}
}

// promoteDelayed moves a due delayed message onto its priority stream.
func (q *Queue) promoteDelayed(ctx context.Context, member string) {
	msg, err := decodeMessage(member)
	if err != nil {
		q.logger.Warn("Unparseable delayed message dead-lettered", map[string]interface{}{"error": err.Error()})
		_ = q.deadLetterRaw(ctx, Delayed, member)
		return
	}
	msg.DelayMs = 0
	target := targetQueue(msg.Priority)
	if err := q.appendTo(ctx, target, msg); err != nil {
		q.logger.Error("Failed to promote delayed message", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		// Keep the schedule; the message retries on the next sweep.
		_ = q.broker.AddDue(ctx, q.delayedIndexKey(), member, q.nowFn())
		return
	}
	q.metrics.IncrementCounterWithLabels("queue.promoted", 1, map[string]string{"queue": Delayed})
}

// promoteRetry feeds a due retry back into the normal-priority stream.
func (q *Queue) promoteRetry(ctx context.Context, member string) {
	msg, err := decodeMessage(member)
	if err != nil {
		q.logger.Warn("Unparseable retry message dead-lettered", map[string]interface{}{"error": err.Error()})
		_ = q.deadLetterRaw(ctx, Retry, member)
		return
	}
	if err := q.appendTo(ctx, NormalPriority, msg); err != nil {
		q.logger.Error("Failed to promote retry message", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		_ = q.broker.AddDue(ctx, q.retryIndexKey(), member, q.nowFn())
		return
	}
	q.metrics.IncrementCounterWithLabels("queue.promoted", 1, map[string]string{"queue": Retry})
}

// ReprocessDeadLetters drains up to limit entries from a queue's
// dead-letter stream, clears their failure state, and requeues them.
// Reprocessed entries are deleted from the dead-letter stream so repeated
// calls never duplicate work. Entries whose payload cannot be parsed are
// dropped with a log line; they have no recovery path. Returns the number
// of messages requeued.
func (q *Queue) ReprocessDeadLetters(ctx context.Context, queueName string, limit int64) (int, error) {
	if err := validQueueName(queueName); err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = q.config.BatchSize
	}

	entries, err := q.broker.Range(ctx, q.dlqKey(queueName), "-", "+", limit)
	if err != nil {
		return 0, apierrors.Wrap(apierrors.KindTransient, "failed to read dead-letter stream", err).WithOp("queue.ReprocessDeadLetters")
	}

	processed := make([]string, 0, len(entries))
	count := 0
	for _, entry := range entries {
		raw, _ := entry.Values["message"].(string)
		msg, err := decodeMessage(raw)
		if err != nil {
			q.logger.Error("Dropping unparseable dead-letter entry", map[string]interface{}{
				"queue":    queueName,
				"entry_id": entry.ID,
				"error":    err.Error(),
			})
			processed = append(processed, entry.ID)
			continue
		}

		msg.ResetForReprocess()
		target := queueName
		if !isConsumable(queueName) {
			target = targetQueue(msg.Priority)
		}
		if err := q.appendTo(ctx, target, msg); err != nil {
			// Stop here; unprocessed entries stay in the DLQ.
			break
		}
		processed = append(processed, entry.ID)
		count++
	}

	if len(processed) > 0 {
		if err := q.broker.DeleteMessages(ctx, q.dlqKey(queueName), processed...); err != nil {
			return count, apierrors.Wrap(apierrors.KindTransient, "failed to delete reprocessed dead letters", err).WithOp("queue.ReprocessDeadLetters")
		}
	}

	q.metrics.IncrementCounterWithLabels("queue.reprocessed", float64(count), map[string]string{"queue": queueName})
	return count, nil
}

// Purge deletes a queue's backing structure. Consumable queues lose their
// stream and consumer group; the caller re-creates groups via
// EnsureGroups. Delayed and retry lose their due-time index.
func (q *Queue) Purge(ctx context.Context, queueName string) error {
	if err := validQueueName(queueName); err != nil {
		return err
	}

	var key string
	switch queueName {
	case Delayed:
		key = q.delayedIndexKey()
	case Retry:
		key = q.retryIndexKey()
	default:
		key = q.streamKey(queueName)
	}

	if err := q.broker.DropStream(ctx, key); err != nil {
		return apierrors.Wrap(apierrors.KindTransient, "failed to purge queue", err).WithOp("queue.Purge")
	}
	q.logger.Info("Queue purged", map[string]interface{}{"queue": queueName})
	return nil
}

// Stats returns the depth of every logical queue and its dead letters.
func (q *Queue) Stats(ctx context.Context) (map[string]QueueStats, error) {
	stats := make(map[string]QueueStats, 5)

	for _, name := range consumableQueues {
		depth, err := q.broker.Len(ctx, q.streamKey(name))
		if err != nil {
			return nil, apierrors.Wrap(apierrors.KindTransient, "failed to read queue depth", err).WithOp("queue.Stats")
		}
		dlq, err := q.broker.Len(ctx, q.dlqKey(name))
		if err != nil {
			return nil, apierrors.Wrap(apierrors.KindTransient, "failed to read dead-letter depth", err).WithOp("queue.Stats")
		}
		stats[name] = QueueStats{Depth: depth, DeadLetters: dlq}
	}

	for name, key := range map[string]string{
		Delayed: q.delayedIndexKey(),
		Retry:   q.retryIndexKey(),
	} {
		depth, err := q.broker.IndexLen(ctx, key)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.KindTransient, "failed to read index depth", err).WithOp("queue.Stats")
		}
		dlq, err := q.broker.Len(ctx, q.dlqKey(name))
		if err != nil {
			return nil, apierrors.Wrap(apierrors.KindTransient, "failed to read dead-letter depth", err).WithOp("queue.Stats")
		}
		stats[name] = QueueStats{Depth: depth, DeadLetters: dlq}
	}

	return stats, nil
}

// Key layout under the broker prefix.

func (q *Queue) streamKey(queueName string) string {
	return q.broker.Key("queue", queueName)
}

func (q *Queue) dlqKey(queueName string) string {
	return q.broker.Key("dlq", queueName)
}

func (q *Queue) delayedIndexKey() string {
	return q.broker.Key("queue", Delayed, "index")
}

func (q *Queue) retryIndexKey() string {
	return q.broker.Key("queue", Retry, "index")
}

func isConsumable(queueName string) bool {
	for _, name := range consumableQueues {
		if name == queueName {
			return true
		}
	}
	return false
}

func validQueueName(queueName string) error {
	switch queueName {
	case HighPriority, NormalPriority, LowPriority, Delayed, Retry:
		return nil
	default:
		return apierrors.Newf(apierrors.KindNotFound, "unknown queue %q", queueName)
	}
}

func encodeMessage(msg *models.QueueMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", apierrors.Wrap(apierrors.KindParse, "failed to encode queue message", err)
	}
	return string(data), nil
}

func decodeMessage(raw string) (*models.QueueMessage, error) {
	if raw == "" {
		return nil, apierrors.New(apierrors.KindParse, "empty queue message")
	}
	var msg models.QueueMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, apierrors.Wrap(apierrors.KindParse, "failed to decode queue message", err)
	}
	return &msg, nil
}
