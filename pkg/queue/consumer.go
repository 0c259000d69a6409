package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
)

// Handler processes one message. A nil return acknowledges the message;
// an error routes it through retry and, once attempts are exhausted, to
// the dead-letter stream.
type Handler func(ctx context.Context, msg *models.QueueMessage) error

// ConsumerStats counts the outcomes a consumer has produced.
type ConsumerStats struct {
	Processed    int64 `json:"processed"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Consumer runs a worker pool against one consumable queue. Each worker
// block-reads a batch on the shared consumer group and dispatches the
// handler; a claim loop adopts entries stranded by dead consumers.
type Consumer struct {
	queue     *Queue
	queueName string
	handler   Handler
	logger    observability.Logger

	workers  sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	mu    sync.RWMutex
	stats ConsumerStats
}

// NewConsumer creates a consumer for one of the priority queues. Delayed
// and retry are index-backed and cannot be consumed directly.
func NewConsumer(q *Queue, queueName string, handler Handler) (*Consumer, error) {
	if !isConsumable(queueName) {
		return nil, apierrors.Newf(apierrors.KindNotFound, "queue %q is not consumable", queueName)
	}
	if handler == nil {
		return nil, apierrors.New(apierrors.KindFatal, "consumer handler is required")
	}

	return &Consumer{
		queue:     q,
		queueName: queueName,
		handler:   handler,
		logger:    q.logger,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the worker pool and the pending-claim loop.
func (c *Consumer) Start() {
	cfg := c.queue.config
	c.logger.Info("Starting queue consumer", map[string]interface{}{
		"queue":    c.queueName,
		"workers":  cfg.Workers,
		"consumer": cfg.ConsumerName,
	})

	for i := 0; i < cfg.Workers; i++ {
		c.workers.Add(1)
		go c.worker(i)
	}

	c.workers.Add(1)
	go c.claimLoop()
}

// Stop halts the workers and waits for in-flight handlers to finish.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.workers.Wait()
		c.logger.Info("Queue consumer stopped", map[string]interface{}{"queue": c.queueName})
	})
}

// Stats returns a snapshot of the consumer's counters.
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Consumer) worker(id int) {
	defer c.workers.Done()

	c.logger.Debug("Queue worker started", map[string]interface{}{
		"queue":     c.queueName,
		"worker_id": id,
	})

	for {
		select {
		case <-c.stopCh:
			return
		default:
			if err := c.consumeOnce(); err != nil {
				// Yield so a persistent broker failure does not spin.
				select {
				case <-c.stopCh:
					return
				case <-time.After(250 * time.Millisecond):
				}
			}
		}
	}
}

// consumeOnce reads and processes one batch. An empty batch is not an
// error.
func (c *Consumer) consumeOnce() error {
	cfg := c.queue.config
	ctx, cancel := context.WithTimeout(context.Background(), cfg.BlockTimeout+2*time.Second)
	defer cancel()

	entries, err := c.queue.broker.ReadGroup(ctx, cfg.ConsumerGroup, cfg.ConsumerName,
		c.queue.streamKey(c.queueName), cfg.BatchSize, cfg.BlockTimeout)
	if err != nil {
		if errors.Is(err, goredis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		c.logger.Error("Failed to read from queue", map[string]interface{}{
			"queue": c.queueName,
			"error": err.Error(),
		})
		return err
	}

	for _, entry := range entries {
		c.process(entry)
	}
	return nil
}

// process dispatches one stream entry to the handler and settles its
// outcome.
func (c *Consumer) process(entry goredis.XMessage) {
	cfg := c.queue.config
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ProcessTimeout)
	defer cancel()

	raw, _ := entry.Values["message"].(string)
	msg, err := decodeMessage(raw)
	if err != nil {
		// Undecodable entries can never succeed; they go straight to the
		// dead-letter stream.
		if raw == "" {
			raw = fmt.Sprint(entry.Values["message"])
		}
		if dlErr := c.queue.deadLetterRaw(ctx, c.queueName, raw); dlErr != nil {
			c.logger.Error("Failed to dead-letter unparseable entry", map[string]interface{}{
				"queue":    c.queueName,
				"entry_id": entry.ID,
				"error":    dlErr.Error(),
			})
			return
		}
		c.ack(ctx, entry.ID)
		c.bump(func(s *ConsumerStats) { s.DeadLettered++ })
		return
	}

	if err := c.handler(ctx, msg); err != nil {
		c.fail(ctx, entry.ID, msg, err)
		return
	}

	if cfg.AutoAck {
		c.ack(ctx, entry.ID)
	}
	c.bump(func(s *ConsumerStats) { s.Processed++ })
	c.queue.metrics.IncrementCounterWithLabels("queue.processed", 1, map[string]string{"queue": c.queueName})
}

// fail records the failure on the message and routes it to retry or the
// dead-letter stream. The original entry is acknowledged only once its
// follow-up write landed; otherwise it stays pending and the claim loop
// redelivers it.
func (c *Consumer) fail(ctx context.Context, entryID string, msg *models.QueueMessage, cause error) {
	msg.Attempts++
	msg.Error = cause.Error()
	failedAt := c.queue.nowFn().UTC()
	msg.FailedAt = &failedAt

	c.bump(func(s *ConsumerStats) { s.Failed++ })
	c.queue.metrics.IncrementCounterWithLabels("queue.failed", 1, map[string]string{"queue": c.queueName})

	var routeErr error
	if msg.ExhaustedAttempts() {
		routeErr = c.queue.deadLetter(ctx, c.queueName, msg, cause.Error())
		if routeErr == nil {
			c.bump(func(s *ConsumerStats) { s.DeadLettered++ })
		}
	} else {
		routeErr = c.queue.scheduleRetry(ctx, msg)
		if routeErr == nil {
			c.bump(func(s *ConsumerStats) { s.Retried++ })
		}
	}

	if routeErr != nil {
		c.logger.Error("Failed to route failed message, leaving it pending", map[string]interface{}{
			"queue":      c.queueName,
			"message_id": msg.ID,
			"error":      routeErr.Error(),
		})
		return
	}

	c.ack(ctx, entryID)
}

func (c *Consumer) ack(ctx context.Context, entryID string) {
	cfg := c.queue.config
	if err := c.queue.broker.Ack(ctx, c.queue.streamKey(c.queueName), cfg.ConsumerGroup, entryID); err != nil {
		c.logger.Error("Failed to acknowledge entry", map[string]interface{}{
			"queue":    c.queueName,
			"entry_id": entryID,
			"error":    err.Error(),
		})
	}
}

// claimLoop periodically adopts pending entries whose consumer went away.
func (c *Consumer) claimLoop() {
	defer c.workers.Done()

	ticker := time.NewTicker(c.queue.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.claimOnce()
		}
	}
}

// claimOnce claims and reprocesses one batch of stale pending entries.
func (c *Consumer) claimOnce() {
	cfg := c.queue.config
	ctx, cancel := context.WithTimeout(context.Background(), cfg.BlockTimeout+2*time.Second)
	defer cancel()

	stream := c.queue.streamKey(c.queueName)
	pending, err := c.queue.broker.Pending(ctx, stream, cfg.ConsumerGroup, cfg.ClaimMinIdle, cfg.BatchSize)
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.Error("Failed to list pending entries", map[string]interface{}{
				"queue": c.queueName,
				"error": err.Error(),
			})
		}
		return
	}
	if len(pending) == 0 {
		return
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	claimed, err := c.queue.broker.Claim(ctx, stream, cfg.ConsumerGroup, cfg.ConsumerName, cfg.ClaimMinIdle, ids...)
	if err != nil {
		c.logger.Error("Failed to claim pending entries", map[string]interface{}{
			"queue": c.queueName,
			"error": err.Error(),
		})
		return
	}

	for _, entry := range claimed {
		c.process(entry)
	}
}

func (c *Consumer) bump(update func(*ConsumerStats)) {
	c.mu.Lock()
	update(&c.stats)
	c.mu.Unlock()
}
