package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/triage"
)

// Delivery outcomes reported through Hooks.
const (
	OutcomeProcessed = "processed"
	OutcomeLocked    = "locked"
	OutcomeRequeued  = "requeued"
	OutcomeRejected  = "rejected"
	OutcomeMalformed = "malformed"
	OutcomePanic     = "panic"
)

// Processor runs the triage pipeline for a stored message.
type Processor interface {
	ProcessMessage(ctx context.Context, id string) (*triage.ClassificationResult, error)
}

// Locker guards a message against concurrent processing. Acquire returns a
// token identifying the holder; Release only drops a lock held under it.
type Locker interface {
	Acquire(ctx context.Context, id string) (token string, ok bool)
	Release(ctx context.Context, id, token string)
}

// defaultLockBackoff is how long a worker holds a delivery whose message is
// locked elsewhere before requeueing it.
const defaultLockBackoff = 2 * time.Second

// Hooks are optional observability callbacks.
type Hooks struct {
	OnDelivery func(outcome string)
}

// Consumer fans deliveries out to a fixed number of workers.
type Consumer struct {
	proc        Processor
	locker      Locker
	workers     int
	lockBackoff time.Duration
	logger      log.Logger
	hooks       Hooks
}

// NewConsumer creates a consumer. locker may be nil.
func NewConsumer(proc Processor, locker Locker, workers int, logger log.Logger, hooks Hooks) *Consumer {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Consumer{proc: proc, locker: locker, workers: workers, lockBackoff: defaultLockBackoff, logger: logger, hooks: hooks}
}

// Run processes deliveries until ctx is cancelled or the channel closes, then
// waits for in-flight work to settle.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	var g errgroup.Group
	for range c.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					c.Handle(ctx, d)
				}
			}
		})
	}
	_ = g.Wait()
}

// Handle processes one delivery and settles it exactly once.
//
// Success is acked. A message locked by another worker is requeued after a
// short pause, since the holder may have died mid-pass. Transient failures are requeued once; a
// failure on a redelivered message, a permanent failure or an undecodable body
// is rejected to the dead-letter queue. Work interrupted by shutdown is
// requeued.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	var task Task
	if err := json.Unmarshal(d.Body, &task); err != nil || task.MessageID == "" {
		if err == nil {
			err = errors.New("missing message_id")
		}
		c.logger.Warn(ctx, "rejecting malformed task", "error", err, "delivery_tag", d.DeliveryTag)
		c.settle(ctx, d, OutcomeMalformed, d.Reject(false))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(ctx, fmt.Errorf("panic: %v", r), "worker panic recovered", "message_id", task.MessageID)
			c.settle(ctx, d, OutcomePanic, d.Nack(false, !d.Redelivered))
		}
	}()

	if c.locker != nil {
		token, ok := c.locker.Acquire(ctx, task.MessageID)
		if !ok {
			c.logger.Info(ctx, "message locked by another worker, requeueing", "message_id", task.MessageID, "redelivered", d.Redelivered)
			c.pause(ctx)
			c.settle(ctx, d, OutcomeLocked, d.Nack(false, true))
			return
		}
		defer c.locker.Release(context.WithoutCancel(ctx), task.MessageID, token)
	}

	res, err := c.proc.ProcessMessage(ctx, task.MessageID)
	switch {
	case err == nil:
		c.logger.Info(ctx, "message triaged",
			"message_id", task.MessageID,
			"priority", res.Classification.Priority,
			"confidence", res.Classification.Confidence,
		)
		c.settle(ctx, d, OutcomeProcessed, d.Ack(false))
	case ctx.Err() != nil:
		c.settle(ctx, d, OutcomeRequeued, d.Nack(false, true))
	case triage.IsTransient(err) && !d.Redelivered:
		c.logger.Warn(ctx, "triage failed, requeueing", "message_id", task.MessageID, "error", err)
		c.settle(ctx, d, OutcomeRequeued, d.Nack(false, true))
	default:
		c.logger.Error(ctx, err, "triage failed, dead-lettering", "message_id", task.MessageID, "redelivered", d.Redelivered)
		c.settle(ctx, d, OutcomeRejected, d.Reject(false))
	}
}

// pause waits out lockBackoff so a locked task does not spin through the queue.
func (c *Consumer) pause(ctx context.Context) {
	if c.lockBackoff <= 0 {
		return
	}
	t := time.NewTimer(c.lockBackoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (c *Consumer) settle(ctx context.Context, d amqp.Delivery, outcome string, err error) {
	if err != nil {
		c.logger.Error(ctx, err, "settle delivery", "delivery_tag", d.DeliveryTag, "outcome", outcome)
	}
	if c.hooks.OnDelivery != nil {
		c.hooks.OnDelivery(outcome)
	}
}
