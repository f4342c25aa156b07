// Package syncq queues failed write-through interactions and replays them
// against the backend when connectivity returns. Strict FIFO, one operation
// in flight at a time.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"dayfeed/internal/clock"
	"dayfeed/internal/feed"
	"dayfeed/internal/storage"
)

// Backoff and retry defaults.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = 5 * time.Minute
)

// Submitter executes a queued interaction against the backend. Implemented
// by the provider client.
type Submitter interface {
	SubmitInteraction(ctx context.Context, payload []byte) error
}

// Observer is the slice of the connectivity monitor the coordinator needs.
type Observer interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// DropReason says why an interaction left the queue without succeeding.
type DropReason string

const (
	DropValidation DropReason = "validation"
	DropTerminal   DropReason = "terminal"
)

// DropEvent is emitted when an interaction is permanently dropped.
type DropEvent struct {
	Interaction feed.PendingInteraction
	Reason      DropReason
	Err         error
}

// Config bounds the retry policy.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
}

// Coordinator owns the pending interaction queue. Items are applied in
// enqueue order; a retried item goes to the back of the queue, so the
// relative order of not-yet-attempted items is preserved.
type Coordinator struct {
	kv        storage.KV
	submitter Submitter
	observer  Observer
	clock     clock.Clock
	logger    *slog.Logger
	cfg       Config
	onDrop    func(DropEvent)

	mu       sync.Mutex
	queue    []feed.PendingInteraction
	draining bool
	drained  uint64
	dropped  uint64

	wake chan struct{}
}

// New creates a Coordinator. observer may be nil (drains are then only
// explicit).
func New(kv storage.KV, submitter Submitter, observer Observer, clk clock.Clock, logger *slog.Logger, cfg Config) *Coordinator {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Coordinator{
		kv:        kv,
		submitter: submitter,
		observer:  observer,
		clock:     clk,
		logger:    logger,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
	}
}

// SetOnDrop registers a hook for permanently dropped interactions.
func (c *Coordinator) SetOnDrop(fn func(DropEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = fn
}

// Load restores the persisted queue.
func (c *Coordinator) Load() error {
	raw, err := c.kv.Get(storage.KeyPendingQueue)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return &feed.StorageError{Op: "get", Key: storage.KeyPendingQueue, Err: err}
	}
	var queue []feed.PendingInteraction
	if err := json.Unmarshal(raw, &queue); err != nil {
		c.logger.Warn("dropping undecodable pending queue blob", "error", err)
		return nil
	}
	c.mu.Lock()
	c.queue = queue
	c.mu.Unlock()
	return nil
}

// Enqueue appends a new pending interaction and returns its id.
func (c *Coordinator) Enqueue(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", &feed.ValidationError{Reason: "empty interaction payload"}
	}
	now := c.clock.Now()
	item := feed.PendingInteraction{
		ID:            uuid.New().String(),
		Payload:       payload,
		EnqueuedAt:    now,
		AttemptCount:  0,
		NextAttemptAt: now,
	}

	c.mu.Lock()
	c.queue = append(c.queue, item)
	err := c.persistLocked()
	c.mu.Unlock()
	if err != nil {
		return "", err
	}

	c.Kick()
	return item.ID, nil
}

// Kick asks the drain worker to run soon. Non-blocking; coalesces.
func (c *Coordinator) Kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run is the single drain worker. It drains on every wake signal, on
// connectivity-restored transitions, and when the earliest retry deadline
// of a requeued item passes, until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	var unsubscribe func()
	if c.observer != nil {
		unsubscribe = c.observer.Subscribe(func(online bool) {
			if online {
				c.Kick()
			}
		})
		defer unsubscribe()
	}

	for {
		var retryC <-chan time.Time
		var retryTimer *time.Timer
		if delay, ok := c.nextRetryDelay(); ok {
			retryTimer = time.NewTimer(delay)
			retryC = retryTimer.C
		}

		select {
		case <-ctx.Done():
			if retryTimer != nil {
				retryTimer.Stop()
			}
			return
		case <-c.wake:
		case <-retryC:
		}
		if retryTimer != nil {
			retryTimer.Stop()
		}
		if err := c.Drain(ctx); err != nil {
			c.logger.Error("drain failed", "error", err)
		}
	}
}

// nextRetryDelay returns how long until the earliest queued item becomes
// due. It reports false when the queue is empty or connectivity is down;
// the offline case waits for the online-transition kick instead of spinning.
func (c *Coordinator) nextRetryDelay() (time.Duration, bool) {
	if c.observer != nil && !c.observer.Online() {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return 0, false
	}
	earliest := c.queue[0].NextAttemptAt
	for _, item := range c.queue[1:] {
		if item.NextAttemptAt.Before(earliest) {
			earliest = item.NextAttemptAt
		}
	}
	delay := earliest.Sub(c.clock.Now())
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	return delay, true
}

// Drain processes queued items sequentially until the queue has no item due,
// connectivity is lost, or ctx is cancelled. Concurrent calls are collapsed:
// only one drain runs at a time.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return nil
	}
	c.draining = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Connectivity lost mid-drain: leave remaining items in place.
		if c.observer != nil && !c.observer.Online() {
			return nil
		}

		item, ok := c.popReady()
		if !ok {
			return nil
		}

		err := c.submitter.SubmitInteraction(ctx, item.Payload)
		if err == nil {
			c.mu.Lock()
			c.drained++
			perr := c.persistLocked()
			c.mu.Unlock()
			if perr != nil {
				c.logger.Warn("persisting queue after success failed", "error", perr)
			}
			continue
		}

		if !feed.Retryable(err) {
			c.drop(item, DropValidation, err)
			continue
		}

		item.AttemptCount++
		if item.AttemptCount > c.cfg.MaxAttempts {
			c.drop(item, DropTerminal, err)
			continue
		}
		item.NextAttemptAt = c.clock.Now().Add(c.Backoff(item.AttemptCount))

		c.mu.Lock()
		c.queue = append(c.queue, item)
		perr := c.persistLocked()
		c.mu.Unlock()
		if perr != nil {
			c.logger.Warn("persisting queue after retry failed", "error", perr)
		}
		c.logger.Warn("interaction submit failed, rescheduled",
			"id", item.ID, "attempt", item.AttemptCount, "next_attempt_at", item.NextAttemptAt)
	}
}

// Backoff returns the delay before the given attempt, capped at MaxDelay.
func (c *Coordinator) Backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.cfg.BaseDelay) * math.Pow(c.cfg.Multiplier, float64(attempt)))
	if d > c.cfg.MaxDelay || d <= 0 {
		return c.cfg.MaxDelay
	}
	return d
}

// popReady removes and returns the oldest item whose nextAttemptAt is due.
func (c *Coordinator) popReady() (feed.PendingInteraction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for i, item := range c.queue {
		if item.NextAttemptAt.After(now) {
			continue
		}
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		return item, true
	}
	return feed.PendingInteraction{}, false
}

func (c *Coordinator) drop(item feed.PendingInteraction, reason DropReason, err error) {
	c.mu.Lock()
	c.dropped++
	onDrop := c.onDrop
	perr := c.persistLocked()
	c.mu.Unlock()
	if perr != nil {
		c.logger.Warn("persisting queue after drop failed", "error", perr)
	}

	c.logger.Error("interaction dropped", "id", item.ID, "reason", string(reason), "error", err)
	if onDrop != nil {
		onDrop(DropEvent{Interaction: item, Reason: reason, Err: err})
	}
}

// Depth returns the number of queued interactions.
func (c *Coordinator) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Counters returns totals of successfully drained and permanently dropped
// interactions since startup.
func (c *Coordinator) Counters() (drained, dropped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drained, c.dropped
}

// Pending returns a copy of the queue, oldest first.
func (c *Coordinator) Pending() []feed.PendingInteraction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]feed.PendingInteraction, len(c.queue))
	copy(out, c.queue)
	return out
}

func (c *Coordinator) persistLocked() error {
	raw, err := json.Marshal(c.queue)
	if err != nil {
		return fmt.Errorf("encoding pending queue: %w", err)
	}
	if err := c.kv.Set(storage.KeyPendingQueue, raw); err != nil {
		return &feed.StorageError{Op: "set", Key: storage.KeyPendingQueue, Err: err}
	}
	return nil
}
