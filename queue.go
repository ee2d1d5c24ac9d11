package beacon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	// DefaultQueueCapacity is the number of requests kept before the oldest is evicted.
	DefaultQueueCapacity = 1000

	queueDelimiter = ":::"
)

// QueueConfig defines queue behavior.
type QueueConfig struct {
	Capacity int
	Key      string
	Logger   Logger
	Metrics  Metrics
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Capacity <= 0 {
		c.Capacity = DefaultQueueCapacity
	}
	if c.Key == "" {
		c.Key = QueueKey
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}

// QueueOption configures a Queue.
type QueueOption func(*QueueConfig)

// WithQueueCapacity sets the maximum number of queued requests.
func WithQueueCapacity(capacity int) QueueOption {
	return func(c *QueueConfig) {
		c.Capacity = capacity
	}
}

// WithQueueKey sets the storage key of the queue blob.
func WithQueueKey(key string) QueueOption {
	return func(c *QueueConfig) {
		c.Key = key
	}
}

// WithQueueLogger sets the queue logger.
func WithQueueLogger(logger Logger) QueueOption {
	return func(c *QueueConfig) {
		c.Logger = logger
	}
}

// WithQueueMetrics sets the queue metrics recorder.
func WithQueueMetrics(metrics Metrics) QueueOption {
	return func(c *QueueConfig) {
		c.Metrics = metrics
	}
}

// Queue is a bounded FIFO of encoded requests persisted as a single blob.
// Every mutation is saved before it returns; when saving fails the in-memory
// state is rolled back.
type Queue struct {
	storage Storage
	cfg     QueueConfig

	mu    sync.Mutex
	items []string
}

// OpenQueue loads the persisted queue. A blob holding more than the capacity
// keeps only the newest entries.
func OpenQueue(ctx context.Context, storage Storage, opts ...QueueOption) (*Queue, error) {
	if storage == nil {
		return nil, ErrStorageRequired
	}

	var cfg QueueConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	q := &Queue{storage: storage, cfg: cfg}
	if err := q.load(ctx); err != nil {
		return nil, err
	}

	return q, nil
}

// Capacity returns the maximum number of queued requests.
func (q *Queue) Capacity() int {
	return q.cfg.Capacity
}

// Append adds req at the tail, evicting the oldest entries when full.
func (q *Queue) Append(ctx context.Context, req string) error {
	if req == "" {
		return ErrEmptyRequest
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	prev := q.items
	next := make([]string, 0, min(len(prev)+1, q.cfg.Capacity))
	evicted := 0
	if len(prev)+1 > q.cfg.Capacity {
		evicted = len(prev) + 1 - q.cfg.Capacity
	}
	next = append(next, prev[evicted:]...)
	next = append(next, req)

	if err := q.commitLocked(ctx, next); err != nil {
		return err
	}
	if evicted > 0 {
		q.cfg.Logger.Debug("beacon queue full, evicted oldest requests", "evicted", evicted, "capacity", q.cfg.Capacity)
		q.cfg.Metrics.AddEvicted(evicted)
	}

	return nil
}

// PeekOldest returns the head of the queue.
func (q *Queue) PeekOldest() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false
	}

	return q.items[0], true
}

// RemoveExact removes the first entry equal to req. Removing an absent entry is a no-op.
func (q *Queue) RemoveExact(ctx context.Context, req string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, item := range q.items {
		if item == req {
			idx = i

			break
		}
	}
	if idx < 0 {
		return nil
	}

	next := make([]string, 0, len(q.items)-1)
	next = append(next, q.items[:idx]...)
	next = append(next, q.items[idx+1:]...)

	return q.commitLocked(ctx, next)
}

// ReplaceAll replaces the whole queue, keeping the newest entries when list exceeds the capacity.
func (q *Queue) ReplaceAll(ctx context.Context, list []string) error {
	next := make([]string, 0, len(list))
	for _, item := range list {
		if item != "" {
			next = append(next, item)
		}
	}
	if len(next) > q.cfg.Capacity {
		next = next[len(next)-q.cfg.Capacity:]
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.commitLocked(ctx, next)
}

// Rewrite replaces every entry with fn(entry) under one lock, preserving order.
// It reports how many entries changed.
func (q *Queue) Rewrite(ctx context.Context, fn func(string) (string, error)) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := make([]string, len(q.items))
	changed := 0
	for i, item := range q.items {
		rewritten, err := fn(item)
		if err != nil {
			return 0, err
		}
		if rewritten != item {
			changed++
		}
		next[i] = rewritten
	}
	if changed == 0 {
		return 0, nil
	}
	if err := q.commitLocked(ctx, next); err != nil {
		return 0, err
	}

	return changed, nil
}

// Size returns the number of queued requests.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Snapshot returns a copy of the queued requests, oldest first.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]string(nil), q.items...)
}

func (q *Queue) commitLocked(ctx context.Context, next []string) error {
	if err := q.storage.Save(ctx, q.cfg.Key, encodeQueue(next)); err != nil {
		return fmt.Errorf("beacon queue: save failed: %w", err)
	}
	q.items = next
	q.cfg.Metrics.SetQueueDepth(len(next))

	return nil
}

func (q *Queue) load(ctx context.Context) error {
	data, err := q.storage.Load(ctx, q.cfg.Key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}

		return fmt.Errorf("beacon queue: load failed: %w", err)
	}

	items := decodeQueue(data)
	if len(items) > q.cfg.Capacity {
		dropped := len(items) - q.cfg.Capacity
		q.cfg.Logger.Warn("beacon persisted queue exceeds capacity, dropping oldest", "dropped", dropped)
		q.cfg.Metrics.AddEvicted(dropped)

		return q.commitLocked(ctx, items[dropped:])
	}
	q.items = items
	q.cfg.Metrics.SetQueueDepth(len(items))

	return nil
}

func encodeQueue(items []string) []byte {
	return []byte(strings.Join(items, queueDelimiter))
}

func decodeQueue(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	parts := strings.Split(string(data), queueDelimiter)
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			items = append(items, part)
		}
	}

	return items
}
