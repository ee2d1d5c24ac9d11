package beacon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// StopReason tells why a drain pass ended.
type StopReason int

const (
	// StopEmpty means the queue was drained.
	StopEmpty StopReason = iota
	// StopNoIdentity means no device identity is resolved yet.
	StopNoIdentity
	// StopTemporary means the temporary device id withholds all traffic.
	StopTemporary
	// StopRetry means the head request was not accepted and stays queued.
	StopRetry
	// StopCanceled means the context ended.
	StopCanceled
	// StopStorage means the queue could not be updated.
	StopStorage
)

// String returns the reason name.
func (r StopReason) String() string {
	switch r {
	case StopEmpty:
		return "empty"
	case StopNoIdentity:
		return "no_identity"
	case StopTemporary:
		return "temporary"
	case StopRetry:
		return "retry"
	case StopCanceled:
		return "canceled"
	case StopStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Delivered int
	Discarded int
	Stop      StopReason
	// Outcome is the classification of the last attempt when Stop is StopRetry.
	Outcome Outcome
}

// DeviceIDListener is notified after the server accepted an identity change.
type DeviceIDListener func(deviceID string)

// Worker is the single consumer of the Queue. Ticks are coalesced through a
// channel of depth one, and at most one network call is in flight.
type Worker struct {
	queue     *Queue
	identity  IdentitySource
	transport Transport
	cfg       WorkerConfig

	trigger chan struct{}
	running atomic.Bool
	drainMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []DeviceIDListener
}

type prepared struct {
	env       Envelope
	temporary bool
	changedID string
}

// NewWorker constructs a Worker with defaults and optional settings.
func NewWorker(queue *Queue, identity IdentitySource, transport Transport, opts ...WorkerOption) *Worker {
	if queue == nil {
		panic("beacon: nil Queue")
	}
	if identity == nil {
		panic("beacon: nil IdentitySource")
	}
	if transport == nil {
		panic("beacon: nil Transport")
	}

	var cfg WorkerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Worker{
		queue:     queue,
		identity:  identity,
		transport: transport,
		cfg:       cfg,
		trigger:   make(chan struct{}, 1),
	}
}

// OnDeviceIDChange registers a listener.
func (w *Worker) OnDeviceIDChange(listener DeviceIDListener) {
	if listener == nil {
		return
	}
	w.listenersMu.Lock()
	defer w.listenersMu.Unlock()

	w.listeners = append(w.listeners, listener)
}

// Tick asks the running worker for a drain pass. It never blocks; redundant
// ticks collapse into one.
func (w *Worker) Tick() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run drains the queue on every tick until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrWorkerRunning
	}
	defer w.running.Store(false)

	var periodic <-chan time.Time
	if w.cfg.TickInterval > 0 {
		ticker := time.NewTicker(w.cfg.TickInterval)
		defer ticker.Stop()
		periodic = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}

			return ctx.Err()
		case <-w.trigger:
		case <-periodic:
		}

		result, err := w.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			w.cfg.Logger.Error("beacon drain failed", "stop", result.Stop.String(), "err", err)
		}
	}
}

// Drain delivers queued requests in order until one is not accepted, the
// queue is empty, or delivery must pause.
func (w *Worker) Drain(ctx context.Context) (result DrainResult, err error) {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			w.cfg.Logger.Error("beacon worker panic", "panic", rec)
			result.Stop = StopRetry
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
		}
	}()

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Stop = StopCanceled

			return result, ctxErr
		}

		stored, ok := w.queue.PeekOldest()
		if !ok {
			result.Stop = StopEmpty

			return result, nil
		}

		identity, ok := w.identity.Current()
		if !ok {
			w.cfg.Logger.Debug("beacon delivery paused, no device identity")
			result.Stop = StopNoIdentity

			return result, nil
		}
		if identity.IsTemporary() {
			w.cfg.Logger.Debug("beacon delivery paused, temporary device id")
			result.Stop = StopTemporary

			return result, nil
		}

		next, err := prepareEnvelope(stored, identity)
		if err != nil {
			w.cfg.Logger.Error("beacon dropping unparseable request", "err", err)
			if rmErr := w.queue.RemoveExact(ctx, stored); rmErr != nil {
				result.Stop = StopStorage

				return result, rmErr
			}
			result.Discarded++
			w.cfg.Metrics.AddDiscarded(1)

			continue
		}
		if next.temporary {
			w.cfg.Logger.Debug("beacon delivery paused, request carries temporary device id")
			result.Stop = StopTemporary

			return result, nil
		}

		if w.cfg.IgnoreCrawlers && w.cfg.Crawler != nil && w.cfg.Crawler.IsCrawler() {
			if err := w.queue.RemoveExact(ctx, stored); err != nil {
				result.Stop = StopStorage

				return result, err
			}
			result.Discarded++
			w.cfg.Metrics.AddDiscarded(1)

			continue
		}

		outcome, err := w.send(ctx, next.env)
		if outcome.Retry() {
			if ctx.Err() != nil {
				result.Stop = StopCanceled

				return result, ctx.Err()
			}
			w.cfg.Logger.Debug("beacon request not accepted, will retry", "outcome", outcome.String(), "err", err)
			if w.cfg.RetryHandler != nil {
				w.cfg.RetryHandler(ctx, stored, outcome, err)
			}
			w.cfg.Metrics.AddRetry(outcome)
			result.Stop = StopRetry
			result.Outcome = outcome

			return result, nil
		}

		if err := w.queue.RemoveExact(ctx, stored); err != nil {
			result.Stop = StopStorage

			return result, err
		}
		result.Delivered++
		w.cfg.Metrics.AddDelivered(1)
		if next.changedID != "" {
			w.notify(next.changedID)
		}
	}
}

func (w *Worker) send(ctx context.Context, env Envelope) (Outcome, error) {
	sendCtx := ctx
	cancel := func() {}
	if w.cfg.SendTimeout > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, w.cfg.SendTimeout)
	}
	defer cancel()

	start := w.cfg.Clock.Now()
	resp, err := w.transport.Send(sendCtx, env)
	w.cfg.Metrics.ObserveSendDuration(w.cfg.Clock.Now().Sub(start))

	outcome := Classify(resp.StatusCode, resp.Body, err)
	if err == nil && outcome.Retry() {
		err = fmt.Errorf("beacon: server answered %d with %d body bytes", resp.StatusCode, len(resp.Body))
	}

	return outcome, err
}

func (w *Worker) notify(deviceID string) {
	w.listenersMu.RLock()
	listeners := append([]DeviceIDListener(nil), w.listeners...)
	w.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(deviceID)
	}
}

// prepareEnvelope resolves the identity tags of a stored request against the
// current identity and strips the reserved fields.
func prepareEnvelope(stored string, identity DeviceIdentity) (prepared, error) {
	head, tags, err := splitTags(stored)
	if err != nil {
		return prepared{}, err
	}
	if value, ok := findTag(tags, TagDeviceID); ok && value == TemporaryDeviceID {
		return prepared{temporary: true}, nil
	}

	head, endpoint, _, err := extractField(head, KeyEndpoint)
	if err != nil {
		return prepared{}, err
	}
	head, filePath, _, err := extractField(head, KeyPicturePath)
	if err != nil {
		return prepared{}, err
	}

	var changedID string
	_, hasOverride := findTag(tags, TagOverrideID)
	deviceID, hasDeviceID := findTag(tags, TagDeviceID)
	_, hasOld := findTag(tags, TagOldDeviceID)
	switch {
	case hasOverride:
		rewritten := make([]IdentityTag, 0, len(tags))
		for _, tag := range tags {
			if tag.Kind == TagOverrideID {
				tag.Kind = TagDeviceID
			}
			rewritten = append(rewritten, tag)
		}
		tags = rewritten
	case hasDeviceID:
		if deviceID != identity.ID && !hasOld {
			tags = append(tags, IdentityTag{Kind: TagOldDeviceID, Value: identity.ID})
			hasOld = true
		}
		if hasOld {
			changedID = deviceID
		}
	default:
		tags = append(tags, IdentityTag{Kind: TagDeviceID, Value: identity.ID})
	}

	return prepared{
		env: Envelope{
			Endpoint: endpoint,
			Payload:  joinTags(head, tags),
			FilePath: filePath,
		},
		changedID: changedID,
	}, nil
}
