package beacon

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type workerFixture struct {
	queue     *Queue
	store     *IdentityStore
	transport *recordingTransport
	metrics   *countingMetrics
	worker    *Worker
}

func newWorkerFixture(t *testing.T, identity *DeviceIdentity, opts ...WorkerOption) *workerFixture {
	t.Helper()

	ctx := context.Background()
	storage := NewMemoryStorage()
	store, err := OpenIdentityStore(ctx, storage)
	if err != nil {
		t.Fatalf("open identity: %v", err)
	}
	if identity != nil {
		if err := store.Set(ctx, *identity); err != nil {
			t.Fatalf("set identity: %v", err)
		}
	}
	f := &workerFixture{
		queue:     openTestQueue(t, storage),
		store:     store,
		transport: &recordingTransport{},
		metrics:   newCountingMetrics(),
	}
	opts = append([]WorkerOption{WithWorkerMetrics(f.metrics)}, opts...)
	f.worker = NewWorker(f.queue, f.store, f.transport, opts...)

	return f
}

func (f *workerFixture) enqueue(t *testing.T, reqs ...string) {
	t.Helper()

	for _, req := range reqs {
		if err := f.queue.Append(context.Background(), req); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestWorkerDeliversInOrderWithDeviceIDLast(t *testing.T) {
	f := newWorkerFixture(t, &DeviceIdentity{ID: "dev-1", Type: IdentityAnonymous})
	f.enqueue(t, "app_key=k&begin_session=1", "app_key=k&events=%5B%5D")

	result, err := f.worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Delivered != 2 || result.Stop != StopEmpty {
		t.Fatalf("unexpected result %+v", result)
	}

	calls := f.transport.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Payload != "app_key=k&begin_session=1&device_id=dev-1" {
		t.Fatalf("unexpected payload %q", calls[0].Payload)
	}
	for _, call := range calls {
		if lastKey(t, call.Payload) != KeyDeviceID {
			t.Fatalf("device_id must be last in %q", call.Payload)
		}
	}
	if f.queue.Size() != 0 || f.metrics.delivered != 2 {
		t.Fatalf("queue=%d delivered=%d", f.queue.Size(), f.metrics.delivered)
	}
}

func TestWorkerStopsOnRetryableOutcome(t *testing.T) {
	cases := []struct {
		name string
		resp response
		want Outcome
	}{
		{name: "empty body", resp: response{status: 200}, want: OutcomeMalformed},
		{name: "server error", resp: response{status: 503, body: `{"result":"x"}`}, want: OutcomeRetryableServer},
		{name: "network", resp: response{err: errors.New("reset")}, want: OutcomeRetryableNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var handled []Outcome
			f := newWorkerFixture(t, &DeviceIdentity{ID: "d", Type: IdentityAnonymous},
				WithRetryHandler(func(_ context.Context, _ string, outcome Outcome, _ error) {
					handled = append(handled, outcome)
				}))
			f.transport.script = []response{tc.resp}
			f.enqueue(t, "a=1", "a=2")

			result, err := f.worker.Drain(context.Background())
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if result.Stop != StopRetry || result.Outcome != tc.want || result.Delivered != 0 {
				t.Fatalf("unexpected result %+v", result)
			}
			if f.queue.Size() != 2 {
				t.Fatalf("request must stay queued, size=%d", f.queue.Size())
			}
			if len(handled) != 1 || handled[0] != tc.want {
				t.Fatalf("unexpected retry handler calls %v", handled)
			}

			result, err = f.worker.Drain(context.Background())
			if err != nil || result.Delivered != 2 {
				t.Fatalf("second drain should deliver both, got %+v %v", result, err)
			}
			calls := f.transport.calls()
			if calls[0].Payload != calls[1].Payload {
				t.Fatalf("the same head request must be retried")
			}
		})
	}
}

func TestWorkerTemporaryIdentityMakesNoCalls(t *testing.T) {
	f := newWorkerFixture(t, &DeviceIdentity{ID: TemporaryDeviceID, Type: IdentityTemporary})
	f.enqueue(t, "a=1&device_id="+TemporaryDeviceID, "a=2&device_id="+TemporaryDeviceID)

	for i := 0; i < 3; i++ {
		result, err := f.worker.Drain(context.Background())
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if result.Stop != StopTemporary {
			t.Fatalf("expected temporary stop, got %s", result.Stop)
		}
	}
	if len(f.transport.calls()) != 0 {
		t.Fatalf("no network calls allowed in temporary mode")
	}
}

func TestWorkerSentinelTaggedRequestWaits(t *testing.T) {
	f := newWorkerFixture(t, &DeviceIdentity{ID: "real", Type: IdentityDeveloperSupplied})
	f.enqueue(t, "a=1&device_id="+TemporaryDeviceID)

	result, err := f.worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Stop != StopTemporary || len(f.transport.calls()) != 0 {
		t.Fatalf("sentinel tagged request must not be sent, got %+v", result)
	}
}

func TestWorkerNoIdentity(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.enqueue(t, "a=1")

	result, err := f.worker.Drain(context.Background())
	if err != nil || result.Stop != StopNoIdentity {
		t.Fatalf("expected no identity stop, got %+v %v", result, err)
	}
}

func TestWorkerOverrideRewritten(t *testing.T) {
	f := newWorkerFixture(t, &DeviceIdentity{ID: "new", Type: IdentityDeveloperSupplied})
	f.enqueue(t, "end_session=1&override_id=old")

	if _, err := f.worker.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	calls := f.transport.calls()
	if len(calls) != 1 || calls[0].Payload != "end_session=1&device_id=old" {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func TestWorkerForeignDeviceIDGetsOldDeviceID(t *testing.T) {
	f := newWorkerFixture(t, &DeviceIdentity{ID: "current", Type: IdentityDeveloperSupplied})
	var (
		mu      sync.Mutex
		changed []string
	)
	f.worker.OnDeviceIDChange(func(id string) {
		mu.Lock()
		changed = append(changed, id)
		mu.Unlock()
	})
	f.enqueue(t, "a=1&device_id=other", "b=1&old_device_id=prev&device_id=current")

	if _, err := f.worker.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	calls := f.transport.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Payload != "a=1&device_id=other&old_device_id=current" {
		t.Fatalf("unexpected payload %q", calls[0].Payload)
	}
	if calls[1].Payload != "b=1&old_device_id=prev&device_id=current" {
		t.Fatalf("merge request must be sent untouched, got %q", calls[1].Payload)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(changed, ",") != "other,current" {
		t.Fatalf("unexpected listener calls %v", changed)
	}
}

func TestWorkerStripsReservedFields(t *testing.T) {
	f := newWorkerFixture(t, &DeviceIdentity{ID: "d", Type: IdentityAnonymous})
	f.enqueue(t, "a=1&new_end_point=%2Fo%2Fsdk&picturePath=%2Ftmp%2Fp.png&b=2")

	if _, err := f.worker.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	calls := f.transport.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call")
	}
	if calls[0].Endpoint != "/o/sdk" || calls[0].FilePath != "/tmp/p.png" || calls[0].Payload != "a=1&b=2&device_id=d" {
		t.Fatalf("unexpected envelope %+v", calls[0])
	}
}

func TestWorkerDropsUnparseable(t *testing.T) {
	f := newWorkerFixture(t, &DeviceIdentity{ID: "d", Type: IdentityAnonymous})
	f.enqueue(t, "a=%zz", "a=1")

	result, err := f.worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Discarded != 1 || result.Delivered != 1 || f.metrics.discarded != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestWorkerCrawlerDiscards(t *testing.T) {
	f := newWorkerFixture(t, &DeviceIdentity{ID: "d", Type: IdentityAnonymous},
		WithCrawlerSkipping(CrawlerFunc(func() bool { return true })))
	f.enqueue(t, "a=1", "a=2")

	result, err := f.worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Discarded != 2 || len(f.transport.calls()) != 0 || f.queue.Size() != 0 {
		t.Fatalf("crawler traffic must be discarded, got %+v", result)
	}
}

func TestWorkerRecoversPanic(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	store, err := OpenIdentityStore(ctx, storage)
	if err != nil {
		t.Fatalf("open identity: %v", err)
	}
	if err := store.Set(ctx, DeviceIdentity{ID: "d"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	q := openTestQueue(t, storage)
	if err := q.Append(ctx, "a=1"); err != nil {
		t.Fatalf("append: %v", err)
	}
	w := NewWorker(q, store, TransportFunc(func(context.Context, Envelope) (Response, error) {
		panic("boom")
	}))

	_, err = w.Drain(ctx)
	if !errors.Is(err, ErrWorkerPanic) {
		t.Fatalf("expected ErrWorkerPanic, got %v", err)
	}
	if q.Size() != 1 {
		t.Fatalf("request must stay queued after panic")
	}
}

func TestWorkerRunSingleInstance(t *testing.T) {
	f := newWorkerFixture(t, &DeviceIdentity{ID: "d", Type: IdentityAnonymous})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- f.worker.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !f.worker.running.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("worker did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := f.worker.Run(ctx); !errors.Is(err, ErrWorkerRunning) {
		t.Fatalf("expected ErrWorkerRunning, got %v", err)
	}

	f.enqueue(t, "a=1")
	f.worker.Tick()
	f.worker.Tick()
	for f.queue.Size() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tick did not drain the queue")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestNewWorkerPanicsOnNil(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewWorker(nil, staticIdentity{}, &recordingTransport{})
}
