package beacon

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

var errStorageDown = errors.New("storage down")

var testNow = time.Date(2024, time.March, 5, 14, 30, 0, 0, time.UTC)

type failingStorage struct {
	*MemoryStorage
	mu       sync.Mutex
	failSave bool
}

func (s *failingStorage) Save(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	fail := s.failSave
	s.mu.Unlock()
	if fail {
		return errStorageDown
	}

	return s.MemoryStorage.Save(ctx, key, value)
}

func (s *failingStorage) setFailSave(v bool) {
	s.mu.Lock()
	s.failSave = v
	s.mu.Unlock()
}

type staticIdentity struct {
	identity DeviceIdentity
	ok       bool
}

func (s staticIdentity) Current() (DeviceIdentity, bool) {
	return s.identity, s.ok
}

type response struct {
	status int
	body   string
	err    error
}

// recordingTransport records every envelope and replays scripted responses.
// Once the script is exhausted it answers with a success.
type recordingTransport struct {
	mu        sync.Mutex
	envelopes []Envelope
	script    []response
}

func (t *recordingTransport) Send(_ context.Context, env Envelope) (Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.envelopes = append(t.envelopes, env)
	if len(t.script) == 0 {
		return Response{StatusCode: 200, Body: []byte(`{"result":"Success"}`)}, nil
	}
	next := t.script[0]
	t.script = t.script[1:]
	if next.err != nil {
		return Response{}, next.err
	}

	return Response{StatusCode: next.status, Body: []byte(next.body)}, nil
}

func (t *recordingTransport) calls() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]Envelope(nil), t.envelopes...)
}

type countingMetrics struct {
	NopMetrics
	mu        sync.Mutex
	delivered int
	evicted   int
	discarded int
	retries   map[Outcome]int
	depth     int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{retries: make(map[Outcome]int)}
}

func (m *countingMetrics) AddDelivered(n int) {
	m.mu.Lock()
	m.delivered += n
	m.mu.Unlock()
}

func (m *countingMetrics) AddEvicted(n int) {
	m.mu.Lock()
	m.evicted += n
	m.mu.Unlock()
}

func (m *countingMetrics) AddDiscarded(n int) {
	m.mu.Lock()
	m.discarded += n
	m.mu.Unlock()
}

func (m *countingMetrics) AddRetry(outcome Outcome) {
	m.mu.Lock()
	m.retries[outcome]++
	m.mu.Unlock()
}

func (m *countingMetrics) SetQueueDepth(n int) {
	m.mu.Lock()
	m.depth = n
	m.mu.Unlock()
}

func openTestQueue(t *testing.T, storage Storage, opts ...QueueOption) *Queue {
	t.Helper()

	q, err := OpenQueue(context.Background(), storage, opts...)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}

	return q
}

func mustParse(t *testing.T, raw string) url.Values {
	t.Helper()

	values, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatalf("parse query %q: %v", raw, err)
	}

	return values
}

// lastKey returns the key of the final query segment.
func lastKey(t *testing.T, raw string) string {
	t.Helper()

	head, tags, err := splitTags(raw)
	if err != nil {
		t.Fatalf("split tags: %v", err)
	}
	if len(tags) > 0 {
		return tags[len(tags)-1].Kind.Key()
	}
	key, _, err := decodeSegment(head[strings.LastIndexByte(head, '&')+1:])
	if err != nil {
		t.Fatalf("decode segment: %v", err)
	}

	return key
}
