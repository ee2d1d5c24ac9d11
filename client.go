package beacon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Client is the host-facing facade. It wires the queue, identity, composer,
// arbiter and worker over one Storage. Recording methods return validation
// errors only; storage failures are logged and absorbed, delivery happens in
// the background.
type Client struct {
	cfg       ClientConfig
	storage   Storage
	queue     *Queue
	store     *IdentityStore
	identity  *IdentityManager
	composer  *Composer
	arbiter   *Arbiter
	worker    *Worker
	migration MigrationResult

	mu      sync.Mutex
	current *Session
}

var _ SessionLifecycle = (*Client)(nil)

// New validates the configuration, migrates persisted state and builds a Client.
func New(ctx context.Context, storage Storage, opts ...Option) (*Client, error) {
	if storage == nil {
		return nil, ErrStorageRequired
	}

	var cfg ClientConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	migratorOpts := []MigratorOption{WithMigratorLogger(cfg.Logger)}
	if cfg.IDGen != nil {
		migratorOpts = append(migratorOpts, WithMigratorIDGenerator(cfg.IDGen))
	}
	migration, err := NewMigrator(storage, migratorOpts...).Run(ctx)
	if err != nil {
		return nil, err
	}

	queueOpts := []QueueOption{WithQueueLogger(cfg.Logger), WithQueueMetrics(cfg.Metrics)}
	if cfg.QueueCapacity > 0 {
		queueOpts = append(queueOpts, WithQueueCapacity(cfg.QueueCapacity))
	}
	queue, err := OpenQueue(ctx, storage, queueOpts...)
	if err != nil {
		return nil, err
	}
	store, err := OpenIdentityStore(ctx, storage)
	if err != nil {
		return nil, err
	}

	transport := cfg.Transport
	if transport == nil {
		httpTransport, err := NewHTTPTransport(HTTPTransportConfig{
			ServerURL:      cfg.ServerURL,
			Salt:           cfg.Salt,
			ForcePOST:      cfg.ForcePOST,
			POSTThreshold:  cfg.POSTThreshold,
			Client:         cfg.HTTPClient,
			TracerProvider: cfg.TracerProvider,
		})
		if err != nil {
			return nil, err
		}
		transport = httpTransport
	}

	c := &Client{
		cfg:       cfg,
		storage:   storage,
		queue:     queue,
		store:     store,
		arbiter:   NewArbiter(queue, cfg.Logger),
		migration: migration,
	}
	c.composer = NewComposer(queue, store, ComposerConfig{
		AppKey:         cfg.AppKey,
		EventThreshold: cfg.EventThreshold,
		Clock:          cfg.Clock,
		Logger:         cfg.Logger,
		Consent:        cfg.Consent,
		Device:         cfg.Device,
	})

	workerOpts := []WorkerOption{
		WithWorkerClock(cfg.Clock),
		WithWorkerLogger(cfg.Logger),
		WithWorkerMetrics(cfg.Metrics),
		WithSendTimeout(cfg.SendTimeout),
		WithTickInterval(cfg.TickInterval),
	}
	if cfg.IgnoreCrawlers && cfg.Crawler != nil {
		workerOpts = append(workerOpts, WithCrawlerSkipping(cfg.Crawler))
	}
	c.worker = NewWorker(queue, store, transport, workerOpts...)

	c.identity = NewIdentityManager(store, queue, c.composer, IdentityManagerConfig{
		Sessions: c,
		Resume:   c.worker.Tick,
		Logger:   cfg.Logger,
		IDGen:    cfg.IDGen,
	})
	if _, err := c.identity.Init(ctx, cfg.DeviceID, cfg.TemporaryDeviceID); err != nil {
		return nil, err
	}

	cfg.Logger.Info("beacon client ready",
		"queued", queue.Size(),
		"schema_from", migration.FromVersion,
		"schema_to", migration.ToVersion,
		"fresh_install", migration.FreshInstall,
	)

	return c, nil
}

// Migration returns what the startup migration did.
func (c *Client) Migration() MigrationResult {
	return c.migration
}

// Queue exposes the underlying durable queue.
func (c *Client) Queue() *Queue {
	return c.queue
}

// DeviceID returns the current device id, empty before it is resolved.
func (c *Client) DeviceID() string {
	identity, ok := c.identity.Current()
	if !ok {
		return ""
	}

	return identity.ID
}

// Identity returns the current device identity.
func (c *Client) Identity() (DeviceIdentity, bool) {
	return c.identity.Current()
}

// OnDeviceIDChange registers a listener notified after the server accepted
// a merge of the previous id into a new one.
func (c *Client) OnDeviceIDChange(listener DeviceIDListener) {
	c.worker.OnDeviceIDChange(listener)
}

// Tick asks the worker for a drain pass.
func (c *Client) Tick() {
	c.worker.Tick()
}

// Run delivers queued requests until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	c.worker.Tick()

	return c.worker.Run(ctx)
}

// Drain runs one synchronous delivery pass.
func (c *Client) Drain(ctx context.Context) (DrainResult, error) {
	return c.worker.Drain(ctx)
}

// BeginSession opens a usage session. Only one of several concurrently open
// sessions emits session requests.
func (c *Client) BeginSession(ctx context.Context) *Session {
	s := &Session{client: c}
	if err := s.begin(ctx); err != nil {
		c.absorb("begin session", err)
	}

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()

	return s
}

// UpdateSession reports durationSeconds on the most recently begun session.
func (c *Client) UpdateSession(ctx context.Context, durationSeconds int) {
	if s := c.currentSession(); s != nil {
		c.absorb("update session", s.update(ctx, durationSeconds))
	}
}

// EndSession ends the most recently begun session. A non-empty overrideID
// addresses the end request to that device id.
func (c *Client) EndSession(ctx context.Context, durationSeconds int, overrideID string) {
	s := c.currentSession()
	if s == nil {
		return
	}
	c.absorb("end session", s.end(ctx, durationSeconds, overrideID))
	c.clearCurrent(s)
}

// RecordEvent buffers a custom event.
func (c *Client) RecordEvent(ctx context.Context, ev Event) error {
	return c.absorb("record event", c.composer.RecordEvent(ctx, ev))
}

// StartEvent starts timing key and reports false when it is already running.
func (c *Client) StartEvent(key string) bool {
	return c.composer.StartEvent(key)
}

// EndEvent stops timing ev.Key and records it with the elapsed duration.
func (c *Client) EndEvent(ctx context.Context, ev Event) error {
	return c.absorb("end event", c.composer.EndEvent(ctx, ev))
}

// FlushEvents enqueues buffered events.
func (c *Client) FlushEvents(ctx context.Context) {
	c.absorb("flush events", c.composer.FlushEvents(ctx, ""))
}

// SetUserProperty buffers a predefined user property.
func (c *Client) SetUserProperty(key string, value any) {
	c.composer.SetUserProperty(key, value)
}

// SetUserCustom buffers a custom user property.
func (c *Client) SetUserCustom(key string, value any) {
	c.composer.SetUserCustom(key, value)
}

// SaveUserData enqueues buffered user properties.
func (c *Client) SaveUserData(ctx context.Context) {
	c.absorb("save user data", c.composer.SaveUserData(ctx))
}

// SetLocation enqueues an explicit location.
func (c *Client) SetLocation(ctx context.Context, loc Location) {
	c.absorb("set location", c.composer.SetLocation(ctx, loc))
}

// RecordAttribution enqueues a campaign attribution.
func (c *Client) RecordAttribution(ctx context.Context, campaignID, campaignUser string) error {
	return c.absorb("record attribution", c.composer.RecordAttribution(ctx, campaignID, campaignUser))
}

// ChangeIdentity switches to a developer supplied id. With merge the server
// is asked to merge the previous id's history into it; without merge the
// running session restarts under the new id.
func (c *Client) ChangeIdentity(ctx context.Context, newID string, merge bool) error {
	var err error
	if merge {
		err = c.identity.ChangeWithMerge(ctx, newID)
	} else {
		err = c.identity.ChangeWithoutMerge(ctx, IdentityDeveloperSupplied, newID)
	}

	return c.absorb("change identity", err)
}

// EnterTemporaryMode withholds delivery until ChangeIdentity sets a real id.
func (c *Client) EnterTemporaryMode(ctx context.Context) {
	c.absorb("enter temporary mode", c.identity.EnterTemporary(ctx))
}

// EndCurrent implements SessionLifecycle.
func (c *Client) EndCurrent(ctx context.Context, overrideID string) (bool, error) {
	s := c.currentSession()
	if s == nil {
		return false, nil
	}

	return s.restartEnd(ctx, overrideID)
}

// BeginNew implements SessionLifecycle.
func (c *Client) BeginNew(ctx context.Context) error {
	s := c.currentSession()
	if s == nil {
		return nil
	}

	return s.begin(ctx)
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

func (c *Client) clearCurrent(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == s {
		c.current = nil
	}
}

// absorb ticks the worker, logs storage failures and returns only errors the
// host can act on.
func (c *Client) absorb(op string, err error) error {
	c.worker.Tick()
	if err == nil {
		return nil
	}
	if isValidationError(err) {
		return err
	}
	c.cfg.Logger.Error("beacon "+op+" failed", "err", err)

	return nil
}

func isValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrEmptyDeviceID) ||
		errors.Is(err, ErrInvalidTemporaryID) ||
		errors.Is(err, ErrIdentityNotResolved) ||
		errors.Is(err, ErrSessionEnded)
}

// Session is a host usage session. It survives identity changes that restart
// the underlying arbitration handle.
type Session struct {
	client *Client

	mu         sync.Mutex
	handle     *SessionHandle
	lastUpdate time.Time
	ended      bool
}

// Role returns the arbitration role of the session.
func (s *Session) Role() Role {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()

	if handle == nil {
		return RoleFollower
	}

	return handle.Role()
}

// Update reports the time elapsed since the previous report.
func (s *Session) Update(ctx context.Context) error {
	return s.client.absorb("update session", s.update(ctx, -1))
}

// End closes the session, reporting the time elapsed since the previous report.
func (s *Session) End(ctx context.Context) error {
	err := s.end(ctx, -1, "")
	s.client.clearCurrent(s)

	return s.client.absorb("end session", err)
}

func (s *Session) begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handle = s.client.arbiter.Open()
	s.lastUpdate = s.client.cfg.Clock.Now()
	s.ended = false
	req, ok := s.client.composer.BeginSession()
	if !ok {
		return nil
	}

	return s.handle.Record(ctx, req)
}

// update records a duration update. A negative duration is measured from the
// previous report.
func (s *Session) update(ctx context.Context, durationSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended || s.handle == nil {
		return ErrSessionEnded
	}
	durationSeconds = s.elapsedLocked(durationSeconds)
	req, ok := s.client.composer.UpdateSession(durationSeconds)
	if !ok {
		return nil
	}

	return s.handle.Record(ctx, req)
}

func (s *Session) end(ctx context.Context, durationSeconds int, overrideID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended || s.handle == nil {
		return ErrSessionEnded
	}
	s.ended = true

	return s.endHandleLocked(ctx, durationSeconds, overrideID)
}

// restartEnd ends the handle for an identity change but keeps the session
// usable, so begin can attach a new handle.
func (s *Session) restartEnd(ctx context.Context, overrideID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended || s.handle == nil {
		return false, nil
	}
	err := s.endHandleLocked(ctx, -1, overrideID)
	s.handle = nil

	return true, err
}

func (s *Session) endHandleLocked(ctx context.Context, durationSeconds int, overrideID string) error {
	composer := s.client.composer
	var errs []error
	if err := composer.FlushEvents(ctx, overrideID); err != nil {
		errs = append(errs, fmt.Errorf("flush events: %w", err))
	}
	durationSeconds = s.elapsedLocked(durationSeconds)
	var final *Request
	if req, ok := composer.EndSession(durationSeconds, overrideID); ok {
		final = &req
	}
	if err := s.handle.EndWith(ctx, final); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (s *Session) elapsedLocked(durationSeconds int) int {
	now := s.client.cfg.Clock.Now()
	if durationSeconds < 0 {
		durationSeconds = int(now.Sub(s.lastUpdate).Seconds())
	}
	s.lastUpdate = now

	return durationSeconds
}
