package beacon

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	// SDKName is reported in every request.
	SDKName = "go-beacon"
	// SDKVersion is reported in every request.
	SDKVersion = "1.0.0"

	defaultEventThreshold = 10
)

// Kind identifies the API call a request represents.
type Kind int

const (
	KindBeginSession Kind = iota + 1
	KindUpdateSession
	KindEndSession
	KindEvents
	KindUserDetails
	KindLocation
	KindAttribution
	KindDeviceIDChange
)

// Feature returns the consent feature guarding the kind. Identity changes are never gated.
func (k Kind) Feature() (Feature, bool) {
	switch k {
	case KindBeginSession, KindUpdateSession, KindEndSession:
		return FeatureSessions, true
	case KindEvents:
		return FeatureEvents, true
	case KindUserDetails:
		return FeatureUsers, true
	case KindLocation:
		return FeatureLocation, true
	case KindAttribution:
		return FeatureAttribution, true
	default:
		return "", false
	}
}

// SessionScoped reports whether requests of this kind go through the Arbiter.
func (k Kind) SessionScoped() bool {
	return k == KindBeginSession || k == KindUpdateSession || k == KindEndSession
}

// Event is a custom analytics event.
type Event struct {
	Key          string         `json:"key"`
	Count        int            `json:"count"`
	Sum          float64        `json:"sum,omitempty"`
	Duration     float64        `json:"dur,omitempty"`
	Segmentation map[string]any `json:"segmentation,omitempty"`
	Timestamp    int64          `json:"timestamp"`
	Hour         int            `json:"hour"`
	Dow          int            `json:"dow"`
}

// Location is an explicit user location.
type Location struct {
	Latitude    float64
	Longitude   float64
	City        string
	CountryCode string
	IP          string
}

// ComposerConfig defines request stamping.
type ComposerConfig struct {
	AppKey         string
	SDKName        string
	SDKVersion     string
	EventThreshold int
	Clock          Clock
	Logger         Logger
	Consent        ConsentProvider
	Device         DeviceInfo
}

func (c ComposerConfig) withDefaults() ComposerConfig {
	if c.SDKName == "" {
		c.SDKName = SDKName
	}
	if c.SDKVersion == "" {
		c.SDKVersion = SDKVersion
	}
	if c.EventThreshold <= 0 {
		c.EventThreshold = defaultEventThreshold
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Consent == nil {
		c.Consent = AllowAll{}
	}
	if c.Device == nil {
		c.Device = StaticDeviceInfo("{}")
	}

	return c
}

// Composer builds requests from domain calls. Session requests are returned
// to the caller for the Arbiter; everything else is appended to the queue.
// It owns the event buffer, the timed event registry and the user data buffer.
type Composer struct {
	cfg      ComposerConfig
	queue    *Queue
	identity IdentitySource

	mu         sync.Mutex
	events     []Event
	timed      map[string]time.Time
	userProps  map[string]any
	userCustom map[string]any
}

// NewComposer constructs a Composer.
func NewComposer(queue *Queue, identity IdentitySource, cfg ComposerConfig) *Composer {
	return &Composer{
		cfg:        cfg.withDefaults(),
		queue:      queue,
		identity:   identity,
		timed:      make(map[string]time.Time),
		userProps:  make(map[string]any),
		userCustom: make(map[string]any),
	}
}

// Compose stamps the common fields in front of fields. It returns false when
// consent was not granted. Requests composed while the identity is temporary
// are tagged with the temporary device id.
func (c *Composer) Compose(kind Kind, fields []Field, consentGranted bool) (Request, bool) {
	if !consentGranted {
		return Request{}, false
	}

	now := c.cfg.Clock.Now()
	_, offset := now.Zone()

	var req Request
	req.Fields = make([]Field, 0, len(fields)+7)
	req.Add("app_key", c.cfg.AppKey)
	req.Add("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	req.Add("hour", strconv.Itoa(now.Hour()))
	req.Add("dow", strconv.Itoa(int(now.Weekday())))
	req.Add("tz", strconv.Itoa(offset/60))
	req.Add("sdk_version", c.cfg.SDKVersion)
	req.Add("sdk_name", c.cfg.SDKName)
	req.Fields = append(req.Fields, fields...)

	if identity, ok := c.identity.Current(); ok && identity.IsTemporary() {
		req.Tags = []IdentityTag{{Kind: TagDeviceID, Value: TemporaryDeviceID}}
	}

	return req, true
}

func (c *Composer) compose(kind Kind, fields ...Field) (Request, bool) {
	granted := true
	if feature, gated := kind.Feature(); gated {
		granted = c.cfg.Consent.IsFeatureConsented(feature)
	}
	req, ok := c.Compose(kind, fields, granted)
	if !ok {
		c.cfg.Logger.Debug("beacon request dropped, no consent", "kind", int(kind))
	}

	return req, ok
}

// BeginSession composes a session begin request.
func (c *Composer) BeginSession() (Request, bool) {
	return c.compose(KindBeginSession,
		Field{Key: "begin_session", Value: "1"},
		Field{Key: "metrics", Value: c.cfg.Device.CurrentMetricsBlob()},
	)
}

// UpdateSession composes a session duration update.
func (c *Composer) UpdateSession(durationSeconds int) (Request, bool) {
	return c.compose(KindUpdateSession, Field{Key: "session_duration", Value: strconv.Itoa(durationSeconds)})
}

// EndSession composes a session end request. A non-empty overrideID
// addresses it to that device id instead of the one current at send time.
func (c *Composer) EndSession(durationSeconds int, overrideID string) (Request, bool) {
	req, ok := c.compose(KindEndSession,
		Field{Key: "end_session", Value: "1"},
		Field{Key: "session_duration", Value: strconv.Itoa(durationSeconds)},
	)
	if ok && overrideID != "" {
		req.Tags = []IdentityTag{{Kind: TagOverrideID, Value: overrideID}}
	}

	return req, ok
}

// MergeRequest composes the request asking the server to merge oldID into newID.
func (c *Composer) MergeRequest(oldID, newID string) Request {
	req, _ := c.Compose(KindDeviceIDChange, nil, true)
	req.Tags = []IdentityTag{
		{Kind: TagOldDeviceID, Value: oldID},
		{Kind: TagDeviceID, Value: newID},
	}

	return req
}

// RecordEvent buffers ev and flushes the buffer once it reaches the threshold.
func (c *Composer) RecordEvent(ctx context.Context, ev Event) error {
	if ev.Key == "" {
		return fmt.Errorf("%w: event key is required", ErrInvalidRequest)
	}
	if !c.cfg.Consent.IsFeatureConsented(FeatureEvents) {
		c.cfg.Logger.Debug("beacon event dropped, no consent", "key", ev.Key)

		return nil
	}

	c.mu.Lock()
	c.events = append(c.events, c.stampEvent(ev))
	full := len(c.events) >= c.cfg.EventThreshold
	c.mu.Unlock()

	if full {
		return c.FlushEvents(ctx, "")
	}

	return nil
}

// StartEvent starts timing key. It returns false when key is already running.
func (c *Composer) StartEvent(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.timed[key]; ok {
		return false
	}
	c.timed[key] = c.cfg.Clock.Now()

	return true
}

// EndEvent stops timing ev.Key and records ev with its duration.
// Ending a key that was never started is a no-op.
func (c *Composer) EndEvent(ctx context.Context, ev Event) error {
	c.mu.Lock()
	started, ok := c.timed[ev.Key]
	delete(c.timed, ev.Key)
	c.mu.Unlock()

	if !ok {
		c.cfg.Logger.Debug("beacon timed event was not started", "key", ev.Key)

		return nil
	}
	ev.Duration = c.cfg.Clock.Now().Sub(started).Seconds()

	return c.RecordEvent(ctx, ev)
}

// PendingEvents returns the number of buffered events.
func (c *Composer) PendingEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.events)
}

// FlushEvents composes buffered events into one request and enqueues it.
func (c *Composer) FlushEvents(ctx context.Context, overrideID string) error {
	c.mu.Lock()
	events := c.events
	c.events = nil
	c.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("beacon composer: encode events failed: %w", err)
	}
	req, ok := c.compose(KindEvents, Field{Key: "events", Value: string(payload)})
	if !ok {
		return nil
	}
	if overrideID != "" {
		req.Tags = []IdentityTag{{Kind: TagOverrideID, Value: overrideID}}
	}

	return c.queue.Append(ctx, req.Encode())
}

// SetUserProperty buffers a predefined user property such as name, email or picturePath.
func (c *Composer) SetUserProperty(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.userProps[key] = value
}

// SetUserCustom buffers a custom user property.
func (c *Composer) SetUserCustom(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.userCustom[key] = value
}

// SaveUserData composes the buffered user properties into one request and clears the buffer.
func (c *Composer) SaveUserData(ctx context.Context) error {
	c.mu.Lock()
	props := c.userProps
	custom := c.userCustom
	c.userProps = make(map[string]any)
	c.userCustom = make(map[string]any)
	c.mu.Unlock()

	if len(props) == 0 && len(custom) == 0 {
		return nil
	}

	var picturePath string
	if path, ok := props[KeyPicturePath].(string); ok {
		picturePath = path
		delete(props, KeyPicturePath)
	}
	details := make(map[string]any, len(props)+1)
	for key, value := range props {
		details[key] = value
	}
	if len(custom) > 0 {
		details["custom"] = custom
	}

	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("beacon composer: encode user details failed: %w", err)
	}
	fields := []Field{{Key: "user_details", Value: string(payload)}}
	if picturePath != "" {
		fields = append(fields, Field{Key: KeyPicturePath, Value: picturePath})
	}
	req, ok := c.compose(KindUserDetails, fields...)
	if !ok {
		return nil
	}

	return c.queue.Append(ctx, req.Encode())
}

// SetLocation composes and enqueues a location request.
func (c *Composer) SetLocation(ctx context.Context, loc Location) error {
	fields := []Field{{
		Key:   "location",
		Value: strconv.FormatFloat(loc.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(loc.Longitude, 'f', -1, 64),
	}}
	if loc.City != "" {
		fields = append(fields, Field{Key: "city", Value: loc.City})
	}
	if loc.CountryCode != "" {
		fields = append(fields, Field{Key: "country_code", Value: loc.CountryCode})
	}
	if loc.IP != "" {
		fields = append(fields, Field{Key: "ip_address", Value: loc.IP})
	}
	req, ok := c.compose(KindLocation, fields...)
	if !ok {
		return nil
	}

	return c.queue.Append(ctx, req.Encode())
}

// RecordAttribution composes and enqueues a campaign attribution request.
func (c *Composer) RecordAttribution(ctx context.Context, campaignID, campaignUser string) error {
	if campaignID == "" {
		return fmt.Errorf("%w: campaign id is required", ErrInvalidRequest)
	}
	fields := []Field{{Key: "campaign_id", Value: campaignID}}
	if campaignUser != "" {
		fields = append(fields, Field{Key: "campaign_user", Value: campaignUser})
	}
	req, ok := c.compose(KindAttribution, fields...)
	if !ok {
		return nil
	}

	return c.queue.Append(ctx, req.Encode())
}

func (c *Composer) stampEvent(ev Event) Event {
	if ev.Count <= 0 {
		ev.Count = 1
	}
	if ev.Timestamp == 0 {
		now := c.cfg.Clock.Now()
		ev.Timestamp = now.UnixMilli()
		ev.Hour = now.Hour()
		ev.Dow = int(now.Weekday())
	}

	return ev
}
