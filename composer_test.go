package beacon

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type steppingClock struct {
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	return c.now
}

func (c *steppingClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestComposer(t *testing.T, identity IdentitySource, cfg ComposerConfig) (*Composer, *Queue) {
	t.Helper()

	q := openTestQueue(t, NewMemoryStorage())
	if cfg.AppKey == "" {
		cfg.AppKey = "app"
	}
	if cfg.Clock == nil {
		cfg.Clock = FixedClock{T: testNow}
	}

	return NewComposer(q, identity, cfg), q
}

func TestComposeStampsCommonFields(t *testing.T) {
	c, _ := newTestComposer(t, staticIdentity{identity: DeviceIdentity{ID: "d"}, ok: true}, ComposerConfig{})

	req, ok := c.Compose(KindLocation, []Field{{Key: "location", Value: "1,2"}}, true)
	if !ok {
		t.Fatalf("expected request")
	}
	values := mustParse(t, req.Encode())
	checks := map[string]string{
		"app_key":     "app",
		"timestamp":   "1709649000000",
		"hour":        "14",
		"dow":         "2",
		"tz":          "0",
		"sdk_name":    SDKName,
		"sdk_version": SDKVersion,
		"location":    "1,2",
	}
	for key, want := range checks {
		if got := values.Get(key); got != want {
			t.Fatalf("%s: expected %q, got %q", key, want, got)
		}
	}
	if len(req.Tags) != 0 {
		t.Fatalf("no tags expected for a real identity, got %+v", req.Tags)
	}
}

func TestComposeWithoutConsent(t *testing.T) {
	c, _ := newTestComposer(t, staticIdentity{}, ComposerConfig{})
	if _, ok := c.Compose(KindEvents, nil, false); ok {
		t.Fatalf("expected no request without consent")
	}
}

func TestComposeTemporaryIdentityTagsSentinel(t *testing.T) {
	identity := staticIdentity{identity: DeviceIdentity{ID: TemporaryDeviceID, Type: IdentityTemporary}, ok: true}
	c, _ := newTestComposer(t, identity, ComposerConfig{})

	req, ok := c.BeginSession()
	if !ok {
		t.Fatalf("expected request")
	}
	if v, _ := req.Tag(TagDeviceID); v != TemporaryDeviceID {
		t.Fatalf("expected sentinel tag, got %q", v)
	}
	if lastKey(t, req.Encode()) != KeyDeviceID {
		t.Fatalf("device_id must be the last key")
	}
}

func TestComposerEndSessionOverride(t *testing.T) {
	c, _ := newTestComposer(t, staticIdentity{}, ComposerConfig{})

	req, ok := c.EndSession(42, "old")
	if !ok {
		t.Fatalf("expected request")
	}
	values := mustParse(t, req.Encode())
	if values.Get("end_session") != "1" || values.Get("session_duration") != "42" || values.Get(KeyOverrideID) != "old" {
		t.Fatalf("unexpected request %v", values)
	}
}

func TestComposerSessionConsent(t *testing.T) {
	consent := ConsentFunc(func(f Feature) bool { return f != FeatureSessions })
	c, _ := newTestComposer(t, staticIdentity{}, ComposerConfig{Consent: consent})

	if _, ok := c.BeginSession(); ok {
		t.Fatalf("session requests need session consent")
	}
	merge := c.MergeRequest("a", "b")
	if lastKey(t, merge.Encode()) != KeyDeviceID {
		t.Fatalf("merge request must end with device_id")
	}
}

func TestComposerEventThresholdFlushes(t *testing.T) {
	ctx := context.Background()
	c, q := newTestComposer(t, staticIdentity{}, ComposerConfig{EventThreshold: 3})

	for i := 0; i < 2; i++ {
		if err := c.RecordEvent(ctx, Event{Key: "tap"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if q.Size() != 0 || c.PendingEvents() != 2 {
		t.Fatalf("expected buffered events, queue=%d pending=%d", q.Size(), c.PendingEvents())
	}
	if err := c.RecordEvent(ctx, Event{Key: "tap", Sum: 2.5}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if q.Size() != 1 || c.PendingEvents() != 0 {
		t.Fatalf("expected flush, queue=%d pending=%d", q.Size(), c.PendingEvents())
	}

	head, _ := q.PeekOldest()
	var events []Event
	if err := json.Unmarshal([]byte(mustParse(t, head).Get("events")), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 3 || events[0].Count != 1 || events[2].Sum != 2.5 || events[0].Timestamp != testNow.UnixMilli() {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestComposerEventWithoutConsentDropped(t *testing.T) {
	consent := ConsentFunc(func(f Feature) bool { return f != FeatureEvents })
	c, _ := newTestComposer(t, staticIdentity{}, ComposerConfig{Consent: consent})

	if err := c.RecordEvent(context.Background(), Event{Key: "tap"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if c.PendingEvents() != 0 {
		t.Fatalf("event without consent must be dropped")
	}
}

func TestComposerTimedEvent(t *testing.T) {
	ctx := context.Background()
	clock := &steppingClock{now: testNow}
	c, _ := newTestComposer(t, staticIdentity{}, ComposerConfig{Clock: clock})

	if !c.StartEvent("video") {
		t.Fatalf("expected start")
	}
	if c.StartEvent("video") {
		t.Fatalf("duplicate start must be rejected")
	}
	clock.advance(3 * time.Second)
	if err := c.EndEvent(ctx, Event{Key: "video"}); err != nil {
		t.Fatalf("end: %v", err)
	}
	if c.PendingEvents() != 1 {
		t.Fatalf("expected one pending event")
	}
	if err := c.EndEvent(ctx, Event{Key: "video"}); err != nil {
		t.Fatalf("second end: %v", err)
	}
	if c.PendingEvents() != 1 {
		t.Fatalf("ending a stopped event must be a no-op")
	}

	c.mu.Lock()
	duration := c.events[0].Duration
	c.mu.Unlock()
	if duration != 3 {
		t.Fatalf("expected duration 3, got %v", duration)
	}
}

func TestComposerSaveUserData(t *testing.T) {
	ctx := context.Background()
	c, q := newTestComposer(t, staticIdentity{}, ComposerConfig{})

	c.SetUserProperty("name", "Ada")
	c.SetUserProperty(KeyPicturePath, "/tmp/ada.png")
	c.SetUserCustom("plan", "pro")
	if err := c.SaveUserData(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	head, ok := q.PeekOldest()
	if !ok {
		t.Fatalf("expected user details request")
	}
	values := mustParse(t, head)
	if values.Get(KeyPicturePath) != "/tmp/ada.png" {
		t.Fatalf("expected picture path field, got %v", values)
	}
	var details map[string]any
	if err := json.Unmarshal([]byte(values.Get("user_details")), &details); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if details["name"] != "Ada" {
		t.Fatalf("unexpected details %v", details)
	}
	if _, ok := details[KeyPicturePath]; ok {
		t.Fatalf("picture path must not be part of user details")
	}
	custom, _ := details["custom"].(map[string]any)
	if custom["plan"] != "pro" {
		t.Fatalf("unexpected custom %v", details["custom"])
	}

	if err := c.SaveUserData(ctx); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if q.Size() != 1 {
		t.Fatalf("empty buffer must not enqueue")
	}
}

func TestComposerLocationAndAttribution(t *testing.T) {
	ctx := context.Background()
	c, q := newTestComposer(t, staticIdentity{}, ComposerConfig{})

	if err := c.SetLocation(ctx, Location{Latitude: 56.95, Longitude: 24.1, City: "Riga", CountryCode: "LV"}); err != nil {
		t.Fatalf("location: %v", err)
	}
	if err := c.RecordAttribution(ctx, "", ""); err == nil {
		t.Fatalf("expected error for empty campaign")
	}
	if err := c.RecordAttribution(ctx, "cmp", "usr"); err != nil {
		t.Fatalf("attribution: %v", err)
	}

	items := q.Snapshot()
	if len(items) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(items))
	}
	loc := mustParse(t, items[0])
	if loc.Get("location") != "56.95,24.1" || loc.Get("city") != "Riga" || loc.Get("country_code") != "LV" {
		t.Fatalf("unexpected location %v", loc)
	}
	if attr := mustParse(t, items[1]); attr.Get("campaign_id") != "cmp" || attr.Get("campaign_user") != "usr" {
		t.Fatalf("unexpected attribution %v", attr)
	}
}
