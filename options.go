package beacon

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// RetryHandler is called when a delivery attempt leaves the request queued.
type RetryHandler func(ctx context.Context, stored string, outcome Outcome, err error)

// WorkerConfig defines how the Worker delivers requests.
type WorkerConfig struct {
	Clock          Clock
	Logger         Logger
	Metrics        Metrics
	RetryHandler   RetryHandler
	Crawler        CrawlerDetector
	IgnoreCrawlers bool
	SendTimeout    time.Duration
	// TickInterval adds a periodic tick to Run. Zero means only explicit ticks.
	TickInterval time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}

// WorkerOption configures Worker behavior.
type WorkerOption func(*WorkerConfig)

// WithWorkerClock sets the clock used to time sends.
func WithWorkerClock(clock Clock) WorkerOption {
	return func(c *WorkerConfig) {
		c.Clock = clock
	}
}

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(logger Logger) WorkerOption {
	return func(c *WorkerConfig) {
		c.Logger = logger
	}
}

// WithWorkerMetrics sets the worker metrics recorder.
func WithWorkerMetrics(metrics Metrics) WorkerOption {
	return func(c *WorkerConfig) {
		c.Metrics = metrics
	}
}

// WithRetryHandler registers a callback for attempts that were not accepted.
func WithRetryHandler(handler RetryHandler) WorkerOption {
	return func(c *WorkerConfig) {
		c.RetryHandler = handler
	}
}

// WithCrawlerSkipping discards queued requests without sending them while detector reports a crawler.
func WithCrawlerSkipping(detector CrawlerDetector) WorkerOption {
	return func(c *WorkerConfig) {
		c.Crawler = detector
		c.IgnoreCrawlers = detector != nil
	}
}

// WithSendTimeout bounds a single network call.
func WithSendTimeout(timeout time.Duration) WorkerOption {
	return func(c *WorkerConfig) {
		c.SendTimeout = timeout
	}
}

// WithTickInterval makes Run tick periodically in addition to explicit ticks.
func WithTickInterval(interval time.Duration) WorkerOption {
	return func(c *WorkerConfig) {
		c.TickInterval = interval
	}
}

// ClientConfig configures a Client.
type ClientConfig struct {
	AppKey    string
	ServerURL string
	Salt      string

	// DeviceID is used on a fresh install when set.
	DeviceID string
	// TemporaryDeviceID starts a fresh install in temporary mode when DeviceID is empty.
	TemporaryDeviceID bool

	QueueCapacity  int
	EventThreshold int
	ForcePOST      bool
	POSTThreshold  int
	SendTimeout    time.Duration
	TickInterval   time.Duration

	IgnoreCrawlers bool
	Crawler        CrawlerDetector
	Consent        ConsentProvider
	Device         DeviceInfo

	HTTPClient     *http.Client
	TracerProvider trace.TracerProvider
	// Transport replaces the HTTP transport, mostly for tests.
	Transport Transport

	Clock   Clock
	Logger  Logger
	Metrics Metrics
	IDGen   func() string
}

func (c ClientConfig) validate() error {
	if c.AppKey == "" {
		return ErrAppKeyRequired
	}
	if c.Transport == nil {
		if _, err := normalizeServerURL(c.ServerURL); err != nil {
			return err
		}
	}

	return nil
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Consent == nil {
		c.Consent = AllowAll{}
	}

	return c
}

// Option configures a Client.
type Option func(*ClientConfig)

// WithAppKey sets the application key stamped on every request.
func WithAppKey(key string) Option {
	return func(c *ClientConfig) {
		c.AppKey = key
	}
}

// WithServerURL sets the collection server base URL.
func WithServerURL(url string) Option {
	return func(c *ClientConfig) {
		c.ServerURL = url
	}
}

// WithSalt enables request checksums.
func WithSalt(salt string) Option {
	return func(c *ClientConfig) {
		c.Salt = salt
	}
}

// WithDeviceID sets the developer supplied id used on a fresh install.
func WithDeviceID(id string) Option {
	return func(c *ClientConfig) {
		c.DeviceID = id
	}
}

// WithTemporaryDeviceID starts a fresh install in temporary mode.
func WithTemporaryDeviceID() Option {
	return func(c *ClientConfig) {
		c.TemporaryDeviceID = true
	}
}

// WithCapacity sets the queue capacity.
func WithCapacity(capacity int) Option {
	return func(c *ClientConfig) {
		c.QueueCapacity = capacity
	}
}

// WithEventThreshold sets how many buffered events trigger a flush.
func WithEventThreshold(threshold int) Option {
	return func(c *ClientConfig) {
		c.EventThreshold = threshold
	}
}

// WithForcePOST sends every request as POST.
func WithForcePOST() Option {
	return func(c *ClientConfig) {
		c.ForcePOST = true
	}
}

// WithPOSTThreshold sets the payload length from which POST is used.
func WithPOSTThreshold(length int) Option {
	return func(c *ClientConfig) {
		c.POSTThreshold = length
	}
}

// WithClientSendTimeout bounds a single network call.
func WithClientSendTimeout(timeout time.Duration) Option {
	return func(c *ClientConfig) {
		c.SendTimeout = timeout
	}
}

// WithClientTickInterval makes Run tick periodically.
func WithClientTickInterval(interval time.Duration) Option {
	return func(c *ClientConfig) {
		c.TickInterval = interval
	}
}

// WithCrawlerDetector discards traffic while detector reports a crawler.
func WithCrawlerDetector(detector CrawlerDetector) Option {
	return func(c *ClientConfig) {
		c.Crawler = detector
		c.IgnoreCrawlers = detector != nil
	}
}

// WithConsent sets the consent provider.
func WithConsent(consent ConsentProvider) Option {
	return func(c *ClientConfig) {
		c.Consent = consent
	}
}

// WithDeviceInfo sets the metrics provider for session begin requests.
func WithDeviceInfo(device DeviceInfo) Option {
	return func(c *ClientConfig) {
		c.Device = device
	}
}

// WithHTTPClient sets the HTTP client of the default transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *ClientConfig) {
		c.HTTPClient = client
	}
}

// WithTracerProvider sets the tracer provider of the default transport.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *ClientConfig) {
		c.TracerProvider = provider
	}
}

// WithTransport replaces the HTTP transport.
func WithTransport(transport Transport) Option {
	return func(c *ClientConfig) {
		c.Transport = transport
	}
}

// WithClock sets the client clock.
func WithClock(clock Clock) Option {
	return func(c *ClientConfig) {
		c.Clock = clock
	}
}

// WithLogger sets the client logger.
func WithLogger(logger Logger) Option {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the client metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(c *ClientConfig) {
		c.Metrics = metrics
	}
}

// WithIDGenerator replaces the random device id generator.
func WithIDGenerator(gen func() string) Option {
	return func(c *ClientConfig) {
		c.IDGen = gen
	}
}
