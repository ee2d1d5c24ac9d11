package beacon

// Feature is a consent-gated area of the SDK.
type Feature string

const (
	FeatureSessions    Feature = "sessions"
	FeatureEvents      Feature = "events"
	FeatureUsers       Feature = "users"
	FeatureLocation    Feature = "location"
	FeatureAttribution Feature = "attribution"
)

// ConsentProvider reports whether the user consented to a feature.
type ConsentProvider interface {
	IsFeatureConsented(feature Feature) bool
}

// ConsentFunc adapts a function to ConsentProvider.
type ConsentFunc func(feature Feature) bool

// IsFeatureConsented implements ConsentProvider.
func (fn ConsentFunc) IsFeatureConsented(feature Feature) bool {
	return fn(feature)
}

// AllowAll grants every feature.
type AllowAll struct{}

// IsFeatureConsented implements ConsentProvider.
func (AllowAll) IsFeatureConsented(Feature) bool {
	return true
}

// DeviceInfo provides the metrics blob attached to session begin requests.
type DeviceInfo interface {
	// CurrentMetricsBlob returns a JSON object describing the device.
	CurrentMetricsBlob() string
}

// StaticDeviceInfo returns a fixed metrics blob.
type StaticDeviceInfo string

// CurrentMetricsBlob implements DeviceInfo.
func (s StaticDeviceInfo) CurrentMetricsBlob() string {
	return string(s)
}

// CrawlerDetector reports whether the host runs on behalf of an automated crawler.
type CrawlerDetector interface {
	IsCrawler() bool
}

// CrawlerFunc adapts a function to CrawlerDetector.
type CrawlerFunc func() bool

// IsCrawler implements CrawlerDetector.
func (fn CrawlerFunc) IsCrawler() bool {
	return fn()
}
