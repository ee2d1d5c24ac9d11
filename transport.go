package beacon

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultEndpoint receives every request without an endpoint override.
	DefaultEndpoint = "/i"

	defaultPOSTThreshold    = 2048
	defaultHTTPTimeout      = 30 * time.Second
	defaultMaxResponseBytes = 1 << 20
	attachmentField         = "binaryData"
	tracerName              = "github.com/velmie/beacon"
)

// Envelope is one request ready for the wire.
type Envelope struct {
	// Endpoint is the path appended to the server URL; empty means DefaultEndpoint.
	Endpoint string
	// Payload is the URL-encoded query, without checksum.
	Payload string
	// FilePath is an optional local file uploaded as a multipart attachment.
	FilePath string
}

// Response is what the server answered.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport sends envelopes to the server.
type Transport interface {
	// Send performs one network call. A returned error means no HTTP response was received.
	Send(ctx context.Context, env Envelope) (Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, env Envelope) (Response, error)

// Send implements Transport.
func (fn TransportFunc) Send(ctx context.Context, env Envelope) (Response, error) {
	return fn(ctx, env)
}

// HTTPTransportConfig configures HTTPTransport.
type HTTPTransportConfig struct {
	ServerURL string
	// Salt enables the checksum256 field when non-empty.
	Salt string
	// ForcePOST sends every request as POST.
	ForcePOST bool
	// POSTThreshold is the payload length from which POST is used.
	POSTThreshold    int
	Client           *http.Client
	TracerProvider   trace.TracerProvider
	MaxResponseBytes int64
}

func (c HTTPTransportConfig) withDefaults() HTTPTransportConfig {
	if c.POSTThreshold <= 0 {
		c.POSTThreshold = defaultPOSTThreshold
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = defaultMaxResponseBytes
	}

	return c
}

// HTTPTransport delivers envelopes with net/http.
type HTTPTransport struct {
	cfg    HTTPTransportConfig
	base   string
	tracer trace.Tracer
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport validates the server URL and builds a transport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	base, err := normalizeServerURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	return &HTTPTransport{
		cfg:    cfg,
		base:   base,
		tracer: cfg.TracerProvider.Tracer(tracerName),
	}, nil
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, env Envelope) (Response, error) {
	endpoint := env.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	payload := env.Payload
	if t.cfg.Salt != "" {
		payload = payload + "&" + KeyChecksum + "=" + Checksum(env.Payload, t.cfg.Salt)
	}

	method := http.MethodGet
	if env.FilePath != "" || t.cfg.ForcePOST || len(payload) >= t.cfg.POSTThreshold {
		method = http.MethodPost
	}

	ctx, span := t.tracer.Start(ctx, "beacon.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("beacon.endpoint", endpoint),
			attribute.Bool("beacon.attachment", env.FilePath != ""),
		),
	)
	defer span.End()

	req, err := t.buildRequest(ctx, method, t.base+endpoint, payload, env.FilePath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")

		return Response{}, err
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send")

		return Response{}, fmt.Errorf("beacon transport: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxResponseBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read body")

		return Response{}, fmt.Errorf("beacon transport: read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	return Response{StatusCode: resp.StatusCode, Body: body}, nil
}

func (t *HTTPTransport) buildRequest(ctx context.Context, method, target, payload, filePath string) (*http.Request, error) {
	if method == http.MethodGet {
		return http.NewRequestWithContext(ctx, method, target+"?"+payload, nil)
	}
	if filePath == "" {
		req, err := http.NewRequestWithContext(ctx, method, target, strings.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		return req, nil
	}

	body, contentType, err := multipartBody(payload, filePath)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	return req, nil
}

// multipartBody sends every payload field as a form value followed by the
// file part. A file that no longer exists is skipped.
func multipartBody(payload, filePath string) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, segment := range strings.Split(payload, "&") {
		if segment == "" {
			continue
		}
		key, value, err := decodeSegment(segment)
		if err != nil {
			return nil, "", err
		}
		if err := mw.WriteField(key, value); err != nil {
			return nil, "", err
		}
	}

	file, err := os.Open(filePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, "", fmt.Errorf("beacon transport: open attachment: %w", err)
	default:
		defer file.Close()
		part, err := mw.CreateFormFile(attachmentField, filepath.Base(filePath))
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, file); err != nil {
			return nil, "", fmt.Errorf("beacon transport: read attachment: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}

	return &buf, mw.FormDataContentType(), nil
}

// Checksum returns hex(sha256(payload + salt)).
func Checksum(payload, salt string) string {
	sum := sha256.Sum256([]byte(payload + salt))

	return hex.EncodeToString(sum[:])
}

func normalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrServerURLRequired
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidServerURL, raw)
	}

	return strings.TrimRight(raw, "/"), nil
}
