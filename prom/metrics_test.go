package prom

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/beacon"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(WithRegisterer(reg))
	require.NoError(t, err)

	m.AddDelivered(2)
	m.AddDelivered(1)
	m.AddRetry(beacon.OutcomeRetryableServer)
	m.AddRetry(beacon.OutcomeRetryableServer)
	m.AddRetry(beacon.OutcomeMalformed)
	m.AddEvicted(4)
	m.AddDiscarded(1)
	m.SetQueueDepth(7)
	m.ObserveSendDuration(150 * time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.delivered))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.retries.WithLabelValues("server")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("malformed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.evicted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discarded))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1, testutil.CollectAndCount(m.sendDuration))

	expected := `
# HELP beacon_queue_depth Requests currently queued.
# TYPE beacon_queue_depth gauge
beacon_queue_depth 7
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "beacon_queue_depth"))
}

func TestMetricsOptions(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(
		WithRegisterer(reg),
		WithNamespace("sdk"),
		WithConstLabels(prometheus.Labels{"app": "demo"}),
		WithBuckets([]float64{0.1, 1}),
	)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, family := range families {
		names = append(names, family.GetName())
	}
	assert.Contains(t, names, "sdk_queue_depth")
	assert.Contains(t, names, "sdk_send_duration_seconds")
}

func TestNewDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(WithRegisterer(reg))
	require.NoError(t, err)

	_, err = New(WithRegisterer(reg))
	require.Error(t, err)

	assert.Panics(t, func() { MustNew(WithRegisterer(reg)) })
}

func TestMetricsWithClient(t *testing.T) {
	ctx := context.Background()
	m, err := New(WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	calls := 0
	transport := beacon.TransportFunc(func(context.Context, beacon.Envelope) (beacon.Response, error) {
		calls++
		if calls == 1 {
			return beacon.Response{StatusCode: 500}, nil
		}

		return beacon.Response{StatusCode: 200, Body: []byte(`{"result":"Success"}`)}, nil
	})

	client, err := beacon.New(ctx, beacon.NewMemoryStorage(),
		beacon.WithAppKey("app"),
		beacon.WithDeviceID("dev"),
		beacon.WithTransport(transport),
		beacon.WithMetrics(m),
	)
	require.NoError(t, err)

	client.SetLocation(ctx, beacon.Location{Latitude: 1, Longitude: 2})
	_, err = client.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("server")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueDepth))

	_, err = client.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.delivered))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queueDepth))
}
