//go:build integration

package mysql_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/beacon"
	"github.com/velmie/beacon/mysql"
)

func TestStoreLoadSaveIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	store, err := mysql.NewStore(ctx, db, mysql.WithCreateSchema())
	require.NoError(t, err)

	_, err = store.Load(ctx, beacon.QueueKey)
	require.ErrorIs(t, err, beacon.ErrNotFound)

	require.NoError(t, store.Save(ctx, beacon.QueueKey, []byte("a=1")))
	require.NoError(t, store.Save(ctx, beacon.QueueKey, []byte("a=1:::a=2")))
	value, err := store.Load(ctx, beacon.QueueKey)
	require.NoError(t, err)
	require.Equal(t, "a=1:::a=2", string(value))

	require.NoError(t, store.Save(ctx, beacon.QueueKey, nil))
	value, err = store.Load(ctx, beacon.QueueKey)
	require.NoError(t, err)
	require.Empty(t, value)
}

func TestStoreClientRestartIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	store, err := mysql.NewStore(ctx, db, mysql.WithCreateSchema(), mysql.WithTable("beacon_state"))
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		sent []string
	)
	failing := beacon.TransportFunc(func(context.Context, beacon.Envelope) (beacon.Response, error) {
		return beacon.Response{StatusCode: 503}, nil
	})
	accepting := beacon.TransportFunc(func(_ context.Context, env beacon.Envelope) (beacon.Response, error) {
		mu.Lock()
		sent = append(sent, env.Payload)
		mu.Unlock()

		return beacon.Response{StatusCode: 200, Body: []byte(`{"result":"Success"}`)}, nil
	})

	first, err := beacon.New(ctx, store, beacon.WithAppKey("app"), beacon.WithDeviceID("dev"), beacon.WithTransport(failing))
	require.NoError(t, err)
	first.SetLocation(ctx, beacon.Location{Latitude: 1, Longitude: 2})
	result, err := first.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, beacon.StopRetry, result.Stop)

	second, err := beacon.New(ctx, store, beacon.WithAppKey("app"), beacon.WithTransport(accepting))
	require.NoError(t, err)
	require.Equal(t, "dev", second.DeviceID())
	result, err = second.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Delivered)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0], "device_id=dev")
}

func startMySQLContainer(t *testing.T, ctx context.Context) (testcontainers.Container, *sql.DB) {
	t.Helper()
	port := nat.Port("3306/tcp")
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0.36",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_DATABASE":      "beacon",
		},
		WaitingFor: wait.ForSQL(port, "mysql", func(host string, port nat.Port) string {
			return fmt.Sprintf("root:secret@tcp(%s:%s)/beacon", host, port.Port())
		}).WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve port: %v", err)
	}

	dsn := fmt.Sprintf("root:secret@tcp(%s:%s)/beacon", host, mappedPort.Port())
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("open db: %v", err)
	}
	return container, db
}
