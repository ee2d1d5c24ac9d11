//go:build integration

package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/velmie/beacon"
	"github.com/velmie/beacon/cmd/internal/testutil"
	"github.com/velmie/beacon/mysql"
)

func TestInspectCLIContainer(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQLContainer(t, ctx)

	store, err := mysql.NewStore(ctx, env.DB, mysql.WithCreateSchema())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	offline := beacon.TransportFunc(func(context.Context, beacon.Envelope) (beacon.Response, error) {
		return beacon.Response{StatusCode: 503}, nil
	})
	client, err := beacon.New(ctx, store,
		beacon.WithAppKey("app"),
		beacon.WithDeviceID("container-device"),
		beacon.WithTransport(offline),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetLocation(ctx, beacon.Location{Latitude: 1, Longitude: 2})

	bin := testutil.BuildBinary(t, ".")
	args := []string{"--dsn", "mysql://" + env.DSN, "--format", "json"}
	code, logs := testutil.RunCLIContainer(t, ctx, env.Network.Name, bin, args, nil)
	if code != 0 {
		t.Fatalf("inspect exit code %d logs: %s", code, logs)
	}

	start := strings.Index(logs, "{")
	if start < 0 {
		t.Fatalf("no json in output: %s", logs)
	}
	var rep report
	if err := json.NewDecoder(strings.NewReader(logs[start:])).Decode(&rep); err != nil {
		t.Fatalf("decode report: %v\n%s", err, logs)
	}
	if rep.Identity == nil || rep.Identity.ID != "container-device" {
		t.Fatalf("identity = %+v", rep.Identity)
	}
	if len(rep.Queue) != 1 || rep.Queue[0].Kind != "location" {
		t.Fatalf("queue = %+v", rep.Queue)
	}
}
