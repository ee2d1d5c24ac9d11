// Command beacon-inspect prints the persisted device identity and the queued
// requests of a beacon storage backend without sending anything.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/velmie/beacon"
	"github.com/velmie/beacon/backend"
	"github.com/velmie/beacon/config"
)

const exitUsage = 2

type report struct {
	Identity *identityReport `json:"identity"`
	Queue    []queueEntry    `json:"queue"`
}

type identityReport struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	SchemaVersion int    `json:"schema_version"`
	Temporary     bool   `json:"temporary"`
}

type queueEntry struct {
	Index       int    `json:"index"`
	Kind        string `json:"kind"`
	DeviceID    string `json:"device_id,omitempty"`
	OverrideID  string `json:"override_id,omitempty"`
	OldDeviceID string `json:"old_device_id,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Raw         string `json:"raw,omitempty"`
	Error       string `json:"error,omitempty"`
}

type options struct {
	configPath string
	dsn        string
	table      string
	format     string
	raw        bool
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("beacon-inspect", pflag.ContinueOnError)
	flags.StringVar(&opts.configPath, "config", "", "YAML config file (defaults to $BEACON_CONFIG)")
	flags.StringVar(&opts.dsn, "dsn", "", "storage DSN, overrides the config, e.g. file:///var/lib/beacon")
	flags.StringVar(&opts.table, "table", "", "SQL table name")
	flags.StringVarP(&opts.format, "format", "f", "text", "output format: text or json")
	flags.BoolVar(&opts.raw, "raw", false, "include the raw stored request")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	if opts.format != "text" && opts.format != "json" {
		fmt.Fprintf(os.Stderr, "unknown format %q\n", opts.format)
		os.Exit(exitUsage)
	}

	if err := run(context.Background(), opts, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	dsn := opts.dsn
	var backendOpts []backend.Option
	if dsn == "" {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		dsn = cfg.Storage.DSN
		backendOpts = cfg.BackendOptions()
	}
	if opts.table != "" {
		backendOpts = append(backendOpts, backend.WithTable(opts.table))
	}

	store, err := backend.Open(ctx, dsn, backendOpts...)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	rep, err := inspect(ctx, store, opts.raw)
	if err != nil {
		return err
	}
	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(rep)
	}

	return writeText(out, rep)
}

// inspect reads state without migrating or trimming it.
func inspect(ctx context.Context, storage beacon.Storage, raw bool) (report, error) {
	var rep report

	identities, err := beacon.OpenIdentityStore(ctx, storage)
	if err != nil {
		return rep, fmt.Errorf("read identity: %w", err)
	}
	if identity, ok := identities.Current(); ok {
		rep.Identity = &identityReport{
			ID:            identity.ID,
			Type:          identity.Type.String(),
			SchemaVersion: identity.SchemaVersion,
			Temporary:     identity.IsTemporary(),
		}
	}

	queue, err := beacon.OpenQueue(ctx, storage, beacon.WithQueueCapacity(math.MaxInt))
	if err != nil {
		return rep, fmt.Errorf("read queue: %w", err)
	}
	for i, stored := range queue.Snapshot() {
		rep.Queue = append(rep.Queue, describe(i, stored, raw))
	}

	return rep, nil
}

func describe(index int, stored string, raw bool) queueEntry {
	entry := queueEntry{Index: index}
	if raw {
		entry.Raw = stored
	}

	req, err := beacon.ParseRequest(stored)
	if err != nil {
		entry.Kind = "unparseable"
		entry.Error = err.Error()

		return entry
	}
	entry.DeviceID, _ = req.Tag(beacon.TagDeviceID)
	entry.OverrideID, _ = req.Tag(beacon.TagOverrideID)
	entry.OldDeviceID, _ = req.Tag(beacon.TagOldDeviceID)
	entry.Endpoint, _ = req.Field(beacon.KeyEndpoint)
	entry.Kind = kindOf(req)

	return entry
}

// kindOf names a request after the first field that identifies its API call.
func kindOf(req beacon.Request) string {
	for _, key := range []string{
		"begin_session", "end_session", "session_duration", "events",
		"user_details", "location", "campaign_id",
	} {
		if _, ok := req.Field(key); ok {
			return key
		}
	}
	if _, ok := req.Tag(beacon.TagOldDeviceID); ok {
		return "device_id_change"
	}

	return "other"
}

func writeText(out io.Writer, rep report) error {
	if rep.Identity == nil {
		fmt.Fprintln(out, "identity: none")
	} else {
		fmt.Fprintf(out, "identity: %s (%s, schema %d", rep.Identity.ID, rep.Identity.Type, rep.Identity.SchemaVersion)
		if rep.Identity.Temporary {
			fmt.Fprint(out, ", delivery paused")
		}
		fmt.Fprintln(out, ")")
	}
	fmt.Fprintf(out, "queued: %d\n", len(rep.Queue))
	if len(rep.Queue) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tKIND\tDEVICE_ID\tOVERRIDE_ID\tOLD_DEVICE_ID\tENDPOINT")
	for _, entry := range rep.Queue {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			entry.Index, entry.Kind, dash(entry.DeviceID), dash(entry.OverrideID), dash(entry.OldDeviceID), dash(entry.Endpoint))
		if entry.Raw != "" {
			fmt.Fprintf(tw, "\t%s\n", entry.Raw)
		}
	}

	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}
