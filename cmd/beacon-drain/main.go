// Command beacon-drain delivers the requests persisted in a beacon storage
// backend to the analytics server.
//
// By default it keeps running, draining on every tick interval until it
// receives SIGINT or SIGTERM. With --once it drains a single time and exits
// with status 3 when requests remain queued.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/velmie/beacon"
	"github.com/velmie/beacon/backend"
	"github.com/velmie/beacon/config"
	"github.com/velmie/beacon/prom"
	"github.com/velmie/beacon/zlog"
)

const (
	exitUsage   = 2
	exitPending = 3

	shutdownTimeout = 5 * time.Second
)

var errPending = errors.New("requests remain queued")

func main() {
	var (
		configPath  string
		dsn         string
		metricsAddr string
		logLevel    string
		logPretty   bool
		once        bool
	)

	flags := pflag.NewFlagSet("beacon-drain", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "YAML config file (defaults to $BEACON_CONFIG)")
	flags.StringVar(&dsn, "dsn", "", "storage DSN, overrides the config")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flags.BoolVar(&logPretty, "log-pretty", false, "human readable logs")
	flags.BoolVar(&once, "once", false, "drain once and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	if flags.Changed("dsn") {
		cfg.Storage.DSN = dsn
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-pretty") {
		cfg.Log.Pretty = logPretty
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, once, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, errPending):
		os.Exit(exitPending)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, once bool, logOut io.Writer) error {
	logger, err := zlog.NewWriter(logOut, cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		return err
	}

	store, err := backend.Open(ctx, cfg.Storage.DSN, cfg.BackendOptions()...)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	metrics, handler, err := newMetrics(cfg.AppKey)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	opts := append(cfg.ClientOptions(), beacon.WithLogger(logger), beacon.WithMetrics(metrics))
	client, err := beacon.New(ctx, store, opts...)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	client.OnDeviceIDChange(func(deviceID string) {
		logger.Info("device id change delivered", "device_id", deviceID)
	})

	if once {
		result, err := client.Drain(ctx)
		logger.Info("drain finished",
			"delivered", result.Delivered,
			"discarded", result.Discarded,
			"stop", result.Stop.String(),
			"queued", client.Queue().Size(),
		)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		if client.Queue().Size() > 0 {
			return errPending
		}

		return nil
	}

	logger.Info("draining", "tick_interval", cfg.TickInterval, "queued", client.Queue().Size())
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	logger.Info("stopped", "queued", client.Queue().Size())

	return nil
}

// newMetrics registers the delivery collectors and the runtime collectors on
// a private registry and returns the handler serving it.
func newMetrics(appKey string) (*prom.Metrics, http.Handler, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := prom.New(prom.WithRegisterer(reg), prom.WithConstLabels(prometheus.Labels{"app_key": appKey}))
	if err != nil {
		return nil, nil, err
	}

	return metrics, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), nil
}
