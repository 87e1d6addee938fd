package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/horus-sec/horus-scanner/pkg/cache"
	"github.com/horus-sec/horus-scanner/pkg/etc"
	"github.com/horus-sec/horus-scanner/pkg/http/api"
	v1 "github.com/horus-sec/horus-scanner/pkg/http/api/v1"
	"github.com/horus-sec/horus-scanner/pkg/metrics"
	"github.com/horus-sec/horus-scanner/pkg/notify"
	"github.com/horus-sec/horus-scanner/pkg/osv"
	"github.com/horus-sec/horus-scanner/pkg/persistence/redis"
	"github.com/horus-sec/horus-scanner/pkg/queue"
	"github.com/horus-sec/horus-scanner/pkg/redisx"
	"github.com/horus-sec/horus-scanner/pkg/scan"
)

var (
	// Default wise GoReleaser sets three ldflags:
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.SetOutput(os.Stdout)
	log.SetLevel(etc.GetLogLevel())
	log.SetReportCaller(false)
	log.SetFormatter(&log.JSONFormatter{})

	info := etc.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}

	if err := run(info); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(info etc.BuildInfo) error {
	log.WithFields(log.Fields{
		"version":  info.Version,
		"commit":   info.Commit,
		"built_at": info.Date,
	}).Info("Starting horus-scanner")

	config, err := etc.GetConfig()
	if err != nil {
		return xerrors.Errorf("getting config: %w", err)
	}
	if err = etc.Check(config); err != nil {
		return xerrors.Errorf("checking config: %w", err)
	}

	rdb, err := redisx.NewClient(config.RedisPool)
	if err != nil {
		return xerrors.Errorf("constructing redis client: %w", err)
	}
	defer func() {
		_ = rdb.Close()
	}()

	notifier, err := notify.New(config.Notification)
	if err != nil {
		return xerrors.Errorf("constructing notifier: %w", err)
	}

	clock := &scan.SystemClock{}
	lookup := cache.NewLookup(config.LookupCache, rdb, osv.NewClient(config.OSV, nil))
	scanner := scan.NewScanner(config.Scan, lookup, scan.NewAggregator(clock))

	store := redis.NewStore(config.RedisStore, rdb)
	controller := scan.NewController(store, scanner, notifier)
	enqueuer := queue.NewEnqueuer(config.JobQueue, rdb, store)
	worker := queue.NewWorker(config.JobQueue, rdb, controller)

	ready := func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
	apiHandler := v1.NewAPIHandler(info, enqueuer, store, scanner, notifier, ready, clock)
	apiServer, err := api.NewServer(config.API, apiHandler)
	if err != nil {
		return xerrors.Errorf("new api server: %w", err)
	}

	var metricsServer *metrics.Server
	if config.Metrics.Enabled {
		metricsServer = metrics.NewServer(config.Metrics, prometheus.DefaultGatherer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownComplete := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
		captured := <-sigint
		log.WithField("signal", captured.String()).Debug("Trapped os signal")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		apiServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			metricsServer.Shutdown(shutdownCtx)
		}
		worker.Stop()
		cancel()

		close(shutdownComplete)
	}()

	worker.Start(ctx)
	apiServer.ListenAndServe()
	if metricsServer != nil {
		metricsServer.ListenAndServe()
	}

	<-shutdownComplete
	return nil
}
