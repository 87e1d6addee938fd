package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/horus-sec/horus-scanner/pkg/etc"
	"github.com/horus-sec/horus-scanner/pkg/scan"
)

const jobLockTTL = 5 * time.Minute

type Worker interface {
	Start(ctx context.Context)
	Stop()
}

type worker struct {
	namespace   string
	concurrency int

	rdb    *redis.Client
	pubsub *redis.PubSub
	wg     sync.WaitGroup

	controller scan.Controller
}

func NewWorker(config etc.JobQueue, rdb *redis.Client, controller scan.Controller) Worker {
	concurrency := config.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &worker{
		namespace:   config.Namespace,
		concurrency: concurrency,

		rdb: rdb,

		controller: controller,
	}
}

// Start subscribes to the job channel and returns once the subscription is
// confirmed, so that jobs published afterwards are not missed.
func (w *worker) Start(ctx context.Context) {
	w.pubsub = w.rdb.Subscribe(ctx, redisJobChannel(w.namespace))
	if _, err := w.pubsub.Receive(ctx); err != nil {
		log.WithError(err).Error("Subscribing to job channel failed")
	}
	ch := w.pubsub.Channel()

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.subscribe(ctx, ch)
		}()
	}
}

// Stop closes the subscription and waits for jobs in progress to finish.
func (w *worker) Stop() {
	log.Debug("Job queue shutdown started")
	if w.pubsub != nil {
		_ = w.pubsub.Close()
	}
	w.wg.Wait()
	log.Debug("Job queue shutdown completed")
}

func (w *worker) subscribe(ctx context.Context, ch <-chan *redis.Message) {
	for msg := range ch {
		chLog := log.WithField("channel", msg.Channel)
		chLog.Trace("Message received")

		if err := w.scanManifest(ctx, msg); err != nil {
			chLog.WithError(err).Error("Failed to scan manifest")
		}
	}
}

func (w *worker) scanManifest(ctx context.Context, msg *redis.Message) error {
	var j Job
	if err := json.Unmarshal([]byte(msg.Payload), &j); err != nil {
		return xerrors.Errorf("unmarshalling scan job: %w", err)
	}
	if j.Args.ScanRequest == nil {
		return xerrors.Errorf("scan job %s has no scan request", j.ID)
	}

	// Lock the job so that other workers won't process it.
	nx, err := w.rdb.SetNX(ctx, redisLockKey(w.namespace, j.ID), "", jobLockTTL).Result()
	if err != nil {
		return xerrors.Errorf("redis lock: %w", err)
	} else if !nx {
		log.WithField("scan_job_id", j.ID).Debug("Skip the locked job")
		return nil
	}

	log.WithField("scan_job_id", j.ID).Debug("Executing enqueued scan job")
	return w.controller.Scan(ctx, j.ID, *j.Args.ScanRequest)
}
