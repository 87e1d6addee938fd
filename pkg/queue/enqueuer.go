package queue

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/horus-sec/horus-scanner/pkg/etc"
	"github.com/horus-sec/horus-scanner/pkg/job"
	"github.com/horus-sec/horus-scanner/pkg/persistence"
	"github.com/horus-sec/horus-scanner/pkg/report"
)

const scanManifestJobName = "scan_manifest"

type Enqueuer interface {
	Enqueue(ctx context.Context, request report.ScanRequest) (job.ScanJob, error)
}

type enqueuer struct {
	namespace string
	rdb       *redis.Client
	store     persistence.Store
}

type Job struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	Args Args   `json:"args"`
}

type Args struct {
	ScanRequest *report.ScanRequest `json:"scan_request,omitempty"`
}

func NewEnqueuer(config etc.JobQueue, rdb *redis.Client, store persistence.Store) Enqueuer {
	return &enqueuer{
		namespace: config.Namespace,
		rdb:       rdb,
		store:     store,
	}
}

func (e *enqueuer) Enqueue(ctx context.Context, request report.ScanRequest) (job.ScanJob, error) {
	log.Debug("Enqueueing scan job")
	j := Job{
		Name: scanManifestJobName,
		ID:   uuid.NewString(),
		Args: Args{
			ScanRequest: &request,
		},
	}

	scanJob := job.ScanJob{
		ID:     j.ID,
		Status: job.Queued,
	}

	if err := e.store.Create(ctx, scanJob); err != nil {
		return job.ScanJob{}, xerrors.Errorf("creating scan job: %v", err)
	}

	b, err := json.Marshal(j)
	if err != nil {
		return job.ScanJob{}, xerrors.Errorf("marshalling scan request: %v", err)
	}

	if err = e.rdb.Publish(ctx, redisJobChannel(e.namespace), b).Err(); err != nil {
		return job.ScanJob{}, xerrors.Errorf("enqueuing scan manifest job: %v", err)
	}

	log.WithField("scan_job_id", j.ID).Debug("Successfully enqueued scan job")

	return scanJob, nil
}

func redisJobChannel(namespace string) string {
	return namespace + ":jobs:" + scanManifestJobName
}

func redisLockKey(namespace, jobID string) string {
	return redisJobChannel(namespace) + ":lock:" + jobID
}
