package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/horus-sec/horus-scanner/pkg/etc"
	"github.com/horus-sec/horus-scanner/pkg/job"
	"github.com/horus-sec/horus-scanner/pkg/persistence"
	"github.com/horus-sec/horus-scanner/pkg/report"
)

type store struct {
	cfg etc.RedisStore
	rdb *redis.Client
}

func NewStore(cfg etc.RedisStore, rdb *redis.Client) persistence.Store {
	return &store{
		cfg: cfg,
		rdb: rdb,
	}
}

func (s *store) Create(ctx context.Context, scanJob job.ScanJob) error {
	bytes, err := json.Marshal(scanJob)
	if err != nil {
		return xerrors.Errorf("marshalling scan job: %w", err)
	}

	key := s.getKeyForScanJob(scanJob.ID)

	log.WithFields(log.Fields{
		"scan_job_id":     scanJob.ID,
		"scan_job_status": scanJob.Status.String(),
		"redis_key":       key,
		"expire":          s.cfg.ScanJobTTL.Seconds(),
	}).Debug("Saving scan job")

	created, err := s.rdb.SetNX(ctx, key, bytes, s.cfg.ScanJobTTL).Result()
	if err != nil {
		return xerrors.Errorf("creating scan job: %w", err)
	}
	if !created {
		return xerrors.Errorf("creating scan job: duplicate key: %s", key)
	}

	return nil
}

func (s *store) update(ctx context.Context, scanJob job.ScanJob) error {
	bytes, err := json.Marshal(scanJob)
	if err != nil {
		return xerrors.Errorf("marshalling scan job: %w", err)
	}

	key := s.getKeyForScanJob(scanJob.ID)

	log.WithFields(log.Fields{
		"scan_job_id":     scanJob.ID,
		"scan_job_status": scanJob.Status.String(),
		"redis_key":       key,
		"expire":          s.cfg.ScanJobTTL.Seconds(),
	}).Debug("Updating scan job")

	updated, err := s.rdb.SetXX(ctx, key, bytes, s.cfg.ScanJobTTL).Result()
	if err != nil {
		return xerrors.Errorf("updating scan job: %w", err)
	}
	if !updated {
		return xerrors.Errorf("updating scan job: key does not exist: %s", key)
	}

	return nil
}

func (s *store) Get(ctx context.Context, scanJobID string) (*job.ScanJob, error) {
	key := s.getKeyForScanJob(scanJobID)
	value, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, xerrors.Errorf("getting scan job: %w", err)
	}

	var scanJob job.ScanJob
	if err = json.Unmarshal(value, &scanJob); err != nil {
		return nil, xerrors.Errorf("unmarshalling scan job: %w", err)
	}

	return &scanJob, nil
}

func (s *store) UpdateStatus(ctx context.Context, scanJobID string, newStatus job.ScanJobStatus, error ...string) error {
	log.WithFields(log.Fields{
		"scan_job_id": scanJobID,
		"new_status":  newStatus.String(),
	}).Debug("Updating status for scan job")

	scanJob, err := s.Get(ctx, scanJobID)
	if err != nil {
		return err
	}
	if scanJob == nil {
		return xerrors.Errorf("cannot find scan job: %s", scanJobID)
	}

	scanJob.Status = newStatus
	if len(error) > 0 {
		scanJob.Error = error[0]
	}

	return s.update(ctx, *scanJob)
}

func (s *store) UpdateResult(ctx context.Context, scanJobID string, result report.ScanResult) error {
	log.WithFields(log.Fields{
		"scan_job_id": scanJobID,
	}).Debug("Updating result for scan job")

	scanJob, err := s.Get(ctx, scanJobID)
	if err != nil {
		return err
	}
	if scanJob == nil {
		return xerrors.Errorf("cannot find scan job: %s", scanJobID)
	}

	scanJob.Result = &result
	return s.update(ctx, *scanJob)
}

func (s *store) getKeyForScanJob(scanJobID string) string {
	return fmt.Sprintf("%s:scan-job:%s", s.cfg.Namespace, scanJobID)
}
