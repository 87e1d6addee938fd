package scan

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/horus-sec/horus-scanner/pkg/job"
	"github.com/horus-sec/horus-scanner/pkg/notify"
	"github.com/horus-sec/horus-scanner/pkg/persistence"
	"github.com/horus-sec/horus-scanner/pkg/report"
)

// Controller runs an enqueued scan job and records its progress in the store.
type Controller interface {
	Scan(ctx context.Context, scanJobID string, request report.ScanRequest) error
}

type controller struct {
	store    persistence.Store
	scanner  Scanner
	notifier notify.Notifier
}

// NewController constructs a Controller. The notifier may be nil.
func NewController(store persistence.Store, scanner Scanner, notifier notify.Notifier) Controller {
	return &controller{
		store:    store,
		scanner:  scanner,
		notifier: notifier,
	}
}

func (c *controller) Scan(ctx context.Context, scanJobID string, request report.ScanRequest) error {
	if err := c.scan(ctx, scanJobID, request); err != nil {
		log.WithField("scan_job_id", scanJobID).WithError(err).Error("Scan failed")
		if err = c.store.UpdateStatus(ctx, scanJobID, job.Failed, err.Error()); err != nil {
			return xerrors.Errorf("updating scan job as failed: %v", err)
		}
	}
	return nil
}

func (c *controller) scan(ctx context.Context, scanJobID string, req report.ScanRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panicked: %v", r)
		}
	}()

	err = c.store.UpdateStatus(ctx, scanJobID, job.Pending)
	if err != nil {
		return xerrors.Errorf("updating scan job status: %v", err)
	}

	result, err := c.scanner.Scan(ctx, req)
	if err != nil {
		return xerrors.Errorf("running scanner: %w", err)
	}

	if err = c.store.UpdateResult(ctx, scanJobID, result); err != nil {
		return xerrors.Errorf("saving scan result: %v", err)
	}

	if err = c.store.UpdateStatus(ctx, scanJobID, job.Finished); err != nil {
		return xerrors.Errorf("updating scan job status: %v", err)
	}

	if c.notifier != nil && result.HasVulnerabilities() {
		if nerr := c.notifier.Notify(ctx, result); nerr != nil {
			log.WithField("scan_job_id", scanJobID).WithError(nerr).Warn("Sending notification failed")
		}
	}

	return
}
