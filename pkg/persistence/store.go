package persistence

import (
	"context"

	"github.com/horus-sec/horus-scanner/pkg/job"
	"github.com/horus-sec/horus-scanner/pkg/report"
)

// Store keeps scan jobs and their results. Get returns nil without an error
// for an unknown or expired job.
type Store interface {
	Create(ctx context.Context, scanJob job.ScanJob) error
	Get(ctx context.Context, scanJobID string) (*job.ScanJob, error)
	UpdateStatus(ctx context.Context, scanJobID string, newStatus job.ScanJobStatus, error ...string) error
	UpdateResult(ctx context.Context, scanJobID string, result report.ScanResult) error
}
