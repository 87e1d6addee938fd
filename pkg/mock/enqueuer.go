package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/horus-sec/horus-scanner/pkg/job"
	"github.com/horus-sec/horus-scanner/pkg/report"
)

type Enqueuer struct {
	mock.Mock
}

func NewEnqueuer() *Enqueuer {
	return &Enqueuer{}
}

func (em *Enqueuer) Enqueue(ctx context.Context, request report.ScanRequest) (job.ScanJob, error) {
	args := em.Called(ctx, request)
	return args.Get(0).(job.ScanJob), args.Error(1)
}
