package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horus-sec/horus-scanner/pkg/etc"
	"github.com/horus-sec/horus-scanner/pkg/job"
	"github.com/horus-sec/horus-scanner/pkg/report"
	"github.com/horus-sec/horus-scanner/pkg/vuln"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	return mr, NewStore(etc.RedisStore{
		Namespace:  "horus.scanner:data-store",
		ScanJobTTL: time.Hour,
	}, rdb).(*store)
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	mr, s := newTestStore(t)

	require.NoError(t, s.Create(ctx, job.ScanJob{ID: "job-1", Status: job.Queued}))
	assert.True(t, mr.Exists("horus.scanner:data-store:scan-job:job-1"))
	assert.Equal(t, time.Hour, mr.TTL("horus.scanner:data-store:scan-job:job-1"))

	require.NoError(t, s.UpdateStatus(ctx, "job-1", job.Pending))

	result := report.ScanResult{
		Repository:        "acme/api",
		Branch:            "main",
		CommitSHA:         "a1b2c3",
		ScanDate:          time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		DependenciesCount: 1,
		Vulnerabilities: []vuln.Vulnerability{
			{ID: "PYSEC-2023-74", Severity: vuln.SevHigh},
		},
		VulnerabilitiesBySeverity: map[vuln.Severity]int{vuln.SevHigh: 1},
	}
	require.NoError(t, s.UpdateResult(ctx, "job-1", result))
	require.NoError(t, s.UpdateStatus(ctx, "job-1", job.Finished))

	j, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, job.Finished, j.Status)
	assert.Equal(t, &result, j.Result)
	assert.Equal(t, time.Hour, mr.TTL("horus.scanner:data-store:scan-job:job-1"))
}

func TestStore_Expiry(t *testing.T) {
	ctx := context.Background()
	mr, s := newTestStore(t)

	require.NoError(t, s.Create(ctx, job.ScanJob{ID: "job-2", Status: job.Queued}))
	mr.FastForward(61 * time.Minute)

	j, err := s.Get(ctx, "job-2")
	require.NoError(t, err)
	assert.Nil(t, j)

	assert.Error(t, s.UpdateStatus(ctx, "job-2", job.Pending))
}

func TestStore_RejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	_, s := newTestStore(t)

	require.NoError(t, s.Create(ctx, job.ScanJob{ID: "job-3", Status: job.Queued}))
	assert.EqualError(t, s.Create(ctx, job.ScanJob{ID: "job-3"}),
		"creating scan job: duplicate key: horus.scanner:data-store:scan-job:job-3")
}

func TestStore_ConnectionError(t *testing.T) {
	mr, s := newTestStore(t)
	mr.Close()

	_, err := s.Get(context.Background(), "job-4")
	assert.Error(t, err)
}
