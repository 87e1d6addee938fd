package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horus-sec/horus-scanner/pkg/dependency"
	"github.com/horus-sec/horus-scanner/pkg/job"
	"github.com/horus-sec/horus-scanner/pkg/persistence"
	"github.com/horus-sec/horus-scanner/pkg/report"
	"github.com/horus-sec/horus-scanner/pkg/vuln"
)

// TestStoreInterface is a generic test that is intended to be called by the implementations of the Store interface
func TestStoreInterface(t *testing.T, store persistence.Store, scanDate time.Time) {
	t.Run("CRUD", func(t *testing.T) {
		ctx := context.Background()
		scanJobID := "123"

		err := store.Create(ctx, job.ScanJob{
			ID:     scanJobID,
			Status: job.Queued,
		})
		require.NoError(t, err, "saving scan job should not fail")

		j, err := store.Get(ctx, scanJobID)
		require.NoError(t, err, "getting scan job should not fail")
		assert.Equal(t, &job.ScanJob{
			ID:     scanJobID,
			Status: job.Queued,
		}, j)

		err = store.UpdateStatus(ctx, scanJobID, job.Pending)
		require.NoError(t, err, "updating scan job status should not fail")

		j, err = store.Get(ctx, scanJobID)
		require.NoError(t, err, "getting scan job should not fail")
		assert.Equal(t, &job.ScanJob{
			ID:     scanJobID,
			Status: job.Pending,
		}, j)

		result := report.ScanResult{
			Repository:        "acme/web",
			Branch:            "main",
			CommitSHA:         "8d3c1f0",
			ScanDate:          scanDate,
			FileTypes:         []dependency.FileType{dependency.RequirementsTxt},
			DependenciesCount: 3,
			Vulnerabilities: []vuln.Vulnerability{
				{
					ID:       "GHSA-j8r2-6x86-q33q",
					Summary:  "Unintended leak of Proxy-Authorization header in requests",
					Severity: vuln.SevMedium,
					Affected: []vuln.AffectedPackage{
						{Name: "requests", Ecosystem: "PyPI", AffectedVersions: []string{">=2.3.0, <2.31.0"}, FixedVersions: []string{"2.31.0"}},
					},
					References: []vuln.Reference{{Type: "ADVISORY", URL: "https://nvd.nist.gov/vuln/detail/CVE-2023-32681"}},
				},
			},
			VulnerabilitiesBySeverity: map[vuln.Severity]int{
				vuln.SevUnknown: 0, vuln.SevLow: 0, vuln.SevMedium: 1, vuln.SevHigh: 0, vuln.SevCritical: 0,
			},
		}

		err = store.UpdateResult(ctx, scanJobID, result)
		require.NoError(t, err, "updating scan job result should not fail")

		j, err = store.Get(ctx, scanJobID)
		require.NoError(t, err, "retrieving scan job should not fail")
		require.NotNil(t, j, "retrieved scan job must not be nil")
		assert.Equal(t, &result, j.Result)

		err = store.UpdateStatus(ctx, scanJobID, job.Failed, "lookup service unavailable")
		require.NoError(t, err)

		j, err = store.Get(ctx, scanJobID)
		require.NoError(t, err)
		assert.Equal(t, job.Failed, j.Status)
		assert.Equal(t, "lookup service unavailable", j.Error)
	})

	t.Run("Should return nil for unknown scan job", func(t *testing.T) {
		j, err := store.Get(context.Background(), "unknown")
		require.NoError(t, err)
		assert.Nil(t, j)
	})

	t.Run("Should fail to update unknown scan job", func(t *testing.T) {
		err := store.UpdateStatus(context.Background(), "unknown", job.Pending)
		assert.Error(t, err)
	})

	t.Run("Should fail to create duplicate scan job", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, job.ScanJob{ID: "dup", Status: job.Queued}))
		assert.Error(t, store.Create(ctx, job.ScanJob{ID: "dup", Status: job.Queued}))
	})
}
