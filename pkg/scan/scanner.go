package scan

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/horus-sec/horus-scanner/pkg/dependency"
	"github.com/horus-sec/horus-scanner/pkg/etc"
	"github.com/horus-sec/horus-scanner/pkg/metrics"
	"github.com/horus-sec/horus-scanner/pkg/parser"
	"github.com/horus-sec/horus-scanner/pkg/report"
	"github.com/horus-sec/horus-scanner/pkg/vuln"
)

// ErrCancelled is returned when a scan is abandoned because its context was
// cancelled or the scan deadline passed. No partial result is returned.
var ErrCancelled = errors.New("scan cancelled")

// Scanner parses manifests and resolves their dependencies against a
// vulnerability source.
type Scanner interface {
	Scan(ctx context.Context, req report.ScanRequest) (report.ScanResult, error)
	ScanRepository(ctx context.Context, req report.RepositoryScanRequest) (report.ScanResult, error)
}

type scanner struct {
	config     etc.Scan
	lookup     vuln.Lookup
	aggregator Aggregator
}

func NewScanner(config etc.Scan, lookup vuln.Lookup, aggregator Aggregator) Scanner {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &scanner{
		config:     config,
		lookup:     lookup,
		aggregator: aggregator,
	}
}

func (s *scanner) Scan(ctx context.Context, req report.ScanRequest) (report.ScanResult, error) {
	content, err := parseManifest(req.FileType, req.FileContent)
	if err != nil {
		metrics.ScansTotal.WithLabelValues(metrics.ScanStatusFailed).Inc()
		return report.ScanResult{}, err
	}

	return s.run(ctx, Target{
		Repository: req.Repository,
		Branch:     req.Branch,
		CommitSHA:  req.CommitSHA,
		FileTypes:  []dependency.FileType{content.FileType},
	}, content.Dependencies)
}

// ScanRepository scans every manifest of a commit as one unit. Manifests of a
// recognized type that has no parser are reported in SkippedFiles; any other
// parse failure aborts the scan.
func (s *scanner) ScanRepository(ctx context.Context, req report.RepositoryScanRequest) (report.ScanResult, error) {
	var deps []dependency.Package
	var fileTypes []dependency.FileType
	var skipped []string

	for _, f := range req.Files {
		fileType := f.FileType
		if fileType == "" {
			detected, ok := dependency.FileTypeForPath(f.Path)
			if !ok {
				metrics.ScansTotal.WithLabelValues(metrics.ScanStatusFailed).Inc()
				return report.ScanResult{}, xerrors.Errorf("file %s: %w", f.Path, parser.ErrUnsupportedFileType)
			}
			fileType = detected.String()
		}

		content, err := parseManifest(fileType, f.Content)
		if errors.Is(err, parser.ErrNoParserAvailable) {
			log.WithFields(log.Fields{
				"path":      f.Path,
				"file_type": fileType,
			}).Info("Skipping manifest without parser")
			skipped = append(skipped, f.Path)
			continue
		}
		if err != nil {
			metrics.ScansTotal.WithLabelValues(metrics.ScanStatusFailed).Inc()
			return report.ScanResult{}, xerrors.Errorf("parsing %s: %w", f.Path, err)
		}

		deps = append(deps, content.Dependencies...)
		fileTypes = append(fileTypes, content.FileType)
	}

	return s.run(ctx, Target{
		Repository:   req.Repository,
		Branch:       req.Branch,
		CommitSHA:    req.CommitSHA,
		FileTypes:    lo.Uniq(fileTypes),
		SkippedFiles: skipped,
	}, deps)
}

func parseManifest(fileType, content string) (dependency.FileContent, error) {
	p, err := parser.New(fileType, content)
	if err != nil {
		return dependency.FileContent{}, err
	}
	return p.Parse()
}

func (s *scanner) run(ctx context.Context, target Target, deps []dependency.Package) (report.ScanResult, error) {
	started := time.Now()

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	unique := lo.UniqBy(deps, func(dep dependency.Package) dependency.Key {
		return dep.Key()
	})

	scanLog := log.WithFields(log.Fields{
		"repository":   target.Repository,
		"branch":       target.Branch,
		"commit_sha":   target.CommitSHA,
		"dependencies": len(unique),
	})
	scanLog.Debug("Looking up dependencies")

	outcomes := make([]Outcome, len(unique))

	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for i, dep := range unique {
		if ctx.Err() != nil {
			break
		}
		i, dep := i, dep
		g.Go(func() error {
			outcomes[i] = s.lookupWithRetry(ctx, dep)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		scanLog.WithError(err).Warn("Scan cancelled")
		metrics.ScansTotal.WithLabelValues(metrics.ScanStatusCancelled).Inc()
		return report.ScanResult{}, xerrors.Errorf("%v: %w", err, ErrCancelled)
	}

	target.DependenciesCount = len(unique)
	result := s.aggregator.Aggregate(target, outcomes)

	metrics.ScansTotal.WithLabelValues(metrics.ScanStatusSucceeded).Inc()
	metrics.ScanDuration.Observe(time.Since(started).Seconds())
	for _, v := range result.Vulnerabilities {
		metrics.VulnerabilitiesFoundTotal.WithLabelValues(v.Severity.String()).Inc()
	}

	scanLog.WithFields(log.Fields{
		"vulnerabilities": result.VulnerabilitiesCount(),
		"failed_lookups":  result.FailedLookupCount(),
	}).Info("Scan completed")

	return result, nil
}

func (s *scanner) lookupWithRetry(ctx context.Context, dep dependency.Package) Outcome {
	depLog := log.WithField("dependency", dep.String())

	var vulnerabilities []vuln.Vulnerability
	operation := func() error {
		result, err := s.lookupOnce(ctx, dep)
		if err == nil {
			vulnerabilities = result
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if vuln.IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		metrics.DependencyLookupsTotal.WithLabelValues(metrics.LookupOutcomeRetry).Inc()
		depLog.WithError(err).WithField("retry_in", wait.String()).Debug("Retrying dependency lookup")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.config.MaxRetries)), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctx.Err() == nil {
			metrics.DependencyLookupsTotal.WithLabelValues(metrics.LookupOutcomeFailed).Inc()
			depLog.WithError(err).Warn("Dependency lookup failed")
		}
		return Outcome{Dependency: dep, Err: err}
	}

	metrics.DependencyLookupsTotal.WithLabelValues(metrics.LookupOutcomeSuccess).Inc()
	return Outcome{Dependency: dep, Vulnerabilities: vulnerabilities}
}

// lookupOnce runs a single attempt under the per-lookup timeout. Running out of
// time is reported as a transient error.
func (s *scanner) lookupOnce(ctx context.Context, dep dependency.Package) ([]vuln.Vulnerability, error) {
	var lookupCtx context.Context
	var cancel context.CancelFunc
	if s.config.LookupTimeout > 0 {
		lookupCtx, cancel = context.WithTimeout(ctx, s.config.LookupTimeout)
	} else {
		lookupCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	result, err := s.lookup.Lookup(lookupCtx, dep)
	if err != nil && ctx.Err() == nil && lookupCtx.Err() != nil && !vuln.IsFatal(err) && !vuln.IsTransient(err) {
		return nil, vuln.NewTransientError(xerrors.Errorf("lookup timed out after %s: %w", s.config.LookupTimeout, err))
	}
	return result, err
}

func (s *scanner) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.InitialBackoff
	b.MaxInterval = s.config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
