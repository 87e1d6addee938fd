package scan

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/horus-sec/horus-scanner/pkg/dependency"
	"github.com/horus-sec/horus-scanner/pkg/report"
	"github.com/horus-sec/horus-scanner/pkg/vuln"
)

// Clock wraps the Now method. Introduced to allow replacing the global state with fixed clocks to facilitate testing.
// Now returns the current time.
type Clock interface {
	Now() time.Time
}

type SystemClock struct {
}

func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// Target identifies what was scanned.
type Target struct {
	Repository        string
	Branch            string
	CommitSHA         string
	FileTypes         []dependency.FileType
	SkippedFiles      []string
	DependenciesCount int
}

// Outcome is the final result of looking up one dependency, after retries.
type Outcome struct {
	Dependency      dependency.Package
	Vulnerabilities []vuln.Vulnerability
	Err             error
}

// Aggregator wraps the Aggregate method.
// Aggregate merges per-dependency lookup outcomes into a scan result.
type Aggregator interface {
	Aggregate(target Target, outcomes []Outcome) report.ScanResult
}

type aggregator struct {
	clock Clock
}

// NewAggregator constructs an Aggregator with the given Clock.
func NewAggregator(clock Clock) Aggregator {
	return &aggregator{
		clock: clock,
	}
}

func (a *aggregator) Aggregate(target Target, outcomes []Outcome) report.ScanResult {
	var failed []report.FailedLookup
	vulnerabilities := make([]vuln.Vulnerability, 0)
	byID := make(map[string]int)

	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, report.FailedLookup{
				Dependency: o.Dependency,
				Error:      o.Err.Error(),
			})
			continue
		}
		for _, v := range o.Vulnerabilities {
			if v.ID == "" {
				log.WithField("dependency", o.Dependency.String()).Warn("Ignoring vulnerability without ID")
				continue
			}
			if i, ok := byID[v.ID]; ok {
				vulnerabilities[i] = vulnerabilities[i].Merge(v)
				continue
			}
			byID[v.ID] = len(vulnerabilities)
			vulnerabilities = append(vulnerabilities, v)
		}
	}

	sort.SliceStable(vulnerabilities, func(i, j int) bool {
		if vulnerabilities[i].Severity != vulnerabilities[j].Severity {
			return vulnerabilities[i].Severity > vulnerabilities[j].Severity
		}
		return vulnerabilities[i].ID < vulnerabilities[j].ID
	})

	return report.ScanResult{
		Repository:                target.Repository,
		Branch:                    target.Branch,
		CommitSHA:                 target.CommitSHA,
		ScanDate:                  a.clock.Now().UTC(),
		FileTypes:                 target.FileTypes,
		DependenciesCount:         target.DependenciesCount,
		Vulnerabilities:           vulnerabilities,
		VulnerabilitiesBySeverity: countBySeverity(vulnerabilities),
		FailedLookups:             failed,
		SkippedFiles:              target.SkippedFiles,
	}
}

func countBySeverity(vulnerabilities []vuln.Vulnerability) map[vuln.Severity]int {
	counts := make(map[vuln.Severity]int, len(vuln.Severities()))
	for _, s := range vuln.Severities() {
		counts[s] = 0
	}
	for _, v := range vulnerabilities {
		counts[v.Severity]++
	}
	return counts
}
