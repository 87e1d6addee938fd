package report

import (
	"time"

	"github.com/horus-sec/horus-scanner/pkg/dependency"
	"github.com/horus-sec/horus-scanner/pkg/vuln"
)

// ScanRequest carries a single manifest to scan together with the repository
// coordinates it was read from.
type ScanRequest struct {
	Repository  string `json:"repository"`
	Branch      string `json:"branch"`
	CommitSHA   string `json:"commit_sha"`
	FileType    string `json:"file_type"`
	FileContent string `json:"file_content"`
}

// ManifestFile is one manifest fetched from a repository. FileType may be
// left empty, in which case it is derived from Path.
type ManifestFile struct {
	Path     string `json:"path"`
	FileType string `json:"file_type,omitempty"`
	Content  string `json:"content"`
}

// RepositoryScanRequest scans all manifests of one commit as a whole.
type RepositoryScanRequest struct {
	Repository string         `json:"repository"`
	Branch     string         `json:"branch"`
	CommitSHA  string         `json:"commit_sha"`
	Files      []ManifestFile `json:"files"`
}

type FailedLookup struct {
	Dependency dependency.Package `json:"dependency"`
	Error      string             `json:"error"`
}

// ScanResult is the outcome of a scan. It is built once and not modified
// afterwards.
type ScanResult struct {
	Repository                string                `json:"repository"`
	Branch                    string                `json:"branch"`
	CommitSHA                 string                `json:"commit_sha"`
	ScanDate                  time.Time             `json:"scan_date"`
	FileTypes                 []dependency.FileType `json:"file_types"`
	DependenciesCount         int                   `json:"dependencies_count"`
	Vulnerabilities           []vuln.Vulnerability  `json:"vulnerabilities"`
	VulnerabilitiesBySeverity map[vuln.Severity]int `json:"vulnerabilities_by_severity"`
	FailedLookups             []FailedLookup        `json:"failed_lookups,omitempty"`
	SkippedFiles              []string              `json:"skipped_files,omitempty"`
}

func (r ScanResult) HasVulnerabilities() bool {
	return len(r.Vulnerabilities) > 0
}

func (r ScanResult) VulnerabilitiesCount() int {
	return len(r.Vulnerabilities)
}

func (r ScanResult) FailedLookupCount() int {
	return len(r.FailedLookups)
}

// HighestSeverity returns SevUnknown for a result without vulnerabilities.
func (r ScanResult) HighestSeverity() vuln.Severity {
	highest := vuln.SevUnknown
	for _, v := range r.Vulnerabilities {
		if v.Severity > highest {
			highest = v.Severity
		}
	}
	return highest
}
