package vuln

import (
	"strings"

	"github.com/samber/lo"
	"golang.org/x/xerrors"
)

// Severity is the ordered severity tier of a vulnerability.
type Severity int

const (
	SevUnknown Severity = iota
	SevLow
	SevMedium
	SevHigh
	SevCritical
)

var severityToString = map[Severity]string{
	SevUnknown:  "UNKNOWN",
	SevLow:      "LOW",
	SevMedium:   "MEDIUM",
	SevHigh:     "HIGH",
	SevCritical: "CRITICAL",
}

var stringToSeverity = map[string]Severity{
	"UNKNOWN":  SevUnknown,
	"LOW":      SevLow,
	"MEDIUM":   SevMedium,
	"MODERATE": SevMedium,
	"HIGH":     SevHigh,
	"CRITICAL": SevCritical,
}

// Severities lists every tier from lowest to highest.
func Severities() []Severity {
	return []Severity{SevUnknown, SevLow, SevMedium, SevHigh, SevCritical}
}

func (s Severity) String() string {
	if v, ok := severityToString[s]; ok {
		return v
	}
	return severityToString[SevUnknown]
}

// ParseSeverity is case insensitive and accepts the GHSA spelling MODERATE.
func ParseSeverity(s string) (Severity, bool) {
	sev, ok := stringToSeverity[strings.ToUpper(strings.TrimSpace(s))]
	return sev, ok
}

// MarshalText makes Severity usable both as a JSON value and as a JSON map key.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	sev, ok := ParseSeverity(string(b))
	if !ok {
		return xerrors.Errorf("unrecognized severity: %q", string(b))
	}
	*s = sev
	return nil
}

type Reference struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// AffectedPackage describes which releases of a package a vulnerability
// applies to.
type AffectedPackage struct {
	Name             string   `json:"name"`
	Ecosystem        string   `json:"ecosystem"`
	AffectedVersions []string `json:"affected_versions"`
	FixedVersions    []string `json:"fixed_versions"`
}

func (p AffectedPackage) key() string {
	return p.Ecosystem + "\x00" + p.Name + "\x00" +
		strings.Join(p.AffectedVersions, "\x01") + "\x00" +
		strings.Join(p.FixedVersions, "\x01")
}

type Vulnerability struct {
	ID         string            `json:"id"`
	Summary    string            `json:"summary"`
	Severity   Severity          `json:"severity"`
	Aliases    []string          `json:"aliases,omitempty"`
	Affected   []AffectedPackage `json:"affected_packages"`
	References []Reference       `json:"references"`
}

// Merge returns v with the affected packages and references of other
// appended, skipping entries v already holds. Both must share the same ID.
func (v Vulnerability) Merge(other Vulnerability) Vulnerability {
	merged := v
	merged.Affected = lo.UniqBy(append(append([]AffectedPackage(nil), v.Affected...), other.Affected...), AffectedPackage.key)
	merged.References = lo.Uniq(append(append([]Reference(nil), v.References...), other.References...))
	merged.Aliases = lo.Uniq(append(append([]string(nil), v.Aliases...), other.Aliases...))

	if merged.Summary == "" {
		merged.Summary = other.Summary
	}
	if other.Severity > merged.Severity {
		merged.Severity = other.Severity
	}
	return merged
}
