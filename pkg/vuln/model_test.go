package vuln

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestSeverity_MarshalText(t *testing.T) {
	counts := map[Severity]int{SevHigh: 2, SevUnknown: 1}

	b, err := json.Marshal(counts)
	require.NoError(t, err)
	assert.JSONEq(t, `{"HIGH":2,"UNKNOWN":1}`, string(b))

	var decoded map[Severity]int
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, counts, decoded)
}

func TestParseSeverity(t *testing.T) {
	testCases := []struct {
		input    string
		expected Severity
		ok       bool
	}{
		{input: "CRITICAL", expected: SevCritical, ok: true},
		{input: "high", expected: SevHigh, ok: true},
		{input: "MODERATE", expected: SevMedium, ok: true},
		{input: " low ", expected: SevLow, ok: true},
		{input: "SEVERE", ok: false},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			sev, ok := ParseSeverity(tc.input)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.expected, sev)
			}
		})
	}
}

func TestSeverity_Ordering(t *testing.T) {
	assert.True(t, SevUnknown < SevLow)
	assert.True(t, SevLow < SevMedium)
	assert.True(t, SevMedium < SevHigh)
	assert.True(t, SevHigh < SevCritical)
	assert.Len(t, Severities(), 5)
}

func TestVulnerability_Merge(t *testing.T) {
	requests := AffectedPackage{Name: "requests", Ecosystem: "PyPI", AffectedVersions: []string{">=0, <2.31.0"}, FixedVersions: []string{"2.31.0"}}
	urllib := AffectedPackage{Name: "urllib3", Ecosystem: "PyPI", AffectedVersions: []string{">=0, <1.26.5"}, FixedVersions: []string{"1.26.5"}}
	advisory := Reference{Type: "ADVISORY", URL: "https://example.com/advisory"}
	fix := Reference{Type: "FIX", URL: "https://example.com/fix"}

	a := Vulnerability{ID: "GHSA-1", Severity: SevMedium, Affected: []AffectedPackage{requests}, References: []Reference{advisory}}
	b := Vulnerability{ID: "GHSA-1", Summary: "leak", Severity: SevHigh, Affected: []AffectedPackage{requests, urllib}, References: []Reference{advisory, fix}}

	merged := a.Merge(b)

	assert.Equal(t, "GHSA-1", merged.ID)
	assert.Equal(t, "leak", merged.Summary)
	assert.Equal(t, SevHigh, merged.Severity)
	assert.Equal(t, []AffectedPackage{requests, urllib}, merged.Affected)
	assert.Equal(t, []Reference{advisory, fix}, merged.References)
	assert.Len(t, a.Affected, 1, "receiver must stay untouched")
}

func TestLookupError(t *testing.T) {
	transient := xerrors.Errorf("querying: %w", NewTransientError(errors.New("connection reset")))
	fatal := NewFatalError(errors.New("bad request"))

	assert.True(t, IsTransient(transient))
	assert.False(t, IsFatal(transient))
	assert.True(t, IsFatal(fatal))
	assert.False(t, IsTransient(fatal))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.EqualError(t, fatal, "fatal lookup error: bad request")
}
