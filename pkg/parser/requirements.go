package parser

import (
	"regexp"
	"strings"

	"github.com/horus-sec/horus-scanner/pkg/dependency"
)

var (
	requirementSpec = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)\s*(?:\[[^\]]*\])?(.*)$`)
	eggFragment     = regexp.MustCompile(`[#&]egg=([A-Za-z0-9_.-]+)`)

	exactVersion = regexp.MustCompile(`==\s*([A-Za-z0-9_.-]+)`)

	// Checked in order; the first operator present in the spec wins.
	versionOperators = []struct {
		op      string
		pattern *regexp.Regexp
	}{
		{op: ">=", pattern: regexp.MustCompile(`>=\s*([A-Za-z0-9_.-]+)`)},
		{op: ">", pattern: regexp.MustCompile(`>\s*([A-Za-z0-9_.-]+)`)},
		{op: "<=", pattern: regexp.MustCompile(`<=\s*([A-Za-z0-9_.-]+)`)},
		{op: "<", pattern: regexp.MustCompile(`<\s*([A-Za-z0-9_.-]+)`)},
		{op: "~=", pattern: regexp.MustCompile(`~=\s*([A-Za-z0-9_.-]+)`)},
	}

	skippedOptions = []string{"-r", "-f", "-i", "--requirement", "--find-links", "--index-url"}
	vcsMarkers     = []string{"git+", "http://", "https://"}
)

type requirementsParser struct {
	base
}

// NewRequirementsParser parses pip requirement files.
func NewRequirementsParser(content string) Parser {
	return &requirementsParser{base: base{
		content:   content,
		fileType:  dependency.RequirementsTxt,
		ecosystem: dependency.PyPI,
	}}
}

func (p *requirementsParser) Parse() (dependency.FileContent, error) {
	var deps []dependency.Package
	for _, line := range logicalLines(p.content) {
		name, version, ok := parseRequirement(line)
		if !ok {
			continue
		}
		deps = p.appendPackage(deps, name, version, false)
	}
	return p.result(deps), nil
}

// logicalLines splits content into trimmed lines, joining lines that end with
// a backslash to the line that follows them. Comment lines are dropped first
// and never take part in a continuation.
func logicalLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")

	var lines []string
	var pending string
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "#") {
			continue
		}
		if pending != "" {
			line = strings.TrimSpace(pending + " " + line)
			pending = ""
		}
		if strings.HasSuffix(line, `\`) {
			pending = strings.TrimSpace(strings.TrimSuffix(line, `\`))
			continue
		}
		lines = append(lines, line)
	}
	if pending != "" {
		lines = append(lines, pending)
	}
	return lines
}

func parseRequirement(line string) (name, version string, ok bool) {
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	if i := strings.Index(line, " #"); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}

	if hasOptionPrefix(line, skippedOptions) {
		return "", "", false
	}

	switch {
	case hasOptionPrefix(line, []string{"--editable"}):
		line = strings.TrimSpace(strings.TrimPrefix(line, "--editable"))
		line = strings.TrimSpace(strings.TrimPrefix(line, "="))
	case strings.HasPrefix(line, "-e"):
		line = strings.TrimSpace(strings.TrimPrefix(line, "-e"))
	case strings.HasPrefix(line, "-"):
		return "", "", false
	}

	if isVCSRequirement(line) {
		m := eggFragment.FindStringSubmatch(line)
		if m == nil {
			return "", "", false
		}
		return m[1], dependency.VersionUnknown, true
	}

	m := requirementSpec.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	constraint := m[2]
	if i := strings.Index(constraint, ";"); i >= 0 {
		constraint = constraint[:i]
	}
	return m[1], requirementVersion(constraint), true
}

func requirementVersion(constraint string) string {
	if strings.Contains(constraint, "==") {
		if m := exactVersion.FindStringSubmatch(constraint); m != nil {
			return m[1]
		}
		return dependency.VersionLatest
	}
	for _, o := range versionOperators {
		if !strings.Contains(constraint, o.op) {
			continue
		}
		if m := o.pattern.FindStringSubmatch(constraint); m != nil {
			return o.op + m[1]
		}
		return dependency.VersionLatest
	}
	return dependency.VersionLatest
}

// hasOptionPrefix matches "-r file", "-rfile" and "--requirement=file" style options.
func hasOptionPrefix(line string, options []string) bool {
	for _, opt := range options {
		if !strings.HasPrefix(line, opt) {
			continue
		}
		rest := line[len(opt):]
		if strings.HasPrefix(opt, "--") {
			if rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '=' {
				return true
			}
			continue
		}
		return true
	}
	return false
}

func isVCSRequirement(line string) bool {
	for _, marker := range vcsMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
