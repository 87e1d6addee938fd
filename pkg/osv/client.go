package osv

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	gocvss30 "github.com/pandatix/go-cvss/30"
	gocvss31 "github.com/pandatix/go-cvss/31"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/horus-sec/horus-scanner/pkg/dependency"
	"github.com/horus-sec/horus-scanner/pkg/etc"
	"github.com/horus-sec/horus-scanner/pkg/vuln"
)

const (
	maxPages        = 50
	maxErrorBody    = 512
	contentTypeJSON = "application/json"
)

var ecosystems = map[dependency.Ecosystem]string{
	dependency.PyPI:     "PyPI",
	dependency.NPM:      "npm",
	dependency.Composer: "Packagist",
	dependency.Maven:    "Maven",
	dependency.NuGet:    "NuGet",
	dependency.RubyGems: "RubyGems",
	dependency.Cargo:    "crates.io",
	dependency.Go:       "Go",
}

// Client looks dependencies up with the OSV query API. It is safe for
// concurrent use; all callers share one rate limiter.
type Client struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient constructs a Client. When httpClient is nil a client with the
// configured timeout is used.
func NewClient(config etc.OSV, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	burst := config.RateBurst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		url:     strings.TrimSuffix(config.URL, "/") + "/query",
		client:  httpClient,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), burst),
	}
}

type queryPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type query struct {
	Package   queryPackage `json:"package"`
	Version   string       `json:"version,omitempty"`
	PageToken string       `json:"page_token,omitempty"`
}

type queryResponse struct {
	Vulns         []osvVulnerability `json:"vulns"`
	NextPageToken string             `json:"next_page_token"`
}

type osvVulnerability struct {
	ID               string         `json:"id"`
	Summary          string         `json:"summary"`
	Details          string         `json:"details"`
	Aliases          []string       `json:"aliases"`
	Severity         []osvSeverity  `json:"severity"`
	Affected         []osvAffected  `json:"affected"`
	References       []osvReference `json:"references"`
	DatabaseSpecific map[string]any `json:"database_specific"`
}

type osvSeverity struct {
	Type  string `json:"type"`
	Score string `json:"score"`
}

type osvAffected struct {
	Package           queryPackage   `json:"package"`
	Ranges            []osvRange     `json:"ranges"`
	Versions          []string       `json:"versions"`
	EcosystemSpecific map[string]any `json:"ecosystem_specific"`
}

type osvRange struct {
	Type   string     `json:"type"`
	Events []osvEvent `json:"events"`
}

type osvEvent struct {
	Introduced   string `json:"introduced,omitempty"`
	Fixed        string `json:"fixed,omitempty"`
	LastAffected string `json:"last_affected,omitempty"`
	Limit        string `json:"limit,omitempty"`
}

type osvReference struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Lookup queries OSV for dep, following result pages.
func (c *Client) Lookup(ctx context.Context, dep dependency.Package) ([]vuln.Vulnerability, error) {
	q, err := newQuery(dep)
	if err != nil {
		return nil, err
	}

	depLog := log.WithField("dependency", dep.String())
	vulnerabilities := make([]vuln.Vulnerability, 0)

	for page := 0; page < maxPages; page++ {
		resp, err := c.query(ctx, q)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			break
		}
		for _, v := range resp.Vulns {
			vulnerabilities = append(vulnerabilities, v.toVulnerability())
		}
		if resp.NextPageToken == "" {
			break
		}
		q.PageToken = resp.NextPageToken
		depLog.WithField("page", page+1).Trace("Fetching next OSV result page")
	}

	depLog.WithField("vulnerabilities", len(vulnerabilities)).Debug("OSV lookup completed")
	return vulnerabilities, nil
}

func newQuery(dep dependency.Package) (query, error) {
	ecosystem, ok := ecosystems[dep.Ecosystem]
	if !ok {
		return query{}, vuln.NewFatalError(xerrors.Errorf("ecosystem %s is not supported by OSV", dep.Ecosystem))
	}

	q := query{Package: queryPackage{Name: dep.Name, Ecosystem: ecosystem}}
	if version, ok := dep.ConcreteVersion(); ok {
		q.Version = version
		if dep.Ecosystem == dependency.Go {
			q.Version = strings.TrimPrefix(q.Version, "v")
		}
	}
	return q, nil
}

// query sends one request. A nil response with a nil error means OSV has no
// record of the package.
func (c *Client) query(ctx context.Context, q query) (*queryResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, vuln.NewTransientError(xerrors.Errorf("waiting for rate limiter: %w", err))
	}

	body, err := json.Marshal(q)
	if err != nil {
		return nil, vuln.NewFatalError(xerrors.Errorf("marshalling query: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, vuln.NewFatalError(xerrors.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)

	res, err := c.client.Do(req)
	if err != nil {
		return nil, vuln.NewTransientError(xerrors.Errorf("sending request: %w", err))
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if err := classifyStatus(res); err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	var decoded queryResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, vuln.NewTransientError(xerrors.Errorf("decoding response: %w", err))
	}
	return &decoded, nil
}

func classifyStatus(res *http.Response) error {
	code := res.StatusCode
	switch {
	case code >= 200 && code < 300, code == http.StatusNotFound:
		return nil
	case code == http.StatusTooManyRequests, code >= 500:
		return vuln.NewTransientError(statusError(res))
	default:
		return vuln.NewFatalError(statusError(res))
	}
}

func statusError(res *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return xerrors.Errorf("unexpected status %d", res.StatusCode)
	}
	return xerrors.Errorf("unexpected status %d: %s", res.StatusCode, msg)
}

func (v osvVulnerability) toVulnerability() vuln.Vulnerability {
	summary := v.Summary
	if summary == "" {
		summary, _, _ = strings.Cut(strings.TrimSpace(v.Details), "\n")
	}

	result := vuln.Vulnerability{
		ID:         v.ID,
		Summary:    summary,
		Severity:   v.severity(),
		Aliases:    v.Aliases,
		Affected:   make([]vuln.AffectedPackage, 0, len(v.Affected)),
		References: make([]vuln.Reference, 0, len(v.References)),
	}
	for _, a := range v.Affected {
		result.Affected = append(result.Affected, a.toAffectedPackage())
	}
	for _, r := range v.References {
		result.References = append(result.References, vuln.Reference{Type: r.Type, URL: r.URL})
	}
	return result
}

func (v osvVulnerability) severity() vuln.Severity {
	if s, ok := severityField(v.DatabaseSpecific); ok {
		return s
	}
	for _, a := range v.Affected {
		if s, ok := severityField(a.EcosystemSpecific); ok {
			return s
		}
	}
	for _, s := range v.Severity {
		if score, ok := cvssScore(s.Score); ok {
			return cvssSeverity(score)
		}
	}
	return vuln.SevUnknown
}

// cvssScore accepts a CVSS v3.0 or v3.1 vector, or a bare numeric score.
func cvssScore(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "CVSS:3.1/"):
		c, err := gocvss31.ParseVector(raw)
		if err != nil {
			return 0, false
		}
		return c.BaseScore(), true
	case strings.HasPrefix(raw, "CVSS:3.0/"):
		c, err := gocvss30.ParseVector(raw)
		if err != nil {
			return 0, false
		}
		return c.BaseScore(), true
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return score, true
}

func severityField(fields map[string]any) (vuln.Severity, bool) {
	raw, ok := fields["severity"].(string)
	if !ok {
		return vuln.SevUnknown, false
	}
	return vuln.ParseSeverity(raw)
}

func cvssSeverity(score float64) vuln.Severity {
	switch {
	case score >= 9.0:
		return vuln.SevCritical
	case score >= 7.0:
		return vuln.SevHigh
	case score >= 4.0:
		return vuln.SevMedium
	case score > 0:
		return vuln.SevLow
	default:
		return vuln.SevUnknown
	}
}

func (a osvAffected) toAffectedPackage() vuln.AffectedPackage {
	pkg := vuln.AffectedPackage{
		Name:             a.Package.Name,
		Ecosystem:        a.Package.Ecosystem,
		AffectedVersions: make([]string, 0),
		FixedVersions:    make([]string, 0),
	}
	for _, r := range a.Ranges {
		var bounds []string
		flush := func() {
			if len(bounds) > 0 {
				pkg.AffectedVersions = append(pkg.AffectedVersions, strings.Join(bounds, ", "))
			}
			bounds = nil
		}
		for _, e := range r.Events {
			switch {
			case e.Introduced != "":
				flush()
				bounds = append(bounds, ">="+e.Introduced)
			case e.Fixed != "":
				bounds = append(bounds, "<"+e.Fixed)
				pkg.FixedVersions = append(pkg.FixedVersions, e.Fixed)
				flush()
			case e.LastAffected != "":
				bounds = append(bounds, "<="+e.LastAffected)
				flush()
			case e.Limit != "":
				bounds = append(bounds, "<"+e.Limit)
				flush()
			}
		}
		flush()
	}
	if len(a.Ranges) == 0 {
		pkg.AffectedVersions = append(pkg.AffectedVersions, a.Versions...)
	}
	return pkg
}
