package v1

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	testifymock "github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/horus-sec/horus-scanner/pkg/etc"
	"github.com/horus-sec/horus-scanner/pkg/http/api"
	"github.com/horus-sec/horus-scanner/pkg/job"
	"github.com/horus-sec/horus-scanner/pkg/mock"
	"github.com/horus-sec/horus-scanner/pkg/parser"
	"github.com/horus-sec/horus-scanner/pkg/report"
	"github.com/horus-sec/horus-scanner/pkg/scan"
	"github.com/horus-sec/horus-scanner/pkg/vuln"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	buildInfo = etc.BuildInfo{Version: "v0.3.0", Commit: "abc1234", Date: "2024-03-14T09:26:53Z"}
	scanDate  = time.Date(2024, 3, 14, 9, 26, 53, 0, time.UTC)

	validRequest = report.ScanRequest{
		Repository:  "acme/api",
		Branch:      "main",
		CommitSHA:   "f00ba4",
		FileType:    "requirements.txt",
		FileContent: "requests==2.28.1",
	}

	vulnerableResult = report.ScanResult{
		Repository:        "acme/api",
		Branch:            "main",
		CommitSHA:         "f00ba4",
		ScanDate:          scanDate,
		DependenciesCount: 1,
		Vulnerabilities: []vuln.Vulnerability{
			{ID: "GHSA-aaaa", Severity: vuln.SevCritical},
			{ID: "GHSA-bbbb", Severity: vuln.SevMedium},
		},
		VulnerabilitiesBySeverity: map[vuln.Severity]int{
			vuln.SevUnknown: 0, vuln.SevLow: 0, vuln.SevMedium: 1, vuln.SevHigh: 0, vuln.SevCritical: 1,
		},
	}
)

type fixture struct {
	enqueuer *mock.Enqueuer
	store    *mock.Store
	scanner  *mock.Scanner
	notifier *mock.Notifier
	clock    *testClock
	readyErr error
	handler  http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		enqueuer: mock.NewEnqueuer(),
		store:    mock.NewStore(),
		scanner:  mock.NewScanner(),
		notifier: mock.NewNotifier(),
		clock:    &testClock{now: scanDate},
	}
	f.handler = NewAPIHandler(buildInfo, f.enqueuer, f.store, f.scanner, f.notifier,
		func(ctx context.Context) error { return f.readyErr }, f.clock)
	return f
}

func (f *fixture) serve(method, target, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) assertExpectations(t *testing.T) {
	f.enqueuer.AssertExpectations(t)
	f.store.AssertExpectations(t)
	f.scanner.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
}

const validBody = `{
  "repository": "acme/api",
  "branch": "main",
  "commit_sha": "f00ba4",
  "file_type": "requirements.txt",
  "file_content": "requests==2.28.1"
}`

func TestRequestHandler_ValidateScanRequest(t *testing.T) {
	testCases := []struct {
		Name          string
		Request       report.ScanRequest
		ExpectedError *api.Error
	}{
		{
			Name:          "Should return error when repository is blank",
			Request:       report.ScanRequest{},
			ExpectedError: &api.Error{HTTPCode: http.StatusUnprocessableEntity, Message: "missing repository"},
		},
		{
			Name:          "Should return error when branch is blank",
			Request:       report.ScanRequest{Repository: "acme/api", Branch: "  "},
			ExpectedError: &api.Error{HTTPCode: http.StatusUnprocessableEntity, Message: "missing branch"},
		},
		{
			Name:          "Should return error when commit SHA is blank",
			Request:       report.ScanRequest{Repository: "acme/api", Branch: "main"},
			ExpectedError: &api.Error{HTTPCode: http.StatusUnprocessableEntity, Message: "missing commit_sha"},
		},
		{
			Name:          "Should return error when file type is blank",
			Request:       report.ScanRequest{Repository: "acme/api", Branch: "main", CommitSHA: "f00ba4"},
			ExpectedError: &api.Error{HTTPCode: http.StatusUnprocessableEntity, Message: "missing file_type"},
		},
		{
			Name:          "Should return error when file content is blank",
			Request:       report.ScanRequest{Repository: "acme/api", Branch: "main", CommitSHA: "f00ba4", FileType: "go.mod"},
			ExpectedError: &api.Error{HTTPCode: http.StatusUnprocessableEntity, Message: "missing file_content"},
		},
		{
			Name:    "Should accept valid request",
			Request: validRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			handler := requestHandler{}
			assert.Equal(t, tc.ExpectedError, handler.ValidateScanRequest(tc.Request))
		})
	}
}

func TestRequestHandler_ValidateRepositoryScanRequest(t *testing.T) {
	handler := requestHandler{}
	base := report.RepositoryScanRequest{Repository: "acme/web", Branch: "main", CommitSHA: "c0ffee"}

	assert.Equal(t, &api.Error{HTTPCode: http.StatusUnprocessableEntity, Message: "missing files"},
		handler.ValidateRepositoryScanRequest(base))

	withBlankPath := base
	withBlankPath.Files = []report.ManifestFile{{Path: "go.mod", Content: "module x"}, {Path: ""}}
	assert.Equal(t, &api.Error{HTTPCode: http.StatusUnprocessableEntity, Message: "missing files[1].path"},
		handler.ValidateRepositoryScanRequest(withBlankPath))

	valid := base
	valid.Files = []report.ManifestFile{{Path: "go.mod", Content: "module x"}}
	assert.Nil(t, handler.ValidateRepositoryScanRequest(valid))
}

func TestRequestHandler_Scan(t *testing.T) {
	t.Run("Should return scan summary and notify in background", func(t *testing.T) {
		f := newFixture()
		f.scanner.On("Scan", testifymock.Anything, validRequest).Return(vulnerableResult, nil)
		notified := make(chan struct{})
		f.notifier.On("Notify", testifymock.Anything, vulnerableResult).Return(nil).Run(func(testifymock.Arguments) {
			close(notified)
		})

		rr := f.serve(http.MethodPost, "/api/v1/scan", validBody)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/vnd.horus.scan.result+json; version=1.0", rr.Header().Get("Content-Type"))
		assert.JSONEq(t, `{
		  "repository": "acme/api",
		  "branch": "main",
		  "commit_sha": "f00ba4",
		  "scan_date": "2024-03-14T09:26:53Z",
		  "file_types": null,
		  "dependencies_count": 1,
		  "vulnerabilities_count": 2,
		  "vulnerabilities": [
		    {"id": "GHSA-aaaa", "summary": "", "severity": "CRITICAL", "affected_packages": null, "references": null},
		    {"id": "GHSA-bbbb", "summary": "", "severity": "MEDIUM", "affected_packages": null, "references": null}
		  ],
		  "vulnerabilities_by_severity": {"UNKNOWN": 0, "LOW": 0, "MEDIUM": 1, "HIGH": 0, "CRITICAL": 1}
		}`, rr.Body.String())

		select {
		case <-notified:
		case <-time.After(5 * time.Second):
			t.Fatal("notification was not sent")
		}
		f.assertExpectations(t)
	})

	t.Run("Should not notify when nothing was found", func(t *testing.T) {
		f := newFixture()
		clean := report.ScanResult{Repository: "acme/api", Vulnerabilities: []vuln.Vulnerability{}}
		f.scanner.On("Scan", testifymock.Anything, validRequest).Return(clean, nil)

		rr := f.serve(http.MethodPost, "/api/v1/scan", validBody)

		assert.Equal(t, http.StatusOK, rr.Code)
		f.notifier.AssertNotCalled(t, "Notify", testifymock.Anything, testifymock.Anything)
	})

	t.Run("Should return 400 for malformed body", func(t *testing.T) {
		f := newFixture()
		rr := f.serve(http.MethodPost, "/api/v1/scan", `{"repository": `)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "unmarshalling scan request")
	})

	t.Run("Should return 422 for invalid request", func(t *testing.T) {
		f := newFixture()
		rr := f.serve(http.MethodPost, "/api/v1/scan", `{"branch": "main"}`)

		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		assert.JSONEq(t, `{"error":{"message":"missing repository"}}`, rr.Body.String())
	})

	errorCases := []struct {
		name string
		err  error
		code int
	}{
		{name: "unsupported file type", err: xerrors.Errorf("file type xyz: %w", parser.ErrUnsupportedFileType), code: http.StatusUnprocessableEntity},
		{name: "no parser available", err: xerrors.Errorf("file type Gemfile: %w", parser.ErrNoParserAvailable), code: http.StatusUnprocessableEntity},
		{name: "malformed manifest", err: xerrors.Errorf("parsing go.mod: bad: %w", parser.ErrMalformedManifest), code: http.StatusUnprocessableEntity},
		{name: "cancelled scan", err: xerrors.Errorf("context deadline exceeded: %w", scan.ErrCancelled), code: http.StatusServiceUnavailable},
		{name: "unexpected failure", err: errors.New("boom"), code: http.StatusInternalServerError},
	}
	for _, tc := range errorCases {
		t.Run("Should map "+tc.name+" error", func(t *testing.T) {
			f := newFixture()
			f.scanner.On("Scan", testifymock.Anything, validRequest).Return(report.ScanResult{}, tc.err)

			rr := f.serve(http.MethodPost, "/api/v1/scan", validBody)

			assert.Equal(t, tc.code, rr.Code)
			assert.Equal(t, "application/vnd.horus.error; version=1.0", rr.Header().Get("Content-Type"))
			assert.Contains(t, rr.Body.String(), tc.err.Error())
		})
	}
}

func TestRequestHandler_ScanRepository(t *testing.T) {
	f := newFixture()
	request := report.RepositoryScanRequest{
		Repository: "acme/web",
		Branch:     "main",
		CommitSHA:  "c0ffee",
		Files: []report.ManifestFile{
			{Path: "go.mod", Content: "module example.com/web\n"},
			{Path: "Gemfile", Content: "source 'https://rubygems.org'\n"},
		},
	}
	result := report.ScanResult{
		Repository:      "acme/web",
		Vulnerabilities: []vuln.Vulnerability{},
		SkippedFiles:    []string{"Gemfile"},
	}
	f.scanner.On("ScanRepository", testifymock.Anything, request).Return(result, nil)

	rr := f.serve(http.MethodPost, "/api/v1/scan/repository", `{
	  "repository": "acme/web",
	  "branch": "main",
	  "commit_sha": "c0ffee",
	  "files": [
	    {"path": "go.mod", "content": "module example.com/web\n"},
	    {"path": "Gemfile", "content": "source 'https://rubygems.org'\n"}
	  ]
	}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"skipped_files":["Gemfile"]`)
	f.assertExpectations(t)
}

func TestRequestHandler_AcceptScanJob(t *testing.T) {
	t.Run("Should enqueue scan job", func(t *testing.T) {
		f := newFixture()
		f.enqueuer.On("Enqueue", testifymock.Anything, validRequest).
			Return(job.ScanJob{ID: "3a6f1c2e-8a43-4e0e-b7b4-3f6f4d1c2b9a", Status: job.Queued}, nil)

		rr := f.serve(http.MethodPost, "/api/v1/scan/jobs", validBody)

		assert.Equal(t, http.StatusAccepted, rr.Code)
		assert.Equal(t, "application/vnd.horus.scan.job+json; version=1.0", rr.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"id":"3a6f1c2e-8a43-4e0e-b7b4-3f6f4d1c2b9a"}`, rr.Body.String())
		f.assertExpectations(t)
	})

	t.Run("Should reject file type without parser before enqueuing", func(t *testing.T) {
		f := newFixture()
		body := strings.Replace(validBody, `"requirements.txt"`, `"Gemfile"`, 1)

		rr := f.serve(http.MethodPost, "/api/v1/scan/jobs", body)

		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		assert.JSONEq(t, `{"error":{"message":"file type Gemfile: no parser available"}}`, rr.Body.String())
		f.enqueuer.AssertNotCalled(t, "Enqueue", testifymock.Anything, testifymock.Anything)
	})

	t.Run("Should return 500 when enqueuing fails", func(t *testing.T) {
		f := newFixture()
		f.enqueuer.On("Enqueue", testifymock.Anything, validRequest).
			Return(job.ScanJob{}, errors.New("connection refused"))

		rr := f.serve(http.MethodPost, "/api/v1/scan/jobs", validBody)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.JSONEq(t, `{"error":{"message":"enqueuing scan job: connection refused"}}`, rr.Body.String())
	})
}

func TestRequestHandler_GetScanJobReport(t *testing.T) {
	const scanJobID = "3a6f1c2e-8a43-4e0e-b7b4-3f6f4d1c2b9a"
	finished := &job.ScanJob{ID: scanJobID, Status: job.Finished, Result: &vulnerableResult}

	testCases := []struct {
		name             string
		query            string
		storeExpectation *mock.Expectation
		expectedStatus   int
		expectedBody     string
	}{
		{
			name: "Should return 302 when scan job is queued",
			storeExpectation: &mock.Expectation{
				Method: "Get", Args: []interface{}{testifymock.Anything, scanJobID},
				ReturnArgs: []interface{}{&job.ScanJob{ID: scanJobID, Status: job.Queued}, nil},
			},
			expectedStatus: http.StatusFound,
		},
		{
			name: "Should return 302 when scan job is pending",
			storeExpectation: &mock.Expectation{
				Method: "Get", Args: []interface{}{testifymock.Anything, scanJobID},
				ReturnArgs: []interface{}{&job.ScanJob{ID: scanJobID, Status: job.Pending}, nil},
			},
			expectedStatus: http.StatusFound,
		},
		{
			name: "Should return 500 with error when scan job failed",
			storeExpectation: &mock.Expectation{
				Method: "Get", Args: []interface{}{testifymock.Anything, scanJobID},
				ReturnArgs: []interface{}{&job.ScanJob{ID: scanJobID, Status: job.Failed, Error: "running scanner: scan cancelled"}, nil},
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `{"error":{"message":"running scanner: scan cancelled"}}`,
		},
		{
			name: "Should return 404 when scan job does not exist",
			storeExpectation: &mock.Expectation{
				Method: "Get", Args: []interface{}{testifymock.Anything, scanJobID},
				ReturnArgs: []interface{}{(*job.ScanJob)(nil), nil},
			},
			expectedStatus: http.StatusNotFound,
			expectedBody:   `{"error":{"message":"cannot find scan job: ` + scanJobID + `"}}`,
		},
		{
			name: "Should return 500 when store fails",
			storeExpectation: &mock.Expectation{
				Method: "Get", Args: []interface{}{testifymock.Anything, scanJobID},
				ReturnArgs: []interface{}{(*job.ScanJob)(nil), errors.New("i/o timeout")},
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `{"error":{"message":"getting scan job: i/o timeout"}}`,
		},
		{
			name: "Should filter vulnerabilities by severity",
			query: "?severity=critical&severity=HIGH",
			storeExpectation: &mock.Expectation{
				Method: "Get", Args: []interface{}{testifymock.Anything, scanJobID},
				ReturnArgs: []interface{}{finished, nil},
			},
			expectedStatus: http.StatusOK,
			expectedBody: `{
			  "repository": "acme/api",
			  "branch": "main",
			  "commit_sha": "f00ba4",
			  "scan_date": "2024-03-14T09:26:53Z",
			  "file_types": null,
			  "dependencies_count": 1,
			  "vulnerabilities_count": 1,
			  "vulnerabilities": [
			    {"id": "GHSA-aaaa", "summary": "", "severity": "CRITICAL", "affected_packages": null, "references": null}
			  ],
			  "vulnerabilities_by_severity": {"UNKNOWN": 0, "LOW": 0, "MEDIUM": 0, "HIGH": 0, "CRITICAL": 1}
			}`,
		},
		{
			name:           "Should reject unknown severity",
			query:          "?severity=SEVERE",
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"error":{"message":"invalid severity: SEVERE"}}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			mock.ApplyExpectations(t, f.store, tc.storeExpectation)

			rr := f.serve(http.MethodGet, "/api/v1/scan/jobs/"+scanJobID+"/report"+tc.query, "")

			assert.Equal(t, tc.expectedStatus, rr.Code)
			if tc.expectedBody != "" {
				assert.JSONEq(t, tc.expectedBody, rr.Body.String())
			}
			f.assertExpectations(t)
		})
	}

	t.Run("Should keep the stored result unchanged when filtering", func(t *testing.T) {
		f := newFixture()
		f.store.On("Get", testifymock.Anything, scanJobID).Return(finished, nil)

		rr := f.serve(http.MethodGet, "/api/v1/scan/jobs/"+scanJobID+"/report?severity=LOW", "")

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, finished.Result.Vulnerabilities, 2)
		assert.Equal(t, 1, finished.Result.VulnerabilitiesBySeverity[vuln.SevMedium])
	})
}

func TestRequestHandler_GetMetadata(t *testing.T) {
	f := newFixture()

	rr := f.serve(http.MethodGet, "/api/v1/metadata", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/vnd.horus.metadata+json; version=1.0", rr.Header().Get("Content-Type"))
	body := rr.Body.String()
	assert.Contains(t, body, `"scanner":{"name":"Horus","vendor":"Horus Security","version":"v0.3.0","commit":"abc1234","built_at":"2024-03-14T09:26:53Z"}`)
	assert.Contains(t, body, `{"file_type":"requirements.txt","supported":true}`)
	assert.Contains(t, body, `{"file_type":"Gemfile","supported":false}`)
	assert.Contains(t, body, `"severities":["UNKNOWN","LOW","MEDIUM","HIGH","CRITICAL"]`)
	assert.Contains(t, body, `"notifications_enabled":true`)
}

func TestRequestHandler_GetStatus(t *testing.T) {
	f := newFixture()
	f.clock.Advance(26*time.Hour + 3*time.Minute + 4*time.Second)

	rr := f.serve(http.MethodGet, "/api/v1/status", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"service":"horus-scanner","version":"v0.3.0","status":"healthy","uptime":"1d 2h 3m 4s"}`, rr.Body.String())
}

func TestRequestHandler_Probes(t *testing.T) {
	f := newFixture()

	assert.Equal(t, http.StatusOK, f.serve(http.MethodGet, "/probe/healthy", "").Code)
	assert.Equal(t, http.StatusOK, f.serve(http.MethodGet, "/probe/ready", "").Code)

	f.readyErr = errors.New("dial tcp: connection refused")
	assert.Equal(t, http.StatusServiceUnavailable, f.serve(http.MethodGet, "/probe/ready", "").Code)
	assert.Equal(t, http.StatusOK, f.serve(http.MethodGet, "/probe/healthy", "").Code)
}

func TestFormatUptime(t *testing.T) {
	testCases := []struct {
		duration time.Duration
		expected string
	}{
		{duration: 0, expected: "0s"},
		{duration: 59 * time.Second, expected: "59s"},
		{duration: time.Hour, expected: "1h 0s"},
		{duration: 26*time.Hour + 3*time.Minute + 4*time.Second + 900*time.Millisecond, expected: "1d 2h 3m 4s"},
		{duration: 48*time.Hour + 5*time.Second, expected: "2d 5s"},
		{duration: -time.Second, expected: "0s"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, FormatUptime(tc.duration))
		})
	}
}
