package v1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/horus-sec/horus-scanner/pkg/etc"
	"github.com/horus-sec/horus-scanner/pkg/http/api"
	"github.com/horus-sec/horus-scanner/pkg/job"
	"github.com/horus-sec/horus-scanner/pkg/notify"
	"github.com/horus-sec/horus-scanner/pkg/parser"
	"github.com/horus-sec/horus-scanner/pkg/persistence"
	"github.com/horus-sec/horus-scanner/pkg/queue"
	"github.com/horus-sec/horus-scanner/pkg/report"
	"github.com/horus-sec/horus-scanner/pkg/scan"
	"github.com/horus-sec/horus-scanner/pkg/vuln"
)

const (
	pathAPIPrefix        = "/api/v1"
	pathScan             = "/scan"
	pathScanRepository   = "/scan/repository"
	pathScanJobs         = "/scan/jobs"
	pathScanJobReport    = "/scan/jobs/{scan_job_id}/report"
	pathVarScanJobID     = "scan_job_id"
	pathMetadata         = "/metadata"
	pathStatus           = "/status"
	pathProbeHealthy     = "/probe/healthy"
	pathProbeReady       = "/probe/ready"
	serviceName          = "horus-scanner"
	notificationTimeout  = time.Minute
	maxRequestBodyLength = 10 << 20
)

// ReadinessCheck reports whether the backing services can be reached.
type ReadinessCheck func(ctx context.Context) error

type requestHandler struct {
	info     etc.BuildInfo
	enqueuer queue.Enqueuer
	store    persistence.Store
	scanner  scan.Scanner
	notifier notify.Notifier
	ready    ReadinessCheck
	clock    scan.Clock
	started  time.Time
	decoder  *schema.Decoder
	api.BaseHandler
}

// NewAPIHandler wires the v1 routes and the probes. The notifier may be nil.
func NewAPIHandler(
	info etc.BuildInfo,
	enqueuer queue.Enqueuer,
	store persistence.Store,
	scanner scan.Scanner,
	notifier notify.Notifier,
	ready ReadinessCheck,
	clock scan.Clock,
) http.Handler {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)

	handler := &requestHandler{
		info:     info,
		enqueuer: enqueuer,
		store:    store,
		scanner:  scanner,
		notifier: notifier,
		ready:    ready,
		clock:    clock,
		started:  clock.Now(),
		decoder:  decoder,
	}

	router := mux.NewRouter()
	router.Use(handler.logRequest)

	v1Router := router.PathPrefix(pathAPIPrefix).Subrouter()
	v1Router.Methods(http.MethodPost).Path(pathScan).HandlerFunc(handler.Scan)
	v1Router.Methods(http.MethodPost).Path(pathScanRepository).HandlerFunc(handler.ScanRepository)
	v1Router.Methods(http.MethodPost).Path(pathScanJobs).HandlerFunc(handler.AcceptScanJob)
	v1Router.Methods(http.MethodGet).Path(pathScanJobReport).HandlerFunc(handler.GetScanJobReport)
	v1Router.Methods(http.MethodGet).Path(pathMetadata).HandlerFunc(handler.GetMetadata)
	v1Router.Methods(http.MethodGet).Path(pathStatus).HandlerFunc(handler.GetStatus)

	router.Methods(http.MethodGet).Path(pathProbeHealthy).HandlerFunc(handler.GetHealthy)
	router.Methods(http.MethodGet).Path(pathProbeReady).HandlerFunc(handler.GetReady)

	return router
}

func (h *requestHandler) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		log.WithFields(log.Fields{
			"remote_addr": req.RemoteAddr,
			"method":      req.Method,
			"request_uri": req.URL.RequestURI(),
		}).Trace("Handling request")
		next.ServeHTTP(res, req)
	})
}

// scanSummary is the response of the synchronous scan endpoints.
type scanSummary struct {
	report.ScanResult
	VulnerabilitiesCount int `json:"vulnerabilities_count"`
}

func newScanSummary(result report.ScanResult) scanSummary {
	return scanSummary{
		ScanResult:           result,
		VulnerabilitiesCount: result.VulnerabilitiesCount(),
	}
}

func (h *requestHandler) Scan(res http.ResponseWriter, req *http.Request) {
	var scanRequest report.ScanRequest
	if !h.decodeBody(res, req, &scanRequest) {
		return
	}

	if validationError := h.ValidateScanRequest(scanRequest); validationError != nil {
		log.WithField("reason", validationError.Message).Warn("Rejecting invalid scan request")
		h.WriteJSONError(res, *validationError)
		return
	}

	log.WithFields(log.Fields{
		"repository": scanRequest.Repository,
		"branch":     scanRequest.Branch,
		"file_type":  scanRequest.FileType,
	}).Info("Manual scan requested")

	result, err := h.scanner.Scan(req.Context(), scanRequest)
	if err != nil {
		h.writeScanError(res, err)
		return
	}

	h.notifyInBackground(result)
	h.WriteJSON(res, newScanSummary(result), api.MimeTypeScanResult, http.StatusOK)
}

func (h *requestHandler) ScanRepository(res http.ResponseWriter, req *http.Request) {
	var scanRequest report.RepositoryScanRequest
	if !h.decodeBody(res, req, &scanRequest) {
		return
	}

	if validationError := h.ValidateRepositoryScanRequest(scanRequest); validationError != nil {
		log.WithField("reason", validationError.Message).Warn("Rejecting invalid repository scan request")
		h.WriteJSONError(res, *validationError)
		return
	}

	log.WithFields(log.Fields{
		"repository": scanRequest.Repository,
		"branch":     scanRequest.Branch,
		"files":      len(scanRequest.Files),
	}).Info("Repository scan requested")

	result, err := h.scanner.ScanRepository(req.Context(), scanRequest)
	if err != nil {
		h.writeScanError(res, err)
		return
	}

	h.notifyInBackground(result)
	h.WriteJSON(res, newScanSummary(result), api.MimeTypeScanResult, http.StatusOK)
}

type scanJobResponse struct {
	ID string `json:"id"`
}

func (h *requestHandler) AcceptScanJob(res http.ResponseWriter, req *http.Request) {
	var scanRequest report.ScanRequest
	if !h.decodeBody(res, req, &scanRequest) {
		return
	}

	if validationError := h.ValidateScanRequest(scanRequest); validationError != nil {
		log.WithField("reason", validationError.Message).Warn("Rejecting invalid scan request")
		h.WriteJSONError(res, *validationError)
		return
	}
	if _, err := parser.New(scanRequest.FileType, ""); err != nil {
		h.WriteJSONError(res, api.Error{
			HTTPCode: http.StatusUnprocessableEntity,
			Message:  err.Error(),
		})
		return
	}

	scanJob, err := h.enqueuer.Enqueue(req.Context(), scanRequest)
	if err != nil {
		log.WithError(err).Error("Error while enqueuing scan job")
		h.WriteJSONError(res, api.Error{
			HTTPCode: http.StatusInternalServerError,
			Message:  fmt.Sprintf("enqueuing scan job: %s", err.Error()),
		})
		return
	}
	log.WithField("scan_job_id", scanJob.ID).Debug("Enqueued scan job")

	h.WriteJSON(res, scanJobResponse{ID: scanJob.ID}, api.MimeTypeScanJob, http.StatusAccepted)
}

func (h *requestHandler) ValidateScanRequest(req report.ScanRequest) *api.Error {
	for _, field := range []struct{ name, value string }{
		{"repository", req.Repository},
		{"branch", req.Branch},
		{"commit_sha", req.CommitSHA},
		{"file_type", req.FileType},
		{"file_content", req.FileContent},
	} {
		if strings.TrimSpace(field.value) == "" {
			return &api.Error{
				HTTPCode: http.StatusUnprocessableEntity,
				Message:  "missing " + field.name,
			}
		}
	}
	return nil
}

func (h *requestHandler) ValidateRepositoryScanRequest(req report.RepositoryScanRequest) *api.Error {
	for _, field := range []struct{ name, value string }{
		{"repository", req.Repository},
		{"branch", req.Branch},
		{"commit_sha", req.CommitSHA},
	} {
		if strings.TrimSpace(field.value) == "" {
			return &api.Error{
				HTTPCode: http.StatusUnprocessableEntity,
				Message:  "missing " + field.name,
			}
		}
	}
	if len(req.Files) == 0 {
		return &api.Error{
			HTTPCode: http.StatusUnprocessableEntity,
			Message:  "missing files",
		}
	}
	for i, f := range req.Files {
		if strings.TrimSpace(f.Path) == "" {
			return &api.Error{
				HTTPCode: http.StatusUnprocessableEntity,
				Message:  fmt.Sprintf("missing files[%d].path", i),
			}
		}
	}
	return nil
}

type reportQuery struct {
	Severity []string `schema:"severity"`
}

func (h *requestHandler) GetScanJobReport(res http.ResponseWriter, req *http.Request) {
	scanJobID, ok := mux.Vars(req)[pathVarScanJobID]
	if !ok {
		log.Error("Error while parsing `scan_job_id` path variable")
		h.WriteJSONError(res, api.Error{
			HTTPCode: http.StatusBadRequest,
			Message:  "missing scan_job_id",
		})
		return
	}

	reqLog := log.WithField("scan_job_id", scanJobID)

	severities, apiErr := h.parseSeverityFilter(req)
	if apiErr != nil {
		h.WriteJSONError(res, *apiErr)
		return
	}

	scanJob, err := h.store.Get(req.Context(), scanJobID)
	if err != nil {
		reqLog.WithError(err).Error("Error while getting scan job")
		h.WriteJSONError(res, api.Error{
			HTTPCode: http.StatusInternalServerError,
			Message:  fmt.Sprintf("getting scan job: %v", err),
		})
		return
	}

	if scanJob == nil {
		reqLog.Error("Cannot find scan job")
		h.WriteJSONError(res, api.Error{
			HTTPCode: http.StatusNotFound,
			Message:  fmt.Sprintf("cannot find scan job: %v", scanJobID),
		})
		return
	}

	if scanJob.Status == job.Queued || scanJob.Status == job.Pending {
		reqLog.WithField("scan_job_status", scanJob.Status.String()).Debug("Scan job has not finished yet")
		res.Header().Add("Location", req.URL.String())
		res.WriteHeader(http.StatusFound)
		return
	}

	if scanJob.Status == job.Failed {
		reqLog.WithField(log.ErrorKey, scanJob.Error).Error("Scan job failed")
		h.WriteJSONError(res, api.Error{
			HTTPCode: http.StatusInternalServerError,
			Message:  scanJob.Error,
		})
		return
	}

	if scanJob.Status != job.Finished || scanJob.Result == nil {
		reqLog.WithField("scan_job_status", scanJob.Status.String()).Error("Unexpected scan job status")
		h.WriteJSONError(res, api.Error{
			HTTPCode: http.StatusInternalServerError,
			Message:  fmt.Sprintf("unexpected status %v of scan job %v", scanJob.Status, scanJob.ID),
		})
		return
	}

	h.WriteJSON(res, newScanSummary(filterBySeverity(*scanJob.Result, severities)), api.MimeTypeScanResult, http.StatusOK)
}

func (h *requestHandler) parseSeverityFilter(req *http.Request) ([]vuln.Severity, *api.Error) {
	var query reportQuery
	if err := h.decoder.Decode(&query, req.URL.Query()); err != nil {
		return nil, &api.Error{
			HTTPCode: http.StatusBadRequest,
			Message:  fmt.Sprintf("invalid query: %v", err),
		}
	}

	severities := make([]vuln.Severity, 0, len(query.Severity))
	for _, raw := range query.Severity {
		s, ok := vuln.ParseSeverity(raw)
		if !ok {
			return nil, &api.Error{
				HTTPCode: http.StatusBadRequest,
				Message:  fmt.Sprintf("invalid severity: %s", raw),
			}
		}
		severities = append(severities, s)
	}
	return severities, nil
}

// filterBySeverity keeps the vulnerabilities of the given tiers and recounts
// them. An empty filter keeps everything.
func filterBySeverity(result report.ScanResult, severities []vuln.Severity) report.ScanResult {
	if len(severities) == 0 {
		return result
	}

	result.Vulnerabilities = lo.Filter(result.Vulnerabilities, func(v vuln.Vulnerability, _ int) bool {
		return lo.Contains(severities, v.Severity)
	})

	counts := make(map[vuln.Severity]int, len(vuln.Severities()))
	for _, s := range vuln.Severities() {
		counts[s] = 0
	}
	for _, v := range result.Vulnerabilities {
		counts[v.Severity]++
	}
	result.VulnerabilitiesBySeverity = counts
	return result
}

type metadataResponse struct {
	Scanner        etc.ScannerMetadata `json:"scanner"`
	FileTypes      []parser.Support    `json:"file_types"`
	Severities     []vuln.Severity     `json:"severities"`
	NotifyOnResult bool                `json:"notifications_enabled"`
}

func (h *requestHandler) GetMetadata(res http.ResponseWriter, _ *http.Request) {
	metadata := metadataResponse{
		Scanner:        etc.GetScannerMetadata(h.info),
		FileTypes:      parser.Supported(),
		Severities:     vuln.Severities(),
		NotifyOnResult: h.notifier != nil,
	}
	h.WriteJSON(res, metadata, api.MimeTypeMetadata, http.StatusOK)
}

type statusResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
}

func (h *requestHandler) GetStatus(res http.ResponseWriter, _ *http.Request) {
	h.WriteJSON(res, statusResponse{
		Service: serviceName,
		Version: h.info.Version,
		Status:  "healthy",
		Uptime:  FormatUptime(h.clock.Now().Sub(h.started)),
	}, api.MimeTypeJSON, http.StatusOK)
}

// FormatUptime renders d as days, hours, minutes and seconds, leaving out
// zero units except seconds, e.g. "1d 2h 3m 4s" or "5s".
func FormatUptime(d time.Duration) string {
	total := int64(d / time.Second)
	if total < 0 {
		total = 0
	}
	days := total / 86400
	hours := total % 86400 / 3600
	minutes := total % 3600 / 60
	seconds := total % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	parts = append(parts, fmt.Sprintf("%ds", seconds))
	return strings.Join(parts, " ")
}

func (h *requestHandler) GetHealthy(res http.ResponseWriter, _ *http.Request) {
	res.WriteHeader(http.StatusOK)
}

func (h *requestHandler) GetReady(res http.ResponseWriter, req *http.Request) {
	if h.ready != nil {
		if err := h.ready(req.Context()); err != nil {
			log.WithError(err).Warn("Readiness check failed")
			res.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	res.WriteHeader(http.StatusOK)
}

func (h *requestHandler) decodeBody(res http.ResponseWriter, req *http.Request, v interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(res, req.Body, maxRequestBodyLength)).Decode(v)
	if err != nil {
		log.WithError(err).Error("Error while unmarshalling scan request")
		h.WriteJSONError(res, api.Error{
			HTTPCode: http.StatusBadRequest,
			Message:  fmt.Sprintf("unmarshalling scan request: %s", err.Error()),
		})
		return false
	}
	return true
}

func (h *requestHandler) writeScanError(res http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, parser.ErrUnsupportedFileType),
		errors.Is(err, parser.ErrNoParserAvailable),
		errors.Is(err, parser.ErrMalformedManifest):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, scan.ErrCancelled):
		code = http.StatusServiceUnavailable
	}

	log.WithError(err).WithField("status", code).Error("Scan failed")
	h.WriteJSONError(res, api.Error{
		HTTPCode: code,
		Message:  err.Error(),
	})
}

func (h *requestHandler) notifyInBackground(result report.ScanResult) {
	if h.notifier == nil || !result.HasVulnerabilities() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notificationTimeout)
		defer cancel()
		if err := h.notifier.Notify(ctx, result); err != nil {
			log.WithError(err).WithField("repository", result.Repository).Warn("Sending notification failed")
		}
	}()
}
