package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/horus-sec/horus-scanner/pkg/etc"
	"github.com/horus-sec/horus-scanner/pkg/report"
	"github.com/horus-sec/horus-scanner/pkg/vuln"
)

// Notifier delivers a summary of a scan result. Callers invoke it only for
// results that have vulnerabilities.
type Notifier interface {
	Notify(ctx context.Context, result report.ScanResult) error
}

// New returns the notifier selected by the configuration, or nil when
// notifications are disabled.
func New(config etc.Notification) (Notifier, error) {
	switch config.Method {
	case etc.NotificationLog:
		return NewLogNotifier(), nil
	case etc.NotificationSlack:
		return NewSlackNotifier(config.SlackWebhookURL, config.SlackChannel), nil
	case etc.NotificationNone:
		return nil, nil
	default:
		return nil, xerrors.Errorf("unsupported notification method: %s", config.Method)
	}
}

type logNotifier struct{}

func NewLogNotifier() Notifier {
	return &logNotifier{}
}

func (n *logNotifier) Notify(_ context.Context, result report.ScanResult) error {
	fields := log.Fields{
		"repository":      result.Repository,
		"branch":          result.Branch,
		"commit_sha":      result.CommitSHA,
		"vulnerabilities": result.VulnerabilitiesCount(),
		"highest":         result.HighestSeverity().String(),
	}
	for _, s := range vuln.Severities() {
		fields["severity_"+strings.ToLower(s.String())] = result.VulnerabilitiesBySeverity[s]
	}
	log.WithFields(fields).Warn("Vulnerabilities found")
	return nil
}

const slackTopVulnerabilities = 5

var severityColors = map[vuln.Severity]string{
	vuln.SevCritical: "#8b0000",
	vuln.SevHigh:     "danger",
	vuln.SevMedium:   "warning",
	vuln.SevLow:      "#439fe0",
	vuln.SevUnknown:  "#999999",
}

type slackNotifier struct {
	webhookURL string
	channel    string
}

func NewSlackNotifier(webhookURL, channel string) Notifier {
	return &slackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
	}
}

func (n *slackNotifier) Notify(ctx context.Context, result report.ScanResult) error {
	if err := slack.PostWebhookContext(ctx, n.webhookURL, n.message(result)); err != nil {
		return xerrors.Errorf("posting slack webhook: %w", err)
	}
	return nil
}

func (n *slackNotifier) message(result report.ScanResult) *slack.WebhookMessage {
	var fields []slack.AttachmentField
	for i := len(vuln.Severities()) - 1; i >= 0; i-- {
		s := vuln.Severities()[i]
		fields = append(fields, slack.AttachmentField{
			Title: s.String(),
			Value: fmt.Sprintf("%d", result.VulnerabilitiesBySeverity[s]),
			Short: true,
		})
	}

	var lines []string
	for i, v := range result.Vulnerabilities {
		if i == slackTopVulnerabilities {
			lines = append(lines, fmt.Sprintf("and %d more", len(result.Vulnerabilities)-slackTopVulnerabilities))
			break
		}
		lines = append(lines, fmt.Sprintf("*%s* [%s] %s", v.ID, v.Severity, v.Summary))
	}

	return &slack.WebhookMessage{
		Channel: n.channel,
		Text: fmt.Sprintf("Found %d vulnerabilities in %s (%s) at %s",
			result.VulnerabilitiesCount(), result.Repository, result.Branch, result.CommitSHA),
		Attachments: []slack.Attachment{
			{
				Color:  severityColors[result.HighestSeverity()],
				Title:  "Vulnerabilities by severity",
				Text:   strings.Join(lines, "\n"),
				Fields: fields,
			},
		},
	}
}
