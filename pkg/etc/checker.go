package etc

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	log "github.com/sirupsen/logrus"
)

// Check checks config values to fail fast in case of any problems
// that we might have due to invalid config.
func Check(config Config) (err error) {
	log.WithFields(log.Fields{
		"pid": os.Getpid(),
	}).Debug("Current process")

	if config.API.IsTLSEnabled() {
		if !fileExists(config.API.TLSCertificate) {
			err = fmt.Errorf("TLS certificate file does not exist: %s", config.API.TLSCertificate)
			return
		}
		if !fileExists(config.API.TLSKey) {
			err = fmt.Errorf("TLS private key file does not exist: %s", config.API.TLSKey)
			return
		}
		for _, clientCA := range config.API.ClientCAs {
			if !fileExists(clientCA) {
				err = fmt.Errorf("ClientCA file does not exist: %s", clientCA)
				return
			}
		}
	}

	if config.API.MaxConnections < 0 {
		return errors.New("api max connections must not be negative")
	}

	if err = checkOSV(config.OSV); err != nil {
		return
	}

	if err = checkScan(config.Scan); err != nil {
		return
	}

	if config.JobQueue.WorkerConcurrency < 1 {
		return errors.New("job queue worker concurrency must be at least 1")
	}

	if config.LookupCache.Enabled && config.LookupCache.TTL <= 0 {
		return errors.New("lookup cache TTL must be positive")
	}

	switch config.Notification.Method {
	case NotificationLog, NotificationNone:
	case NotificationSlack:
		if config.Notification.SlackWebhookURL == "" {
			return errors.New("slack webhook URL must not be blank when notification method is slack")
		}
	default:
		return fmt.Errorf("unsupported notification method: %s", config.Notification.Method)
	}

	return
}

func checkOSV(config OSV) error {
	if config.URL == "" {
		return errors.New("OSV URL must not be blank")
	}
	u, err := url.ParseRequestURI(config.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid OSV URL: %s", config.URL)
	}
	if config.RateLimit <= 0 {
		return errors.New("OSV rate limit must be positive")
	}
	if config.RateBurst < 1 {
		return errors.New("OSV rate burst must be at least 1")
	}
	return nil
}

func checkScan(config Scan) error {
	if config.Concurrency < 1 {
		return errors.New("scan concurrency must be at least 1")
	}
	if config.MaxRetries < 0 {
		return errors.New("scan max retries must not be negative")
	}
	if config.LookupTimeout <= 0 {
		return errors.New("scan lookup timeout must be positive")
	}
	if config.InitialBackoff <= 0 || config.MaxBackoff < config.InitialBackoff {
		return errors.New("scan backoff must be positive and max backoff must not be lower than initial backoff")
	}
	return nil
}

// fileExists checks if a file exists and is not a directory before we
// try using it to prevent further errors.
func fileExists(name string) bool {
	info, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false
	}
	return !info.IsDir()
}
