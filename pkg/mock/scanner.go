package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/horus-sec/horus-scanner/pkg/dependency"
	"github.com/horus-sec/horus-scanner/pkg/report"
	"github.com/horus-sec/horus-scanner/pkg/vuln"
)

type Scanner struct {
	mock.Mock
}

func NewScanner() *Scanner {
	return &Scanner{}
}

func (s *Scanner) Scan(ctx context.Context, req report.ScanRequest) (report.ScanResult, error) {
	args := s.Called(ctx, req)
	return args.Get(0).(report.ScanResult), args.Error(1)
}

func (s *Scanner) ScanRepository(ctx context.Context, req report.RepositoryScanRequest) (report.ScanResult, error) {
	args := s.Called(ctx, req)
	return args.Get(0).(report.ScanResult), args.Error(1)
}

type Lookup struct {
	mock.Mock
}

func NewLookup() *Lookup {
	return &Lookup{}
}

func (l *Lookup) Lookup(ctx context.Context, dep dependency.Package) ([]vuln.Vulnerability, error) {
	args := l.Called(ctx, dep)
	var vulnerabilities []vuln.Vulnerability
	if v := args.Get(0); v != nil {
		vulnerabilities = v.([]vuln.Vulnerability)
	}
	return vulnerabilities, args.Error(1)
}

type Notifier struct {
	mock.Mock
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Notify(ctx context.Context, result report.ScanResult) error {
	args := n.Called(ctx, result)
	return args.Error(0)
}
