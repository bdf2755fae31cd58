package report

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter ships unhandled faults somewhere outside the process.
type Reporter interface {
	Report(thread string, err error)
	// Flush waits up to timeout for queued reports to be delivered.
	Flush(timeout time.Duration) bool
}

// Config selects the sentry project. An empty DSN disables delivery.
type Config struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
	Release     string `yaml:"release"`
}

// SentryReporter reports faults through a dedicated sentry hub.
type SentryReporter struct {
	hub *sentry.Hub

	mu      sync.Mutex
	reports uint64
}

// NewSentryReporter creates a reporter bound to its own client.
// With an empty DSN the client is still created but drops every event.
func NewSentryReporter(cfg Config) (*SentryReporter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("create sentry client: %w", err)
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *SentryReporter) Report(thread string, err error) {
	if err == nil {
		return
	}
	hub := r.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("thread", thread)
	})
	hub.CaptureException(err)

	r.mu.Lock()
	r.reports++
	r.mu.Unlock()
}

func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// Reports returns how many faults were handed to sentry.
func (r *SentryReporter) Reports() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reports
}

// Nop discards reports.
type Nop struct{}

func (Nop) Report(string, error) {}

func (Nop) Flush(time.Duration) bool { return true }
