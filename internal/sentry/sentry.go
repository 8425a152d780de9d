// Package sentry forwards errors the capture path swallows to Sentry.
// Nothing is sent unless sentry.enabled is set and a DSN is configured.
package sentry

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/NeverVane/omniscient/internal/config"
	"github.com/NeverVane/omniscient/internal/logger"
	"github.com/NeverVane/omniscient/internal/redact"
)

const appName = "omniscient"

// Reporter sends sanitized error events through an isolated hub
type Reporter struct {
	hub         *sentry.Hub
	logger      *logger.Logger
	redactor    *redact.Redactor
	homeDir     string
	initialized bool
}

// Option customizes the sentry client
type Option func(*sentry.ClientOptions)

// WithTransport replaces the HTTP transport
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) {
		o.Transport = t
	}
}

// NewReporter builds a Reporter from cfg. A disabled or DSN-less config
// yields a Reporter whose methods are no-ops.
func NewReporter(cfg *config.Config, release string, opts ...Option) (*Reporter, error) {
	r := &Reporter{
		logger: logger.GetLogger().WithComponent("sentry"),
	}
	r.homeDir, _ = os.UserHomeDir()

	if cfg == nil || !cfg.Sentry.Enabled {
		r.logger.Debug().Msg("Sentry reporting disabled")
		return r, nil
	}
	if cfg.Sentry.DSN == "" {
		r.logger.Warn().Msg("Sentry DSN not configured, reporting disabled")
		return r, nil
	}

	redactor, err := cfg.Redactor()
	if err != nil {
		return nil, fmt.Errorf("failed to build redactor for sentry events: %w", err)
	}
	r.redactor = redactor

	clientOptions := sentry.ClientOptions{
		Dsn:              cfg.Sentry.DSN,
		Environment:      cfg.Sentry.Environment,
		Release:          release,
		SampleRate:       cfg.Sentry.SampleRate,
		Debug:            cfg.Sentry.Debug,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			return r.sanitizeEvent(event)
		},
	}
	for _, opt := range opts {
		opt(&clientOptions)
	}

	client, err := sentry.NewClient(clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry SDK: %w", err)
	}

	scope := sentry.NewScope()
	scope.SetTag("app.name", appName)
	scope.SetTag("app.version", release)
	scope.SetTag("os", runtime.GOOS)
	scope.SetTag("arch", runtime.GOARCH)
	scope.SetTag("go_version", runtime.Version())

	r.hub = sentry.NewHub(client, scope)
	r.initialized = true

	r.logger.Debug().
		Str("environment", cfg.Sentry.Environment).
		Str("release", release).
		Float64("sample_rate", cfg.Sentry.SampleRate).
		Msg("Sentry reporting initialized")

	return r, nil
}

// IsEnabled reports whether events are sent
func (r *Reporter) IsEnabled() bool {
	return r != nil && r.initialized
}

// ReportError sends err tagged with operation. Each event gets a fresh
// correlation id, which is returned so it can be logged next to the error.
func (r *Reporter) ReportError(err error, operation string, tags map[string]string) string {
	if !r.IsEnabled() || err == nil {
		return ""
	}

	correlationID := uuid.NewString()

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "capture")
		scope.SetTag("operation", operation)
		scope.SetTag("correlation_id", correlationID)
		for key, value := range tags {
			scope.SetTag(key, r.sanitizeValue(value))
		}
		scope.SetContext("operation", map[string]interface{}{
			"operation": operation,
			"timestamp": time.Now().UTC(),
		})
		r.hub.CaptureException(err)
	})

	r.logger.Debug().
		Str("operation", operation).
		Str("correlation_id", correlationID).
		Err(err).
		Msg("Error reported to Sentry")

	return correlationID
}

// Flush waits for queued events
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.IsEnabled() {
		return true
	}
	return r.hub.Flush(timeout)
}

// Close flushes and disables the reporter
func (r *Reporter) Close() {
	if r.IsEnabled() {
		r.Flush(2 * time.Second)
		r.initialized = false
	}
}

// sanitizeValue keeps command text and home paths out of events: a value
// the redactor flags is dropped and the home directory becomes ~.
func (r *Reporter) sanitizeValue(value string) string {
	if value == "" {
		return value
	}
	if r.redactor.ShouldRedact(value) {
		return "[REDACTED]"
	}
	if r.homeDir != "" && r.homeDir != "/" {
		value = strings.ReplaceAll(value, r.homeDir, "~")
	}
	return value
}

func (r *Reporter) sanitizeEvent(event *sentry.Event) *sentry.Event {
	if event == nil {
		return nil
	}

	event.Message = r.sanitizeValue(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = r.sanitizeValue(event.Exception[i].Value)
	}
	for key, value := range event.Tags {
		event.Tags[key] = r.sanitizeValue(value)
	}

	event.User = sentry.User{}
	event.ServerName = ""
	event.Request = nil

	return event
}
