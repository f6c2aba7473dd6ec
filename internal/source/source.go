// Package source fetches a user's source calendar and normalizes it into
// model events. The source kind is decided by the shape of the configured
// source id: http(s) URLs are ICS feeds, anything else is a remote calendar
// read through the Calendar API.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"

	"github.com/calmirror/calmirror/internal/calendar"
	"github.com/calmirror/calmirror/internal/model"
)

// Reader fetches the complete current set of source events, normalized to
// timezone-aware times and deduplicated by UID.
type Reader interface {
	Fetch(ctx context.Context) ([]model.Event, error)
}

// Options carries the shared dependencies readers are built from.
type Options struct {
	// HTTPClient performs ICS fetches. Production wiring uses
	// NewHTTPClient; tests inject their own.
	HTTPClient *http.Client

	// Cache enables conditional ICS fetches. Nil disables caching.
	Cache *Cache

	// UserAgent is sent with every ICS fetch.
	UserAgent string

	// Calendar reads remote-calendar sources.
	Calendar calendar.API

	// MaxAttempts bounds tries per source call, first attempt included.
	MaxAttempts int

	Logger *slog.Logger
}

// ForUser returns the reader for the user's configured source.
func ForUser(user *model.UserSyncConfig, opts Options) (Reader, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user", user.ID)

	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	if user.SourceIsICS() {
		loc, err := time.LoadLocation(user.SourceTimezone)
		if err != nil {
			return nil, fmt.Errorf("invalid source timezone %q: %w", user.SourceTimezone, err)
		}
		client := opts.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		return &ICSReader{
			url:         user.SourceID,
			loc:         loc,
			client:      client,
			cache:       opts.Cache,
			userAgent:   opts.UserAgent,
			maxAttempts: attempts,
			logger:      logger,
			sleep:       sleepCtx,
		}, nil
	}

	if opts.Calendar == nil {
		return nil, fmt.Errorf("no calendar client for remote-calendar source %q", user.SourceID)
	}
	return &GoogleReader{
		api:         opts.Calendar,
		calendarID:  user.SourceID,
		maxAttempts: attempts,
		logger:      logger,
		sleep:       sleepCtx,
	}, nil
}

// NewHTTPClient returns the HTTP client used for ICS fetches. Unless
// allowPrivate is set, requests to private, loopback, and link-local
// addresses are refused, with the check applied after DNS resolution so
// rebinding tricks do not get around it.
func NewHTTPClient(timeout time.Duration, allowPrivate bool) *http.Client {
	if allowPrivate {
		return &http.Client{Timeout: timeout}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
