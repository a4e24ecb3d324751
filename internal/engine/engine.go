// Package engine implements the reconciliation and notification sweep:
// project discovery from starred repositories, release synchronization with
// notification eligibility, and idempotent outbound delivery.
package engine

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/releasebell/releasebell/internal/mail"
	"github.com/releasebell/releasebell/internal/provider"
	"github.com/releasebell/releasebell/internal/store"
)

const (
	defaultInterval         = time.Hour
	defaultStaleAfter       = 10 * 24 * time.Hour
	defaultBodyLimit        = 1000
	defaultStorageBodyLimit = 65000

	commitMessagePrefix = "Latest commit message:\n"
	ellipsisMarker      = "..."
)

var (
	errMissingStore     = errors.New("engine: store is required")
	errMissingProviders = errors.New("engine: provider registry is required")
	errMissingMailer    = errors.New("engine: mailer is required")
)

// Mailer delivers one notification. An unconfigured transport must report
// success without delivering.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// Config describes the engine dependencies and policy tunables.
type Config struct {
	Store     *store.Store
	Providers *provider.Registry
	Mailer    Mailer
	Logger    *zap.Logger
	Clock     func() time.Time
	Ordering  Ordering

	// AppOrigin is the public base URL of the service, used for the
	// settings link in notification mails. Optional.
	AppOrigin string

	// Interval is the default delay between sweeps.
	Interval time.Duration
	// StaleAfter suppresses notifications for releases older than this,
	// guarding against providers that return tags without reliable
	// creation order.
	StaleAfter time.Duration
	// BodyLimit caps the commit-message fallback body.
	BodyLimit int
	// StorageBodyLimit caps the persisted release body.
	StorageBodyLimit int
}

// Engine runs the three sweep phases over the shared store.
type Engine struct {
	store     *store.Store
	providers *provider.Registry
	mailer    Mailer
	logger    *zap.Logger
	clock     func() time.Time
	ordering  Ordering
	appOrigin string

	interval         time.Duration
	staleAfter       time.Duration
	bodyLimit        int
	storageBodyLimit int

	retrySignal retrySignal
}

// New constructs the engine, applying policy defaults for unset tunables.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Providers == nil {
		return nil, errMissingProviders
	}
	if cfg.Mailer == nil {
		return nil, errMissingMailer
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ordering := cfg.Ordering
	if ordering == nil {
		ordering = RandomOrdering{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	bodyLimit := cfg.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = defaultBodyLimit
	}
	storageBodyLimit := cfg.StorageBodyLimit
	if storageBodyLimit <= 0 {
		storageBodyLimit = defaultStorageBodyLimit
	}

	return &Engine{
		store:            cfg.Store,
		providers:        cfg.Providers,
		mailer:           cfg.Mailer,
		logger:           logger,
		clock:            clock,
		ordering:         ordering,
		appOrigin:        cfg.AppOrigin,
		interval:         interval,
		staleAfter:       staleAfter,
		bodyLimit:        bodyLimit,
		storageBodyLimit: storageBodyLimit,
	}, nil
}

// Interval returns the default delay between sweeps.
func (e *Engine) Interval() time.Duration {
	return e.interval
}

// noteRetryAt records a provider-reported rate-limit reset so the scheduler
// can delay the next sweep accordingly.
func (e *Engine) noteRetryAt(err error) {
	if retryAt, ok := provider.RetryAt(err); ok && retryAt > 0 {
		e.retrySignal.note(retryAt)
	}
}

// ConsumeRetryAt returns the recorded rate-limit reset time (epoch
// milliseconds, zero when none) and clears the signal.
func (e *Engine) ConsumeRetryAt() int64 {
	return e.retrySignal.consume()
}

// truncate shortens s to at most limit bytes without splitting a rune,
// appending an ellipsis marker when content was dropped.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsisMarker
}
