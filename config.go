package larder

import (
	"fmt"
	"log/slog"
	"time"
)

// Defaults applied by [Config.WithDefaults].
const (
	DefaultCacheTTL           = 24 * time.Hour
	DefaultIdleThreshold      = 30 * time.Second
	DefaultPollInterval       = 10 * time.Second
	DefaultDirtyTTL           = 30 * time.Second
	DefaultTaskTimeout        = 30 * time.Second
	DefaultRefreshMaxAttempts = 5
)

// TaskTypeRefresh is the built-in task type for a full remote refresh of all
// registered collections. The engine registers its handler automatically.
const TaskTypeRefresh = "full-refresh"

// Config configures an [Engine]. Collaborators are injected as interfaces;
// only Collections and Remote are mandatory.
type Config struct {
	// Collections registers the collection names the engine manages.
	Collections []CollectionName

	// Indices declares the derived indices maintained over the collections.
	Indices []IndexDef

	// Remote is the remote source of truth (pull + push).
	Remote RemoteSource

	// Cache is the durable snapshot store. Nil disables persistence: every
	// start is a cold start.
	Cache CacheStore

	// Network reports connectivity capability. Nil assumes always suitable.
	Network NetworkSource

	// Activity optionally streams interaction signals into the activity
	// monitor. Callers can also push signals via [Engine.NotifyActivity].
	Activity ActivitySource

	// Logger receives structured logs. Nil falls back to slog.Default().
	Logger *slog.Logger

	// CacheTTL is how long a persisted snapshot counts as fresh.
	CacheTTL time.Duration

	// IdleThreshold is the quiet period after which the user counts as idle.
	IdleThreshold time.Duration

	// PollInterval is the scheduler's fixed wakeup cadence.
	PollInterval time.Duration

	// DirtyTTL bounds how long a local optimistic edit stays marked dirty
	// without remote confirmation before the mark is cleared unconditionally.
	DirtyTTL time.Duration

	// TaskTimeout bounds each sync task body. A timed-out task counts as a
	// transient failure and follows the normal retry path.
	TaskTimeout time.Duration

	// RefreshMaxAttempts is the retry budget for the built-in refresh task.
	RefreshMaxAttempts int
}

// WithDefaults returns a copy of cfg with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.IdleThreshold == 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DirtyTTL == 0 {
		c.DirtyTTL = DefaultDirtyTTL
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.RefreshMaxAttempts == 0 {
		c.RefreshMaxAttempts = DefaultRefreshMaxAttempts
	}
	return c
}

// Validate checks that the configuration is complete and well-formed.
func (c Config) Validate() error {
	if len(c.Collections) == 0 {
		return &ValidationError{Message: "at least one collection is required"}
	}
	if c.Remote == nil {
		return &ValidationError{Message: "a remote source is required"}
	}
	known := make(map[CollectionName]bool, len(c.Collections))
	for _, name := range c.Collections {
		known[name] = true
	}
	for _, def := range c.Indices {
		if !known[def.Source] {
			return &ValidationError{Collection: def.Source, Message: fmt.Sprintf("index %q sources an unregistered collection", def.Name)}
		}
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"cache_ttl", c.CacheTTL},
		{"idle_threshold", c.IdleThreshold},
		{"poll_interval", c.PollInterval},
		{"dirty_ttl", c.DirtyTTL},
	} {
		if d.v < 0 {
			return &ValidationError{Message: fmt.Sprintf("%s cannot be negative", d.name)}
		}
	}
	return nil
}
