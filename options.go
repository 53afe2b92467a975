package scenemesh

import (
	"io"
	"log/slog"
	"time"
)

// options configures Node behavior (internal only).
type options struct {
	pollInterval      time.Duration
	boundaryInterval  time.Duration
	heartbeatInterval time.Duration
	provisionInterval time.Duration
	fetchLimit        int
	attachTimeout     time.Duration
	sceneWaitTimeout  time.Duration
	sceneWaitPoll     time.Duration
	leaseFreshness    time.Duration
	logger            *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		pollInterval:      2 * time.Second,
		boundaryInterval:  3 * time.Second,
		heartbeatInterval: 5 * time.Second,
		provisionInterval: time.Second,
		fetchLimit:        200,
		attachTimeout:     10 * time.Second,
		sceneWaitTimeout:  30 * time.Second,
		sceneWaitPoll:     500 * time.Millisecond,
		leaseFreshness:    15 * time.Second,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Node.
type Option func(*options)

// WithPollInterval sets the sync-pump poll interval. Social-state staleness
// is bounded by this interval plus fetch latency.
func WithPollInterval(interval time.Duration) Option {
	return func(o *options) {
		o.pollInterval = interval
	}
}

// WithBoundaryInterval sets how often resident characters are checked
// against their scene's regions.
func WithBoundaryInterval(interval time.Duration) Option {
	return func(o *options) {
		o.boundaryInterval = interval
	}
}

// WithHeartbeatInterval sets how often the process pulses its liveness row
// and scene leases.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeatInterval = interval
	}
}

// WithProvisionInterval sets how often the pending scene-load queue is
// polled for work.
func WithProvisionInterval(interval time.Duration) Option {
	return func(o *options) {
		o.provisionInterval = interval
	}
}

// WithFetchLimit caps the number of event rows one pump tick fetches.
func WithFetchLimit(limit int) Option {
	return func(o *options) {
		o.fetchLimit = limit
	}
}

// WithSceneAttachTimeout bounds how long a session waits for the client's
// "scenes loaded" acknowledgment before the connection is kicked.
func WithSceneAttachTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.attachTimeout = timeout
	}
}

// WithSceneWaitTimeout bounds how long a session blocks in AwaitingScene
// for an instance to appear. A process that never provisions the scene
// fails the session instead of leaking a waiting task.
func WithSceneWaitTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.sceneWaitTimeout = timeout
		if o.sceneWaitPoll > timeout/4 {
			o.sceneWaitPoll = timeout / 4
		}
	}
}

// WithLeaseFreshness sets how recent a store lease pulse must be for
// another process's instance to count as alive.
func WithLeaseFreshness(freshness time.Duration) Option {
	return func(o *options) {
		o.leaseFreshness = freshness
	}
}

// WithLogger sets the logger for the node.
// If the logger is nil, the node will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
