package scenemesh

import (
	"context"
	"log/slog"
	"time"
)

// heartbeatReporter periodically writes this process's liveness and
// occupancy back to the store. Other processes and operational tooling
// infer a crash from a stale pulse and reclaim the dead process's lease
// rows; that reclamation policy lives outside this core.
type heartbeatReporter struct {
	store     Store
	sessions  *SessionManager
	registry  *Registry
	processID string
	interval  time.Duration
	logger    *slog.Logger
}

func newHeartbeatReporter(store Store, sessions *SessionManager, registry *Registry, processID string, o options) *heartbeatReporter {
	return &heartbeatReporter{
		store:     store,
		sessions:  sessions,
		registry:  registry,
		processID: processID,
		interval:  o.heartbeatInterval,
		logger:    o.logger,
	}
}

func (h *heartbeatReporter) run(ctx context.Context) {
	var ticker = time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.pulse(ctx); err != nil {
				h.logger.Error("heartbeat pulse failed", "error", err)
			}
		}
	}
}

// pulse writes the process row and refreshes every locally owned scene
// lease with its current occupancy.
func (h *heartbeatReporter) pulse(ctx context.Context) error {
	var now = time.Now()

	if err := h.store.UpsertProcessPulse(ctx, h.processID, h.sessions.ResidentCount(), now); err != nil {
		return err
	}

	for _, lease := range h.registry.LocalInstances() {
		lease.ProcessID = h.processID
		lease.LastPulse = now
		if err := h.store.UpsertSceneLease(ctx, &lease); err != nil {
			return err
		}
	}

	return nil
}
