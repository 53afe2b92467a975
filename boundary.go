package scenemesh

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"go-scenemesh/metrics"
)

// boundaryMonitor periodically checks every resident character against the
// regions declared for its scene and repositions anyone outside all of
// them. A scene with no declared regions is treated as unbounded: missing
// region data must never strand players.
type boundaryMonitor struct {
	sessions  *SessionManager
	catalog   Catalog
	transport Transport
	interval  time.Duration
	logger    *slog.Logger
}

func newBoundaryMonitor(sessions *SessionManager, catalog Catalog, transport Transport, o options) *boundaryMonitor {
	return &boundaryMonitor{
		sessions:  sessions,
		catalog:   catalog,
		transport: transport,
		interval:  o.boundaryInterval,
		logger:    o.logger,
	}
}

func (b *boundaryMonitor) run(ctx context.Context) {
	var ticker = time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep checks every resident once.
func (b *boundaryMonitor) sweep() {
	b.sessions.EachResident(func(session *Session) {
		var char = session.Character()

		var regions = b.catalog.Regions(char.SceneName)
		if len(regions) == 0 {
			return
		}
		for _, region := range regions {
			if region.Contains(char.Position) {
				return
			}
		}

		b.respawn(session, char)
	})
}

// respawn moves an out-of-bounds character to a uniformly random respawn
// point of its scene. An empty respawn set is a content configuration
// error: it is logged loudly and the character is left in place rather
// than crashing the monitor.
func (b *boundaryMonitor) respawn(session *Session, char CharacterRecord) {
	var points = b.catalog.RespawnPoints(char.SceneName)
	if len(points) == 0 {
		b.logger.Error("out-of-bounds character cannot be respawned",
			"character_id", char.ID,
			"scene", char.SceneName,
			"error", ErrNoRespawnPoints)
		return
	}

	var point = points[rand.IntN(len(points))]
	session.SetPosition(point)
	metrics.BoundaryRespawns.Inc()

	// Position reset only, no state-machine transition.
	_ = b.transport.Send(session.Conn(), "position-reset", point)

	b.logger.Info("respawned out-of-bounds character",
		"character_id", char.ID,
		"scene", char.SceneName)
}
