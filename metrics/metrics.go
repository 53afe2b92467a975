// Package metrics exposes Prometheus collectors for the coordination core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PumpTicks counts sync-pump ticks that performed a fetch, per pump.
	PumpTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scenemesh_pump_ticks_total",
		Help: "Number of sync pump ticks executed",
	}, []string{"pump"})

	// PumpErrors counts ticks abandoned on a store error, per pump.
	PumpErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scenemesh_pump_errors_total",
		Help: "Number of sync pump ticks abandoned due to store errors",
	}, []string{"pump"})

	// EventsFetched counts event rows consumed from the store, per pump.
	EventsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scenemesh_events_fetched_total",
		Help: "Number of event rows fetched from the store",
	}, []string{"pump"})

	// NotificationsDelivered counts notifications fanned out to resident
	// characters, by notification kind.
	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scenemesh_notifications_delivered_total",
		Help: "Number of notifications delivered to resident characters",
	}, []string{"kind"})

	// ResidentCharacters tracks how many characters are resident.
	ResidentCharacters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scenemesh_resident_characters",
		Help: "Number of characters currently resident on this process",
	})

	// SceneLoadsClaimed counts pending scene-load requests this process won.
	SceneLoadsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scenemesh_scene_loads_claimed_total",
		Help: "Number of pending scene load requests claimed by this process",
	})

	// BoundaryRespawns counts characters repositioned by the boundary
	// monitor.
	BoundaryRespawns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scenemesh_boundary_respawns_total",
		Help: "Number of out-of-bounds characters teleported to a respawn point",
	})
)
