package scenemesh

import (
	"context"
	"fmt"
	"time"

	"go-scenemesh/database"
	"go-scenemesh/metrics"
)

// Node is one scene-server process's coordination core. It owns the session
// manager, the instance registry, and the background workers: the three
// sync pumps, the scene-load provisioner, the boundary monitor, and the
// heartbeat reporter. Processes never talk to each other directly; every
// cross-process effect flows through the store.
type Node struct {
	processID string
	store     Store
	registry  *Registry
	sessions  *SessionManager
	scenes    SceneHost
	guilds    *rosterReconciler
	parties   *rosterReconciler
	options   options
	cancel    context.CancelFunc

	guildPump *pump
	partyPump *pump
	chatPump  *pump
	boundary  *boundaryMonitor
	heartbeat *heartbeatReporter
}

// NewNode creates a node. The store, transport, scene host and content
// catalog are the node's four external collaborators.
func NewNode(processID string, store Store, transport Transport, scenes SceneHost, catalog Catalog, opts ...Option) *Node {
	var o = defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var (
		registry = NewRegistry()
		sessions = NewSessionManager(store, registry, transport, scenes, catalog, opts...)
		guilds   = newRosterReconciler(database.GroupGuild, store, sessions, transport, o.logger)
		parties  = newRosterReconciler(database.GroupParty, store, sessions, transport, o.logger)
		chat     = newChatDeliverer(store, sessions, transport, guilds, parties, o.logger)
	)

	return &Node{
		processID: processID,
		store:     store,
		registry:  registry,
		sessions:  sessions,
		scenes:    scenes,
		guilds:    guilds,
		parties:   parties,
		options:   o,
		guildPump: newPump("guild", guilds, o),
		partyPump: newPump("party", parties, o),
		chatPump:  newPump("chat", chat, o),
		boundary:  newBoundaryMonitor(sessions, catalog, transport, o),
		heartbeat: newHeartbeatReporter(store, sessions, registry, processID, o),
	}
}

// Sessions returns the node's session manager, which the transport
// collaborator routes connection lifecycle events into.
func (n *Node) Sessions() *SessionManager {
	return n.sessions
}

// Registry returns the node's scene instance registry.
func (n *Node) Registry() *Registry {
	return n.registry
}

// Start verifies the store is reachable, writes the initial liveness row,
// and launches the background workers.
//
// Context handling: the caller's context covers startup only. Workers run
// on a separate context.Background() so they outlive the caller's context
// and are stopped via the internal cancel function when Stop is called.
func (n *Node) Start(ctx context.Context) error {
	if err := n.store.Ping(ctx); err != nil {
		return fmt.Errorf("refusing to start: %w", err)
	}

	if err := n.store.UpsertProcessPulse(ctx, n.processID, 0, time.Now()); err != nil {
		return fmt.Errorf("failed to register process: %w", err)
	}

	var workerCtx context.Context
	workerCtx, n.cancel = context.WithCancel(context.Background())

	go n.provisionWorker(workerCtx)
	go n.sessionEventWorker(workerCtx)
	go n.guildPump.run(workerCtx)
	go n.partyPump.run(workerCtx)
	go n.chatPump.run(workerCtx)
	go n.boundary.run(workerCtx)
	go n.heartbeat.run(workerCtx)

	n.options.logger.Info("node started", "process_id", n.processID)
	return nil
}

// Stop gracefully shuts the node down: stop the timers, force-disconnect
// every resident through the normal Disconnecting path so final state is
// persisted, then delete this process's lease and liveness rows so no other
// process waits on a dead lease.
func (n *Node) Stop(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}

	n.sessions.DisconnectAll(ctx)

	if err := n.store.DeleteProcessLeases(ctx, n.processID); err != nil {
		return fmt.Errorf("failed to delete scene leases: %w", err)
	}
	if err := n.store.DeleteProcess(ctx, n.processID); err != nil {
		return fmt.Errorf("failed to delete process row: %w", err)
	}

	n.options.logger.Info("node stopped", "process_id", n.processID)
	return nil
}

// sessionEventWorker consumes the session state-transition feed. Each fresh
// resident seeds the guild and party snapshots for their groups, so
// group-scoped delivery works even when no membership event has flowed
// through the pumps since this process started.
func (n *Node) sessionEventWorker(ctx context.Context) {
	var events = n.sessions.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if event.Kind != EventCharacterConnected {
				continue
			}
			n.guilds.seedResident(ctx, event.Character.ID)
			n.parties.seedResident(ctx, event.Character.ID)
		}
	}
}

// provisionWorker services the pending scene-load queue. Each tick claims
// requests until the queue reads empty, bounded per tick so one process
// does not starve its own timers under a burst of requests.
func (n *Node) provisionWorker(ctx context.Context) {
	const maxClaimsPerTick = 8

	var ticker = time.NewTicker(n.options.provisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for range maxClaimsPerTick {
				claimed, err := n.provisionOne(ctx)
				if err != nil {
					n.options.logger.Error("scene provisioning failed", "error", err)
					break
				}
				if !claimed {
					break
				}
			}
		}
	}
}

// provisionOne claims a single pending request and loads the scene it
// names. The claim is atomic across processes; a request whose scene was
// concurrently loaded by a racing process is dropped rather than loaded
// twice.
func (n *Node) provisionOne(ctx context.Context) (bool, error) {
	var request, err = n.store.ClaimSceneLoad(ctx)
	if err != nil {
		return false, err
	}
	if request == nil {
		return false, nil
	}
	metrics.SceneLoadsClaimed.Inc()

	// Another load may have raced the enqueue; re-check before loading.
	if _, ok := n.registry.Lookup(request.WorldID, request.SceneName); ok {
		n.options.logger.Debug("pending load already satisfied",
			"world_id", request.WorldID, "scene", request.SceneName)
		return true, nil
	}

	handle, err := n.scenes.LoadScene(ctx, request.WorldID, request.SceneName)
	if err != nil {
		return true, fmt.Errorf("failed to load scene %s: %w", request.SceneName, err)
	}

	n.registry.Register(request.WorldID, request.SceneName, handle)

	var lease = &SceneLease{
		ProcessID: n.processID,
		WorldID:   request.WorldID,
		SceneName: request.SceneName,
		Handle:    handle,
		LastPulse: time.Now(),
	}
	if err := n.store.UpsertSceneLease(ctx, lease); err != nil {
		return true, fmt.Errorf("failed to publish scene lease: %w", err)
	}

	n.options.logger.Info("scene instance loaded",
		"world_id", request.WorldID,
		"scene", request.SceneName,
		"handle", handle)

	return true, nil
}
