package scenemesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-scenemesh/database"
	"go-scenemesh/metrics"
)

// SessionState is the lifecycle state of one connection's session.
type SessionState int32

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticating
	StateAwaitingScene
	StateResident
	StateTeleporting
	StateDisconnecting
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAwaitingScene:
		return "awaiting-scene"
	case StateResident:
		return "resident"
	case StateTeleporting:
		return "teleporting"
	case StateDisconnecting:
		return "disconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session ties one network connection to at most one character record.
type Session struct {
	mu          sync.Mutex
	conn        ConnID
	state       SessionState
	char        *CharacterRecord
	instance    *Instance
	readyCh     chan struct{}
	ready       bool
	teleporting bool
	tornDown    bool
}

// Conn returns the session's connection id.
func (s *Session) Conn() ConnID {
	return s.conn
}

// State returns the session's current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Character returns a copy of the session's character record.
func (s *Session) Character() CharacterRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.char == nil {
		return CharacterRecord{}
	}
	return *s.char
}

// SetPosition resets the character's position in place, with no state
// transition. Used by the boundary monitor's respawn teleport.
func (s *Session) SetPosition(p Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.char != nil {
		s.char.Position = p
	}
}

// SessionEventKind names a session state transition broadcast to
// in-process listeners.
type SessionEventKind string

const (
	EventCharacterConnected    SessionEventKind = "character-connected"
	EventCharacterDisconnected SessionEventKind = "character-disconnected"
	EventCharacterTeleported   SessionEventKind = "character-teleported"
)

// SessionEvent is one state-transition notification.
type SessionEvent struct {
	Kind      SessionEventKind
	Conn      ConnID
	Character CharacterRecord
}

// SessionManager owns every connection session on this process and the
// character indices other components read. Index mutation is single-writer
// under one lock; index reads are concurrent.
type SessionManager struct {
	mu     sync.RWMutex
	byID   map[int64]*Session
	byName map[string]*Session
	byConn map[ConnID]*Session

	store     Store
	registry  *Registry
	transport Transport
	scenes    SceneHost
	catalog   Catalog
	options   options

	events chan SessionEvent
}

// NewSessionManager creates a session manager.
func NewSessionManager(store Store, registry *Registry, transport Transport, scenes SceneHost, catalog Catalog, opts ...Option) *SessionManager {
	var o = defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &SessionManager{
		byID:      make(map[int64]*Session),
		byName:    make(map[string]*Session),
		byConn:    make(map[ConnID]*Session),
		store:     store,
		registry:  registry,
		transport: transport,
		scenes:    scenes,
		catalog:   catalog,
		options:   o,
		events:    make(chan SessionEvent, 128),
	}
}

// Events exposes the session state-transition feed. Interested in-process
// collaborators consume it; slow consumers drop events rather than block
// session handling.
func (m *SessionManager) Events() <-chan SessionEvent {
	return m.events
}

func (m *SessionManager) publish(event SessionEvent) {
	select {
	case m.events <- event:
	default:
		m.options.logger.Debug("session event dropped, listener too slow",
			"kind", event.Kind, "character_id", event.Character.ID)
	}
}

// HandleConnect drives a freshly authenticated connection through the
// session lifecycle until the character is resident. It blocks through
// AwaitingScene and the client's scene-ready acknowledgment; on any
// session-level failure the connection is kicked with a reason code and an
// error is returned.
func (m *SessionManager) HandleConnect(ctx context.Context, conn ConnID, characterID int64) error {
	var session, err = m.beginSession(conn, characterID)
	if err != nil {
		m.transport.Kick(conn, KickDuplicateSession)
		return err
	}

	char, err := m.authenticate(ctx, session, characterID)
	if err != nil {
		m.abort(ctx, session, kickReasonFor(err))
		return err
	}

	instance, err := m.awaitInstance(ctx, session, char.WorldID, char.SceneName)
	if err != nil {
		m.abort(ctx, session, KickSceneUnavailable)
		return err
	}

	if err := m.scenes.AttachConnection(conn, instance.Handle); err != nil {
		m.abort(ctx, session, KickSceneUnavailable)
		return fmt.Errorf("failed to attach connection to scene: %w", err)
	}

	if err := m.awaitSceneReady(ctx, session); err != nil {
		m.abort(ctx, session, KickSceneAttachTimeout)
		return err
	}

	return m.activate(ctx, session, instance)
}

func kickReasonFor(err error) KickReason {
	if err == ErrDuplicateSession {
		return KickDuplicateSession
	}
	return KickCharacterNotFound
}

// beginSession indexes a new session in Authenticating state. A character
// id that already has a live session on this process is rejected.
func (m *SessionManager) beginSession(conn ConnID, characterID int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[characterID]; exists {
		return nil, ErrDuplicateSession
	}
	if _, exists := m.byConn[conn]; exists {
		return nil, fmt.Errorf("connection %d already has a session", conn)
	}

	var session = &Session{
		conn:    conn,
		state:   StateAuthenticating,
		readyCh: make(chan struct{}),
	}
	m.byID[characterID] = session
	m.byConn[conn] = session

	return session, nil
}

// authenticate loads the character's persistent record and enforces the
// cross-process duplicate check via the store's online flag.
func (m *SessionManager) authenticate(ctx context.Context, session *Session, characterID int64) (*CharacterRecord, error) {
	var char, err = m.store.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load character %d: %w", characterID, err)
	}
	if char == nil {
		return nil, fmt.Errorf("character %d not found", characterID)
	}
	if char.Online {
		return nil, ErrDuplicateSession
	}

	// Characters load immortal until the client confirms the scene.
	char.SafeMode = true

	session.mu.Lock()
	session.char = char
	session.state = StateAwaitingScene
	session.mu.Unlock()

	return char, nil
}

// awaitInstance resolves a live instance for (worldID, sceneName). A miss
// enqueues a durable load request, then polls both the local registry and
// the store's lease table until an instance appears or the wait bound
// expires. Leases pulsed by other processes are adopted into the registry
// so occupancy stays keyed to a known instance.
func (m *SessionManager) awaitInstance(ctx context.Context, session *Session, worldID int32, sceneName string) (*Instance, error) {
	if instance, ok := m.registry.Lookup(worldID, sceneName); ok {
		return instance, nil
	}

	if err := m.store.EnqueueSceneLoad(ctx, worldID, sceneName); err != nil {
		return nil, fmt.Errorf("failed to enqueue scene load: %w", err)
	}

	var (
		timeout = time.After(m.options.sceneWaitTimeout)
		ticker  = time.NewTicker(m.options.sceneWaitPoll)
	)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, ErrSceneWaitTimeout
		case <-ticker.C:
			if instance, ok := m.registry.Lookup(worldID, sceneName); ok {
				return instance, nil
			}

			leases, err := m.store.ListSceneLeases(ctx, worldID, sceneName)
			if err != nil {
				m.options.logger.Warn("failed to poll scene leases", "error", err)
				continue
			}
			for _, lease := range leases {
				if time.Since(lease.LastPulse) <= m.options.leaseFreshness {
					return m.registry.Adopt(lease.WorldID, lease.SceneName, lease.Handle), nil
				}
			}
		}
	}
}

// awaitSceneReady blocks until the client's "scenes loaded" acknowledgment
// or the attach timeout.
func (m *SessionManager) awaitSceneReady(ctx context.Context, session *Session) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-session.readyCh:
		return nil
	case <-time.After(m.options.attachTimeout):
		return ErrSceneAttachFailure
	}
}

// ConfirmSceneReady records the client's "scenes loaded" acknowledgment.
func (m *SessionManager) ConfirmSceneReady(conn ConnID) {
	m.mu.RLock()
	var session = m.byConn[conn]
	m.mu.RUnlock()
	if session == nil {
		return
	}

	session.mu.Lock()
	if !session.ready {
		session.ready = true
		close(session.readyCh)
	}
	session.mu.Unlock()
}

// activate transitions the session to Resident: clear the load-safety flag,
// index by name, count occupancy, mark online in the store, and publish the
// connected notification.
func (m *SessionManager) activate(ctx context.Context, session *Session, instance *Instance) error {
	session.mu.Lock()
	var char = session.char
	char.SafeMode = false
	char.Online = true
	char.SceneHandle = instance.Handle
	session.instance = instance
	session.state = StateResident
	session.mu.Unlock()

	m.mu.Lock()
	m.byName[NameKey(char.Name)] = session
	m.mu.Unlock()

	m.registry.Join(instance)
	metrics.ResidentCharacters.Inc()

	if err := m.store.UpsertCharacter(ctx, char); err != nil {
		m.options.logger.Error("failed to persist online flag", "character_id", char.ID, "error", err)
	}

	m.publish(SessionEvent{Kind: EventCharacterConnected, Conn: session.conn, Character: *char})
	m.options.logger.Info("character resident",
		"character_id", char.ID,
		"name", char.Name,
		"world_id", char.WorldID,
		"scene", char.SceneName,
		"handle", char.SceneHandle)

	return nil
}

// abort kicks a failed pre-resident session and removes it from the
// indices without persisting anything.
func (m *SessionManager) abort(ctx context.Context, session *Session, reason KickReason) {
	m.transport.Kick(session.conn, reason)
	m.teardown(ctx, session, false)
}

// HandleDisconnect runs the Disconnecting path for a transport-level close.
// Re-entering after a teardown already ran is a no-op. A teleport in flight
// owns persistence, so this path skips it to avoid writing a stale
// position over the teleport destination.
func (m *SessionManager) HandleDisconnect(ctx context.Context, conn ConnID) {
	m.mu.RLock()
	var session = m.byConn[conn]
	m.mu.RUnlock()
	if session == nil {
		return
	}

	session.mu.Lock()
	var teleportInFlight = session.teleporting
	session.mu.Unlock()

	m.teardown(ctx, session, !teleportInFlight)
}

// teardown removes the session from all indices, decrements occupancy, and
// optionally persists the final record (position, online=false). It runs at
// most once per session regardless of how many paths reach it.
func (m *SessionManager) teardown(ctx context.Context, session *Session, persist bool) {
	session.mu.Lock()
	if session.tornDown {
		session.mu.Unlock()
		return
	}
	session.tornDown = true
	session.state = StateDisconnecting
	var (
		char     = session.char
		instance = session.instance
	)
	session.mu.Unlock()

	m.mu.Lock()
	delete(m.byConn, session.conn)
	if char != nil {
		delete(m.byID, char.ID)
		delete(m.byName, NameKey(char.Name))
	} else {
		// Pre-authentication sessions are only indexed by the id they
		// attempted; sweep it.
		for id, s := range m.byID {
			if s == session {
				delete(m.byID, id)
				break
			}
		}
	}
	m.mu.Unlock()

	if instance != nil {
		m.registry.Leave(instance)
		metrics.ResidentCharacters.Dec()
	}

	if persist && char != nil {
		// Immortalize, persist final state, then despawn.
		m.persistOffline(ctx, char)
	}

	session.mu.Lock()
	session.state = StateTerminated
	session.mu.Unlock()

	if char != nil {
		m.publish(SessionEvent{Kind: EventCharacterDisconnected, Conn: session.conn, Character: *char})
	}
}

// persistOffline writes a character's final despawned state: safe-mode on,
// online flag cleared.
func (m *SessionManager) persistOffline(ctx context.Context, char *CharacterRecord) {
	char.SafeMode = true
	char.Online = false
	if err := m.store.UpsertCharacter(ctx, char); err != nil {
		m.options.logger.Error("failed to persist character on disconnect",
			"character_id", char.ID, "error", err)
	}
}

// Teleport handles a validated teleporter interaction for a resident
// character. A destination with a live instance in the character's current
// world relocates in place; anything else persists the character at the
// destination and instructs the client to reconnect to the destination's
// world address, after which this process's record is torn down as if
// disconnected.
func (m *SessionManager) Teleport(ctx context.Context, conn ConnID, teleporterName string) error {
	m.mu.RLock()
	var session = m.byConn[conn]
	m.mu.RUnlock()
	if session == nil {
		return ErrNotResident
	}

	var dest, ok = m.catalog.Teleporter(teleporterName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTeleporter, teleporterName)
	}

	session.mu.Lock()
	if session.state != StateResident {
		session.mu.Unlock()
		return ErrNotResident
	}
	session.state = StateTeleporting
	session.teleporting = true
	var char = session.char
	session.mu.Unlock()

	if dest.WorldID == char.WorldID {
		if instance, ok := m.registry.Lookup(dest.WorldID, dest.Scene); ok {
			return m.relocateLocal(ctx, session, instance, dest)
		}
	}

	return m.relocateRemote(ctx, session, dest)
}

// relocateLocal performs a same-process teleport: no disconnect cycle, just
// a scene/handle swap and a physics move.
func (m *SessionManager) relocateLocal(ctx context.Context, session *Session, instance *Instance, dest TeleportDest) error {
	session.mu.Lock()
	if session.tornDown {
		// A disconnect landed mid-teleport and its teardown skipped the
		// persist; the abandoned teleport owns the final offline write.
		var char = session.char
		session.mu.Unlock()
		m.persistOffline(ctx, char)
		return ErrNotResident
	}
	var (
		char = session.char
		old  = session.instance
	)
	char.SceneName = dest.Scene
	char.SceneHandle = instance.Handle
	char.Position = dest.Position
	session.instance = instance
	session.state = StateResident
	session.teleporting = false

	// Swap occupancy before releasing the session lock, so a concurrent
	// teardown sees either the old instance or the new one fully joined.
	m.registry.Join(instance)
	m.registry.Leave(old)
	session.mu.Unlock()

	if err := m.scenes.RelocatePhysics(char.ID, instance.Handle); err != nil {
		m.options.logger.Error("failed to relocate physics", "character_id", char.ID, "error", err)
	}

	m.publish(SessionEvent{Kind: EventCharacterTeleported, Conn: session.conn, Character: *char})
	return nil
}

// relocateRemote persists the character at the destination with the safety
// flag set, points the client at the destination's world address, and tears
// the local record down without a second persist. The teardown is not an
// error condition.
func (m *SessionManager) relocateRemote(ctx context.Context, session *Session, dest TeleportDest) error {
	session.mu.Lock()
	var (
		char = session.char
		prev = *char
	)
	char.WorldID = dest.WorldID
	char.SceneName = dest.Scene
	char.SceneHandle = ""
	char.Position = dest.Position
	char.SafeMode = true
	char.Online = false
	session.mu.Unlock()

	if err := m.store.UpsertCharacter(ctx, char); err != nil {
		// Abandon the teleport; the character stays resident where it was,
		// unless a disconnect already tore the session down.
		session.mu.Lock()
		*char = prev
		var gone = session.tornDown
		if !gone {
			session.state = StateResident
			session.teleporting = false
		}
		session.mu.Unlock()
		if gone {
			m.persistOffline(ctx, char)
		}
		return fmt.Errorf("failed to persist teleport destination: %w", err)
	}

	_ = m.transport.Send(session.conn, "reconnect", map[string]any{
		"address":  dest.Address,
		"world_id": dest.WorldID,
		"scene":    dest.Scene,
	})

	m.publish(SessionEvent{Kind: EventCharacterTeleported, Conn: session.conn, Character: *char})
	m.teardown(ctx, session, false)
	return nil
}

// SubmitChat appends one chat line to the durable log on behalf of a
// resident character. Delivery happens through every process's chat pump,
// including this one's.
func (m *SessionManager) SubmitChat(ctx context.Context, conn ConnID, channel, body string) error {
	m.mu.RLock()
	var session = m.byConn[conn]
	m.mu.RUnlock()
	if session == nil || session.State() != StateResident {
		return ErrNotResident
	}

	var (
		char    = session.Character()
		message = ChatMessage{
			Channel: channel,
			Sender:  char.Name,
			Body:    body,
		}
	)

	switch channel {
	case "world":
		message.Scope = ScopeGlobal
	case "say":
		message.Scope = ScopeScene
		message.SceneName = char.SceneName
	case "guild", "party":
		var kind = database.GroupGuild
		if channel == "party" {
			kind = database.GroupParty
			message.Scope = ScopeParty
		} else {
			message.Scope = ScopeGuild
		}
		groupID, err := m.store.GroupOfCharacter(ctx, kind, char.ID)
		if err != nil {
			return fmt.Errorf("failed to resolve %s channel: %w", channel, err)
		}
		if groupID == 0 {
			return fmt.Errorf("character %d is not in a %s", char.ID, channel)
		}
		message.GroupID = groupID
	default:
		return fmt.Errorf("unknown chat channel %q", channel)
	}

	return m.store.InsertChatMessage(ctx, &message)
}

// Resident returns the session hosting a character id, if the character is
// currently resident.
func (m *SessionManager) Resident(characterID int64) (*Session, bool) {
	m.mu.RLock()
	var session = m.byID[characterID]
	m.mu.RUnlock()

	if session == nil || session.State() != StateResident {
		return nil, false
	}
	return session, true
}

// ResidentByName looks a resident character up by display name,
// case-insensitively.
func (m *SessionManager) ResidentByName(name string) (*Session, bool) {
	m.mu.RLock()
	var session = m.byName[NameKey(name)]
	m.mu.RUnlock()

	if session == nil || session.State() != StateResident {
		return nil, false
	}
	return session, true
}

// ResidentCount returns how many characters are resident right now.
func (m *SessionManager) ResidentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count = 0
	for _, session := range m.byID {
		if session.State() == StateResident {
			count++
		}
	}
	return count
}

// EachResident calls fn for every currently resident session. The index
// lock is not held during fn, so fn may call back into the manager.
func (m *SessionManager) EachResident(fn func(*Session)) {
	m.mu.RLock()
	var sessions = make([]*Session, 0, len(m.byID))
	for _, session := range m.byID {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	for _, session := range sessions {
		if session.State() == StateResident {
			fn(session)
		}
	}
}

// DisconnectAll force-disconnects every live session through the normal
// Disconnecting path so final state is persisted. Used at shutdown.
func (m *SessionManager) DisconnectAll(ctx context.Context) {
	m.mu.RLock()
	var sessions = make([]*Session, 0, len(m.byConn))
	for _, session := range m.byConn {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	for _, session := range sessions {
		m.transport.Kick(session.conn, KickServerShutdown)
		m.teardown(ctx, session, true)
	}
}
