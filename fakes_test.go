package scenemesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"go-scenemesh/database"
)

// fakeStore is an in-memory Store used by the unit tests. Event logs get a
// logical clock so cursor ordering is deterministic; tests that need
// timestamp ties append events with an explicit time.
type fakeStore struct {
	mu sync.Mutex

	characters map[int64]CharacterRecord
	leases     map[instanceKey]SceneLease
	pending    []PendingSceneLoad
	nextLoadID int64

	events      map[database.GroupKind][]GroupEvent
	rosters     map[database.GroupKind]map[int64][]GroupMember
	nextEventID int64

	chat       []ChatMessage
	nextChatID int64

	processes map[string]int

	rosterFetches int
	pingErr       error
	fetchErr      error
	upsertErr     error
	failUpserts   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		characters: make(map[int64]CharacterRecord),
		leases:     make(map[instanceKey]SceneLease),
		events:     make(map[database.GroupKind][]GroupEvent),
		rosters: map[database.GroupKind]map[int64][]GroupMember{
			database.GroupGuild: {},
			database.GroupParty: {},
		},
		processes: make(map[string]int),
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	return f.pingErr
}

func (f *fakeStore) GetCharacter(ctx context.Context, id int64) (*CharacterRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	char, ok := f.characters[id]
	if !ok {
		return nil, nil
	}
	return &char, nil
}

func (f *fakeStore) UpsertCharacter(ctx context.Context, record *CharacterRecord) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpserts > 0 {
		f.failUpserts--
		return errors.New("connection reset")
	}
	f.characters[record.ID] = *record
	return nil
}

func (f *fakeStore) character(id int64) CharacterRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.characters[id]
}

func (f *fakeStore) UpsertSceneLease(ctx context.Context, lease *SceneLease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leases[instanceKey{lease.WorldID, lease.SceneName, lease.Handle}] = *lease
	return nil
}

func (f *fakeStore) ListSceneLeases(ctx context.Context, worldID int32, sceneName string) ([]*SceneLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var leases []*SceneLease
	for key, lease := range f.leases {
		if key.worldID == worldID && key.sceneName == sceneName {
			var copied = lease
			leases = append(leases, &copied)
		}
	}
	return leases, nil
}

func (f *fakeStore) DeleteSceneLease(ctx context.Context, worldID int32, sceneName, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.leases, instanceKey{worldID, sceneName, handle})
	return nil
}

func (f *fakeStore) DeleteProcessLeases(ctx context.Context, processID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, lease := range f.leases {
		if lease.ProcessID == processID {
			delete(f.leases, key)
		}
	}
	return nil
}

func (f *fakeStore) EnqueueSceneLoad(ctx context.Context, worldID int32, sceneName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, request := range f.pending {
		if request.WorldID == worldID && request.SceneName == sceneName {
			return nil
		}
	}
	f.nextLoadID++
	f.pending = append(f.pending, PendingSceneLoad{
		ID:         f.nextLoadID,
		WorldID:    worldID,
		SceneName:  sceneName,
		EnqueuedAt: time.Now(),
	})
	return nil
}

func (f *fakeStore) ClaimSceneLoad(ctx context.Context) (*PendingSceneLoad, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		return nil, nil
	}
	var request = f.pending[0]
	f.pending = f.pending[1:]
	return &request, nil
}

func (f *fakeStore) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *fakeStore) InsertGroupEvent(ctx context.Context, kind database.GroupKind, groupID int64) error {
	f.appendGroupEvent(kind, groupID, time.Now())
	return nil
}

// appendGroupEvent appends one event row with an explicit timestamp, so
// tests can create timestamp ties.
func (f *fakeStore) appendGroupEvent(kind database.GroupKind, groupID int64, at time.Time) GroupEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextEventID++
	var event = GroupEvent{ID: f.nextEventID, GroupID: groupID, Time: at}
	f.events[kind] = append(f.events[kind], event)
	return event
}

func (f *fakeStore) FetchGroupEvents(ctx context.Context, kind database.GroupKind, after Cursor, limit int) ([]GroupEvent, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var events []GroupEvent
	for _, event := range f.events[kind] {
		if after.Less(event.Cursor()) {
			events = append(events, event)
		}
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (f *fakeStore) LatestGroupCursor(ctx context.Context, kind database.GroupKind) (Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var events = f.events[kind]
	if len(events) == 0 {
		return Cursor{}, nil
	}
	return events[len(events)-1].Cursor(), nil
}

func (f *fakeStore) FetchGroupRoster(ctx context.Context, kind database.GroupKind, groupID int64) ([]GroupMember, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rosterFetches++
	return append([]GroupMember(nil), f.rosters[kind][groupID]...), nil
}

func (f *fakeStore) setRoster(kind database.GroupKind, groupID int64, members ...GroupMember) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rosters[kind][groupID] = members
}

func (f *fakeStore) AddGroupMember(ctx context.Context, kind database.GroupKind, groupID int64, member GroupMember) error {
	f.mu.Lock()
	f.rosters[kind][groupID] = append(f.rosters[kind][groupID], member)
	f.mu.Unlock()
	f.appendGroupEvent(kind, groupID, time.Now())
	return nil
}

func (f *fakeStore) RemoveGroupMember(ctx context.Context, kind database.GroupKind, groupID, characterID int64) error {
	f.mu.Lock()
	var kept []GroupMember
	for _, member := range f.rosters[kind][groupID] {
		if member.CharacterID != characterID {
			kept = append(kept, member)
		}
	}
	f.rosters[kind][groupID] = kept
	f.mu.Unlock()
	f.appendGroupEvent(kind, groupID, time.Now())
	return nil
}

func (f *fakeStore) GroupOfCharacter(ctx context.Context, kind database.GroupKind, characterID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for groupID, members := range f.rosters[kind] {
		for _, member := range members {
			if member.CharacterID == characterID {
				return groupID, nil
			}
		}
	}
	return 0, nil
}

func (f *fakeStore) InsertChatMessage(ctx context.Context, message *ChatMessage) error {
	f.appendChat(*message, time.Now())
	return nil
}

func (f *fakeStore) appendChat(message ChatMessage, at time.Time) ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextChatID++
	message.ID = f.nextChatID
	message.Time = at
	f.chat = append(f.chat, message)
	return message
}

func (f *fakeStore) FetchChatMessages(ctx context.Context, after Cursor, limit int) ([]ChatMessage, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var messages []ChatMessage
	for _, message := range f.chat {
		if after.Less(message.Cursor()) {
			messages = append(messages, message)
		}
		if len(messages) == limit {
			break
		}
	}
	return messages, nil
}

func (f *fakeStore) LatestChatCursor(ctx context.Context) (Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.chat) == 0 {
		return Cursor{}, nil
	}
	return f.chat[len(f.chat)-1].Cursor(), nil
}

func (f *fakeStore) UpsertProcessPulse(ctx context.Context, processID string, residents int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processes[processID] = residents
	return nil
}

func (f *fakeStore) DeleteProcess(ctx context.Context, processID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.processes, processID)
	return nil
}

// sentMessage is one Send recorded by the fake transport.
type sentMessage struct {
	conn    ConnID
	msgType string
	payload any
}

type fakeTransport struct {
	mu    sync.Mutex
	sends []sentMessage
	kicks map[ConnID]KickReason
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{kicks: make(map[ConnID]KickReason)}
}

func (t *fakeTransport) Send(conn ConnID, msgType string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = append(t.sends, sentMessage{conn: conn, msgType: msgType, payload: payload})
	return nil
}

func (t *fakeTransport) Kick(conn ConnID, reason KickReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kicks[conn] = reason
}

func (t *fakeTransport) sentTo(conn ConnID, msgType string) []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	var matched []sentMessage
	for _, send := range t.sends {
		if send.conn == conn && send.msgType == msgType {
			matched = append(matched, send)
		}
	}
	return matched
}

func (t *fakeTransport) kickReason(conn ConnID) (KickReason, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var reason, ok = t.kicks[conn]
	return reason, ok
}

type fakeSceneHost struct {
	mu         sync.Mutex
	nextHandle int
	attaches   []ConnID
	relocates  []int64
	attachErr  error
}

func (h *fakeSceneHost) LoadScene(ctx context.Context, worldID int32, sceneName string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextHandle++
	return string(rune('a'+h.nextHandle-1)) + "-handle", nil
}

func (h *fakeSceneHost) AttachConnection(conn ConnID, handle string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attachErr != nil {
		return h.attachErr
	}
	h.attaches = append(h.attaches, conn)
	return nil
}

func (h *fakeSceneHost) RelocatePhysics(characterID int64, handle string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relocates = append(h.relocates, characterID)
	return nil
}

type fakeCatalog struct {
	regions     map[string][]Region
	respawns    map[string][]Position
	teleporters map[string]TeleportDest
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		regions:     make(map[string][]Region),
		respawns:    make(map[string][]Position),
		teleporters: make(map[string]TeleportDest),
	}
}

func (c *fakeCatalog) Regions(sceneName string) []Region {
	return c.regions[sceneName]
}

func (c *fakeCatalog) RespawnPoints(sceneName string) []Position {
	return c.respawns[sceneName]
}

func (c *fakeCatalog) Teleporter(fromName string) (TeleportDest, bool) {
	var dest, ok = c.teleporters[fromName]
	return dest, ok
}
