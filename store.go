package scenemesh

import (
	"context"
	"fmt"
	"time"

	"go-scenemesh/database"
)

// Store is the durable-store contract the coordination core runs against.
// Every call is a short synchronous request; there is no streaming or
// subscription primitive, and cross-process coordination happens only
// through these operations.
type Store interface {
	Ping(ctx context.Context) error

	// Characters.
	GetCharacter(ctx context.Context, id int64) (*CharacterRecord, error)
	UpsertCharacter(ctx context.Context, record *CharacterRecord) error

	// Scene leases.
	UpsertSceneLease(ctx context.Context, lease *SceneLease) error
	ListSceneLeases(ctx context.Context, worldID int32, sceneName string) ([]*SceneLease, error)
	DeleteSceneLease(ctx context.Context, worldID int32, sceneName, handle string) error
	DeleteProcessLeases(ctx context.Context, processID string) error

	// Pending scene-load queue. ClaimSceneLoad is the atomic
	// claim-and-delete primitive: under a concurrent race exactly one
	// caller receives a given request, the others see an empty queue.
	EnqueueSceneLoad(ctx context.Context, worldID int32, sceneName string) error
	ClaimSceneLoad(ctx context.Context) (*PendingSceneLoad, error)

	// Membership event logs and rosters.
	InsertGroupEvent(ctx context.Context, kind database.GroupKind, groupID int64) error
	FetchGroupEvents(ctx context.Context, kind database.GroupKind, after Cursor, limit int) ([]GroupEvent, error)
	LatestGroupCursor(ctx context.Context, kind database.GroupKind) (Cursor, error)
	FetchGroupRoster(ctx context.Context, kind database.GroupKind, groupID int64) ([]GroupMember, error)
	AddGroupMember(ctx context.Context, kind database.GroupKind, groupID int64, member GroupMember) error
	RemoveGroupMember(ctx context.Context, kind database.GroupKind, groupID, characterID int64) error
	GroupOfCharacter(ctx context.Context, kind database.GroupKind, characterID int64) (int64, error)

	// Chat log.
	InsertChatMessage(ctx context.Context, message *ChatMessage) error
	FetchChatMessages(ctx context.Context, after Cursor, limit int) ([]ChatMessage, error)
	LatestChatCursor(ctx context.Context) (Cursor, error)

	// Process liveness.
	UpsertProcessPulse(ctx context.Context, processID string, residents int, at time.Time) error
	DeleteProcess(ctx context.Context, processID string) error
}

// pgStore adapts database.Queries to the Store contract.
type pgStore struct {
	db      database.DBTX
	queries *database.Queries
}

// NewStore creates a Postgres-backed Store. All tables are prefixed with
// tableName, matching what database.Migrate created.
func NewStore(db database.DBTX, tableName string) Store {
	return &pgStore{
		db:      db,
		queries: database.NewQueries(db, tableName),
	}
}

func (s *pgStore) Ping(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	return nil
}

func (s *pgStore) GetCharacter(ctx context.Context, id int64) (*CharacterRecord, error) {
	var row, err = s.queries.GetCharacter(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	return &CharacterRecord{
		ID:        row.ID,
		Name:      row.Name,
		WorldID:   row.WorldID,
		SceneName: row.SceneName,
		Position:  Position{X: row.PosX, Y: row.PosY, Z: row.PosZ},
		Online:    row.Online,
		SafeMode:  row.SafeMode,
	}, nil
}

func (s *pgStore) UpsertCharacter(ctx context.Context, record *CharacterRecord) error {
	return s.queries.UpsertCharacter(ctx, &database.CharacterRow{
		ID:        record.ID,
		Name:      record.Name,
		WorldID:   record.WorldID,
		SceneName: record.SceneName,
		PosX:      record.Position.X,
		PosY:      record.Position.Y,
		PosZ:      record.Position.Z,
		Online:    record.Online,
		SafeMode:  record.SafeMode,
		UpdatedAt: time.Now(),
	})
}

func (s *pgStore) UpsertSceneLease(ctx context.Context, lease *SceneLease) error {
	return s.queries.UpsertSceneLease(ctx, &database.SceneLeaseRow{
		ProcessID: lease.ProcessID,
		WorldID:   lease.WorldID,
		SceneName: lease.SceneName,
		Handle:    lease.Handle,
		Occupancy: lease.Occupancy,
		LastPulse: lease.LastPulse,
	})
}

func (s *pgStore) ListSceneLeases(ctx context.Context, worldID int32, sceneName string) ([]*SceneLease, error) {
	var rows, err = s.queries.ListSceneLeases(ctx, worldID, sceneName)
	if err != nil {
		return nil, err
	}

	var leases = make([]*SceneLease, len(rows))
	for i, row := range rows {
		leases[i] = &SceneLease{
			ProcessID: row.ProcessID,
			WorldID:   row.WorldID,
			SceneName: row.SceneName,
			Handle:    row.Handle,
			Occupancy: row.Occupancy,
			LastPulse: row.LastPulse,
		}
	}

	return leases, nil
}

func (s *pgStore) DeleteSceneLease(ctx context.Context, worldID int32, sceneName, handle string) error {
	return s.queries.DeleteSceneLease(ctx, worldID, sceneName, handle)
}

func (s *pgStore) DeleteProcessLeases(ctx context.Context, processID string) error {
	return s.queries.DeleteProcessLeases(ctx, processID)
}

func (s *pgStore) EnqueueSceneLoad(ctx context.Context, worldID int32, sceneName string) error {
	return s.queries.EnqueueSceneLoad(ctx, worldID, sceneName, time.Now())
}

func (s *pgStore) ClaimSceneLoad(ctx context.Context) (*PendingSceneLoad, error) {
	var row, err = s.queries.ClaimSceneLoad(ctx)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	return &PendingSceneLoad{
		ID:         row.ID,
		WorldID:    row.WorldID,
		SceneName:  row.SceneName,
		EnqueuedAt: row.EnqueuedAt,
	}, nil
}

func (s *pgStore) InsertGroupEvent(ctx context.Context, kind database.GroupKind, groupID int64) error {
	return s.queries.InsertGroupEvent(ctx, kind, groupID, time.Now())
}

func (s *pgStore) FetchGroupEvents(ctx context.Context, kind database.GroupKind, after Cursor, limit int) ([]GroupEvent, error) {
	var rows, err = s.queries.FetchGroupEvents(ctx, kind, after.Time, after.ID, limit)
	if err != nil {
		return nil, err
	}

	var events = make([]GroupEvent, len(rows))
	for i, row := range rows {
		events[i] = GroupEvent{ID: row.ID, GroupID: row.GroupID, Time: row.Time}
	}

	return events, nil
}

func (s *pgStore) LatestGroupCursor(ctx context.Context, kind database.GroupKind) (Cursor, error) {
	var eventTime, id, err = s.queries.LatestGroupEventCursor(ctx, kind)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{Time: eventTime, ID: id}, nil
}

func (s *pgStore) FetchGroupRoster(ctx context.Context, kind database.GroupKind, groupID int64) ([]GroupMember, error) {
	var rows, err = s.queries.ListGroupMembers(ctx, kind, groupID)
	if err != nil {
		return nil, err
	}

	var members = make([]GroupMember, len(rows))
	for i, row := range rows {
		members[i] = GroupMember{
			CharacterID: row.CharacterID,
			Name:        row.Name,
			Rank:        row.Rank,
			Location:    row.Location,
		}
	}

	return members, nil
}

// AddGroupMember writes the roster row, then appends an event so pollers
// notice the group changed. The two writes are not transactional: a crash
// between them delays the notification until the group's next event, which
// the full-roster diff then repairs.
func (s *pgStore) AddGroupMember(ctx context.Context, kind database.GroupKind, groupID int64, member GroupMember) error {
	var err = s.queries.UpsertGroupMember(ctx, kind, &database.GroupMemberRow{
		GroupID:     groupID,
		CharacterID: member.CharacterID,
		Name:        member.Name,
		Rank:        member.Rank,
		Location:    member.Location,
	})
	if err != nil {
		return err
	}

	return s.queries.InsertGroupEvent(ctx, kind, groupID, time.Now())
}

func (s *pgStore) RemoveGroupMember(ctx context.Context, kind database.GroupKind, groupID, characterID int64) error {
	if err := s.queries.DeleteGroupMember(ctx, kind, groupID, characterID); err != nil {
		return err
	}

	return s.queries.InsertGroupEvent(ctx, kind, groupID, time.Now())
}

func (s *pgStore) GroupOfCharacter(ctx context.Context, kind database.GroupKind, characterID int64) (int64, error) {
	return s.queries.GroupOfCharacter(ctx, kind, characterID)
}

func (s *pgStore) InsertChatMessage(ctx context.Context, message *ChatMessage) error {
	return s.queries.InsertChatMessage(ctx, &database.ChatMessageRow{
		Channel:   message.Channel,
		Scope:     string(message.Scope),
		GroupID:   message.GroupID,
		SceneName: message.SceneName,
		Sender:    message.Sender,
		Body:      message.Body,
		Time:      time.Now(),
	})
}

func (s *pgStore) FetchChatMessages(ctx context.Context, after Cursor, limit int) ([]ChatMessage, error) {
	var rows, err = s.queries.FetchChatMessages(ctx, after.Time, after.ID, limit)
	if err != nil {
		return nil, err
	}

	var messages = make([]ChatMessage, len(rows))
	for i, row := range rows {
		messages[i] = ChatMessage{
			ID:        row.ID,
			Channel:   row.Channel,
			Scope:     ChatScope(row.Scope),
			GroupID:   row.GroupID,
			SceneName: row.SceneName,
			Sender:    row.Sender,
			Body:      row.Body,
			Time:      row.Time,
		}
	}

	return messages, nil
}

func (s *pgStore) LatestChatCursor(ctx context.Context) (Cursor, error) {
	var eventTime, id, err = s.queries.LatestChatCursor(ctx)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{Time: eventTime, ID: id}, nil
}

func (s *pgStore) UpsertProcessPulse(ctx context.Context, processID string, residents int, at time.Time) error {
	return s.queries.UpsertProcess(ctx, &database.ProcessRow{
		ProcessID: processID,
		Residents: residents,
		LastPulse: at,
	})
}

func (s *pgStore) DeleteProcess(ctx context.Context, processID string) error {
	return s.queries.DeleteProcess(ctx, processID)
}
