package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// GroupKind selects which membership log a query targets.
type GroupKind string

const (
	GroupGuild GroupKind = "guild"
	GroupParty GroupKind = "party"
)

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

var (
	getCharacterSQL = `
SELECT id, name, world_id, scene_name, pos_x, pos_y, pos_z, online, safe_mode, updated_at
FROM %s_characters
WHERE id = $1;`

	upsertCharacterSQL = `
INSERT INTO %s_characters (id, name, world_id, scene_name, pos_x, pos_y, pos_z, online, safe_mode, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id)
DO UPDATE SET
    name = EXCLUDED.name,
    world_id = EXCLUDED.world_id,
    scene_name = EXCLUDED.scene_name,
    pos_x = EXCLUDED.pos_x,
    pos_y = EXCLUDED.pos_y,
    pos_z = EXCLUDED.pos_z,
    online = EXCLUDED.online,
    safe_mode = EXCLUDED.safe_mode,
    updated_at = EXCLUDED.updated_at;`

	upsertSceneLeaseSQL = `
INSERT INTO %s_scene_leases (process_id, world_id, scene_name, handle, occupancy, last_pulse)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (world_id, scene_name, handle)
DO UPDATE SET
    process_id = EXCLUDED.process_id,
    occupancy = EXCLUDED.occupancy,
    last_pulse = EXCLUDED.last_pulse;`

	listSceneLeasesSQL = `
SELECT process_id, world_id, scene_name, handle, occupancy, last_pulse
FROM %s_scene_leases
WHERE world_id = $1 AND scene_name = $2
ORDER BY handle ASC;`

	deleteSceneLeaseSQL = `
DELETE FROM %s_scene_leases
WHERE world_id = $1 AND scene_name = $2 AND handle = $3;`

	deleteProcessLeasesSQL = `
DELETE FROM %s_scene_leases
WHERE process_id = $1;`

	enqueueSceneLoadSQL = `
INSERT INTO %s_pending_scene_loads (world_id, scene_name, enqueued_at)
VALUES ($1, $2, $3)
ON CONFLICT (world_id, scene_name) DO NOTHING;`

	claimSceneLoadSQL = `
DELETE FROM %s_pending_scene_loads
WHERE id = (
    SELECT id
    FROM %s_pending_scene_loads
    ORDER BY enqueued_at ASC, id ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING id, world_id, scene_name, enqueued_at;`

	insertGroupEventSQL = `
INSERT INTO %s_%s_events (group_id, event_time)
VALUES ($1, $2);`

	fetchGroupEventsSQL = `
SELECT id, group_id, event_time
FROM %s_%s_events
WHERE (event_time, id) > ($1, $2)
ORDER BY event_time ASC, id ASC
LIMIT $3;`

	latestGroupEventSQL = `
SELECT event_time, id
FROM %s_%s_events
ORDER BY event_time DESC, id DESC
LIMIT 1;`

	upsertGroupMemberSQL = `
INSERT INTO %s_%s_members (group_id, character_id, name, rank, location)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (group_id, character_id)
DO UPDATE SET
    name = EXCLUDED.name,
    rank = EXCLUDED.rank,
    location = EXCLUDED.location;`

	deleteGroupMemberSQL = `
DELETE FROM %s_%s_members
WHERE group_id = $1 AND character_id = $2;`

	listGroupMembersSQL = `
SELECT group_id, character_id, name, rank, location
FROM %s_%s_members
WHERE group_id = $1
ORDER BY character_id ASC;`

	groupOfCharacterSQL = `
SELECT group_id
FROM %s_%s_members
WHERE character_id = $1
LIMIT 1;`

	insertChatMessageSQL = `
INSERT INTO %s_chat_messages (channel, scope, group_id, scene_name, sender, body, event_time)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	fetchChatMessagesSQL = `
SELECT id, channel, scope, group_id, scene_name, sender, body, event_time
FROM %s_chat_messages
WHERE (event_time, id) > ($1, $2)
ORDER BY event_time ASC, id ASC
LIMIT $3;`

	latestChatMessageSQL = `
SELECT event_time, id
FROM %s_chat_messages
ORDER BY event_time DESC, id DESC
LIMIT 1;`

	upsertProcessSQL = `
INSERT INTO %s_processes (process_id, resident_count, last_pulse)
VALUES ($1, $2, $3)
ON CONFLICT (process_id)
DO UPDATE SET
    resident_count = EXCLUDED.resident_count,
    last_pulse = EXCLUDED.last_pulse;`

	deleteProcessSQL = `
DELETE FROM %s_processes
WHERE process_id = $1;`
)

// GetCharacter retrieves a single character by id, or nil if not found.
func (q *Queries) GetCharacter(ctx context.Context, id int64) (*CharacterRow, error) {
	var (
		query = fmt.Sprintf(getCharacterSQL, q.tableName)
		row   CharacterRow
		err   = q.db.QueryRowContext(ctx, query, id).Scan(
			&row.ID, &row.Name, &row.WorldID, &row.SceneName,
			&row.PosX, &row.PosY, &row.PosZ, &row.Online, &row.SafeMode, &row.UpdatedAt,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get character %d: %w", id, err)
	}

	return &row, nil
}

// UpsertCharacter inserts or updates a character record.
func (q *Queries) UpsertCharacter(ctx context.Context, row *CharacterRow) error {
	var query = fmt.Sprintf(upsertCharacterSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query,
		row.ID, row.Name, row.WorldID, row.SceneName,
		row.PosX, row.PosY, row.PosZ, row.Online, row.SafeMode, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert character %d: %w", row.ID, err)
	}
	return nil
}

// UpsertSceneLease inserts or refreshes a scene lease.
func (q *Queries) UpsertSceneLease(ctx context.Context, row *SceneLeaseRow) error {
	var query = fmt.Sprintf(upsertSceneLeaseSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query,
		row.ProcessID, row.WorldID, row.SceneName, row.Handle, row.Occupancy, row.LastPulse,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert scene lease: %w", err)
	}
	return nil
}

// ListSceneLeases returns all leases for a world+scene pair, ordered by handle.
func (q *Queries) ListSceneLeases(ctx context.Context, worldID int32, sceneName string) ([]*SceneLeaseRow, error) {
	var (
		query     = fmt.Sprintf(listSceneLeasesSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, worldID, sceneName)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list scene leases: %w", err)
	}
	defer rows.Close()

	var leases []*SceneLeaseRow
	for rows.Next() {
		var lease SceneLeaseRow
		if err := rows.Scan(&lease.ProcessID, &lease.WorldID, &lease.SceneName,
			&lease.Handle, &lease.Occupancy, &lease.LastPulse); err != nil {
			return nil, fmt.Errorf("failed to scan scene lease: %w", err)
		}
		leases = append(leases, &lease)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return leases, nil
}

// DeleteSceneLease removes one lease by its triple.
func (q *Queries) DeleteSceneLease(ctx context.Context, worldID int32, sceneName, handle string) error {
	var query = fmt.Sprintf(deleteSceneLeaseSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, worldID, sceneName, handle)
	if err != nil {
		return fmt.Errorf("failed to delete scene lease: %w", err)
	}
	return nil
}

// DeleteProcessLeases removes every lease owned by a process.
func (q *Queries) DeleteProcessLeases(ctx context.Context, processID string) error {
	var query = fmt.Sprintf(deleteProcessLeasesSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, processID)
	if err != nil {
		return fmt.Errorf("failed to delete leases for process %s: %w", processID, err)
	}
	return nil
}

// EnqueueSceneLoad inserts a pending scene-load request. A request for a
// world+scene pair that is already queued is a no-op.
func (q *Queries) EnqueueSceneLoad(ctx context.Context, worldID int32, sceneName string, enqueuedAt time.Time) error {
	var query = fmt.Sprintf(enqueueSceneLoadSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, worldID, sceneName, enqueuedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue scene load: %w", err)
	}
	return nil
}

// ClaimSceneLoad atomically claims and deletes the oldest pending request.
// Returns nil when the queue is empty. SKIP LOCKED guarantees two concurrent
// claimers never receive the same row.
func (q *Queries) ClaimSceneLoad(ctx context.Context) (*PendingLoadRow, error) {
	var (
		query = fmt.Sprintf(claimSceneLoadSQL, q.tableName, q.tableName)
		row   PendingLoadRow
		err   = q.db.QueryRowContext(ctx, query).Scan(
			&row.ID, &row.WorldID, &row.SceneName, &row.EnqueuedAt,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim scene load: %w", err)
	}

	return &row, nil
}

// InsertGroupEvent appends one row to a membership event log.
func (q *Queries) InsertGroupEvent(ctx context.Context, kind GroupKind, groupID int64, eventTime time.Time) error {
	var query = fmt.Sprintf(insertGroupEventSQL, q.tableName, kind)
	_, err := q.db.ExecContext(ctx, query, groupID, eventTime)
	if err != nil {
		return fmt.Errorf("failed to insert %s event: %w", kind, err)
	}
	return nil
}

// FetchGroupEvents returns up to limit rows strictly after the cursor,
// ordered by (event_time, id).
func (q *Queries) FetchGroupEvents(ctx context.Context, kind GroupKind, afterTime time.Time, afterID int64, limit int) ([]*GroupEventRow, error) {
	var (
		query     = fmt.Sprintf(fetchGroupEventsSQL, q.tableName, kind)
		rows, err = q.db.QueryContext(ctx, query, afterTime, afterID, limit)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s events: %w", kind, err)
	}
	defer rows.Close()

	var events []*GroupEventRow
	for rows.Next() {
		var event GroupEventRow
		if err := rows.Scan(&event.ID, &event.GroupID, &event.Time); err != nil {
			return nil, fmt.Errorf("failed to scan %s event: %w", kind, err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return events, nil
}

// LatestGroupEventCursor returns the (event_time, id) of the newest row, or
// zero values when the log is empty.
func (q *Queries) LatestGroupEventCursor(ctx context.Context, kind GroupKind) (time.Time, int64, error) {
	var (
		query     = fmt.Sprintf(latestGroupEventSQL, q.tableName, kind)
		eventTime time.Time
		id        int64
		err       = q.db.QueryRowContext(ctx, query).Scan(&eventTime, &id)
	)
	if err == sql.ErrNoRows {
		return time.Time{}, 0, nil
	}
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to get latest %s event: %w", kind, err)
	}

	return eventTime, id, nil
}

// UpsertGroupMember inserts or updates one roster entry.
func (q *Queries) UpsertGroupMember(ctx context.Context, kind GroupKind, row *GroupMemberRow) error {
	var query = fmt.Sprintf(upsertGroupMemberSQL, q.tableName, kind)
	_, err := q.db.ExecContext(ctx, query,
		row.GroupID, row.CharacterID, row.Name, row.Rank, row.Location,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s member: %w", kind, err)
	}
	return nil
}

// DeleteGroupMember removes one roster entry.
func (q *Queries) DeleteGroupMember(ctx context.Context, kind GroupKind, groupID, characterID int64) error {
	var query = fmt.Sprintf(deleteGroupMemberSQL, q.tableName, kind)
	_, err := q.db.ExecContext(ctx, query, groupID, characterID)
	if err != nil {
		return fmt.Errorf("failed to delete %s member: %w", kind, err)
	}
	return nil
}

// ListGroupMembers returns a group's current full roster.
func (q *Queries) ListGroupMembers(ctx context.Context, kind GroupKind, groupID int64) ([]*GroupMemberRow, error) {
	var (
		query     = fmt.Sprintf(listGroupMembersSQL, q.tableName, kind)
		rows, err = q.db.QueryContext(ctx, query, groupID)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s members: %w", kind, err)
	}
	defer rows.Close()

	var members []*GroupMemberRow
	for rows.Next() {
		var member GroupMemberRow
		if err := rows.Scan(&member.GroupID, &member.CharacterID,
			&member.Name, &member.Rank, &member.Location); err != nil {
			return nil, fmt.Errorf("failed to scan %s member: %w", kind, err)
		}
		members = append(members, &member)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return members, nil
}

// GroupOfCharacter returns the id of the group a character belongs to, or
// 0 when the character is not a member of any group of this kind.
func (q *Queries) GroupOfCharacter(ctx context.Context, kind GroupKind, characterID int64) (int64, error) {
	var (
		query   = fmt.Sprintf(groupOfCharacterSQL, q.tableName, kind)
		groupID int64
		err     = q.db.QueryRowContext(ctx, query, characterID).Scan(&groupID)
	)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s of character %d: %w", kind, characterID, err)
	}

	return groupID, nil
}

// InsertChatMessage appends one row to the chat log.
func (q *Queries) InsertChatMessage(ctx context.Context, row *ChatMessageRow) error {
	var query = fmt.Sprintf(insertChatMessageSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query,
		row.Channel, row.Scope, row.GroupID, row.SceneName, row.Sender, row.Body, row.Time,
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}
	return nil
}

// FetchChatMessages returns up to limit rows strictly after the cursor,
// ordered by (event_time, id).
func (q *Queries) FetchChatMessages(ctx context.Context, afterTime time.Time, afterID int64, limit int) ([]*ChatMessageRow, error) {
	var (
		query     = fmt.Sprintf(fetchChatMessagesSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, afterTime, afterID, limit)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chat messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessageRow
	for rows.Next() {
		var message ChatMessageRow
		if err := rows.Scan(&message.ID, &message.Channel, &message.Scope, &message.GroupID,
			&message.SceneName, &message.Sender, &message.Body, &message.Time); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		messages = append(messages, &message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return messages, nil
}

// LatestChatCursor returns the (event_time, id) of the newest chat row, or
// zero values when the log is empty.
func (q *Queries) LatestChatCursor(ctx context.Context) (time.Time, int64, error) {
	var (
		query     = fmt.Sprintf(latestChatMessageSQL, q.tableName)
		eventTime time.Time
		id        int64
		err       = q.db.QueryRowContext(ctx, query).Scan(&eventTime, &id)
	)
	if err == sql.ErrNoRows {
		return time.Time{}, 0, nil
	}
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to get latest chat message: %w", err)
	}

	return eventTime, id, nil
}

// UpsertProcess writes a process's liveness row.
func (q *Queries) UpsertProcess(ctx context.Context, row *ProcessRow) error {
	var query = fmt.Sprintf(upsertProcessSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, row.ProcessID, row.Residents, row.LastPulse)
	if err != nil {
		return fmt.Errorf("failed to upsert process %s: %w", row.ProcessID, err)
	}
	return nil
}

// DeleteProcess removes a process's liveness row.
func (q *Queries) DeleteProcess(ctx context.Context, processID string) error {
	var query = fmt.Sprintf(deleteProcessSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, processID)
	if err != nil {
		return fmt.Errorf("failed to delete process %s: %w", processID, err)
	}
	return nil
}
