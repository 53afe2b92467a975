package database

import (
	"database/sql"
	"fmt"
)

var (
	createCharactersTableSQL = `
CREATE TABLE IF NOT EXISTS %s_characters (
    id            BIGINT        NOT NULL,
    name          VARCHAR       NOT NULL,
    world_id      INTEGER       NOT NULL,
    scene_name    VARCHAR       NOT NULL,
    pos_x         DOUBLE PRECISION NOT NULL DEFAULT 0,
    pos_y         DOUBLE PRECISION NOT NULL DEFAULT 0,
    pos_z         DOUBLE PRECISION NOT NULL DEFAULT 0,
    online        BOOLEAN       NOT NULL DEFAULT FALSE,
    safe_mode     BOOLEAN       NOT NULL DEFAULT TRUE,
    updated_at    TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (id)
);`

	createCharactersNameIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS %s_characters_name_idx
ON %s_characters (LOWER(name));`

	createSceneLeasesTableSQL = `
CREATE TABLE IF NOT EXISTS %s_scene_leases (
    process_id    VARCHAR       NOT NULL,
    world_id      INTEGER       NOT NULL,
    scene_name    VARCHAR       NOT NULL,
    handle        VARCHAR       NOT NULL,
    occupancy     INTEGER       NOT NULL DEFAULT 0,
    last_pulse    TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (world_id, scene_name, handle)
);`

	createPendingLoadsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_pending_scene_loads (
    id            BIGSERIAL     PRIMARY KEY,
    world_id      INTEGER       NOT NULL,
    scene_name    VARCHAR       NOT NULL,
    enqueued_at   TIMESTAMPTZ   NOT NULL,

    UNIQUE (world_id, scene_name)
);`

	createGroupEventsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_%s_events (
    id            BIGSERIAL     PRIMARY KEY,
    group_id      BIGINT        NOT NULL,
    event_time    TIMESTAMPTZ   NOT NULL
);`

	createGroupEventsIndexSQL = `
CREATE INDEX IF NOT EXISTS %s_%s_events_cursor_idx
ON %s_%s_events (event_time, id);`

	createGroupMembersTableSQL = `
CREATE TABLE IF NOT EXISTS %s_%s_members (
    group_id      BIGINT        NOT NULL,
    character_id  BIGINT        NOT NULL,
    name          VARCHAR       NOT NULL,
    rank          INTEGER       NOT NULL DEFAULT 0,
    location      VARCHAR       NOT NULL DEFAULT '',

    PRIMARY KEY (group_id, character_id)
);`

	createChatMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS %s_chat_messages (
    id            BIGSERIAL     PRIMARY KEY,
    channel       VARCHAR       NOT NULL,
    scope         VARCHAR       NOT NULL,
    group_id      BIGINT        NOT NULL DEFAULT 0,
    scene_name    VARCHAR       NOT NULL DEFAULT '',
    sender        VARCHAR       NOT NULL,
    body          TEXT          NOT NULL,
    event_time    TIMESTAMPTZ   NOT NULL
);`

	createChatMessagesIndexSQL = `
CREATE INDEX IF NOT EXISTS %s_chat_messages_cursor_idx
ON %s_chat_messages (event_time, id);`

	createProcessesTableSQL = `
CREATE TABLE IF NOT EXISTS %s_processes (
    process_id      VARCHAR       NOT NULL,
    resident_count  INTEGER       NOT NULL DEFAULT 0,
    last_pulse      TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (process_id)
);`
)

// Migrate creates every table and index the coordination core writes to.
func Migrate(db *sql.DB, tableName string) error {
	var statements = []string{
		fmt.Sprintf(createCharactersTableSQL, tableName),
		fmt.Sprintf(createCharactersNameIndexSQL, tableName, tableName),
		fmt.Sprintf(createSceneLeasesTableSQL, tableName),
		fmt.Sprintf(createPendingLoadsTableSQL, tableName),
		fmt.Sprintf(createChatMessagesTableSQL, tableName),
		fmt.Sprintf(createChatMessagesIndexSQL, tableName, tableName),
		fmt.Sprintf(createProcessesTableSQL, tableName),
	}

	for _, kind := range []string{"guild", "party"} {
		statements = append(statements,
			fmt.Sprintf(createGroupEventsTableSQL, tableName, kind),
			fmt.Sprintf(createGroupEventsIndexSQL, tableName, kind, tableName, kind),
			fmt.Sprintf(createGroupMembersTableSQL, tableName, kind),
		)
	}

	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	return nil
}
