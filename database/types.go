package database

import "time"

// CharacterRow is a persisted character record.
type CharacterRow struct {
	ID        int64
	Name      string
	WorldID   int32
	SceneName string
	PosX      float64
	PosY      float64
	PosZ      float64
	Online    bool
	SafeMode  bool
	UpdatedAt time.Time
}

// SceneLeaseRow is a persisted scene-instance lease.
type SceneLeaseRow struct {
	ProcessID string
	WorldID   int32
	SceneName string
	Handle    string
	Occupancy int
	LastPulse time.Time
}

// PendingLoadRow is a persisted scene-load request.
type PendingLoadRow struct {
	ID         int64
	WorldID    int32
	SceneName  string
	EnqueuedAt time.Time
}

// GroupEventRow is one row of a membership event log (guild or party).
type GroupEventRow struct {
	ID      int64
	GroupID int64
	Time    time.Time
}

// GroupMemberRow is one row of a group's full membership set.
type GroupMemberRow struct {
	GroupID     int64
	CharacterID int64
	Name        string
	Rank        int32
	Location    string
}

// ChatMessageRow is one row of the chat log.
type ChatMessageRow struct {
	ID        int64
	Channel   string
	Scope     string
	GroupID   int64
	SceneName string
	Sender    string
	Body      string
	Time      time.Time
}

// ProcessRow is one process's liveness record.
type ProcessRow struct {
	ProcessID string
	Residents int
	LastPulse time.Time
}
