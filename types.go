package scenemesh

import (
	"strings"
	"time"
)

// ConnID identifies one network connection on this process. Connection ids
// are assigned by the transport collaborator and are never reused while the
// connection is open.
type ConnID int64

// Position is a point in scene-local coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Cursor marks how far a poller has consumed an ordered event log.
// Ordering is lexicographic on (Time, ID) so rows sharing a timestamp are
// never skipped nor reprocessed once the boundary moves past them.
type Cursor struct {
	Time time.Time
	ID   int64
}

// Less reports whether c orders strictly before other.
func (c Cursor) Less(other Cursor) bool {
	if c.Time.Equal(other.Time) {
		return c.ID < other.ID
	}
	return c.Time.Before(other.Time)
}

// IsZero reports whether the cursor has never been set.
func (c Cursor) IsZero() bool {
	return c.ID == 0 && c.Time.IsZero()
}

// CharacterRecord is the authoritative in-memory state of a character while
// it is resident on this process. Ownership is exclusive; it transfers to
// another process only through a full disconnect and reload.
type CharacterRecord struct {
	ID          int64
	Name        string
	WorldID     int32
	SceneName   string
	SceneHandle string
	Position    Position
	Online      bool
	SafeMode    bool
}

// NameKey returns the case-insensitive index key for a character name.
func NameKey(name string) string {
	return strings.ToLower(name)
}

// Instance is one live, running copy of a named scene, identified by
// world id + scene name + a runtime handle. Occupancy is maintained by the
// registry and always equals the number of resident characters keyed to the
// triple on this process.
type Instance struct {
	WorldID   int32
	SceneName string
	Handle    string

	occupancy int  // guarded by the owning registry's mutex
	local     bool // loaded by this process; only local leases are pulsed
}

// SceneLease is the durable row asserting "process X currently hosts
// instance Y". Staleness of LastPulse is how other processes and operators
// detect a crashed owner.
type SceneLease struct {
	ProcessID string
	WorldID   int32
	SceneName string
	Handle    string
	Occupancy int
	LastPulse time.Time
}

// PendingSceneLoad is a durable request for some process to load a scene.
// It is consumed at most once via the store's claim-and-delete primitive.
type PendingSceneLoad struct {
	ID         int64
	WorldID    int32
	SceneName  string
	EnqueuedAt time.Time
}

// GroupEvent is one row of a membership event log. The row carries no delta
// payload: it only names the group whose roster must be re-read and diffed.
type GroupEvent struct {
	ID      int64
	GroupID int64
	Time    time.Time
}

// Cursor returns the event's position in the log.
func (e GroupEvent) Cursor() Cursor {
	return Cursor{Time: e.Time, ID: e.ID}
}

// GroupMember is one entry of a group's current full roster.
type GroupMember struct {
	CharacterID int64
	Name        string
	Rank        int32
	Location    string
}

// ChatScope selects the fan-out rule for a chat channel.
type ChatScope string

const (
	// ScopeGlobal broadcasts to every locally resident character.
	ScopeGlobal ChatScope = "global"
	// ScopeScene broadcasts to residents whose current scene matches the
	// message's scene.
	ScopeScene ChatScope = "scene"
	// ScopeGuild and ScopeParty broadcast to residents who are members of
	// the tagged group, resolved through the membership snapshots.
	ScopeGuild ChatScope = "guild"
	ScopeParty ChatScope = "party"
)

// ChatMessage is one row of the chat log. Unlike membership events the row
// itself is the payload; Sender is the already-rendered display prefix.
type ChatMessage struct {
	ID        int64
	Channel   string
	Scope     ChatScope
	GroupID   int64
	SceneName string
	Sender    string
	Body      string
	Time      time.Time
}

// Cursor returns the message's position in the log.
func (m ChatMessage) Cursor() Cursor {
	return Cursor{Time: m.Time, ID: m.ID}
}

// MemberNotice is the payload of a membership add/remove notification
// delivered to resident group members.
type MemberNotice struct {
	GroupID     int64  `json:"group_id"`
	CharacterID int64  `json:"character_id"`
	Name        string `json:"name"`
	Rank        int32  `json:"rank"`
	Location    string `json:"location"`
}
