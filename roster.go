package scenemesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go-scenemesh/database"
	"go-scenemesh/metrics"
)

// rosterReconciler is the membership instantiation of the sync pump, used
// once for guilds and once for parties. Event rows only name a group; the
// reconciler re-fetches that group's full roster and diffs it against the
// cached snapshot, so a missed poll, a stale cursor after a crash-restart,
// and batched rapid churn all converge to the same delivered end state.
type rosterReconciler struct {
	kind      database.GroupKind
	store     Store
	sessions  *SessionManager
	transport Transport
	logger    *slog.Logger

	mu        sync.RWMutex
	snapshots map[int64]map[int64]GroupMember
}

func newRosterReconciler(kind database.GroupKind, store Store, sessions *SessionManager, transport Transport, logger *slog.Logger) *rosterReconciler {
	return &rosterReconciler{
		kind:      kind,
		store:     store,
		sessions:  sessions,
		transport: transport,
		logger:    logger,
		snapshots: make(map[int64]map[int64]GroupMember),
	}
}

func (r *rosterReconciler) latestCursor(ctx context.Context) (Cursor, error) {
	return r.store.LatestGroupCursor(ctx, r.kind)
}

func (r *rosterReconciler) poll(ctx context.Context, after Cursor, limit int) (pumpBatch, error) {
	var events, err = r.store.FetchGroupEvents(ctx, r.kind, after, limit)
	if err != nil {
		return nil, err
	}
	return &groupBatch{reconciler: r, events: events}, nil
}

// isMember reports whether a character is in the cached snapshot of a
// group. Used by the chat pump for group-scoped fan-out.
func (r *rosterReconciler) isMember(groupID, characterID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var snapshot, ok = r.snapshots[groupID]
	if !ok {
		return false
	}
	_, ok = snapshot[characterID]
	return ok
}

// seedResident builds the snapshot for the group a freshly resident
// character belongs to. Without it a quiet group — no membership events
// since this process started — would have no snapshot, and group-scoped
// chat for its residents would never match.
func (r *rosterReconciler) seedResident(ctx context.Context, characterID int64) {
	var groupID, err = r.store.GroupOfCharacter(ctx, r.kind, characterID)
	if err != nil {
		r.logger.Error("failed to resolve group for resident", "kind", r.kind, "character_id", characterID, "error", err)
		return
	}
	if groupID == 0 {
		return
	}

	r.mu.RLock()
	var _, ok = r.snapshots[groupID]
	r.mu.RUnlock()
	if ok {
		return
	}

	r.reconcile(ctx, groupID)
}

// snapshot returns a copy of the cached member set for a group. A group
// never seen before yields an empty set, so its first event delivers the
// entire roster as adds.
func (r *rosterReconciler) snapshot(groupID int64) map[int64]GroupMember {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var copied = make(map[int64]GroupMember, len(r.snapshots[groupID]))
	for id, member := range r.snapshots[groupID] {
		copied[id] = member
	}
	return copied
}

// groupBatch is one fetch of membership events.
type groupBatch struct {
	reconciler *rosterReconciler
	events     []GroupEvent
}

func (b *groupBatch) size() int {
	return len(b.events)
}

func (b *groupBatch) last() Cursor {
	return b.events[len(b.events)-1].Cursor()
}

// deliver reconciles each distinct group touched by the batch exactly once,
// no matter how many rows referenced it.
func (b *groupBatch) deliver(ctx context.Context) {
	var (
		seen   = make(map[int64]bool, len(b.events))
		groups = make([]int64, 0, len(b.events))
	)
	for _, event := range b.events {
		if !seen[event.GroupID] {
			seen[event.GroupID] = true
			groups = append(groups, event.GroupID)
		}
	}

	for _, groupID := range groups {
		b.reconciler.reconcile(ctx, groupID)
	}
}

// reconcile fetches the group's current full roster, diffs it against the
// snapshot, fans the deltas out to resident members of the new set, and
// replaces the snapshot. A resident member who just joined receives the
// full added list, which includes every pre-existing member.
func (r *rosterReconciler) reconcile(ctx context.Context, groupID int64) {
	var roster, err = r.store.FetchGroupRoster(ctx, r.kind, groupID)
	if err != nil {
		// Abandoned; the group's next event re-derives everything.
		r.logger.Error("failed to fetch roster", "kind", r.kind, "group_id", groupID, "error", err)
		return
	}

	var (
		previous = r.snapshot(groupID)
		current  = make(map[int64]GroupMember, len(roster))
		newcomer = make(map[int64]bool)
		full     = make([]MemberNotice, 0, len(roster))
		added    []MemberNotice
		removed  []MemberNotice
	)
	for _, member := range roster {
		current[member.CharacterID] = member
		full = append(full, memberNotice(groupID, member))
		if _, ok := previous[member.CharacterID]; !ok {
			newcomer[member.CharacterID] = true
			added = append(added, memberNotice(groupID, member))
		}
	}
	for id, member := range previous {
		if _, ok := current[id]; !ok {
			removed = append(removed, memberNotice(groupID, member))
		}
	}

	var anyResident = false
	for id := range current {
		var session, ok = r.sessions.Resident(id)
		if !ok {
			continue
		}
		anyResident = true

		// A member who is themselves new learns the whole roster, not just
		// the row that added them; everyone else gets the delta.
		var adds = added
		if newcomer[id] {
			adds = full
		}
		if len(adds) > 0 {
			if err := r.transport.Send(session.Conn(), r.messageType("added"), adds); err == nil {
				metrics.NotificationsDelivered.WithLabelValues(string(r.kind) + "-add").Add(float64(len(adds)))
			}
		}
		if len(removed) > 0 {
			if err := r.transport.Send(session.Conn(), r.messageType("removed"), removed); err == nil {
				metrics.NotificationsDelivered.WithLabelValues(string(r.kind) + "-remove").Add(float64(len(removed)))
			}
		}
	}

	r.mu.Lock()
	if anyResident {
		r.snapshots[groupID] = current
	} else {
		// No resident member left; the snapshot is rebuilt from scratch
		// if one ever arrives.
		delete(r.snapshots, groupID)
	}
	r.mu.Unlock()
}

func (r *rosterReconciler) messageType(suffix string) string {
	return fmt.Sprintf("%s-member-%s", r.kind, suffix)
}

func memberNotice(groupID int64, member GroupMember) MemberNotice {
	return MemberNotice{
		GroupID:     groupID,
		CharacterID: member.CharacterID,
		Name:        member.Name,
		Rank:        member.Rank,
		Location:    member.Location,
	}
}
