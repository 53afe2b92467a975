package scenemesh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-scenemesh/database"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// funcSource lets pump tests script the source's behavior per call.
type funcSource struct {
	latest func(ctx context.Context) (Cursor, error)
	fetch  func(ctx context.Context, after Cursor, limit int) (pumpBatch, error)
}

func (s *funcSource) latestCursor(ctx context.Context) (Cursor, error) {
	return s.latest(ctx)
}

func (s *funcSource) poll(ctx context.Context, after Cursor, limit int) (pumpBatch, error) {
	return s.fetch(ctx, after, limit)
}

// recordedBatch is a scripted batch that records whether it was delivered.
type recordedBatch struct {
	cursor    Cursor
	rows      int
	delivered bool
}

func (b *recordedBatch) size() int    { return b.rows }
func (b *recordedBatch) last() Cursor { return b.cursor }
func (b *recordedBatch) deliver(ctx context.Context) {
	b.delivered = true
}

func TestCursor(t *testing.T) {
	t.Run("should order by timestamp first", func(t *testing.T) {
		var earlier = Cursor{Time: time.Unix(100, 0), ID: 9}
		var later = Cursor{Time: time.Unix(200, 0), ID: 1}

		assert.True(t, earlier.Less(later))
		assert.False(t, later.Less(earlier))
	})

	t.Run("should break timestamp ties by id", func(t *testing.T) {
		var at = time.Unix(100, 0)
		var first = Cursor{Time: at, ID: 1}
		var second = Cursor{Time: at, ID: 2}

		assert.True(t, first.Less(second))
		assert.False(t, second.Less(first))
		assert.False(t, first.Less(first))
	})
}

func TestPump(t *testing.T) {
	t.Run("should prime at the log tail without delivering", func(t *testing.T) {
		// Arrange
		var tail = Cursor{Time: time.Unix(500, 0), ID: 12}
		var polled = false
		var sut = newPump("guild", &funcSource{
			latest: func(ctx context.Context) (Cursor, error) { return tail, nil },
			fetch: func(ctx context.Context, after Cursor, limit int) (pumpBatch, error) {
				polled = true
				return &recordedBatch{}, nil
			},
		}, defaultOptions())

		// Act
		var err = sut.tick(context.Background())

		// Assert
		require.NoError(t, err)
		assert.Equal(t, tail, sut.cursor)
		assert.False(t, polled)
	})

	t.Run("should deliver fetched rows and advance the cursor", func(t *testing.T) {
		// Arrange
		var batch = &recordedBatch{cursor: Cursor{Time: time.Unix(600, 0), ID: 3}, rows: 2}
		var sut = newPump("guild", &funcSource{
			latest: func(ctx context.Context) (Cursor, error) { return Cursor{}, nil },
			fetch: func(ctx context.Context, after Cursor, limit int) (pumpBatch, error) {
				return batch, nil
			},
		}, defaultOptions())
		require.NoError(t, sut.tick(context.Background())) // prime

		// Act
		var err = sut.tick(context.Background())

		// Assert
		require.NoError(t, err)
		assert.True(t, batch.delivered)
		assert.Equal(t, batch.cursor, sut.cursor)
	})

	t.Run("should hold the cursor when a fetch fails", func(t *testing.T) {
		// Arrange
		var fetchErr = errors.New("connection refused")
		var sut = newPump("guild", &funcSource{
			latest: func(ctx context.Context) (Cursor, error) { return Cursor{Time: time.Unix(500, 0), ID: 1}, nil },
			fetch: func(ctx context.Context, after Cursor, limit int) (pumpBatch, error) {
				return nil, fetchErr
			},
		}, defaultOptions())
		require.NoError(t, sut.tick(context.Background())) // prime
		var before = sut.cursor

		// Act
		var err = sut.tick(context.Background())

		// Assert
		require.ErrorIs(t, err, fetchErr)
		assert.Equal(t, before, sut.cursor)
	})

	t.Run("should resume from the held cursor once fetches recover", func(t *testing.T) {
		// Arrange
		var (
			failing = true
			asked   []Cursor
		)
		var sut = newPump("guild", &funcSource{
			latest: func(ctx context.Context) (Cursor, error) { return Cursor{Time: time.Unix(500, 0), ID: 1}, nil },
			fetch: func(ctx context.Context, after Cursor, limit int) (pumpBatch, error) {
				asked = append(asked, after)
				if failing {
					return nil, errors.New("timeout")
				}
				return &recordedBatch{cursor: Cursor{Time: time.Unix(501, 0), ID: 2}, rows: 1}, nil
			},
		}, defaultOptions())
		require.NoError(t, sut.tick(context.Background())) // prime
		require.Error(t, sut.tick(context.Background()))

		// Act
		failing = false
		var err = sut.tick(context.Background())

		// Assert: the recovered fetch asks from the same boundary the failed
		// one did, so the failed tick lost nothing.
		require.NoError(t, err)
		require.Len(t, asked, 2)
		assert.Equal(t, asked[0], asked[1])
		assert.Equal(t, Cursor{Time: time.Unix(501, 0), ID: 2}, sut.cursor)
	})

	t.Run("should never move the cursor backwards", func(t *testing.T) {
		// Arrange
		var sut = newPump("guild", &funcSource{
			latest: func(ctx context.Context) (Cursor, error) { return Cursor{Time: time.Unix(900, 0), ID: 5}, nil },
			fetch: func(ctx context.Context, after Cursor, limit int) (pumpBatch, error) {
				return &recordedBatch{cursor: Cursor{Time: time.Unix(100, 0), ID: 1}, rows: 1}, nil
			},
		}, defaultOptions())
		require.NoError(t, sut.tick(context.Background())) // prime

		// Act
		require.NoError(t, sut.tick(context.Background()))

		// Assert
		assert.Equal(t, Cursor{Time: time.Unix(900, 0), ID: 5}, sut.cursor)
	})

	t.Run("should prime as soon as it starts running", func(t *testing.T) {
		// Arrange
		var primed = make(chan struct{})
		var o = defaultOptions()
		o.pollInterval = time.Hour
		var sut = newPump("guild", &funcSource{
			latest: func(ctx context.Context) (Cursor, error) {
				close(primed)
				return Cursor{}, nil
			},
			fetch: func(ctx context.Context, after Cursor, limit int) (pumpBatch, error) {
				return &recordedBatch{}, nil
			},
		}, o)
		var ctx, cancel = context.WithCancel(context.Background())
		defer cancel()

		// Act
		go sut.run(ctx)

		// Assert: the tail read happens at startup, not on the first tick,
		// so rows written during the first interval are not skipped.
		select {
		case <-primed:
		case <-time.After(time.Second):
			t.Fatal("pump did not prime before its first interval")
		}
	})

	t.Run("should stop when the context ends", func(t *testing.T) {
		// Arrange
		var o = defaultOptions()
		o.pollInterval = 5 * time.Millisecond
		var sut = newPump("guild", &funcSource{
			latest: func(ctx context.Context) (Cursor, error) { return Cursor{}, nil },
			fetch: func(ctx context.Context, after Cursor, limit int) (pumpBatch, error) {
				return &recordedBatch{}, nil
			},
		}, o)
		var ctx, cancel = context.WithCancel(context.Background())
		var done = make(chan struct{})

		// Act
		go func() {
			sut.run(ctx)
			close(done)
		}()
		time.Sleep(20 * time.Millisecond)
		cancel()

		// Assert
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("pump did not stop after cancel")
		}
	})
}

// rosterFixture wires a guild reconciler over the shared session fakes.
func newRosterFixture(t *testing.T) (*rosterReconciler, *SessionManager, *sessionFixture) {
	t.Helper()

	var sessions, fixture = newSessionFixture()
	fixture.registry.Register(1, "harbor", "h1")
	var sut = newRosterReconciler(database.GroupGuild, fixture.store, sessions, fixture.transport, testLogger())
	return sut, sessions, fixture
}

func addedNotices(t *testing.T, transport *fakeTransport, conn ConnID) [][]MemberNotice {
	t.Helper()

	var batches [][]MemberNotice
	for _, send := range transport.sentTo(conn, "guild-member-added") {
		var notices, ok = send.payload.([]MemberNotice)
		require.True(t, ok)
		batches = append(batches, notices)
	}
	return batches
}

func TestRosterReconciler(t *testing.T) {
	t.Run("should send the full roster to a resident member of an unseen group", func(t *testing.T) {
		// Arrange
		var sut, sessions, fixture = newRosterFixture(t)
		seedCharacter(fixture.store, 7, "Aria", 1, "harbor")
		connectResident(t, sessions, 101, 7)
		fixture.store.setRoster(database.GroupGuild, 42,
			GroupMember{CharacterID: 7, Name: "Aria"},
			GroupMember{CharacterID: 9, Name: "Cara"},
		)

		// Act
		sut.reconcile(context.Background(), 42)

		// Assert
		var batches = addedNotices(t, fixture.transport, 101)
		require.Len(t, batches, 1)
		assert.Len(t, batches[0], 2)
		assert.True(t, sut.isMember(42, 7))
		assert.True(t, sut.isMember(42, 9))
	})

	t.Run("should give a joining member the whole roster and everyone else the delta", func(t *testing.T) {
		// Arrange
		var sut, sessions, fixture = newRosterFixture(t)
		seedCharacter(fixture.store, 7, "Aria", 1, "harbor")
		seedCharacter(fixture.store, 10, "Dana", 1, "harbor")
		connectResident(t, sessions, 101, 7)
		connectResident(t, sessions, 102, 10)
		fixture.store.setRoster(database.GroupGuild, 42,
			GroupMember{CharacterID: 7, Name: "Aria"},
			GroupMember{CharacterID: 9, Name: "Cara"},
		)
		sut.reconcile(context.Background(), 42)

		// Act: Dana joins the guild.
		fixture.store.setRoster(database.GroupGuild, 42,
			GroupMember{CharacterID: 7, Name: "Aria"},
			GroupMember{CharacterID: 9, Name: "Cara"},
			GroupMember{CharacterID: 10, Name: "Dana"},
		)
		sut.reconcile(context.Background(), 42)

		// Assert: the pre-existing member sees one add, the newcomer three.
		var ariaBatches = addedNotices(t, fixture.transport, 101)
		require.Len(t, ariaBatches, 2)
		require.Len(t, ariaBatches[1], 1)
		assert.Equal(t, int64(10), ariaBatches[1][0].CharacterID)

		var danaBatches = addedNotices(t, fixture.transport, 102)
		require.Len(t, danaBatches, 1)
		assert.Len(t, danaBatches[0], 3)
	})

	t.Run("should notify remaining residents when a member leaves", func(t *testing.T) {
		// Arrange
		var sut, sessions, fixture = newRosterFixture(t)
		seedCharacter(fixture.store, 7, "Aria", 1, "harbor")
		connectResident(t, sessions, 101, 7)
		fixture.store.setRoster(database.GroupGuild, 42,
			GroupMember{CharacterID: 7, Name: "Aria"},
			GroupMember{CharacterID: 9, Name: "Cara"},
		)
		sut.reconcile(context.Background(), 42)

		// Act
		fixture.store.setRoster(database.GroupGuild, 42,
			GroupMember{CharacterID: 7, Name: "Aria"},
		)
		sut.reconcile(context.Background(), 42)

		// Assert
		var removals = fixture.transport.sentTo(101, "guild-member-removed")
		require.Len(t, removals, 1)
		var notices, ok = removals[0].payload.([]MemberNotice)
		require.True(t, ok)
		require.Len(t, notices, 1)
		assert.Equal(t, int64(9), notices[0].CharacterID)
		assert.False(t, sut.isMember(42, 9))
	})

	t.Run("should deliver nothing when the roster is unchanged", func(t *testing.T) {
		// Arrange
		var sut, sessions, fixture = newRosterFixture(t)
		seedCharacter(fixture.store, 7, "Aria", 1, "harbor")
		connectResident(t, sessions, 101, 7)
		fixture.store.setRoster(database.GroupGuild, 42, GroupMember{CharacterID: 7, Name: "Aria"})
		sut.reconcile(context.Background(), 42)
		var before = len(fixture.transport.sentTo(101, "guild-member-added"))

		// Act: the same event replayed reconciles to an identical roster.
		sut.reconcile(context.Background(), 42)

		// Assert
		assert.Len(t, fixture.transport.sentTo(101, "guild-member-added"), before)
		assert.Empty(t, fixture.transport.sentTo(101, "guild-member-removed"))
	})

	t.Run("should reconcile each group once per batch regardless of event count", func(t *testing.T) {
		// Arrange
		var sut, sessions, fixture = newRosterFixture(t)
		seedCharacter(fixture.store, 7, "Aria", 1, "harbor")
		connectResident(t, sessions, 101, 7)
		fixture.store.setRoster(database.GroupGuild, 42, GroupMember{CharacterID: 7, Name: "Aria"})

		var p = newPump("guild", sut, defaultOptions())
		require.NoError(t, p.tick(context.Background())) // prime at tail

		// Three rapid membership events against the same group.
		for range 3 {
			require.NoError(t, fixture.store.InsertGroupEvent(context.Background(), database.GroupGuild, 42))
		}
		fixture.store.rosterFetches = 0

		// Act
		require.NoError(t, p.tick(context.Background()))

		// Assert
		assert.Equal(t, 1, fixture.store.rosterFetches)
		assert.Len(t, addedNotices(t, fixture.transport, 101), 1)
	})

	t.Run("should evict the snapshot when no member is resident", func(t *testing.T) {
		// Arrange
		var sut, sessions, fixture = newRosterFixture(t)
		seedCharacter(fixture.store, 7, "Aria", 1, "harbor")
		connectResident(t, sessions, 101, 7)
		fixture.store.setRoster(database.GroupGuild, 42, GroupMember{CharacterID: 7, Name: "Aria"})
		sut.reconcile(context.Background(), 42)
		require.True(t, sut.isMember(42, 7))

		// Act
		sessions.HandleDisconnect(context.Background(), 101)
		sut.reconcile(context.Background(), 42)

		// Assert
		assert.False(t, sut.isMember(42, 7))
		sut.mu.RLock()
		var _, cached = sut.snapshots[42]
		sut.mu.RUnlock()
		assert.False(t, cached)
	})

	t.Run("should leave the snapshot untouched when the roster fetch fails", func(t *testing.T) {
		// Arrange
		var sut, sessions, fixture = newRosterFixture(t)
		seedCharacter(fixture.store, 7, "Aria", 1, "harbor")
		connectResident(t, sessions, 101, 7)
		fixture.store.setRoster(database.GroupGuild, 42, GroupMember{CharacterID: 7, Name: "Aria"})
		sut.reconcile(context.Background(), 42)
		fixture.store.fetchErr = errors.New("read timeout")

		// Act
		sut.reconcile(context.Background(), 42)

		// Assert
		assert.True(t, sut.isMember(42, 7))
		assert.Len(t, addedNotices(t, fixture.transport, 101), 1)
	})

	t.Run("should seed the snapshot when a member becomes resident", func(t *testing.T) {
		// Arrange: no membership event has flowed, only a login.
		var sut, sessions, fixture = newRosterFixture(t)
		seedCharacter(fixture.store, 7, "Aria", 1, "harbor")
		connectResident(t, sessions, 101, 7)
		fixture.store.setRoster(database.GroupGuild, 42,
			GroupMember{CharacterID: 7, Name: "Aria"},
			GroupMember{CharacterID: 9, Name: "Cara"},
		)

		// Act
		sut.seedResident(context.Background(), 7)

		// Assert: snapshot built, full roster delivered to the resident.
		assert.True(t, sut.isMember(42, 7))
		assert.True(t, sut.isMember(42, 9))
		var batches = addedNotices(t, fixture.transport, 101)
		require.Len(t, batches, 1)
		assert.Len(t, batches[0], 2)
	})

	t.Run("should not seed a character without a group", func(t *testing.T) {
		// Arrange
		var sut, sessions, fixture = newRosterFixture(t)
		seedCharacter(fixture.store, 7, "Aria", 1, "harbor")
		connectResident(t, sessions, 101, 7)

		// Act
		sut.seedResident(context.Background(), 7)

		// Assert
		assert.Equal(t, 0, fixture.store.rosterFetches)
		assert.Empty(t, fixture.transport.sentTo(101, "guild-member-added"))
	})

	t.Run("should not refetch a roster already snapshotted", func(t *testing.T) {
		// Arrange
		var sut, sessions, fixture = newRosterFixture(t)
		seedCharacter(fixture.store, 7, "Aria", 1, "harbor")
		connectResident(t, sessions, 101, 7)
		fixture.store.setRoster(database.GroupGuild, 42, GroupMember{CharacterID: 7, Name: "Aria"})
		sut.reconcile(context.Background(), 42)
		fixture.store.rosterFetches = 0

		// Act
		sut.seedResident(context.Background(), 7)

		// Assert
		assert.Equal(t, 0, fixture.store.rosterFetches)
	})
}
