package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xmartos/scrumpoker/internal/domain"
	"github.com/xmartos/scrumpoker/internal/repository"
	"github.com/xmartos/scrumpoker/internal/store"
)

type sessionEnv struct {
	store  *store.Memory
	log    *slog.Logger
	roomID string
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()
	env := &sessionEnv{
		store: store.NewMemory(),
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	creator := repository.NewRoomRepository(env.store, env.log, domain.DefaultRetention)
	roomID, err := creator.CreateRoom(context.Background())
	require.NoError(t, err)
	env.roomID = roomID
	return env
}

// newSession wires a fresh session over its own repository, the same shape
// the websocket handler builds per connection.
func (e *sessionEnv) newSession() *RoomSession {
	rooms := repository.NewRoomRepository(e.store, e.log, domain.DefaultRetention)
	return NewRoomSession(rooms, e.log)
}

// waitForView drains the update stream until pred matches. Views coalesce
// under load, so tests wait for the state they caused instead of counting
// deliveries.
func waitForView(t *testing.T, ch <-chan View, pred func(View) bool) View {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case view, ok := <-ch:
			if !ok {
				t.Fatalf("update stream closed before expected view arrived")
			}
			if pred(view) {
				return view
			}
		case <-deadline:
			t.Fatalf("timed out waiting for view")
		}
	}
}

func waitForViewClose(t *testing.T, ch <-chan View) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for update stream close")
		}
	}
}

func TestSessionJoinProducesInitialView(t *testing.T) {
	ctx := context.Background()
	env := newSessionEnv(t)
	session := env.newSession()

	require.NoError(t, session.Join(ctx, env.roomID, "ana"))
	require.NotEmpty(t, session.PlayerID())

	view := waitForView(t, session.Updates(), func(v View) bool {
		return len(v.Players) == 1
	})
	require.Equal(t, env.roomID, view.RoomID)
	require.False(t, view.ShowVotes)
	require.False(t, view.HasVoted)
	require.Equal(t, "—", view.MyVote)
	require.False(t, view.AllVoted)

	me := view.Players[0]
	require.Equal(t, "ana", me.Name)
	require.True(t, me.IsCurrentPlayer)
	require.False(t, me.HasVoted)

	require.ErrorIs(t, session.Join(ctx, env.roomID, "ana"), ErrAlreadyJoined)
}

func TestSessionVoteResyncsFromSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newSessionEnv(t)
	session := env.newSession()
	require.NoError(t, session.Join(ctx, env.roomID, "ana"))

	require.NoError(t, session.Vote(ctx, domain.NumericVote(5)))

	view := waitForView(t, session.Updates(), func(v View) bool {
		return v.HasVoted
	})
	require.Equal(t, "5", view.MyVote)
	require.Equal(t, float64(5), view.MyBreakdown.Numbers)
	require.True(t, view.AllVoted)

	// own selection is visible even while the room is hidden
	require.Equal(t, "5", view.Players[0].Vote)
	require.False(t, view.Players[0].IsSpecial)

	require.NoError(t, session.ClearVote(ctx))
	view = waitForView(t, session.Updates(), func(v View) bool {
		return !v.HasVoted
	})
	require.Equal(t, "—", view.MyVote)
}

func TestSessionHidesOthersVotesUntilReveal(t *testing.T) {
	ctx := context.Background()
	env := newSessionEnv(t)

	ana := env.newSession()
	require.NoError(t, ana.Join(ctx, env.roomID, "ana"))
	bo := env.newSession()
	require.NoError(t, bo.Join(ctx, env.roomID, "bo"))

	require.NoError(t, ana.Vote(ctx, domain.CoffeeVote()))

	anaID := ana.PlayerID()
	findAna := func(v View) (PlayerView, bool) {
		for _, p := range v.Players {
			if p.ID == anaID {
				return p, true
			}
		}
		return PlayerView{}, false
	}

	view := waitForView(t, bo.Updates(), func(v View) bool {
		p, ok := findAna(v)
		return ok && p.HasVoted
	})
	hidden, _ := findAna(view)
	require.Empty(t, hidden.Vote, "vote value must stay blank until revealed")
	require.False(t, hidden.IsSpecial)
	require.Zero(t, view.Results.TotalVotes, "results are zeroed while hidden")

	require.NoError(t, bo.Reveal(ctx))
	view = waitForView(t, bo.Updates(), func(v View) bool {
		return v.ShowVotes
	})
	revealed, _ := findAna(view)
	require.Equal(t, domain.CoffeeSymbol, revealed.Vote)
	require.True(t, revealed.IsSpecial)
	require.Equal(t, 1, view.Results.TotalVotes)
}

func TestSessionVoteLockedWhileRevealed(t *testing.T) {
	ctx := context.Background()
	env := newSessionEnv(t)
	session := env.newSession()
	require.NoError(t, session.Join(ctx, env.roomID, "ana"))

	require.NoError(t, session.Reveal(ctx))
	waitForView(t, session.Updates(), func(v View) bool {
		return v.ShowVotes
	})

	// a vote issued while revealed is silently dropped
	require.NoError(t, session.Vote(ctx, domain.NumericVote(8)))
	raw, err := env.store.ReadOnce(ctx, "rooms/"+env.roomID+"/players/"+session.PlayerID())
	require.NoError(t, err)
	player := mustDecodePlayer(t, raw)
	require.False(t, player.HasVoted)

	// reset unlocks voting again
	require.NoError(t, session.Reset(ctx))
	waitForView(t, session.Updates(), func(v View) bool {
		return !v.ShowVotes
	})
	require.NoError(t, session.Vote(ctx, domain.NumericVote(8)))
	view := waitForView(t, session.Updates(), func(v View) bool {
		return v.HasVoted
	})
	require.Equal(t, "8", view.MyVote)
}

func TestSessionLeaveClosesUpdates(t *testing.T) {
	ctx := context.Background()
	env := newSessionEnv(t)
	session := env.newSession()
	require.NoError(t, session.Join(ctx, env.roomID, "ana"))
	playerID := session.PlayerID()
	updates := session.Updates()

	require.NoError(t, session.Leave(ctx))
	waitForViewClose(t, updates)

	raw, err := env.store.ReadOnce(ctx, "rooms/"+env.roomID+"/players/"+playerID)
	require.NoError(t, err)
	require.Nil(t, raw, "player record must be deleted on leave")

	require.ErrorIs(t, session.Vote(ctx, domain.NumericVote(1)), ErrNotJoined)
	require.NoError(t, session.Leave(ctx), "leaving twice is harmless")
}

func TestSessionResumeKeepsPlayerRecord(t *testing.T) {
	ctx := context.Background()
	env := newSessionEnv(t)

	first := env.newSession()
	require.NoError(t, first.Join(ctx, env.roomID, "ana"))
	playerID := first.PlayerID()
	require.NoError(t, first.Vote(ctx, domain.NumericVote(3)))

	// simulate a reload: a fresh session re-attaches with the stored id
	second := env.newSession()
	require.NoError(t, second.Resume(ctx, env.roomID, playerID, "ana"))
	require.Equal(t, playerID, second.PlayerID())

	view := waitForView(t, second.Updates(), func(v View) bool {
		return v.HasVoted
	})
	require.Len(t, view.Players, 1, "resume must not add a second player")
	require.Equal(t, "3", view.MyVote)
	require.True(t, view.Players[0].IsCurrentPlayer)
}

func TestSessionResumeWithStaleIDJoinsFresh(t *testing.T) {
	ctx := context.Background()
	env := newSessionEnv(t)

	first := env.newSession()
	require.NoError(t, first.Join(ctx, env.roomID, "ana"))
	staleID := first.PlayerID()
	require.NoError(t, first.Leave(ctx))

	// the record is gone; resuming with its id must not resurrect it
	second := env.newSession()
	require.NoError(t, second.Resume(ctx, env.roomID, staleID, "ana"))
	require.NotEqual(t, staleID, second.PlayerID())
	require.NotEmpty(t, second.PlayerID())

	require.NoError(t, second.Vote(ctx, domain.NumericVote(5)))
	view := waitForView(t, second.Updates(), func(v View) bool {
		return v.HasVoted
	})
	require.Len(t, view.Players, 1)
	require.Equal(t, "ana", view.Players[0].Name, "no nameless roster entry")
	require.Equal(t, second.PlayerID(), view.Players[0].ID)
}

func TestSessionConcurrentJoinsWriteOneRecord(t *testing.T) {
	ctx := context.Background()
	env := newSessionEnv(t)
	session := env.newSession()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- session.Join(ctx, env.roomID, "ana")
		}()
	}
	wg.Wait()
	close(errs)

	joined, rejected := 0, 0
	for err := range errs {
		if err == nil {
			joined++
			continue
		}
		require.ErrorIs(t, err, ErrAlreadyJoined)
		rejected++
	}
	require.Equal(t, 1, joined)
	require.Equal(t, 1, rejected)

	raw, err := env.store.ReadOnce(ctx, "rooms/"+env.roomID+"/players")
	require.NoError(t, err)
	var players map[string]domain.Player
	require.NoError(t, json.Unmarshal(raw, &players))
	require.Len(t, players, 1)
}

func TestSessionAllVoted(t *testing.T) {
	ctx := context.Background()
	env := newSessionEnv(t)

	ana := env.newSession()
	require.NoError(t, ana.Join(ctx, env.roomID, "ana"))
	bo := env.newSession()
	require.NoError(t, bo.Join(ctx, env.roomID, "bo"))

	require.NoError(t, ana.Vote(ctx, domain.NumericVote(5)))
	view := waitForView(t, ana.Updates(), func(v View) bool {
		return v.HasVoted && len(v.Players) == 2
	})
	require.False(t, view.AllVoted)

	require.NoError(t, bo.Vote(ctx, domain.JointVote()))
	view = waitForView(t, ana.Updates(), func(v View) bool {
		return v.AllVoted
	})
	require.True(t, view.AllVoted)

	// roster order is stable by name
	require.Equal(t, "ana", view.Players[0].Name)
	require.Equal(t, "bo", view.Players[1].Name)
}

func mustDecodePlayer(t *testing.T, raw []byte) domain.Player {
	t.Helper()
	require.NotNil(t, raw)
	var player domain.Player
	require.NoError(t, json.Unmarshal(raw, &player))
	return player
}
