package repository

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xmartos/scrumpoker/internal/domain"
	"github.com/xmartos/scrumpoker/internal/store"
)

func newTestRepository(t *testing.T) (*RoomRepository, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRoomRepository(mem, log, domain.DefaultRetention), mem
}

// waitForSnapshot receives from the stream until pred is satisfied. The
// stream coalesces under load, so tests must never count deliveries; they
// wait for the state they caused.
func waitForSnapshot(t *testing.T, ch <-chan domain.RoomData, pred func(domain.RoomData) bool) domain.RoomData {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-ch:
			if !ok {
				t.Fatalf("snapshot stream closed before expected state arrived")
			}
			if pred(data) {
				return data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot state")
		}
	}
}

func waitForClose(t *testing.T, ch <-chan domain.RoomData) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for stream close")
		}
	}
}

func TestCreateRoom(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepository(t)

	roomID, err := r.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(roomID, "ROOM-") || len(roomID) != len("ROOM-")+9 {
		t.Fatalf("unexpected room id format: %q", roomID)
	}

	exists, err := r.RoomExists(ctx, roomID)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatalf("created room not found")
	}

	exists, err = r.RoomExists(ctx, "ROOM-MISSING01")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatalf("missing room reported as existing")
	}
}

func TestJoinRoomDeliversSnapshotWithPlayer(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepository(t)

	roomID, err := r.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	playerID, err := r.JoinRoom(ctx, roomID, "ana")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(playerID) != 9 {
		t.Fatalf("unexpected player id format: %q", playerID)
	}

	data := waitForSnapshot(t, r.Snapshots(), func(d domain.RoomData) bool {
		_, ok := d.Players[playerID]
		return ok
	})
	player := data.Players[playerID]
	if player.Name != "ana" || player.HasVoted {
		t.Fatalf("unexpected joined player: %+v", player)
	}
	if data.ShowVotes {
		t.Fatalf("fresh room should start hidden")
	}
}

func TestUpdateVoteReflectedInSnapshot(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepository(t)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return created }

	roomID, _ := r.CreateRoom(ctx)
	playerID, _ := r.JoinRoom(ctx, roomID, "ana")

	voted := created.Add(5 * time.Minute)
	r.now = func() time.Time { return voted }

	if err := r.UpdateVote(ctx, roomID, playerID, domain.NumericVote(8)); err != nil {
		t.Fatalf("vote: %v", err)
	}

	data := waitForSnapshot(t, r.Snapshots(), func(d domain.RoomData) bool {
		return d.Players[playerID].HasVoted && d.LastUpdated != created.Format(time.RFC3339)
	})
	player := data.Players[playerID]
	if player.CurrentVote != 8 || player.VoteBreakdown.Numbers != 8 {
		t.Fatalf("numeric vote not recorded: %+v", player)
	}
	if data.LastUpdated != voted.Format(time.RFC3339) {
		t.Fatalf("lastUpdated not touched: %q", data.LastUpdated)
	}

	// re-voting replaces the previous choice entirely
	if err := r.UpdateVote(ctx, roomID, playerID, domain.CoffeeVote()); err != nil {
		t.Fatalf("re-vote: %v", err)
	}
	data = waitForSnapshot(t, r.Snapshots(), func(d domain.RoomData) bool {
		return d.Players[playerID].VoteBreakdown.Coffee == 1
	})
	player = data.Players[playerID]
	if player.VoteBreakdown.Numbers != 0 || player.VoteBreakdown.Joint != 0 {
		t.Fatalf("previous vote survived a re-vote: %+v", player.VoteBreakdown)
	}
	if player.Vote().Kind != domain.VoteCoffee {
		t.Fatalf("decoded vote kind = %q, want coffee", player.Vote().Kind)
	}
}

func TestClearVote(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepository(t)

	roomID, _ := r.CreateRoom(ctx)
	playerID, _ := r.JoinRoom(ctx, roomID, "ana")

	_ = r.UpdateVote(ctx, roomID, playerID, domain.NumericVote(5))
	waitForSnapshot(t, r.Snapshots(), func(d domain.RoomData) bool {
		return d.Players[playerID].HasVoted
	})

	if err := r.ClearVote(ctx, roomID, playerID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	data := waitForSnapshot(t, r.Snapshots(), func(d domain.RoomData) bool {
		return !d.Players[playerID].HasVoted
	})
	player := data.Players[playerID]
	if player.CurrentVote != 0 || player.VoteBreakdown != (domain.VoteBreakdown{}) {
		t.Fatalf("vote fields not cleared: %+v", player)
	}
}

func TestRevealVotes(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepository(t)

	roomID, _ := r.CreateRoom(ctx)
	playerID, _ := r.JoinRoom(ctx, roomID, "ana")
	_ = r.UpdateVote(ctx, roomID, playerID, domain.NumericVote(3))

	if err := r.RevealVotes(ctx, roomID); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	waitForSnapshot(t, r.Snapshots(), func(d domain.RoomData) bool {
		return d.ShowVotes
	})

	// revealing again is harmless
	if err := r.RevealVotes(ctx, roomID); err != nil {
		t.Fatalf("second reveal: %v", err)
	}
	data := waitForSnapshot(t, r.Snapshots(), func(d domain.RoomData) bool {
		return d.ShowVotes
	})
	if !data.Players[playerID].HasVoted {
		t.Fatalf("reveal must not clear votes")
	}
}

func TestResetRoundClearsLateJoiner(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	first := NewRoomRepository(mem, log, domain.DefaultRetention)
	roomID, _ := first.CreateRoom(ctx)
	anaID, _ := first.JoinRoom(ctx, roomID, "ana")
	_ = first.UpdateVote(ctx, roomID, anaID, domain.NumericVote(5))
	_ = first.RevealVotes(ctx, roomID)

	// a second client joins after the reveal, with a vote of its own
	second := NewRoomRepository(mem, log, domain.DefaultRetention)
	boID, _ := second.JoinRoom(ctx, roomID, "bo")
	_ = second.UpdateVote(ctx, roomID, boID, domain.JointVote())
	waitForSnapshot(t, first.Snapshots(), func(d domain.RoomData) bool {
		return d.Players[boID].HasVoted
	})

	if err := first.ResetRound(ctx, roomID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	data := waitForSnapshot(t, first.Snapshots(), func(d domain.RoomData) bool {
		return !d.ShowVotes && !d.Players[anaID].HasVoted && !d.Players[boID].HasVoted
	})
	for id, player := range data.Players {
		if player.CurrentVote != 0 || player.VoteBreakdown != (domain.VoteBreakdown{}) {
			t.Fatalf("player %s not reset: %+v", id, player)
		}
	}
	if len(data.Players) != 2 {
		t.Fatalf("reset must keep the roster, got %d players", len(data.Players))
	}
}

func TestListenToRoomIsIdempotentPerRoom(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepository(t)

	roomID, _ := r.CreateRoom(ctx)
	playerID, _ := r.JoinRoom(ctx, roomID, "ana")

	before := r.Snapshots()
	if err := r.ListenToRoom(roomID); err != nil {
		t.Fatalf("listen again: %v", err)
	}
	if r.Snapshots() != before {
		t.Fatalf("listening to the same room must not replace the stream")
	}

	// the original stream still works after the repeated call
	_ = r.UpdateVote(ctx, roomID, playerID, domain.NumericVote(2))
	waitForSnapshot(t, before, func(d domain.RoomData) bool {
		return d.Players[playerID].HasVoted
	})
}

func TestListenToRoomSwitchesRooms(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepository(t)

	firstRoom, _ := r.CreateRoom(ctx)
	secondRoom, _ := r.CreateRoom(ctx)

	if err := r.ListenToRoom(firstRoom); err != nil {
		t.Fatalf("listen: %v", err)
	}
	firstStream := r.Snapshots()

	if err := r.ListenToRoom(secondRoom); err != nil {
		t.Fatalf("switch: %v", err)
	}
	waitForClose(t, firstStream)

	if r.Snapshots() == nil {
		t.Fatalf("no stream after switching rooms")
	}
}

func TestLeaveRoomRemovesPlayerAndClosesStream(t *testing.T) {
	ctx := context.Background()
	r, mem := newTestRepository(t)

	roomID, _ := r.CreateRoom(ctx)
	playerID, _ := r.JoinRoom(ctx, roomID, "ana")
	stream := r.Snapshots()

	if err := r.LeaveRoom(ctx, roomID, playerID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitForClose(t, stream)

	raw, err := mem.ReadOnce(ctx, "rooms/"+roomID+"/players/"+playerID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if raw != nil {
		t.Fatalf("player record survived leave: %s", raw)
	}
}

func TestPlayerExists(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepository(t)

	roomID, _ := r.CreateRoom(ctx)
	playerID, _ := r.JoinRoom(ctx, roomID, "ana")

	exists, err := r.PlayerExists(ctx, roomID, playerID)
	if err != nil {
		t.Fatalf("player exists: %v", err)
	}
	if !exists {
		t.Fatalf("joined player not found")
	}

	exists, err = r.PlayerExists(ctx, roomID, "missing123")
	if err != nil {
		t.Fatalf("player exists: %v", err)
	}
	if exists {
		t.Fatalf("unknown player reported as existing")
	}

	if err := r.LeaveRoom(ctx, roomID, playerID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	exists, err = r.PlayerExists(ctx, roomID, playerID)
	if err != nil {
		t.Fatalf("player exists: %v", err)
	}
	if exists {
		t.Fatalf("departed player reported as existing")
	}
}

func TestCleanOldRooms(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepository(t)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return created }
	roomID, _ := r.CreateRoom(ctx)

	r.now = func() time.Time { return created.Add(23 * time.Hour) }
	if err := r.CleanOldRooms(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	exists, _ := r.RoomExists(ctx, roomID)
	if !exists {
		t.Fatalf("room swept before the retention window elapsed")
	}

	r.now = func() time.Time { return created.Add(25 * time.Hour) }
	if err := r.CleanOldRooms(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	exists, _ = r.RoomExists(ctx, roomID)
	if exists {
		t.Fatalf("expired room survived the sweep")
	}
}

func TestCleanOldRoomsEmptyStore(t *testing.T) {
	r, _ := newTestRepository(t)
	if err := r.CleanOldRooms(context.Background()); err != nil {
		t.Fatalf("sweep on empty store: %v", err)
	}
}
