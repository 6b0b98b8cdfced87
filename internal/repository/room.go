package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xmartos/scrumpoker/internal/domain"
	"github.com/xmartos/scrumpoker/internal/store"
	"github.com/xmartos/scrumpoker/lib/logger/sl"
)

// RoomRepository translates room and player operations into path-addressed
// reads and writes against the store, and owns this session's single live
// snapshot subscription. One instance per connected client; it is not a
// process-wide registry.
type RoomRepository struct {
	store     store.Store
	log       *slog.Logger
	retention time.Duration
	now       func() time.Time

	mu          sync.Mutex
	roomID      string
	unsubscribe func()
	snapshots   chan domain.RoomData
}

func NewRoomRepository(st store.Store, log *slog.Logger, retention time.Duration) *RoomRepository {
	if log == nil {
		log = slog.Default()
	}
	if retention <= 0 {
		retention = domain.DefaultRetention
	}
	return &RoomRepository{
		store:     st,
		log:       log,
		retention: retention,
		now:       time.Now,
	}
}

func roomPath(roomID string) string {
	return "rooms/" + roomID
}

func playerPath(roomID, playerID string) string {
	return roomPath(roomID) + "/players/" + playerID
}

func (r *RoomRepository) timestamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

// Snapshots returns the stream fed by the active subscription. The channel
// is replaced when the subscription moves to another room and closed when
// the subscription is torn down.
func (r *RoomRepository) Snapshots() <-chan domain.RoomData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots
}

// CreateRoom writes an initial empty room under a freshly generated id.
func (r *RoomRepository) CreateRoom(ctx context.Context) (string, error) {
	const op = "repository.room.create"

	roomID, err := newRoomID()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := r.store.Write(ctx, roomPath(roomID), domain.NewRoomData(r.now())); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	r.log.Info("room created", slog.String("room_id", roomID))
	return roomID, nil
}

// JoinRoom writes a fresh player record under the room and starts listening
// to it. The returned player id is the caller's to keep; it is the only
// handle to the player record across reloads.
func (r *RoomRepository) JoinRoom(ctx context.Context, roomID, playerName string) (string, error) {
	const op = "repository.room.join"

	playerID, err := newPlayerID()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	player := domain.NewPlayer(playerID, playerName)
	if err := r.store.Write(ctx, playerPath(roomID, playerID), player); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := r.ListenToRoom(roomID); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	r.log.Info("player joined",
		slog.String("room_id", roomID),
		slog.String("player_id", playerID),
		slog.String("name", playerName),
	)
	return playerID, nil
}

// ListenToRoom establishes the snapshot subscription for roomID. Calling it
// again for the same room is a no-op; calling it for a different room tears
// the previous subscription down first, so at most one is ever live.
func (r *RoomRepository) ListenToRoom(roomID string) error {
	const op = "repository.room.listen"

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.roomID == roomID && r.unsubscribe != nil {
		return nil
	}
	r.teardownLocked()

	snapshots := make(chan domain.RoomData, 16)
	unsubscribe, err := r.store.Subscribe(roomPath(roomID), func(raw json.RawMessage) {
		if raw == nil {
			return
		}
		data, err := domain.DecodeRoom(raw)
		if err != nil {
			r.log.Error("dropping malformed snapshot",
				slog.String("room_id", roomID), sl.Err(err))
			return
		}
		pushLatest(snapshots, data)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	r.roomID = roomID
	r.unsubscribe = unsubscribe
	r.snapshots = snapshots
	return nil
}

// UpdateVote overwrites one player's vote fields and touches the room's
// lastUpdated. Nothing else in the room is perturbed.
func (r *RoomRepository) UpdateVote(ctx context.Context, roomID, playerID string, vote domain.Vote) error {
	const op = "repository.room.vote"

	breakdown := vote.Breakdown()
	err := r.store.Update(ctx, playerPath(roomID, playerID), map[string]any{
		"currentVote":   breakdown.Numbers,
		"hasVoted":      true,
		"voteBreakdown": breakdown,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = r.store.Update(ctx, roomPath(roomID), map[string]any{
		"lastUpdated": r.timestamp(),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ClearVote resets one player's vote fields to the not-voted state.
func (r *RoomRepository) ClearVote(ctx context.Context, roomID, playerID string) error {
	const op = "repository.room.clear"

	err := r.store.Update(ctx, playerPath(roomID, playerID), map[string]any{
		"currentVote":   0,
		"hasVoted":      false,
		"voteBreakdown": domain.VoteBreakdown{},
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RevealVotes makes everyone's votes visible. Calling it when votes are
// already shown changes nothing but the touch timestamp.
func (r *RoomRepository) RevealVotes(ctx context.Context, roomID string) error {
	const op = "repository.room.reveal"

	err := r.store.Update(ctx, roomPath(roomID), map[string]any{
		"showVotes":   true,
		"lastUpdated": r.timestamp(),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ResetRound hides votes and clears every current player in one batched
// update. The player set is read fresh immediately before the write so
// players who just left are not resurrected and players who just joined
// are not missed.
func (r *RoomRepository) ResetRound(ctx context.Context, roomID string) error {
	const op = "repository.room.reset"

	raw, err := r.store.ReadOnce(ctx, roomPath(roomID))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if raw == nil {
		return nil
	}
	data, err := domain.DecodeRoom(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	updates := map[string]any{
		"showVotes":   false,
		"lastUpdated": r.timestamp(),
	}
	for playerID := range data.Players {
		updates["players/"+playerID+"/currentVote"] = 0
		updates["players/"+playerID+"/hasVoted"] = false
		updates["players/"+playerID+"/voteBreakdown"] = domain.VoteBreakdown{}
	}

	if err := r.store.Update(ctx, roomPath(roomID), updates); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// LeaveRoom deletes the player's record and tears down the subscription.
func (r *RoomRepository) LeaveRoom(ctx context.Context, roomID, playerID string) error {
	const op = "repository.room.leave"

	if err := r.store.Remove(ctx, playerPath(roomID, playerID)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	r.Disconnect()

	r.log.Info("player left",
		slog.String("room_id", roomID),
		slog.String("player_id", playerID),
	)
	return nil
}

// RoomExists is a one-shot existence check, no subscription involved.
func (r *RoomRepository) RoomExists(ctx context.Context, roomID string) (bool, error) {
	const op = "repository.room.exists"

	raw, err := r.store.ReadOnce(ctx, roomPath(roomID))
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return raw != nil, nil
}

// PlayerExists reports whether the player's record is still present in the
// room. Resume uses it to detect a stale stored id.
func (r *RoomRepository) PlayerExists(ctx context.Context, roomID, playerID string) (bool, error) {
	const op = "repository.room.player_exists"

	raw, err := r.store.ReadOnce(ctx, playerPath(roomID, playerID))
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return raw != nil, nil
}

// CleanOldRooms deletes every room older than the retention window,
// regardless of occupancy. Best effort: it runs opportunistically on join,
// takes no lock, and can race an active session in an expiring room.
func (r *RoomRepository) CleanOldRooms(ctx context.Context) error {
	const op = "repository.room.sweep"

	raw, err := r.store.ReadOnce(ctx, "rooms")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if raw == nil {
		return nil
	}

	var rooms map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rooms); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	now := r.now()
	for roomID, roomRaw := range rooms {
		data, err := domain.DecodeRoom(roomRaw)
		if err != nil {
			continue
		}
		if !data.IsExpired(now, r.retention) {
			continue
		}
		if err := r.store.Remove(ctx, roomPath(roomID)); err != nil {
			r.log.Error("failed to remove expired room",
				slog.String("room_id", roomID), sl.Err(err))
			continue
		}
		r.log.Info("expired room removed", slog.String("room_id", roomID))
	}
	return nil
}

// Disconnect tears down the active subscription without touching remote
// state. Synchronous: no snapshot is delivered after it returns.
func (r *RoomRepository) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked()
}

func (r *RoomRepository) teardownLocked() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
		close(r.snapshots)
		r.snapshots = nil
	}
	r.roomID = ""
}

// pushLatest delivers data without ever blocking the store: when the
// consumer lags, the stalest queued snapshot is dropped. The view is a pure
// function of the latest snapshot, so dropped history is never missed.
func pushLatest(ch chan domain.RoomData, data domain.RoomData) {
	for {
		select {
		case ch <- data:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
