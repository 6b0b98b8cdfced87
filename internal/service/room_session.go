package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xmartos/scrumpoker/internal/domain"
	"github.com/xmartos/scrumpoker/lib/logger/sl"
)

var (
	ErrAlreadyJoined = errors.New("session already joined a room")
	ErrNotJoined     = errors.New("session has not joined a room")
)

const sweepTimeout = 10 * time.Second

// PlayerView is one participant as the local client should render them.
type PlayerView struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	HasVoted        bool   `json:"hasVoted"`
	IsCurrentPlayer bool   `json:"isCurrentPlayer"`
	Vote            string `json:"vote"`
	IsSpecial       bool   `json:"isSpecial"`
}

// View is the local state derived from one room snapshot. It is a pure
// function of that snapshot; no view ever combines two snapshots.
type View struct {
	RoomID      string               `json:"roomId"`
	Players     []PlayerView         `json:"players"`
	ShowVotes   bool                 `json:"showVotes"`
	HasVoted    bool                 `json:"hasVoted"`
	MyVote      string               `json:"myVote"`
	MyBreakdown domain.VoteBreakdown `json:"myBreakdown"`
	AllVoted    bool                 `json:"allVoted"`
	Results     Results              `json:"results"`
}

// RoomSession is one connected client: its identity within a room, the
// reconciliation of the incoming snapshot stream into Views, and the
// outgoing vote commands.
type RoomSession struct {
	rooms RoomInteractor
	log   *slog.Logger

	mu         sync.RWMutex
	joined     bool
	joining    bool
	roomID     string
	playerID   string
	playerName string
	showVotes  bool

	updates chan View
}

func NewRoomSession(rooms RoomInteractor, log *slog.Logger) *RoomSession {
	if log == nil {
		log = slog.Default()
	}
	return &RoomSession{rooms: rooms, log: log}
}

// Join adds a new player to the room and starts the snapshot stream. It
// also kicks off the opportunistic expired-room sweep in the background.
func (s *RoomSession) Join(ctx context.Context, roomID, playerName string) error {
	if err := s.reserve(); err != nil {
		return err
	}

	playerID, err := s.rooms.JoinRoom(ctx, roomID, playerName)
	if err != nil {
		s.release()
		return err
	}

	s.start(roomID, playerID, playerName)
	return nil
}

// Resume re-attaches a session that already owns a player record in the
// room (the player id survives page reloads client-side). A stale id, one
// whose record was swept or deleted, falls back to a fresh join so no
// partial player record is ever resurrected by a later vote.
func (s *RoomSession) Resume(ctx context.Context, roomID, playerID, playerName string) error {
	if err := s.reserve(); err != nil {
		return err
	}

	exists, err := s.rooms.PlayerExists(ctx, roomID, playerID)
	if err != nil {
		s.release()
		return err
	}
	if !exists {
		playerID, err = s.rooms.JoinRoom(ctx, roomID, playerName)
		if err != nil {
			s.release()
			return err
		}
		s.start(roomID, playerID, playerName)
		return nil
	}

	if err := s.rooms.ListenToRoom(roomID); err != nil {
		s.release()
		return err
	}

	s.start(roomID, playerID, playerName)
	return nil
}

// reserve claims the session for one attach attempt. The claim is made
// inside a single critical section, so two concurrent joins can never both
// write a player record.
func (s *RoomSession) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined || s.joining {
		return ErrAlreadyJoined
	}
	s.joining = true
	return nil
}

func (s *RoomSession) release() {
	s.mu.Lock()
	s.joining = false
	s.mu.Unlock()
}

func (s *RoomSession) start(roomID, playerID, playerName string) {
	s.mu.Lock()
	s.joining = false
	s.joined = true
	s.roomID = roomID
	s.playerID = playerID
	s.playerName = playerName
	s.updates = make(chan View, 8)
	s.mu.Unlock()

	go s.consume(s.rooms.Snapshots())
	go s.sweep()
}

// PlayerID returns the id of the local player record, empty until joined.
func (s *RoomSession) PlayerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playerID
}

// Updates streams one View per reconciled snapshot. The channel closes once
// the subscription is torn down. Slow consumers only ever miss stale views.
func (s *RoomSession) Updates() <-chan View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updates
}

// Vote casts a single-choice vote, fully replacing any previous one. Votes
// are locked while revealed: the command is a silent no-op until a reset.
func (s *RoomSession) Vote(ctx context.Context, vote domain.Vote) error {
	s.mu.RLock()
	joined, locked := s.joined, s.showVotes
	roomID, playerID := s.roomID, s.playerID
	s.mu.RUnlock()

	if !joined {
		return ErrNotJoined
	}
	if locked {
		return nil
	}
	return s.rooms.UpdateVote(ctx, roomID, playerID, vote)
}

// ClearVote returns the local player to the not-voted state.
func (s *RoomSession) ClearVote(ctx context.Context) error {
	s.mu.RLock()
	joined := s.joined
	roomID, playerID := s.roomID, s.playerID
	s.mu.RUnlock()

	if !joined {
		return ErrNotJoined
	}
	return s.rooms.ClearVote(ctx, roomID, playerID)
}

// Reveal makes all votes visible. Any joined participant may issue it.
func (s *RoomSession) Reveal(ctx context.Context) error {
	s.mu.RLock()
	joined, roomID := s.joined, s.roomID
	s.mu.RUnlock()

	if !joined {
		return ErrNotJoined
	}
	return s.rooms.RevealVotes(ctx, roomID)
}

// Reset hides votes and clears every player for the next round.
func (s *RoomSession) Reset(ctx context.Context) error {
	s.mu.RLock()
	joined, roomID := s.joined, s.roomID
	s.mu.RUnlock()

	if !joined {
		return ErrNotJoined
	}
	return s.rooms.ResetRound(ctx, roomID)
}

// Leave deletes the local player record and tears the subscription down.
// The subscription is released even when the remote delete fails; in that
// case the orphaned player record is reclaimed by the room sweep.
func (s *RoomSession) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return nil
	}
	roomID, playerID := s.roomID, s.playerID
	s.joined = false
	s.roomID = ""
	s.playerID = ""
	s.mu.Unlock()

	err := s.rooms.LeaveRoom(ctx, roomID, playerID)
	s.rooms.Disconnect()
	return err
}

func (s *RoomSession) consume(snapshots <-chan domain.RoomData) {
	s.mu.RLock()
	updates := s.updates
	s.mu.RUnlock()

	for data := range snapshots {
		pushLatestView(updates, s.reconcile(data))
	}
	close(updates)
}

func (s *RoomSession) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if err := s.rooms.CleanOldRooms(ctx); err != nil {
		s.log.Warn("room sweep failed", sl.Err(err))
	}
}

// reconcile turns one authoritative snapshot into local view state. The
// local player's hasVoted and vote come from the snapshot, not from
// whatever was issued optimistically, so the view stays consistent even
// when a local mutation is still in flight or was dropped.
func (s *RoomSession) reconcile(data domain.RoomData) View {
	s.mu.Lock()
	playerID := s.playerID
	roomID := s.roomID

	players := make([]domain.Player, 0, len(data.Players))
	for _, p := range data.Players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].Name != players[j].Name {
			return players[i].Name < players[j].Name
		}
		return players[i].ID < players[j].ID
	})

	hasVoted := false
	myVote := domain.NoVote()
	myBreakdown := domain.VoteBreakdown{}
	if me, ok := data.Players[playerID]; ok {
		hasVoted = me.HasVoted
		myVote = me.Vote()
		myBreakdown = me.VoteBreakdown
	}
	s.showVotes = data.ShowVotes
	s.mu.Unlock()

	views := make([]PlayerView, 0, len(players))
	allVoted := len(players) > 0
	for _, p := range players {
		vote := p.Vote()
		view := PlayerView{
			ID:              p.ID,
			Name:            p.Name,
			HasVoted:        p.HasVoted,
			IsCurrentPlayer: p.ID == playerID,
		}
		// Other players' vote values stay blank until revealed; only the
		// local player sees their own selection early.
		if data.ShowVotes || view.IsCurrentPlayer {
			view.Vote = vote.Display()
			view.IsSpecial = vote.IsSpecial()
		}
		views = append(views, view)
		if !p.HasVoted {
			allVoted = false
		}
	}

	return View{
		RoomID:      roomID,
		Players:     views,
		ShowVotes:   data.ShowVotes,
		HasVoted:    hasVoted,
		MyVote:      myVote.Display(),
		MyBreakdown: myBreakdown,
		AllVoted:    allVoted,
		Results:     CalculateResults(players, data.ShowVotes),
	}
}

func pushLatestView(ch chan View, view View) {
	for {
		select {
		case ch <- view:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
