package service

import (
	"context"

	"github.com/xmartos/scrumpoker/internal/domain"
)

// RoomInteractor is the mutation surface the session drives. Implemented by
// repository.RoomRepository; one instance per connected client.
type RoomInteractor interface {
	CreateRoom(ctx context.Context) (string, error)
	JoinRoom(ctx context.Context, roomID, playerName string) (string, error)
	ListenToRoom(roomID string) error
	UpdateVote(ctx context.Context, roomID, playerID string, vote domain.Vote) error
	ClearVote(ctx context.Context, roomID, playerID string) error
	RevealVotes(ctx context.Context, roomID string) error
	ResetRound(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID, playerID string) error
	RoomExists(ctx context.Context, roomID string) (bool, error)
	PlayerExists(ctx context.Context, roomID, playerID string) (bool, error)
	CleanOldRooms(ctx context.Context) error
	Disconnect()
	Snapshots() <-chan domain.RoomData
}

// AuthInteractor is the authentication collaborator boundary: the poker core
// only ever asks "is this session token valid".
type AuthInteractor interface {
	Login(ctx context.Context, email, password string) (*domain.Session, error)
	Logout(ctx context.Context, token string)
	Validate(token string) bool
}
