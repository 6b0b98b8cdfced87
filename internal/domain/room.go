package domain

import (
	"encoding/json"
	"time"
)

// DefaultRetention is how long a room is kept before the sweep removes it.
const DefaultRetention = 24 * time.Hour

// Player is one participant's record under rooms/{roomId}/players/{playerId}.
type Player struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	CurrentVote   float64       `json:"currentVote"`
	HasVoted      bool          `json:"hasVoted"`
	VoteBreakdown VoteBreakdown `json:"voteBreakdown"`
}

// Vote returns the player's vote in its single-choice form.
func (p Player) Vote() Vote {
	return p.VoteBreakdown.Vote(p.HasVoted)
}

// RoomData is the full room record stored under rooms/{roomId} and delivered
// with every snapshot. Timestamps are ISO-8601 strings, matching the wire
// format the browser clients wrote.
type RoomData struct {
	Players     map[string]Player `json:"players"`
	ShowVotes   bool              `json:"showVotes"`
	CreatedAt   string            `json:"createdAt"`
	LastUpdated string            `json:"lastUpdated"`
}

// NewRoomData returns the initial record for a freshly created room.
func NewRoomData(now time.Time) RoomData {
	ts := now.UTC().Format(time.RFC3339)
	return RoomData{
		Players:     map[string]Player{},
		ShowVotes:   false,
		CreatedAt:   ts,
		LastUpdated: ts,
	}
}

// NewPlayer returns the record written when a client joins a room.
func NewPlayer(id, name string) Player {
	return Player{
		ID:       id,
		Name:     name,
		HasVoted: false,
	}
}

// DecodeRoom parses a delivered snapshot. Partial records are tolerated: a
// missing players key decodes to an empty player set rather than an error.
func DecodeRoom(raw json.RawMessage) (RoomData, error) {
	var data RoomData
	if err := json.Unmarshal(raw, &data); err != nil {
		return RoomData{}, err
	}
	if data.Players == nil {
		data.Players = map[string]Player{}
	}
	return data, nil
}

// CreatedAtTime parses the room's creation timestamp.
func (r RoomData) CreatedAtTime() (time.Time, error) {
	return time.Parse(time.RFC3339, r.CreatedAt)
}

// IsExpired reports whether the room is older than the retention window.
// Rooms with an unparseable creation timestamp are never expired.
func (r RoomData) IsExpired(now time.Time, retention time.Duration) bool {
	createdAt, err := r.CreatedAtTime()
	if err != nil {
		return false
	}
	return now.Sub(createdAt) > retention
}
