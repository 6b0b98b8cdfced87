package converter

import "github.com/xmartos/scrumpoker/internal/service"

type CreateRoomResponse struct {
	RoomID string `json:"room_id"`
	Invite string `json:"invite"`
}

func RoomCreatedToApi(roomID string) CreateRoomResponse {
	return CreateRoomResponse{
		RoomID: roomID,
		Invite: "/scrum-poker?room=" + roomID,
	}
}

// ServerMessage is the websocket envelope sent to a joined client.
type ServerMessage struct {
	Type     string        `json:"type"`
	RoomID   string        `json:"room_id,omitempty"`
	PlayerID string        `json:"player_id,omitempty"`
	View     *service.View `json:"view,omitempty"`
	Error    string        `json:"error,omitempty"`
}

func JoinedToApi(roomID, playerID string) ServerMessage {
	return ServerMessage{Type: "joined", RoomID: roomID, PlayerID: playerID}
}

func SnapshotToApi(view service.View) ServerMessage {
	return ServerMessage{Type: "snapshot", View: &view}
}

func ErrorToApi(message string) ServerMessage {
	return ServerMessage{Type: "error", Error: message}
}
