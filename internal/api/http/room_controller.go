package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/xmartos/scrumpoker/internal/api/http/converter"
	"github.com/xmartos/scrumpoker/internal/domain"
	"github.com/xmartos/scrumpoker/internal/repository"
	"github.com/xmartos/scrumpoker/internal/service"
	"github.com/xmartos/scrumpoker/internal/store"
	"github.com/xmartos/scrumpoker/lib/logger/sl"
)

const leaveTimeout = 5 * time.Second

type RoomController struct {
	store     store.Store
	auth      service.AuthInteractor
	log       *slog.Logger
	retention time.Duration
	upgrader  websocket.Upgrader
}

func NewRoomController(st store.Store, auth service.AuthInteractor, retention time.Duration, log *slog.Logger) *RoomController {
	if log == nil {
		log = slog.Default()
	}
	return &RoomController{
		store:     st,
		auth:      auth,
		log:       log,
		retention: retention,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// newRepository builds the session-scoped repository handle. Each connected
// client gets its own: the subscription it owns must never be shared.
func (c *RoomController) newRepository() *repository.RoomRepository {
	return repository.NewRoomRepository(c.store, c.log, c.retention)
}

// wsWriter serializes writes to one websocket connection. The snapshot
// writer goroutine and the command reader's error replies share the
// connection, and gorilla allows a single concurrent writer.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// CreateRoom requires a valid login session; joining via invite does not.
func (c *RoomController) CreateRoom(ctx *gin.Context) {
	if !c.auth.Validate(bearerToken(ctx)) {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "login required"})
		return
	}

	roomID, err := c.newRepository().CreateRoom(ctx.Request.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		ctx.JSON(status, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusCreated, gin.H{"room": converter.RoomCreatedToApi(roomID)})
}

func (c *RoomController) RoomExists(ctx *gin.Context) {
	exists, err := c.newRepository().RoomExists(ctx.Request.Context(), ctx.Param("roomID"))
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"exists": exists})
}

// JoinRoom upgrades to a websocket, joins (or resumes) the room, then runs
// two loops: the writer streams every reconciled view, the reader applies
// vote commands. Closing the socket leaves the room best-effort.
func (c *RoomController) JoinRoom(ctx *gin.Context) {
	roomID := ctx.Param("roomID")

	playerName := ctx.Query("name")
	if playerName == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	playerID := ctx.Query("player_id")

	repo := c.newRepository()

	// Mutations on an unknown room would silently re-create its path, so
	// membership is gated on an explicit existence check.
	exists, err := repo.RoomExists(ctx.Request.Context(), roomID)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !exists {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		c.log.Error("websocket upgrade failed", sl.Err(err))
		return
	}
	writer := &wsWriter{conn: conn}

	session := service.NewRoomSession(repo, c.log)
	if playerID == "" {
		err = session.Join(ctx.Request.Context(), roomID, playerName)
	} else {
		err = session.Resume(ctx.Request.Context(), roomID, playerID, playerName)
	}
	if err != nil {
		_ = writer.writeJSON(converter.ErrorToApi(err.Error()))
		conn.Close()
		return
	}

	// A stale resume id falls back to a fresh join, so the session's id is
	// the authoritative one to echo back.
	_ = writer.writeJSON(converter.JoinedToApi(roomID, session.PlayerID()))

	go c.writeViews(writer, session)
	c.readCommands(conn, writer, session)
}

func (c *RoomController) writeViews(writer *wsWriter, session *service.RoomSession) {
	for view := range session.Updates() {
		if err := writer.writeJSON(converter.SnapshotToApi(view)); err != nil {
			return
		}
	}
}

type clientMessage struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (c *RoomController) readCommands(conn *websocket.Conn, writer *wsWriter, session *service.RoomSession) {
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if err := session.Leave(leaveCtx); err != nil {
			c.log.Warn("best-effort leave failed", sl.Err(err))
		}
		conn.Close()
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		reqCtx := context.Background()
		var err error
		switch msg.Type {
		case "vote":
			vote, ok := parseVote(msg.Value)
			if !ok {
				_ = writer.writeJSON(converter.ErrorToApi("invalid vote value"))
				continue
			}
			err = session.Vote(reqCtx, vote)
		case "clear":
			err = session.ClearVote(reqCtx)
		case "reveal":
			err = session.Reveal(reqCtx)
		case "reset":
			err = session.Reset(reqCtx)
		default:
			_ = writer.writeJSON(converter.ErrorToApi("unknown command"))
			continue
		}
		if err != nil {
			c.log.Warn("command failed", slog.String("type", msg.Type), sl.Err(err))
		}
	}
}

// parseVote accepts a non-negative number or one of the two sentinels.
func parseVote(raw json.RawMessage) (domain.Vote, bool) {
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		if number < 0 {
			return domain.Vote{}, false
		}
		return domain.NumericVote(number), true
	}

	var sentinel string
	if err := json.Unmarshal(raw, &sentinel); err == nil {
		switch sentinel {
		case "coffee":
			return domain.CoffeeVote(), true
		case "joint":
			return domain.JointVote(), true
		}
	}
	return domain.Vote{}, false
}

func bearerToken(ctx *gin.Context) string {
	header := ctx.GetHeader("Authorization")
	return strings.TrimPrefix(header, "Bearer ")
}
