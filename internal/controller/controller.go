package controller

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/couchsync/server/internal/service/room"
	"github.com/couchsync/server/pkg/randstr"
	"github.com/couchsync/server/pkg/validator"
)

const roomIdLength = 8

type iRoomService interface {
	JoinRoom(context.Context, *room.JoinRoomParams) (*room.Session, error)
	LeaveRoom(conn *websocket.Conn, session *room.Session) error
}

type controller struct {
	roomService iRoomService
	upgrader    websocket.Upgrader
	validate    *validator.Validator
	roomIdGen   interface{ GenerateRandomString(int) string }
	logger      *slog.Logger
}

func NewController(roomService iRoomService, logger *slog.Logger) *controller {
	return &controller{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		roomService: roomService,
		validate:    validator.NewValidator(),
		roomIdGen:   randstr.New([]byte("abcdefghijklmnopqrstuvwxyz0123456789")),
		logger:      logger,
	}
}
