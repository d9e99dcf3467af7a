package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/couchsync/server/internal/service/room"
	"github.com/couchsync/server/pkg/ctxlogger"
)

type JoinRoomInput struct {
	RoomId        string `json:"room_id" validate:"required,min=1,max=64"`
	ParticipantId string `json:"participant_id" validate:"required,min=1,max=64"`
}

// createRoom mints a fresh shareable room code. The room itself materializes
// lazily when the first participant joins.
func (c controller) createRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"room_id": c.roomIdGen.GenerateRandomString(roomIdLength),
	})
}

// joinRoom upgrades the UI connection and serves it until it closes. The
// session created here owns every resource of the membership; leaving the
// room (or any disconnect) tears it all down.
func (c controller) joinRoom(w http.ResponseWriter, r *http.Request) {
	input := JoinRoomInput{
		RoomId:        chi.URLParam(r, "room-id"),
		ParticipantId: r.URL.Query().Get("participant-id"),
	}
	if validationErrors, ok := c.validate.Validate(input); !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(validationErrors)
		return
	}

	ctx := ctxlogger.AppendCtx(r.Context(), slog.String("room_id", input.RoomId))
	ctx = ctxlogger.AppendCtx(ctx, slog.String("participant_id", input.ParticipantId))

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to upgrade connection", "error", err)
		return
	}

	writer := newWSWriter(conn)

	session, err := c.roomService.JoinRoom(ctx, &room.JoinRoomParams{
		Conn:          conn,
		RoomId:        input.RoomId,
		ParticipantId: input.ParticipantId,
		Emit:          writer.Emit,
	})
	if err != nil {
		c.logger.InfoContext(ctx, "failed to join room", "error", err)
		writer.Emit(OutputError, map[string]any{"message": err.Error()})
		conn.Close()
		return
	}

	defer func() {
		if err := c.roomService.LeaveRoom(conn, session); err != nil {
			c.logger.ErrorContext(ctx, "failed to leave room", "error", err)
		}
		conn.Close()
	}()

	ctx = context.WithValue(ctx, sessionCtxKey, session)

	if err := c.getWSRouter().ServeConn(ctx, conn, c.wsErrorHandler(writer)); err != nil {
		c.logger.InfoContext(ctx, "connection closed", "error", err)
	}
}
