package controller

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/couchsync/server/pkg/wsrouter"
)

func (c controller) getWSRouter() *wsrouter.WSRouter {
	mux := wsrouter.New()

	mux.Use(c.wsLoggingMw)

	wsrouter.HandleTyped(mux, "ALIVE", c.handleAlive)

	// player
	wsrouter.HandleTyped(mux, "BECOME_HOST", c.handleBecomeHost)
	wsrouter.HandleTyped(mux, "PLAYER_STATE_UPDATED", c.handleUpdatePlayerState)
	wsrouter.HandleTyped(mux, "PLAYER_READY", c.handlePlayerReady)
	wsrouter.HandleTyped(mux, "REQUEST_STATE", c.handleRequestState)

	// call
	wsrouter.HandleTyped(mux, "START_CALL", c.handleStartCall)
	wsrouter.HandleTyped(mux, "END_CALL", c.handleEndCall)

	return mux
}

func (c controller) wsLoggingMw(next wsrouter.HandlerFunc) wsrouter.HandlerFunc {
	return func(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
		c.logger.DebugContext(ctx, "ws message",
			"message_type", wsrouter.GetMessageTypeFromCtx(ctx),
		)

		return next(ctx, conn, payload)
	}
}

func (c controller) wsErrorHandler(writer *wsWriter) func(ctx context.Context, conn *websocket.Conn, err error) {
	return func(ctx context.Context, conn *websocket.Conn, err error) {
		c.logger.InfoContext(ctx, "ws handler error", "error", err)
		writer.Emit(OutputError, map[string]any{"message": err.Error()})
	}
}
