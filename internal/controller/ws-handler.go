package controller

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/couchsync/server/internal/domain"
)

const OutputError = "ERROR"

type EmptyInput struct{}

func (c controller) handleAlive(ctx context.Context, conn *websocket.Conn, input EmptyInput) error {
	return nil
}

func (c controller) handleBecomeHost(ctx context.Context, conn *websocket.Conn, input EmptyInput) error {
	session := c.getSessionFromCtx(ctx)
	session.BecomeHost()

	return nil
}

type UpdatePlayerStateInput struct {
	Status       string  `json:"status" validate:"required,oneof=playing paused buffering"`
	CurrentTime  float64 `json:"current_time" validate:"gte=0"`
	PlaybackRate float64 `json:"playback_rate" validate:"gt=0"`
	SourceURL    string  `json:"source_url"`
	SourceType   string  `json:"source_type" validate:"omitempty,oneof=embedded-stream local-file direct-url provider-hosted"`
}

func (c controller) handleUpdatePlayerState(ctx context.Context, conn *websocket.Conn, input UpdatePlayerStateInput) error {
	if validationErrors, ok := c.validate.Validate(input); !ok {
		return fmt.Errorf("validation error: %v", validationErrors)
	}

	session := c.getSessionFromCtx(ctx)
	session.UpdatePlayerState(domain.SyncState{
		Status:       domain.PlayerStatus(input.Status),
		CurrentTime:  input.CurrentTime,
		PlaybackRate: input.PlaybackRate,
		SourceURL:    input.SourceURL,
		SourceType:   domain.SourceType(input.SourceType),
	})

	return nil
}

func (c controller) handlePlayerReady(ctx context.Context, conn *websocket.Conn, input EmptyInput) error {
	session := c.getSessionFromCtx(ctx)
	session.PlayerReady()

	return nil
}

func (c controller) handleRequestState(ctx context.Context, conn *websocket.Conn, input EmptyInput) error {
	session := c.getSessionFromCtx(ctx)
	session.RequestState()

	return nil
}

func (c controller) handleStartCall(ctx context.Context, conn *websocket.Conn, input EmptyInput) error {
	session := c.getSessionFromCtx(ctx)
	session.StartCall()

	return nil
}

func (c controller) handleEndCall(ctx context.Context, conn *websocket.Conn, input EmptyInput) error {
	session := c.getSessionFromCtx(ctx)
	session.EndCall()

	return nil
}
