package signaling

import (
	"time"

	"github.com/couchsync/server/internal/domain"
)

// QueryParams filters the signal log of a room. Zero values mean "any".
type QueryParams struct {
	RoomId    string
	Sender    string
	Type      domain.SignalType
	AfterTime time.Time
}

type DeleteOlderThanParams struct {
	RoomId string
	Age    time.Duration
}
