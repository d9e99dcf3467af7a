package sync

import "time"

// Broadcast event names owned by the sync coordinator.
const (
	EventHostAnnounce = "host-announce"
	EventSyncState    = "sync-state"
	EventStateRequest = "state-request"
)

type HostAnnounce struct {
	HostId      string    `json:"host_id"`
	AnnouncedAt time.Time `json:"announced_at"`
}

type eventKind int

const (
	evBecomeHost eventKind = iota
	evLocalChange
	evPlayerReady
	evRequestState
)

type controlEvent struct {
	kind eventKind
}
