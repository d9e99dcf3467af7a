package domain

import "time"

// CallSession is one attempt to establish a call. At most one session is
// current per participant pair; simultaneous starts are resolved
// deterministically by ResolveInitiator.
type CallSession struct {
	CallId    string    `json:"call_id"`
	StartedBy string    `json:"started_by"`
	StartedAt time.Time `json:"started_at"`
}

// ResolveInitiator picks the surviving initiator between two simultaneous
// call starts. The comparison is a total order over participant ids, so both
// sides converge on the same winner regardless of observation order and
// without another round trip.
func ResolveInitiator(a, b string) string {
	if a < b {
		return a
	}

	return b
}
