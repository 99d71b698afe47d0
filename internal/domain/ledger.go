package domain

import "time"

// Availability is the capacity snapshot exposed to every caller.
type Availability struct {
	Total     int `json:"total"`
	Confirmed int `json:"confirmed"`
	Held      int `json:"held"`
	Available int `json:"available"`
}

// ComputeAvailability derives the capacity snapshot from an event's request
// set. Confirmed sums approved party sizes; held sums party sizes of requests
// that are effectively pending (stored pending with an unexpired hold) as of
// now. No I/O, no side effects.
//
// A negative available means an earlier write violated the ledger invariant.
// The returned snapshot is clamped to zero so reads stay serviceable, and the
// error carries the real value for the caller to report.
func ComputeAvailability(event Event, requests []JoinRequest, now time.Time) (Availability, error) {
	avail := Availability{Total: event.CapacityTotal}
	for _, req := range requests {
		switch req.EffectiveStatus(now) {
		case StatusApproved:
			avail.Confirmed += req.PartySize
		case StatusPending:
			avail.Held += req.PartySize
		}
	}
	avail.Available = avail.Total - avail.Confirmed - avail.Held
	if avail.Available < 0 {
		err := &LedgerInconsistency{EventID: event.ID.String(), Available: avail.Available}
		avail.Available = 0
		return avail, err
	}
	return avail, nil
}
