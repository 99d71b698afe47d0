package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the stored lifecycle state of a join request. The stored value can
// lag behind reality for pending requests whose hold has lapsed; use
// EffectiveStatus for every read and every capacity computation.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusApproved   Status = "APPROVED"
	StatusDeclined   Status = "DECLINED"
	StatusWaitlisted Status = "WAITLISTED"
	StatusExpired    Status = "EXPIRED"
	StatusCancelled  Status = "CANCELLED"
)

// transitions is the full table of host/requester-driven moves. The time-driven
// pending→expired move is not listed: it is never an explicit action.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusApproved:   true,
		StatusDeclined:   true,
		StatusWaitlisted: true,
		StatusCancelled:  true,
	},
	StatusWaitlisted: {
		StatusApproved: true,
		StatusDeclined: true,
	},
}

// CanTransition reports whether an explicit action may move a request from one
// status to another.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

type JoinRequest struct {
	ID            uuid.UUID
	EventID       uuid.UUID
	RequesterID   uuid.UUID
	PartySize     int
	Note          string
	Status        Status
	HoldExpiresAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewJoinRequest builds a pending request whose hold lasts holdTTL from now.
// Validation of party size happens in the service, before any capacity check.
func NewJoinRequest(eventID, requesterID uuid.UUID, partySize int, note string, now time.Time, holdTTL time.Duration) JoinRequest {
	expires := now.Add(holdTTL)
	return JoinRequest{
		ID:            uuid.New(),
		EventID:       eventID,
		RequesterID:   requesterID,
		PartySize:     partySize,
		Note:          strings.TrimSpace(note),
		Status:        StatusPending,
		HoldExpiresAt: &expires,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// EffectiveStatus resolves lazy hold expiry: a stored PENDING request whose
// hold has lapsed is EXPIRED for every observer, even before the durable write.
func (r JoinRequest) EffectiveStatus(now time.Time) Status {
	if r.Status != StatusPending {
		return r.Status
	}
	if r.HoldExpiresAt != nil && !now.Before(*r.HoldExpiresAt) {
		return StatusExpired
	}
	return StatusPending
}

// HoldActive reports whether the request currently holds seats.
func (r JoinRequest) HoldActive(now time.Time) bool {
	return r.EffectiveStatus(now) == StatusPending
}
