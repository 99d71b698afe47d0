package admission

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/desimealsnow/potluck-admission/internal/domain"
)

// Change describes one status transition for the outbox. The publisher turns
// it into a `join_request.*` message on the notifications exchange; participant
// management consumes the approved kind to create its confirmed record after
// the status write has committed.
type Change struct {
	Kind    string
	Request domain.JoinRequest
}

const (
	ChangeCreated      = "join_request.created"
	ChangeApproved     = "join_request.approved"
	ChangeDeclined     = "join_request.declined"
	ChangeWaitlisted   = "join_request.waitlisted"
	ChangeCancelled    = "join_request.cancelled"
	ChangeExpired      = "join_request.expired"
	ChangeHoldExtended = "join_request.hold_extended"
)

// Tx is the per-event transactional view. Everything read through it belongs
// to the same atomic unit as the writes that follow.
type Tx interface {
	GetRequest(ctx context.Context, id uuid.UUID) (domain.JoinRequest, error)
	EventRequests(ctx context.Context, eventID uuid.UUID) ([]domain.JoinRequest, error)
	InsertRequest(ctx context.Context, req domain.JoinRequest) error
	UpdateRequest(ctx context.Context, req domain.JoinRequest) error
	AppendOutbox(ctx context.Context, change Change) error
}

// Store persists join requests. WithEventTx must run fn as one atomic
// read-decide-write unit scoped to the event: concurrent capacity-affecting
// transactions on the same event must not interleave, and a lost race
// surfaces as domain.ErrSerializationFailure so the service can retry.
type Store interface {
	WithEventTx(ctx context.Context, eventID uuid.UUID, fn func(tx Tx) error) error
	GetRequest(ctx context.Context, id uuid.UUID) (domain.JoinRequest, error)
	EventRequests(ctx context.Context, eventID uuid.UUID) ([]domain.JoinRequest, error)
	ListRequests(ctx context.Context, eventID uuid.UUID, status domain.Status, limit, offset int) ([]domain.JoinRequest, error)
	EventsWithExpiredHolds(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// EventCatalog reads the externally-owned event record (capacity, visibility,
// publication state) from event lifecycle management.
type EventCatalog interface {
	GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
}
