package admission

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/desimealsnow/potluck-admission/internal/domain"
	"github.com/desimealsnow/potluck-admission/internal/observability"
)

const (
	DefaultHoldTTL       = 30 * time.Minute
	DefaultExtendMinutes = 30
	defaultMaxRetries    = 3
	retryBaseBackoff     = 10 * time.Millisecond
)

// Service is the admission façade: it owns every capacity decision. Each
// mutating operation runs as one per-event transaction and is retried a
// bounded number of times when the store loses a serialization race.
type Service struct {
	store      Store
	catalog    EventCatalog
	clock      domain.Clock
	logger     observability.Logger
	holdTTL    time.Duration
	maxRetries int
}

type Option func(*Service)

func WithClock(c domain.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithHoldTTL(ttl time.Duration) Option {
	return func(s *Service) { s.holdTTL = ttl }
}

func WithMaxRetries(n int) Option {
	return func(s *Service) { s.maxRetries = n }
}

func NewService(store Store, catalog EventCatalog, logger observability.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		catalog:    catalog,
		clock:      domain.NewClock(),
		logger:     logger,
		holdTTL:    DefaultHoldTTL,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// withRetry re-runs fn while the store reports a serialization failure, with
// exponential backoff, then surfaces ConcurrencyConflict.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			observability.TxRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBaseBackoff << (attempt - 1)):
			}
		}
		err = fn()
		if !errors.Is(err, domain.ErrSerializationFailure) {
			return err
		}
	}
	return &domain.ConcurrencyConflict{Attempts: s.maxRetries}
}

// CreateRequest reserves a time-limited hold of partySize seats and returns
// the pending request. Capacity is checked inside the same transaction that
// inserts the row, so two racing creates can never jointly overbook.
func (s *Service) CreateRequest(ctx context.Context, eventID, requesterID uuid.UUID, partySize int, note string) (domain.JoinRequest, error) {
	if partySize < 1 {
		return domain.JoinRequest{}, &domain.ValidationError{Field: "party_size", Reason: "must be at least 1"}
	}
	event, err := s.catalog.GetEvent(ctx, eventID)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	if !event.Published {
		return domain.JoinRequest{}, &domain.ValidationError{Field: "event", Reason: "not accepting requests"}
	}

	var created domain.JoinRequest
	err = s.withRetry(ctx, func() error {
		return s.store.WithEventTx(ctx, eventID, func(tx Tx) error {
			requests, err := tx.EventRequests(ctx, eventID)
			if err != nil {
				return err
			}
			now := s.clock.Now()
			avail, err := domain.ComputeAvailability(event, requests, now)
			if err != nil {
				return err
			}
			if partySize > avail.Available {
				observability.CapacityRejections.Inc()
				return &domain.CapacityError{Requested: partySize, Available: avail.Available}
			}
			created = domain.NewJoinRequest(eventID, requesterID, partySize, note, now, s.holdTTL)
			if err := tx.InsertRequest(ctx, created); err != nil {
				return err
			}
			return tx.AppendOutbox(ctx, Change{Kind: ChangeCreated, Request: created})
		})
	})
	s.observe("create", err)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	return created, nil
}

// ApproveRequest confirms a pending or waitlisted request. The capacity
// re-check excludes the request's own hold, so approving a pending request
// moves its party size from held to confirmed without changing available.
func (s *Service) ApproveRequest(ctx context.Context, requestID, actorID uuid.UUID) (domain.JoinRequest, error) {
	req, err := s.transition(ctx, requestID, "approve", func(req *domain.JoinRequest, siblings []domain.JoinRequest, event domain.Event, now time.Time) error {
		eff := req.EffectiveStatus(now)
		if eff != domain.StatusPending && eff != domain.StatusWaitlisted {
			return &domain.StateError{Op: "approve", Status: eff}
		}
		others := make([]domain.JoinRequest, 0, len(siblings))
		for _, sib := range siblings {
			if sib.ID != req.ID {
				others = append(others, sib)
			}
		}
		avail, err := domain.ComputeAvailability(event, others, now)
		if err != nil {
			return err
		}
		if req.PartySize > avail.Available {
			observability.CapacityRejections.Inc()
			return &domain.CapacityError{Requested: req.PartySize, Available: avail.Available}
		}
		req.Status = domain.StatusApproved
		req.HoldExpiresAt = nil
		return nil
	}, ChangeApproved)
	if err == nil {
		s.logger.WithField("request_id", requestID.String()).WithField("actor_id", actorID.String()).Info("request approved")
	}
	return req, err
}

// DeclineRequest declines a pending or waitlisted request and releases any
// held seats.
func (s *Service) DeclineRequest(ctx context.Context, requestID, actorID uuid.UUID) (domain.JoinRequest, error) {
	return s.transition(ctx, requestID, "decline", func(req *domain.JoinRequest, _ []domain.JoinRequest, _ domain.Event, now time.Time) error {
		eff := req.EffectiveStatus(now)
		if !domain.CanTransition(eff, domain.StatusDeclined) {
			return &domain.StateError{Op: "decline", Status: eff}
		}
		req.Status = domain.StatusDeclined
		req.HoldExpiresAt = nil
		return nil
	}, ChangeDeclined)
}

// WaitlistRequest parks a pending request; waitlisted requests consume zero
// capacity until a later approval re-runs the capacity check.
func (s *Service) WaitlistRequest(ctx context.Context, requestID, actorID uuid.UUID) (domain.JoinRequest, error) {
	return s.transition(ctx, requestID, "waitlist", func(req *domain.JoinRequest, _ []domain.JoinRequest, _ domain.Event, now time.Time) error {
		eff := req.EffectiveStatus(now)
		if !domain.CanTransition(eff, domain.StatusWaitlisted) {
			return &domain.StateError{Op: "waitlist", Status: eff}
		}
		req.Status = domain.StatusWaitlisted
		req.HoldExpiresAt = nil
		return nil
	}, ChangeWaitlisted)
}

// CancelRequest lets the original requester withdraw while the hold is still
// live. A lapsed hold is already effectively expired and cannot be cancelled.
func (s *Service) CancelRequest(ctx context.Context, requestID, requesterID uuid.UUID) (domain.JoinRequest, error) {
	return s.transition(ctx, requestID, "cancel", func(req *domain.JoinRequest, _ []domain.JoinRequest, _ domain.Event, now time.Time) error {
		if req.RequesterID != requesterID {
			return &domain.ValidationError{Field: "requester_id", Reason: "only the requester may cancel"}
		}
		eff := req.EffectiveStatus(now)
		if eff != domain.StatusPending {
			return &domain.StateError{Op: "cancel", Status: eff}
		}
		req.Status = domain.StatusCancelled
		req.HoldExpiresAt = nil
		return nil
	}, ChangeCancelled)
}

// ExtendHold adds minutes to the stored expiry of a live pending hold.
// Extension is additive to the stored timestamp, not to now, so repeated
// extensions compound predictably.
func (s *Service) ExtendHold(ctx context.Context, requestID, actorID uuid.UUID, minutes int) (domain.JoinRequest, error) {
	if minutes < 1 {
		return domain.JoinRequest{}, &domain.ValidationError{Field: "minutes", Reason: "must be at least 1"}
	}
	return s.transition(ctx, requestID, "extend", func(req *domain.JoinRequest, _ []domain.JoinRequest, _ domain.Event, now time.Time) error {
		eff := req.EffectiveStatus(now)
		if eff != domain.StatusPending {
			return &domain.StateError{Op: "extend", Status: eff}
		}
		if req.HoldExpiresAt == nil {
			// pending rows always carry an expiry; a nil here is corrupt data
			return errors.Newf("request %s: pending with no hold expiry", req.ID)
		}
		extended := req.HoldExpiresAt.Add(time.Duration(minutes) * time.Minute)
		req.HoldExpiresAt = &extended
		return nil
	}, ChangeHoldExtended)
}

// transition runs one host/requester action as a per-event transaction:
// load the request and its siblings, apply the guarded mutation, persist,
// append the outbox record.
func (s *Service) transition(ctx context.Context, requestID uuid.UUID, op string, apply func(req *domain.JoinRequest, siblings []domain.JoinRequest, event domain.Event, now time.Time) error, changeKind string) (domain.JoinRequest, error) {
	head, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		s.observe(op, err)
		return domain.JoinRequest{}, err
	}
	event, err := s.catalog.GetEvent(ctx, head.EventID)
	if err != nil {
		s.observe(op, err)
		return domain.JoinRequest{}, err
	}

	var updated domain.JoinRequest
	err = s.withRetry(ctx, func() error {
		return s.store.WithEventTx(ctx, head.EventID, func(tx Tx) error {
			req, err := tx.GetRequest(ctx, requestID)
			if err != nil {
				return err
			}
			siblings, err := tx.EventRequests(ctx, head.EventID)
			if err != nil {
				return err
			}
			now := s.clock.Now()
			if err := apply(&req, siblings, event, now); err != nil {
				return err
			}
			req.UpdatedAt = now
			if err := tx.UpdateRequest(ctx, req); err != nil {
				return err
			}
			updated = req
			return tx.AppendOutbox(ctx, Change{Kind: changeKind, Request: req})
		})
	})
	s.observe(op, err)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	return updated, nil
}

// FinalizeExpiredHolds durably writes pending→expired for every lapsed hold
// on the event. Idempotent: a second call finds nothing pending and changes
// nothing. Returns the number of requests finalized.
func (s *Service) FinalizeExpiredHolds(ctx context.Context, eventID uuid.UUID) (int, error) {
	finalized := 0
	err := s.withRetry(ctx, func() error {
		finalized = 0
		return s.store.WithEventTx(ctx, eventID, func(tx Tx) error {
			requests, err := tx.EventRequests(ctx, eventID)
			if err != nil {
				return err
			}
			now := s.clock.Now()
			for _, req := range requests {
				if req.Status != domain.StatusPending || req.EffectiveStatus(now) != domain.StatusExpired {
					continue
				}
				req.Status = domain.StatusExpired
				req.HoldExpiresAt = nil
				req.UpdatedAt = now
				if err := tx.UpdateRequest(ctx, req); err != nil {
					return err
				}
				if err := tx.AppendOutbox(ctx, Change{Kind: ChangeExpired, Request: req}); err != nil {
					return err
				}
				finalized++
			}
			return nil
		})
	})
	s.observe("finalize", err)
	if err != nil {
		return 0, err
	}
	if finalized > 0 {
		observability.HoldsExpired.Add(float64(finalized))
	}
	return finalized, nil
}

// Availability is the read-only capacity projection. It takes no lock and
// never writes; a ledger inconsistency is logged and the clamped snapshot is
// still served.
func (s *Service) Availability(ctx context.Context, eventID uuid.UUID) (domain.Availability, error) {
	event, err := s.catalog.GetEvent(ctx, eventID)
	if err != nil {
		return domain.Availability{}, err
	}
	requests, err := s.store.EventRequests(ctx, eventID)
	if err != nil {
		return domain.Availability{}, err
	}
	avail, err := domain.ComputeAvailability(event, requests, s.clock.Now())
	if err != nil {
		s.logger.WithField("event_id", eventID.String()).Error("ledger inconsistency", err)
	}
	return avail, nil
}

// ListRequests returns a page of the event's requests with lazy expiry
// applied, so a lapsed hold reads as EXPIRED before any durable write. The
// status filter matches the effective status, never the stored one.
func (s *Service) ListRequests(ctx context.Context, eventID uuid.UUID, status domain.Status, limit, offset int) ([]domain.JoinRequest, error) {
	if status != "" {
		switch status {
		case domain.StatusPending, domain.StatusApproved, domain.StatusDeclined,
			domain.StatusWaitlisted, domain.StatusExpired, domain.StatusCancelled:
		default:
			return nil, &domain.ValidationError{Field: "status", Reason: "unknown status"}
		}
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	now := s.clock.Now()

	// Lazy expiry entangles PENDING and EXPIRED: a stored PENDING row can
	// read as either, so those filters must apply after resolution, not in
	// the store query.
	if status == domain.StatusPending || status == domain.StatusExpired {
		all, err := s.store.EventRequests(ctx, eventID)
		if err != nil {
			return nil, err
		}
		var matched []domain.JoinRequest
		for _, req := range all {
			req.Status = req.EffectiveStatus(now)
			if req.Status == status {
				matched = append(matched, req)
			}
		}
		if offset >= len(matched) {
			return nil, nil
		}
		matched = matched[offset:]
		if len(matched) > limit {
			matched = matched[:limit]
		}
		return matched, nil
	}

	requests, err := s.store.ListRequests(ctx, eventID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	for i := range requests {
		requests[i].Status = requests[i].EffectiveStatus(now)
	}
	return requests, nil
}

func (s *Service) observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = errorOutcome(err)
	}
	observability.RequestsTotal.WithLabelValues(op, outcome).Inc()
}

func errorOutcome(err error) string {
	var (
		capErr   *domain.CapacityError
		stateErr *domain.StateError
		valErr   *domain.ValidationError
		conflict *domain.ConcurrencyConflict
	)
	switch {
	case errors.As(err, &capErr):
		return "capacity"
	case errors.As(err, &stateErr):
		return "state"
	case errors.As(err, &valErr):
		return "validation"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
