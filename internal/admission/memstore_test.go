package admission_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/desimealsnow/potluck-admission/internal/admission"
	"github.com/desimealsnow/potluck-admission/internal/domain"
)

// fakeClock is a manually advanced clock so hold expiry is testable without
// sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeCatalog struct {
	mu     sync.Mutex
	events map[uuid.UUID]domain.Event
}

func newFakeCatalog(events ...domain.Event) *fakeCatalog {
	c := &fakeCatalog{events: make(map[uuid.UUID]domain.Event)}
	for _, e := range events {
		c.events[e.ID] = e
	}
	return c
}

func (c *fakeCatalog) GetEvent(_ context.Context, id uuid.UUID) (domain.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	event, ok := c.events[id]
	if !ok {
		return domain.Event{}, domain.ErrNotFound
	}
	return event, nil
}

// memStore is an in-memory admission.Store. A single mutex serializes
// transactions, which matches the per-event atomicity the real store
// provides; failInjections forces serialization failures to exercise the
// service's retry loop.
type memStore struct {
	mu             sync.Mutex
	requests       map[uuid.UUID]domain.JoinRequest
	changes        []admission.Change
	failInjections int
}

func newMemStore() *memStore {
	return &memStore{requests: make(map[uuid.UUID]domain.JoinRequest)}
}

func (s *memStore) seed(req domain.JoinRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
}

func (s *memStore) injectFailures(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInjections = n
}

func (s *memStore) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *memStore) changeKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, 0, len(s.changes))
	for _, ch := range s.changes {
		kinds = append(kinds, ch.Kind)
	}
	return kinds
}

type memTx struct {
	store   *memStore
	eventID uuid.UUID
	writes  map[uuid.UUID]domain.JoinRequest
	outbox  []admission.Change
}

func (s *memStore) WithEventTx(_ context.Context, eventID uuid.UUID, fn func(tx admission.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failInjections > 0 {
		s.failInjections--
		return domain.ErrSerializationFailure
	}

	tx := &memTx{store: s, eventID: eventID, writes: make(map[uuid.UUID]domain.JoinRequest)}
	if err := fn(tx); err != nil {
		return err
	}
	for id, req := range tx.writes {
		s.requests[id] = req
	}
	s.changes = append(s.changes, tx.outbox...)
	return nil
}

func (t *memTx) GetRequest(_ context.Context, id uuid.UUID) (domain.JoinRequest, error) {
	if req, ok := t.writes[id]; ok {
		return req, nil
	}
	req, ok := t.store.requests[id]
	if !ok {
		return domain.JoinRequest{}, domain.ErrNotFound
	}
	return req, nil
}

func (t *memTx) EventRequests(_ context.Context, eventID uuid.UUID) ([]domain.JoinRequest, error) {
	var out []domain.JoinRequest
	for id, req := range t.store.requests {
		if req.EventID != eventID {
			continue
		}
		if staged, ok := t.writes[id]; ok {
			req = staged
		}
		out = append(out, req)
	}
	sortByCreated(out)
	return out, nil
}

func (t *memTx) InsertRequest(_ context.Context, req domain.JoinRequest) error {
	t.writes[req.ID] = req
	return nil
}

func (t *memTx) UpdateRequest(_ context.Context, req domain.JoinRequest) error {
	if _, ok := t.store.requests[req.ID]; !ok {
		if _, staged := t.writes[req.ID]; !staged {
			return domain.ErrNotFound
		}
	}
	t.writes[req.ID] = req
	return nil
}

func (t *memTx) AppendOutbox(_ context.Context, change admission.Change) error {
	t.outbox = append(t.outbox, change)
	return nil
}

func (s *memStore) GetRequest(_ context.Context, id uuid.UUID) (domain.JoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return domain.JoinRequest{}, domain.ErrNotFound
	}
	return req, nil
}

func (s *memStore) EventRequests(_ context.Context, eventID uuid.UUID) ([]domain.JoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JoinRequest
	for _, req := range s.requests {
		if req.EventID == eventID {
			out = append(out, req)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *memStore) ListRequests(_ context.Context, eventID uuid.UUID, status domain.Status, limit, offset int) ([]domain.JoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []domain.JoinRequest
	for _, req := range s.requests {
		if req.EventID != eventID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		all = append(all, req)
	}
	sortByCreated(all)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *memStore) EventsWithExpiredHolds(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, req := range s.requests {
		if req.Status != domain.StatusPending || req.HoldExpiresAt == nil || req.HoldExpiresAt.After(now) {
			continue
		}
		if !seen[req.EventID] {
			seen[req.EventID] = true
			out = append(out, req.EventID)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func sortByCreated(reqs []domain.JoinRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID.String() < reqs[j].ID.String()
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
