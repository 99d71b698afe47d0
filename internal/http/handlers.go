package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mongoadapter "github.com/desimealsnow/potluck-admission/internal/adapters/mongo"
	redisadapter "github.com/desimealsnow/potluck-admission/internal/adapters/redis"
	"github.com/desimealsnow/potluck-admission/internal/admission"
	"github.com/desimealsnow/potluck-admission/internal/config"
	"github.com/desimealsnow/potluck-admission/internal/domain"
	"github.com/desimealsnow/potluck-admission/internal/idempotency"
	"github.com/desimealsnow/potluck-admission/internal/observability"
)

type Handlers struct {
	cfg     *config.Config
	service *admission.Service
	cache   *redisadapter.Cache
	idemp   *idempotency.Idempotency
	audit   *mongoadapter.AuditLogger
	logger  observability.Logger
}

func NewHandlers(cfg *config.Config, service *admission.Service, cache *redisadapter.Cache, idemp *idempotency.Idempotency, audit *mongoadapter.AuditLogger, logger observability.Logger) *Handlers {
	return &Handlers{
		cfg:     cfg,
		service: service,
		cache:   cache,
		idemp:   idemp,
		audit:   audit,
		logger:  logger,
	}
}

type requestResponse struct {
	ID            uuid.UUID     `json:"id"`
	EventID       uuid.UUID     `json:"event_id"`
	RequesterID   uuid.UUID     `json:"requester_id"`
	PartySize     int           `json:"party_size"`
	Note          string        `json:"note,omitempty"`
	Status        domain.Status `json:"status"`
	HoldExpiresAt *string       `json:"hold_expires_at,omitempty"`
	CreatedAt     string        `json:"created_at"`
	UpdatedAt     string        `json:"updated_at"`
}

func toResponse(req domain.JoinRequest) requestResponse {
	resp := requestResponse{
		ID:          req.ID,
		EventID:     req.EventID,
		RequesterID: req.RequesterID,
		PartySize:   req.PartySize,
		Note:        req.Note,
		Status:      req.Status,
		CreatedAt:   req.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   req.UpdatedAt.Format(time.RFC3339),
	}
	if req.HoldExpiresAt != nil {
		formatted := req.HoldExpiresAt.Format(time.RFC3339)
		resp.HoldExpiresAt = &formatted
	}
	return resp
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Requested int    `json:"requested,omitempty"`
	Available int    `json:"available,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	var (
		valErr   *domain.ValidationError
		capErr   *domain.CapacityError
		stateErr *domain.StateError
		conflict *domain.ConcurrencyConflict
	)
	body := errorBody{Message: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &valErr):
		body.Error = "validation"
		status = http.StatusBadRequest
	case errors.As(err, &capErr):
		body.Error = "capacity"
		body.Requested = capErr.Requested
		body.Available = capErr.Available
		status = http.StatusConflict
	case errors.As(err, &stateErr):
		body.Error = "state"
		status = http.StatusConflict
	case errors.As(err, &conflict):
		body.Error = "conflict"
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		body.Error = "not_found"
		status = http.StatusNotFound
	default:
		body.Error = "internal"
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// CreateRequest reserves a hold for the requester. A replayed Idempotency-Key
// returns the stored response without consuming capacity again.
func (h *Handlers) CreateRequest(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	existing, err := h.idemp.Get(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.Status)
		w.Write(existing.Result)
		return
	}

	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, &domain.ValidationError{Field: "event_id", Reason: "not a uuid"})
		return
	}

	var req struct {
		RequesterID uuid.UUID `json:"requester_id"`
		PartySize   int       `json:"party_size"`
		Note        string    `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: "malformed json"})
		return
	}

	created, err := h.service.CreateRequest(r.Context(), eventID, req.RequesterID, req.PartySize, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.cache.Invalidate(r.Context(), eventID.String()); err != nil {
		h.logger.WithField("event_id", eventID.String()).Warn("availability cache invalidate failed: ", err)
	}

	data, _ := json.Marshal(toResponse(created))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	w.Write(data)

	// a lost idempotency record means a retried key re-executes the create
	if err := h.idemp.Set(r.Context(), key, idempotency.Response{Status: http.StatusCreated, Result: data}); err != nil {
		h.logger.WithField("idempotency_key", key).Warn("idempotency record store failed: ", err)
	}
}

type actionRequest struct {
	ActorID uuid.UUID `json:"actor_id"`
	Minutes int       `json:"minutes"`
}

func (h *Handlers) action(w http.ResponseWriter, r *http.Request, name string, fn func(requestID, actorID uuid.UUID, minutes int) (domain.JoinRequest, error)) {
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, &domain.ValidationError{Field: "id", Reason: "not a uuid"})
		return
	}
	var body actionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: "malformed json"})
		return
	}

	updated, err := fn(requestID, body.ActorID, body.Minutes)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.cache.Invalidate(r.Context(), updated.EventID.String()); err != nil {
		h.logger.WithField("event_id", updated.EventID.String()).Warn("availability cache invalidate failed: ", err)
	}

	if avail, err := h.service.Availability(r.Context(), updated.EventID); err == nil {
		h.audit.LogDecision(r.Context(), "join_request."+name, body.ActorID, updated, avail)
	}

	writeJSON(w, http.StatusOK, toResponse(updated))
}

func (h *Handlers) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "approve", func(requestID, actorID uuid.UUID, _ int) (domain.JoinRequest, error) {
		return h.service.ApproveRequest(r.Context(), requestID, actorID)
	})
}

func (h *Handlers) DeclineRequest(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "decline", func(requestID, actorID uuid.UUID, _ int) (domain.JoinRequest, error) {
		return h.service.DeclineRequest(r.Context(), requestID, actorID)
	})
}

func (h *Handlers) WaitlistRequest(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "waitlist", func(requestID, actorID uuid.UUID, _ int) (domain.JoinRequest, error) {
		return h.service.WaitlistRequest(r.Context(), requestID, actorID)
	})
}

func (h *Handlers) CancelRequest(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "cancel", func(requestID, actorID uuid.UUID, _ int) (domain.JoinRequest, error) {
		return h.service.CancelRequest(r.Context(), requestID, actorID)
	})
}

func (h *Handlers) ExtendHold(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "extend", func(requestID, actorID uuid.UUID, minutes int) (domain.JoinRequest, error) {
		if minutes == 0 {
			minutes = admission.DefaultExtendMinutes
		}
		return h.service.ExtendHold(r.Context(), requestID, actorID, minutes)
	})
}

// Availability serves the read-only capacity projection, with a short-TTL
// cached snapshot in front of the store.
func (h *Handlers) Availability(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, &domain.ValidationError{Field: "event_id", Reason: "not a uuid"})
		return
	}

	if cached, err := h.cache.GetAvailability(r.Context(), eventID.String()); err == nil && cached != nil {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	avail, err := h.service.Availability(r.Context(), eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cache.SetAvailability(r.Context(), eventID.String(), avail)
	writeJSON(w, http.StatusOK, avail)
}

func (h *Handlers) ListRequests(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, &domain.ValidationError{Field: "event_id", Reason: "not a uuid"})
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	status := domain.Status(r.URL.Query().Get("status"))

	requests, err := h.service.ListRequests(r.Context(), eventID, status, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]requestResponse, 0, len(requests))
	for _, req := range requests {
		out = append(out, toResponse(req))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": out, "limit": limit, "offset": offset})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
