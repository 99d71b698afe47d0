package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/desimealsnow/potluck-admission/internal/admission"
	"github.com/desimealsnow/potluck-admission/internal/domain"
)

type OutboxRecord struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string // NEW, PUBLISHED, FAILED
	DedupeKey     string
}

type changePayload struct {
	RequestID     uuid.UUID     `json:"request_id"`
	EventID       uuid.UUID     `json:"event_id"`
	RequesterID   uuid.UUID     `json:"requester_id"`
	PartySize     int           `json:"party_size"`
	Status        domain.Status `json:"status"`
	HoldExpiresAt *time.Time    `json:"hold_expires_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// AppendOutbox stores the change in the same transaction as the status write,
// so notification delivery and participant creation are sequenced strictly
// after commit.
func (v *txView) AppendOutbox(ctx context.Context, change admission.Change) error {
	payload, err := json.Marshal(changePayload{
		RequestID:     change.Request.ID,
		EventID:       change.Request.EventID,
		RequesterID:   change.Request.RequesterID,
		PartySize:     change.Request.PartySize,
		Status:        change.Request.Status,
		HoldExpiresAt: change.Request.HoldExpiresAt,
		UpdatedAt:     change.Request.UpdatedAt,
	})
	if err != nil {
		return err
	}
	_, err = v.tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key)
		VALUES ($1, 'join_request', $2, $3, $4, 'NEW', $5)
	`, uuid.New(), change.Request.ID, change.Kind, payload, uuid.New().String())
	return err
}

func (r *Repository) GetUnpublishedOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload_json, created_at, published_at, status, dedupe_key
		FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status, &rec.DedupeKey)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
	`, id, publishedAt)
	return err
}
