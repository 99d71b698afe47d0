package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/desimealsnow/potluck-admission/internal/admission"
	"github.com/desimealsnow/potluck-admission/internal/domain"
	"github.com/desimealsnow/potluck-admission/internal/observability"
)

const (
	SerializationFailureCode = "40001"
)

// Repository persists join requests in CockroachDB. Per-event atomicity
// comes from SERIALIZABLE transactions plus FOR UPDATE on the event's rows
// inside WithEventTx; a lost race maps SQLSTATE 40001 to
// domain.ErrSerializationFailure for the service's retry loop.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ admission.Store = (*Repository)(nil)

func (r *Repository) WithEventTx(ctx context.Context, eventID uuid.UUID, fn func(tx admission.Tx) error) error {
	start := time.Now()
	defer func() {
		observability.DBTxDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	err = fn(&txView{tx: tx, eventID: eventID})
	if err != nil {
		return mapSerialization(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapSerialization(err)
	}
	return nil
}

func mapSerialization(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
		return domain.ErrSerializationFailure
	}
	return err
}

const requestColumns = "id, event_id, requester_id, party_size, note, status, hold_expires_at, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.JoinRequest, error) {
	var req domain.JoinRequest
	err := row.Scan(&req.ID, &req.EventID, &req.RequesterID, &req.PartySize, &req.Note,
		&req.Status, &req.HoldExpiresAt, &req.CreatedAt, &req.UpdatedAt)
	return req, err
}

// txView is the per-event transactional view handed to the admission service.
type txView struct {
	tx      pgx.Tx
	eventID uuid.UUID
}

func (v *txView) GetRequest(ctx context.Context, id uuid.UUID) (domain.JoinRequest, error) {
	row := v.tx.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM join_requests WHERE id = $1 FOR UPDATE
	`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.JoinRequest{}, domain.ErrNotFound
	}
	return req, err
}

func (v *txView) EventRequests(ctx context.Context, eventID uuid.UUID) ([]domain.JoinRequest, error) {
	rows, err := v.tx.Query(ctx, `
		SELECT `+requestColumns+`
		FROM join_requests WHERE event_id = $1 FOR UPDATE
	`, eventID)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (v *txView) InsertRequest(ctx context.Context, req domain.JoinRequest) error {
	_, err := v.tx.Exec(ctx, `
		INSERT INTO join_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, req.ID, req.EventID, req.RequesterID, req.PartySize, req.Note,
		req.Status, req.HoldExpiresAt, req.CreatedAt, req.UpdatedAt)
	return err
}

func (v *txView) UpdateRequest(ctx context.Context, req domain.JoinRequest) error {
	result, err := v.tx.Exec(ctx, `
		UPDATE join_requests
		SET status = $2, hold_expires_at = $3, updated_at = $4
		WHERE id = $1
	`, req.ID, req.Status, req.HoldExpiresAt, req.UpdatedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func collectRequests(rows pgx.Rows) ([]domain.JoinRequest, error) {
	defer rows.Close()
	var requests []domain.JoinRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func (r *Repository) GetRequest(ctx context.Context, id uuid.UUID) (domain.JoinRequest, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM join_requests WHERE id = $1
	`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.JoinRequest{}, domain.ErrNotFound
	}
	return req, err
}

func (r *Repository) EventRequests(ctx context.Context, eventID uuid.UUID) ([]domain.JoinRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM join_requests WHERE event_id = $1
		ORDER BY created_at ASC
	`, eventID)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (r *Repository) ListRequests(ctx context.Context, eventID uuid.UUID, status domain.Status, limit, offset int) ([]domain.JoinRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM join_requests WHERE event_id = $1
	`
	args := []any{eventID}
	if status != "" {
		query += " AND status = $2 ORDER BY created_at ASC LIMIT $3 OFFSET $4"
		args = append(args, status, limit, offset)
	} else {
		query += " ORDER BY created_at ASC LIMIT $2 OFFSET $3"
		args = append(args, limit, offset)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (r *Repository) EventsWithExpiredHolds(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT event_id
		FROM join_requests
		WHERE status = 'PENDING' AND hold_expires_at <= $1
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
