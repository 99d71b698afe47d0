package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/desimealsnow/potluck-admission/internal/domain"
	"github.com/desimealsnow/potluck-admission/internal/observability"
)

// AuditLogger records every admission decision with the availability snapshot
// the decision was made against, for the host-facing audit trail.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        uuid.UUID `bson:"_id"`
	Action    string    `bson:"action"`
	ActorID   uuid.UUID `bson:"actor_id"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) LogAction(ctx context.Context, action string, actorID uuid.UUID, data map[string]interface{}) error {
	log := AuditLog{
		ID:        uuid.New(),
		Action:    action,
		ActorID:   actorID,
		Timestamp: time.Now(),
		Data:      bson.M(data),
	}
	_, err := a.coll.InsertOne(ctx, log)
	if err != nil {
		a.logger.Error("failed to insert audit log", err)
		return err
	}
	return nil
}

// LogDecision records a host action on a request and the capacity snapshot
// used to decide it.
func (a *AuditLogger) LogDecision(ctx context.Context, action string, actorID uuid.UUID, req domain.JoinRequest, avail domain.Availability) error {
	data := map[string]interface{}{
		"request_id": req.ID,
		"event_id":   req.EventID,
		"party_size": req.PartySize,
		"status":     req.Status,
		"total":      avail.Total,
		"confirmed":  avail.Confirmed,
		"held":       avail.Held,
		"available":  avail.Available,
	}
	return a.LogAction(ctx, action, actorID, data)
}
