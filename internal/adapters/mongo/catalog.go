package mongo

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/desimealsnow/potluck-admission/internal/domain"
	"github.com/desimealsnow/potluck-admission/internal/observability"
)

// EventRepository reads the event records owned by event lifecycle management.
// The admission engine only needs identity, capacity and publication state;
// everything else in the document belongs to the owning service.
type EventRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewEventRepository(db *mongo.Database, logger observability.Logger) *EventRepository {
	return &EventRepository{
		coll:   db.Collection("events"),
		logger: logger,
	}
}

type eventDoc struct {
	ID            uuid.UUID `bson:"_id"`
	CapacityTotal int       `bson:"capacity_total"`
	IsPublic      bool      `bson:"is_public"`
	Published     bool      `bson:"published"`
}

func (r *EventRepository) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	var doc eventDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Event{}, domain.ErrNotFound
	}
	if err != nil {
		r.logger.Error("failed to get event", err)
		return domain.Event{}, err
	}
	return domain.Event{
		ID:            doc.ID,
		CapacityTotal: doc.CapacityTotal,
		IsPublic:      doc.IsPublic,
		Published:     doc.Published,
	}, nil
}

// UpsertEvent exists for tests and local seeding; in production the event
// lifecycle service owns these documents.
func (r *EventRepository) UpsertEvent(ctx context.Context, event domain.Event) error {
	_, err := r.coll.UpdateOne(
		ctx,
		bson.M{"_id": event.ID},
		bson.M{"$set": bson.M{
			"capacity_total": event.CapacityTotal,
			"is_public":      event.IsPublic,
			"published":      event.Published,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		r.logger.Error("failed to upsert event", err)
	}
	return err
}
