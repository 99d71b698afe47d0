package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/desimealsnow/potluck-admission/internal/adapters/crdb"
	mongoadapter "github.com/desimealsnow/potluck-admission/internal/adapters/mongo"
	"github.com/desimealsnow/potluck-admission/internal/admission"
	"github.com/desimealsnow/potluck-admission/internal/config"
	"github.com/desimealsnow/potluck-admission/internal/domain"
	"github.com/desimealsnow/potluck-admission/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	catalog := mongoadapter.NewEventRepository(mongoClient.Database("admission"), logger)

	service := admission.NewService(repo, catalog, logger,
		admission.WithHoldTTL(cfg.HoldTTL),
		admission.WithMaxRetries(cfg.TxMaxRetries),
	)

	worker := NewExpiryWorker(repo, service, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx, time.Minute)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown expiry worker")
}

// ExpiryWorker makes lapsed holds durable: lazy resolution already keeps
// reads correct, this writes the expiry so it is observable in persisted
// records without live computation.
type ExpiryWorker struct {
	repo    *crdb.Repository
	service *admission.Service
	logger  observability.Logger
	clock   domain.Clock
}

func NewExpiryWorker(repo *crdb.Repository, service *admission.Service, logger observability.Logger) *ExpiryWorker {
	return &ExpiryWorker{repo: repo, service: service, logger: logger, clock: domain.NewClock()}
}

func (w *ExpiryWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil {
				w.logger.Error("expiry sweep failed", err)
			}
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) error {
	eventIDs, err := w.repo.EventsWithExpiredHolds(ctx, w.clock.Now(), 100)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, eventID := range eventIDs {
		eventID := eventID
		g.Go(func() error {
			return w.finalizeWithRetry(gctx, eventID)
		})
	}
	return g.Wait()
}

func (w *ExpiryWorker) finalizeWithRetry(ctx context.Context, eventID uuid.UUID) error {
	maxRetries := 3
	var err error
	for i := 0; i < maxRetries; i++ {
		var n int
		n, err = w.service.FinalizeExpiredHolds(ctx, eventID)
		if err == nil {
			if n > 0 {
				w.logger.WithField("event_id", eventID.String()).WithField("finalized", n).Info("finalized expired holds")
			}
			return nil
		}
		backoff := time.Duration(1<<i) * time.Second
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}
