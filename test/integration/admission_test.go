package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/desimealsnow/potluck-admission/internal/adapters/crdb"
	mongoadapter "github.com/desimealsnow/potluck-admission/internal/adapters/mongo"
	"github.com/desimealsnow/potluck-admission/internal/adapters/rabbit"
	redisadapter "github.com/desimealsnow/potluck-admission/internal/adapters/redis"
	"github.com/desimealsnow/potluck-admission/internal/admission"
	"github.com/desimealsnow/potluck-admission/internal/config"
	"github.com/desimealsnow/potluck-admission/internal/domain"
	httphandler "github.com/desimealsnow/potluck-admission/internal/http"
	"github.com/desimealsnow/potluck-admission/internal/idempotency"
	"github.com/desimealsnow/potluck-admission/internal/observability"
	"github.com/desimealsnow/potluck-admission/internal/outbox"
	"github.com/desimealsnow/potluck-admission/internal/rateLimit"
)

const schema = `
	CREATE DATABASE IF NOT EXISTS admission;
	CREATE TABLE IF NOT EXISTS admission.join_requests (
		id UUID PRIMARY KEY,
		event_id UUID NOT NULL,
		requester_id UUID NOT NULL,
		party_size INT NOT NULL CHECK (party_size >= 1),
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'APPROVED', 'DECLINED', 'WAITLISTED', 'EXPIRED', 'CANCELLED')),
		hold_expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		INDEX (event_id, status)
	);
	CREATE TABLE IF NOT EXISTS admission.outbox (
		id UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id UUID NOT NULL,
		event_type TEXT NOT NULL,
		payload_json BYTES NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ,
		status TEXT NOT NULL CHECK (status IN ('NEW', 'PUBLISHED', 'FAILED')),
		dedupe_key TEXT NOT NULL
	);
`

func TestIntegration_AdmissionFlow(t *testing.T) {
	ctx := context.Background()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer crdbContainer.Terminate(ctx)

	mongoContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer mongoContainer.Terminate(ctx)

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForExec([]string{"redis-cli", "ping"}),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer redisContainer.Terminate(ctx)

	rabbitContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-management",
			ExposedPorts: []string{"5672/tcp", "15672/tcp"},
			WaitingFor:   wait.ForHTTP("/api/health").WithPort("15672"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer rabbitContainer.Terminate(ctx)

	crdbHost, err := crdbContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	crdbPort, err := crdbContainer.MappedPort(ctx, "26257")
	if err != nil {
		t.Fatal(err)
	}
	mongoHost, err := mongoContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mongoPort, err := mongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		t.Fatal(err)
	}
	redisHost, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	redisPort, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatal(err)
	}
	rabbitHost, err := rabbitContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rabbitPort, err := rabbitContainer.MappedPort(ctx, "5672")
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		HTTPAddr:     ":8081",
		CRDBDSN:      "postgresql://root@" + crdbHost + ":" + crdbPort.Port() + "/admission?sslmode=disable",
		MongoURI:     "mongodb://" + mongoHost + ":" + mongoPort.Port(),
		RedisAddr:    redisHost + ":" + redisPort.Port(),
		RabbitURL:    "amqp://guest:guest@" + rabbitHost + ":" + rabbitPort.Port() + "/",
		HoldTTL:      30 * time.Minute,
		TxMaxRetries: 3,
	}

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, schema); err != nil {
		t.Fatal(err)
	}
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		t.Fatal(err)
	}
	defer mongoClient.Disconnect(ctx)
	mongoDB := mongoClient.Database("admission")
	logger := observability.NewLogger()
	catalog := mongoadapter.NewEventRepository(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	cache := redisadapter.NewCache(redisClient, time.Second)
	redisIdemp := redisadapter.NewIdempotency(redisClient)
	idemp := idempotency.NewIdempotency(redisIdemp, time.Hour)
	rl := rateLimit.NewRateLimiter(cache)

	rabbitConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		t.Fatal(err)
	}
	defer rabbitConn.Close()
	rabbitPub, err := rabbit.NewPublisher(rabbitConn)
	if err != nil {
		t.Fatal(err)
	}
	consumer, err := rabbit.NewConsumer(rabbitConn, "admission.test.q", []string{"join_request.*"})
	if err != nil {
		t.Fatal(err)
	}
	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}

	pubCtx, cancelPub := context.WithCancel(ctx)
	defer cancelPub()
	go outbox.NewPublisher(repo, rabbitPub, logger).Run(pubCtx, time.Second)

	service := admission.NewService(repo, catalog, logger,
		admission.WithHoldTTL(cfg.HoldTTL),
		admission.WithMaxRetries(cfg.TxMaxRetries),
	)
	handlers := httphandler.NewHandlers(cfg, service, cache, idemp, audit, logger)
	r := httphandler.SetupRouter(handlers, logger, rl, idemp)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go srv.ListenAndServe()
	defer srv.Shutdown(ctx)
	time.Sleep(100 * time.Millisecond)

	base := "http://localhost:8081"
	eventID := uuid.New()
	hostID := uuid.New()
	guestID := uuid.New()

	err = catalog.UpsertEvent(ctx, domain.Event{ID: eventID, CapacityTotal: 10, IsPublic: true, Published: true})
	if err != nil {
		t.Fatal(err)
	}

	// Guest requests to join with a party of 4.
	createBody, _ := json.Marshal(map[string]interface{}{
		"requester_id": guestID.String(),
		"party_size":   4,
		"note":         "can bring chairs",
	})
	req, _ := http.NewRequest("POST", base+"/v1/events/"+eventID.String()+"/requests", bytes.NewReader(createBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())
	resp, err := http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusCreated {
		t.Fatalf("create failed: %v, status: %d", err, resp.StatusCode)
	}
	var created struct {
		ID     uuid.UUID `json:"id"`
		Status string    `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	if created.Status != "PENDING" {
		t.Fatalf("expected PENDING, got %s", created.Status)
	}

	// The hold is visible in availability.
	resp, err = http.Get(base + "/v1/events/" + eventID.String() + "/availability")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("availability failed: %v", err)
	}
	var avail domain.Availability
	json.NewDecoder(resp.Body).Decode(&avail)
	if avail.Held != 4 || avail.Available != 6 {
		t.Fatalf("expected held=4 available=6, got %+v", avail)
	}

	// A request that exceeds the remaining capacity is rejected with numbers.
	bigBody, _ := json.Marshal(map[string]interface{}{
		"requester_id": uuid.New().String(),
		"party_size":   7,
	})
	req, _ = http.NewRequest("POST", base+"/v1/events/"+eventID.String()+"/requests", bytes.NewReader(bigBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected capacity conflict, got %v status %d", err, resp.StatusCode)
	}
	var capBody struct {
		Error     string `json:"error"`
		Requested int    `json:"requested"`
		Available int    `json:"available"`
	}
	json.NewDecoder(resp.Body).Decode(&capBody)
	if capBody.Error != "capacity" || capBody.Requested != 7 || capBody.Available != 6 {
		t.Fatalf("unexpected capacity error body: %+v", capBody)
	}

	// Host approves; available stays constant, held becomes confirmed.
	actionBody, _ := json.Marshal(map[string]interface{}{"actor_id": hostID.String()})
	req, _ = http.NewRequest("PATCH", base+"/v1/requests/"+created.ID.String()+"/approve", bytes.NewReader(actionBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("approve failed: %v, status: %d", err, resp.StatusCode)
	}

	// Cache TTL is one second; wait it out before re-reading.
	time.Sleep(1100 * time.Millisecond)
	resp, err = http.Get(base + "/v1/events/" + eventID.String() + "/availability")
	if err != nil {
		t.Fatal(err)
	}
	json.NewDecoder(resp.Body).Decode(&avail)
	if avail.Confirmed != 4 || avail.Held != 0 || avail.Available != 6 {
		t.Fatalf("expected confirmed=4 available=6 after approval, got %+v", avail)
	}

	// A second approve is illegal.
	req, _ = http.NewRequest("PATCH", base+"/v1/requests/"+created.ID.String()+"/approve", bytes.NewReader(actionBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected state conflict on double approve, got status %d", resp.StatusCode)
	}

	// Listing shows the approved request.
	resp, err = http.Get(base + "/v1/events/" + eventID.String() + "/requests?status=APPROVED")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list failed: %v", err)
	}
	var list struct {
		Requests []struct {
			ID     uuid.UUID `json:"id"`
			Status string    `json:"status"`
		} `json:"requests"`
	}
	json.NewDecoder(resp.Body).Decode(&list)
	if len(list.Requests) != 1 || list.Requests[0].ID != created.ID {
		t.Fatalf("unexpected listing: %+v", list)
	}

	// The outbox publisher pushes every status change onto the exchange.
	seen := map[string]bool{}
	timeout := time.After(30 * time.Second)
	for len(seen) < 2 {
		select {
		case d := <-deliveries:
			seen[d.RoutingKey] = true
			d.Ack(false)
		case <-timeout:
			t.Fatalf("timed out waiting for outbox messages, saw %v", seen)
		}
	}
	if !seen["join_request.created"] || !seen["join_request.approved"] {
		t.Fatalf("expected created and approved notifications, saw %v", seen)
	}
}
