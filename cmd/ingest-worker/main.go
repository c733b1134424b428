package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxbridge/withdrawal-engine/internal/ingest"
	"github.com/fluxbridge/withdrawal-engine/internal/ledger"
	ledgerpg "github.com/fluxbridge/withdrawal-engine/internal/ledger/postgres"
	"github.com/fluxbridge/withdrawal-engine/internal/stream"
)

func main() {
	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN; empty runs the in-memory ledger (dev only)")

		queueDriver  = flag.String("queue-driver", stream.DriverKafka, "event driver (kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", "", "kafka brokers (comma-separated)")
		queueGroup   = flag.String("queue-group", "withdrawal-ingest", "kafka consumer group")
		enqueueTopic = flag.String("enqueue-topic", "withdrawals.enqueued.v1", "topic carrying enqueue events")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*queueDriver) == stream.DriverKafka && strings.TrimSpace(*queueBrokers) == "" {
		fmt.Fprintln(os.Stderr, "error: --queue-brokers is required for the kafka driver")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store ledger.Store
	if strings.TrimSpace(*postgresDSN) != "" {
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := ledgerpg.New(pool)
		if err != nil {
			log.Error("init ledger store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure ledger schema", "err", err)
			os.Exit(2)
		}
		store = pgStore
	} else {
		log.Warn("running with in-memory ledger; records do not survive restarts")
		store = ledger.NewMemoryStore()
	}

	consumer, err := stream.NewConsumer(ctx, stream.ConsumerConfig{
		Driver:  *queueDriver,
		Brokers: stream.SplitCommaList(*queueBrokers),
		Group:   *queueGroup,
		Topics:  []string{*enqueueTopic},
	})
	if err != nil {
		log.Error("init event consumer", "err", err)
		os.Exit(2)
	}
	defer consumer.Close()

	worker, err := ingest.NewWorker(store, consumer, log)
	if err != nil {
		log.Error("init ingest worker", "err", err)
		os.Exit(2)
	}

	log.Info("ingest-worker running", "driver", *queueDriver, "topic", *enqueueTopic)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("ingest worker stopped", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown", "reason", ctx.Err())
}
