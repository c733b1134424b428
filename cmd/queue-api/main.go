package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxbridge/withdrawal-engine/internal/audit"
	"github.com/fluxbridge/withdrawal-engine/internal/blobstore"
	"github.com/fluxbridge/withdrawal-engine/internal/engine"
	"github.com/fluxbridge/withdrawal-engine/internal/gate"
	"github.com/fluxbridge/withdrawal-engine/internal/ledger"
	ledgerpg "github.com/fluxbridge/withdrawal-engine/internal/ledger/postgres"
	"github.com/fluxbridge/withdrawal-engine/internal/queueapi"
	"github.com/fluxbridge/withdrawal-engine/internal/stream"
	"github.com/fluxbridge/withdrawal-engine/internal/transfer"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN; empty runs the in-memory ledger (dev only)")

		cooldown     = flag.Duration("cooldown", 24*time.Hour, "withdrawal cooldown before records become finalizable")
		maxBatchSize = flag.Int("max-batch-size", engine.DefaultMaxBatchSize, "maximum indices per finalize call")
		maxScanRange = flag.Uint64("max-scan-range", engine.DefaultMaxScanRange, "maximum index range per scan call")

		transferURL       = flag.String("transfer-url", "", "payout service base URL (required)")
		transferTokenFile = flag.String("transfer-token-file", "", "file holding the payout service bearer token")

		queueDriver    = flag.String("queue-driver", stream.DriverKafka, "event driver (kafka|stdio)")
		queueBrokers   = flag.String("queue-brokers", "", "kafka brokers (comma-separated); empty disables finalized events")
		finalizedTopic = flag.String("finalized-topic", "withdrawals.finalized.v1", "topic for finalized batch events")

		blobDriver = flag.String("blob-driver", "", "receipt store driver (s3|memory); empty disables receipts")
		blobBucket = flag.String("blob-bucket", "", "s3 bucket for finalize receipts")
		blobPrefix = flag.String("blob-prefix", "withdrawal-engine", "key prefix for finalize receipts")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 30*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*transferURL) == "" {
		fmt.Fprintln(os.Stderr, "error: --transfer-url is required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *cooldown < 0 {
		fmt.Fprintln(os.Stderr, "error: --cooldown must be >= 0")
		os.Exit(2)
	}
	if *maxBatchSize <= 0 || *maxScanRange == 0 {
		fmt.Fprintln(os.Stderr, "error: --max-batch-size and --max-scan-range must be > 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
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

	g, err := gate.New(gate.FixedCooldown(*cooldown))
	if err != nil {
		log.Error("init eligibility gate", "err", err)
		os.Exit(2)
	}

	token := ""
	if strings.TrimSpace(*transferTokenFile) != "" {
		b, err := os.ReadFile(strings.TrimSpace(*transferTokenFile))
		if err != nil {
			log.Error("read transfer token file", "err", err)
			os.Exit(2)
		}
		token = strings.TrimSpace(string(b))
	}
	exec, err := transfer.NewHTTPExecutor(*transferURL, token)
	if err != nil {
		log.Error("init transfer executor", "err", err)
		os.Exit(2)
	}

	eng, err := engine.New(engine.Config{
		MaxBatchSize: *maxBatchSize,
		MaxScanRange: *maxScanRange,
	}, store, g, exec, log)
	if err != nil {
		log.Error("init engine", "err", err)
		os.Exit(2)
	}

	var publisher stream.Publisher
	if strings.TrimSpace(*queueBrokers) != "" {
		publisher, err = stream.NewPublisher(stream.PublisherConfig{
			Driver:  *queueDriver,
			Brokers: stream.SplitCommaList(*queueBrokers),
		})
		if err != nil {
			log.Error("init event publisher", "err", err)
			os.Exit(2)
		}
		defer publisher.Close()
	}

	var recorder *audit.Recorder
	if strings.TrimSpace(*blobDriver) != "" {
		blobCfg := blobstore.Config{
			Driver: *blobDriver,
			Prefix: *blobPrefix,
			Bucket: *blobBucket,
		}
		if strings.EqualFold(strings.TrimSpace(*blobDriver), blobstore.DriverS3) {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				log.Error("load aws config", "err", err)
				os.Exit(2)
			}
			blobCfg.S3Client = s3.NewFromConfig(awsCfg)
		}
		blobs, err := blobstore.New(blobCfg)
		if err != nil {
			log.Error("init receipt store", "err", err)
			os.Exit(2)
		}
		recorder, err = audit.NewRecorder(blobs)
		if err != nil {
			log.Error("init receipt recorder", "err", err)
			os.Exit(2)
		}
	}

	handler, err := queueapi.NewHandler(queueapi.Config{
		Engine:         eng,
		Store:          store,
		Recorder:       recorder,
		Publisher:      publisher,
		FinalizedTopic: *finalizedTopic,
		Log:            log,
		Now:            time.Now,
	})
	if err != nil {
		log.Error("init queue api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("queue-api listening", "addr", *listenAddr, "maxBatchSize", *maxBatchSize, "maxScanRange", *maxScanRange, "cooldown", *cooldown)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
