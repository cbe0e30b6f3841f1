package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"smscast/internal/allocator"
	"smscast/internal/awsutil"
	"smscast/internal/campaign"
	"smscast/internal/config"
	"smscast/internal/delivery"
	"smscast/internal/dispatch"
	"smscast/internal/httpserver"
	"smscast/internal/ingest"
	"smscast/internal/logging"
	"smscast/internal/observability"
	"smscast/internal/provider"
	"smscast/internal/queue"
	"smscast/internal/queue/memory"
	sqsqueue "smscast/internal/queue/sqs"
	"smscast/internal/reconcile"
	"smscast/internal/store/pg"
	"smscast/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DB.DSN, pg.PoolOptions{
		MaxConns:        cfg.DB.PoolMaxConns,
		MinConns:        cfg.DB.PoolMinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
		MaxConnIdleTime: cfg.DB.MaxConnIdleTime,
	})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)

	reg := queue.NewRegistry()
	var fabric queue.Fabric
	var mem *memory.Backend

	switch cfg.Queue.Backend {
	case "sqs":
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.Queue.AWSRegion, cfg.Queue.LocalstackEndpoint)
		if err != nil {
			slog.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		fabric = &sqsqueue.Producer{SQS: sqsClient, QueueURLs: map[string]string{
			queue.QueueEvents:    cfg.Queue.EventsQueueURL,
			queue.QueueCampaigns: cfg.Queue.CampaignsQueueURL,
			queue.QueueReceipts:  cfg.Queue.ReceiptsQueueURL,
		}}
	default:
		mem = memory.New(reg)
		fabric = mem
	}

	providerClient := &provider.Client{
		Name:        cfg.Provider.Name,
		BaseURL:     cfg.Provider.APIURL,
		APIKey:      cfg.Provider.APIKey,
		HTTP:        &http.Client{Timeout: time.Duration(cfg.Provider.TimeoutMs) * time.Millisecond},
		MaxAttempts: cfg.Provider.MaxRetries,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.Provider.RPSPerPod), cfg.Provider.Burst),
		Breaker:     gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "provider"}),
	}

	proc := delivery.New(st, providerClient, cfg.Provider.Name, cfg.Provider.CallbackURL)
	alloc := allocator.New(st, time.Duration(cfg.ReservationTTLMin)*time.Minute)
	sender := campaign.NewSender(st, alloc, proc,
		cfg.CampaignBatchSize, time.Duration(cfg.CampaignThrottleMs)*time.Millisecond)
	rec := reconcile.New(st, cfg.HelpReply)
	ing := ingest.New(st, fabric)

	// The memory backend runs the whole pipeline in-process, so the jobs the
	// API enqueues need their handlers registered here too.
	if mem != nil {
		dispatcher, err := dispatch.New(st, dispatch.DefaultHandlers(st, proc),
			[]string{dispatch.TopicOrderCreated, dispatch.TopicCheckoutAbandoned})
		if err != nil {
			slog.Error("api dispatcher init failed", "err", err)
			os.Exit(1)
		}
		worker.RegisterJobs(reg, worker.Deps{
			Store:      st,
			Dispatcher: dispatcher,
			Campaigns:  sender,
			Receipts:   rec,
			Allocator:  alloc,
		})
	}

	r := httpserver.NewRouter()

	wh := &httpserver.Webhooks{
		Ingestor: ing,
		Fabric:   fabric,
		Inbound:  rec,
		Verify:   ingest.Verifier(cfg.WebhookSecret),
	}
	wh.Register(r)

	admin := &httpserver.Admin{
		Store:          st,
		Codes:          alloc,
		Preview:        sender,
		Fabric:         fabric,
		PreviewTimeout: time.Duration(cfg.PreviewTimeoutMs) * time.Millisecond,
	}
	admin.Register(r)

	r.HandleFunc("/healthz", httpserver.Healthz())
	r.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))
	r.Handle("/metrics", promhttp.Handler())

	handler := httpserver.Logging(httpserver.Metrics(observability.APIRequests)(r))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port, "queue_backend", cfg.Queue.Backend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	if mem != nil {
		mem.Wait()
	}
	db.Close()
}
