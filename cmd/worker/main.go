package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
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
	"smscast/internal/logging"
	"smscast/internal/observability"
	"smscast/internal/provider"
	"smscast/internal/queue"
	sqsqueue "smscast/internal/queue/sqs"
	"smscast/internal/reconcile"
	"smscast/internal/store/pg"
	"smscast/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat)

	if cfg.Queue.Backend != "sqs" {
		// Memory-backend jobs run inside the api process.
		slog.Error("worker requires QUEUE_BACKEND=sqs", "backend", cfg.Queue.Backend)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DB.DSN, pg.PoolOptions{
		MaxConns:        cfg.DB.PoolMaxConns,
		MinConns:        cfg.DB.PoolMinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
		MaxConnIdleTime: cfg.DB.MaxConnIdleTime,
	})
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.Queue.AWSRegion, cfg.Queue.LocalstackEndpoint)
	if err != nil {
		slog.Error("worker sqs client init failed", "err", err)
		os.Exit(1)
	}

	queueURLs := map[string]string{
		queue.QueueEvents:    cfg.Queue.EventsQueueURL,
		queue.QueueCampaigns: cfg.Queue.CampaignsQueueURL,
		queue.QueueReceipts:  cfg.Queue.ReceiptsQueueURL,
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()

	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	for name, url := range queueURLs {
		if url == "" {
			slog.Error("queue url not configured", "queue", name)
			os.Exit(1)
		}
		if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
			QueueUrl:       &url,
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
		}); err != nil {
			slog.Error("sqs not reachable", "queue", name, "err", err)
			os.Exit(1)
		}
	}

	observability.Register(prometheus.DefaultRegisterer)

	providerClient := &provider.Client{
		Name:        cfg.Provider.Name,
		BaseURL:     cfg.Provider.APIURL,
		APIKey:      cfg.Provider.APIKey,
		HTTP:        &http.Client{Timeout: time.Duration(cfg.Provider.TimeoutMs) * time.Millisecond},
		MaxAttempts: cfg.Provider.MaxRetries,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.Provider.RPSPerPod), cfg.Provider.Burst),
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "provider",
			MaxRequests: 3,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		}),
	}

	proc := delivery.New(st, providerClient, cfg.Provider.Name, cfg.Provider.CallbackURL)
	alloc := allocator.New(st, time.Duration(cfg.ReservationTTLMin)*time.Minute)
	sender := campaign.NewSender(st, alloc, proc,
		cfg.CampaignBatchSize, time.Duration(cfg.CampaignThrottleMs)*time.Millisecond)
	rec := reconcile.New(st, cfg.HelpReply)

	dispatcher, err := dispatch.New(st, dispatch.DefaultHandlers(st, proc),
		[]string{dispatch.TopicOrderCreated, dispatch.TopicCheckoutAbandoned})
	if err != nil {
		slog.Error("worker dispatcher init failed", "err", err)
		os.Exit(1)
	}

	reg := queue.NewRegistry()
	worker.RegisterJobs(reg, worker.Deps{
		Store:      st,
		Dispatcher: dispatcher,
		Campaigns:  sender,
		Receipts:   rec,
		Allocator:  alloc,
	})

	// health server (liveness + readiness + metrics)
	healthMux := httpserver.NewRouter()
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error {
			url := queueURLs[queue.QueueEvents]
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &url,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		},
	))
	healthMux.Handle("/metrics", promhttp.Handler())

	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(healthMux),
	}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	concurrency := map[string]int{
		queue.QueueEvents:    cfg.EventsConcurrency,
		queue.QueueCampaigns: cfg.CampaignConcurrency,
		queue.QueueReceipts:  cfg.ReceiptsConcurrency,
	}

	pollErrCh := make(chan error, len(queueURLs))
	for name, url := range queueURLs {
		consumer := &sqsqueue.Consumer{
			SQS:               sqsClient,
			QueueURL:          url,
			Registry:          reg,
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
		}
		workers := concurrency[name]
		go func(name string) {
			slog.Info("worker starting poll", "queue", name, "workers", workers)
			pollErrCh <- consumer.PollConcurrent(ctx, workers)
		}(name)
	}

	go worker.RunSweeper(ctx, alloc, time.Duration(cfg.SweepIntervalMin)*time.Minute)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("worker poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for poll loops")
	}
}
