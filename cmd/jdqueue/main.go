// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jdforge/queuecore/internal/collaborators"
	"github.com/jdforge/queuecore/internal/config"
	"github.com/jdforge/queuecore/internal/ema"
	"github.com/jdforge/queuecore/internal/engine"
	"github.com/jdforge/queuecore/internal/eventhub"
	"github.com/jdforge/queuecore/internal/httpapi"
	"github.com/jdforge/queuecore/internal/obs"
	"github.com/jdforge/queuecore/internal/orchestrator"
	"github.com/jdforge/queuecore/internal/queuesvc"
	"github.com/jdforge/queuecore/internal/scheduler"
	"github.com/jdforge/queuecore/internal/streambridge"
	"github.com/jdforge/queuecore/internal/taskstore"
	"github.com/jdforge/queuecore/internal/webhook"
	"github.com/jdforge/queuecore/internal/worker"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role, configPath, webhookSecret, natsURL string
	var adminCmd, adminAddr, adminTaskID string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&webhookSecret, "webhook-secret", os.Getenv("QUEUE_WEBHOOK_SECRET"), "HMAC secret for signing webhook deliveries")
	fs.StringVar(&natsURL, "webhook-nats-url", os.Getenv("QUEUE_WEBHOOK_NATS_URL"), "Optional NATS URL backing webhook delivery idempotency")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: snapshot|task|cancel")
	fs.StringVar(&adminAddr, "admin-addr", "http://localhost:8080", "Base URL of a running instance's HTTP admin surface")
	fs.StringVar(&adminTaskID, "task-id", "", "Task ID for admin task|cancel commands")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	if role == "admin" {
		runAdmin(adminAddr, adminCmd, adminTaskID)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	eng := engine.New(engine.Config{
		Limits:        scheduler.Limits{MaxInflightGlobal: cfg.Queue.MaxInflightGlobal, MaxInflightPerUser: cfg.Queue.MaxInflightPerUser},
		AdmitBatchMax: cfg.Queue.AdmitBatchMax,
		QueuedTTL:     cfg.Queue.QueuedTTL,
		ETAWindow:     cfg.Queue.ETAWindow,
	}, metricsSinkFor(cfg))

	emaStore := ema.New(cfg.Queue.EMAAlpha)
	svc := queuesvc.New(eng, emaStore)
	tasks := taskstore.NewStore()
	hub := eventhub.New(cfg.EventHub.SubscriberBuffer, eventhub.WithDropCounter(func(taskID string) {
		obs.EventsDropped.WithLabelValues(taskID).Inc()
	}))
	bridge := streambridge.New(collaborators.NewDemoStreamer(), collaborators.NewDemoSink(), hub, tasks)

	notifier := webhook.New(cfg.Webhook, webhookSecret, logger)
	if natsURL != "" {
		store, err := webhook.NewNATSIdempotencyStore(natsURL)
		if err != nil {
			logger.Warn("webhook idempotency store unavailable, continuing without dedup", obs.Err(err))
		} else {
			notifier = notifier.WithIdempotencyStore(store)
		}
	}

	orch := orchestrator.New(eng, tasks, hub, bridge, notifier)
	orch.PollInterval = cfg.TaskStore.PreQueuePollInterval

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	obs.StartSnapshotSampler(ctx, cfg, eng, logger)

	var httpSrv *httpapi.HTTPServer
	if role == "api" || role == "all" {
		limits := queuesvc.Limits{MaxInflightGlobal: cfg.Queue.MaxInflightGlobal, MaxInflightPerUser: cfg.Queue.MaxInflightPerUser}
		api := httpapi.NewServer(orch, tasks, hub, svc, limits, logger)
		httpSrv = httpapi.NewHTTPServer(cfg.HTTP, api, logger)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil {
				logger.Error("http server error", obs.Err(err))
				cancel()
			}
		}()
	}

	metricsSrv := obs.StartHTTPServer(cfg, func(c context.Context) error { return nil })
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	if role == "worker" || role == "all" {
		wrk := worker.New(cfg, eng, collaborators.NewDemoExecutor(), logger)
		wrk.OnFinish = func(userID string, seconds float64, ok bool) {
			if ok {
				svc.RecordFinish(userID, seconds)
			}
		}
		go func() {
			if err := wrk.Run(ctx); err != nil {
				logger.Error("worker error", obs.Err(err))
				cancel()
			}
		}()
	}

	<-ctx.Done()
	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
}

// runAdmin issues one shot snapshot/task/cancel diagnostic commands
// against a running instance's HTTP admin surface, mirroring the
// teacher's `-role admin` direct-Redis commands (admin.Stats/admin.Peek)
// but speaking HTTP to the Engine instead of dialing Redis.
func runAdmin(addr, cmd, taskID string) {
	base := strings.TrimRight(addr, "/")
	switch cmd {
	case "snapshot":
		adminGet(base + "/admin/snapshot")
	case "task":
		if taskID == "" {
			fmt.Fprintln(os.Stderr, "admin task requires --task-id")
			os.Exit(1)
		}
		adminGet(base + "/admin/tasks/" + taskID)
	case "cancel":
		if taskID == "" {
			fmt.Fprintln(os.Stderr, "admin cancel requires --task-id")
			os.Exit(1)
		}
		adminPost(base + "/admin/tasks/" + taskID + "/cancel")
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command %q (want snapshot|task|cancel)\n", cmd)
		os.Exit(1)
	}
}

func adminGet(url string) {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "admin request failed: %v\n", err)
		os.Exit(1)
	}
	printAdminResponse(resp)
}

func adminPost(url string) {
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "admin request failed: %v\n", err)
		os.Exit(1)
	}
	printAdminResponse(resp)
}

func printAdminResponse(resp *http.Response) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "admin response read failed: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "admin command failed: %s\n%s\n", resp.Status, body)
		os.Exit(1)
	}
	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return
	}
	encoded, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(encoded))
}

func metricsSinkFor(cfg *config.Config) engine.Metrics {
	if cfg.Metrics == "noop" {
		return engine.NoopMetrics{}
	}
	return obs.PromMetrics{}
}
