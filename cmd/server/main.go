// Command server is the Noema Forge API process: it wires the credit
// ledger, tool catalog, runtime adapters, Lifecycle Engine, cook/spell
// scheduler, notification bus, and x402 payment path behind the REST and
// MCP gateway surfaces, then serves them over HTTP until a shutdown signal
// arrives.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noema/forge/internal/catalog"
	"github.com/noema/forge/internal/config"
	"github.com/noema/forge/internal/events"
	"github.com/noema/forge/internal/gateway"
	"github.com/noema/forge/internal/ledger"
	"github.com/noema/forge/internal/lifecycle"
	"github.com/noema/forge/internal/metrics"
	"github.com/noema/forge/internal/middleware"
	"github.com/noema/forge/internal/notify"
	"github.com/noema/forge/internal/runtime"
	"github.com/noema/forge/internal/runtime/comfydeploy"
	"github.com/noema/forge/internal/runtime/openai"
	"github.com/noema/forge/internal/runtime/vastai"
	"github.com/noema/forge/internal/scheduler"
	"github.com/noema/forge/internal/store"
	"github.com/noema/forge/internal/walletlink"
	"github.com/noema/forge/internal/x402"
)

func main() {
	cfg := config.Get()
	log := setupLogger(cfg.Server.Env)

	log.Info().
		Str("environment", cfg.Server.Env).
		Str("port", cfg.Server.Port).
		Msg("starting noema forge")

	st, err := store.NewSQLStore(cfg.Database.PostgresDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open postgres store")
	}

	bus := newEventBus(cfg, log)

	cat := catalog.NewToolCatalog(log)
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := cat.Load(bootCtx, st); err != nil {
		log.Fatal().Err(err).Msg("failed to hydrate tool catalog")
	}
	bootCancel()
	log.Info().Msg("tool catalog hydrated")

	ldg, err := ledger.New(st, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
		time.Duration(cfg.Ledger.CacheTTLSec)*time.Second, "", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize ledger")
	}

	registry := newRuntimeRegistry(cfg, log)

	engineRedis := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	m := metrics.New()

	engine := lifecycle.NewEngine(st, cat, ldg, registry, bus, engineRedis, pollBaseURL(cfg), log).
		WithMetrics(m)

	sched := scheduler.NewScheduler(st, engine, bus, log).WithMetrics(m)
	if err := sched.ResumeInFlightOnBoot(context.Background()); err != nil {
		log.Error().Err(err).Msg("failed to resume in-flight cooks after restart")
	}

	wallets := walletlink.NewService(st, cfg.X402.PayToAddress, cfg.Security.APIKeyPepper)

	var facilitator x402.Facilitator = x402.NewHTTPFacilitator(cfg.X402.FacilitatorURL)

	svc := gateway.NewService(st, cat, ldg, engine, sched, wallets, facilitator, log)
	if cfg.Database.Supabase.URL != "" {
		reader, err := store.NewSupabaseReader(cfg.Database.Supabase.URL, cfg.Database.Supabase.ServiceKey)
		if err != nil {
			log.Warn().Err(err).Msg("supabase reader init failed, LoRA search stays on the primary store")
		} else {
			svc = svc.WithLoRAReader(reader)
			log.Info().Msg("routing public LoRA search through supabase")
		}
	}

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: 120,
		BurstSize:         240,
	}, log)

	gwServer := gateway.NewServer(svc, rateLimiter, cfg.Security.APIKeyPepper, facilitator, log).
		WithMetrics(m).
		WithAdminKey(cfg.Security.AdminAPIKey)

	webhookAdapter := notify.NewWebhookAdapter(cfg.Webhook.WorkerCount, log)
	wsAdapter := notify.NewWebSocketAdapter(log)
	var eb *events.EventBus
	switch b := bus.(type) {
	case *events.EventBus:
		eb = b
	case *events.PubSubEventBus:
		eb = b.EventBus
	}
	if eb != nil {
		webhookAdapter.Subscribe(eb)
		wsAdapter.Subscribe(eb)
	}
	go wsAdapter.Run()

	go runHealthCheckLoop(registry, m, log)
	go runSweepLoop(cfg, registry, pollBaseURL(cfg), log)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", gwServer.Router())
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		masterAccountID := r.URL.Query().Get("masterAccountId")
		wsAdapter.HandleWebSocket(w, r, masterAccountID)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	webhookAdapter.Shutdown()
	log.Info().Msg("shutdown complete")
}

func newEventBus(cfg *config.Config, log zerolog.Logger) events.Emitter {
	if cfg.PubSub.Enabled {
		pubsubBus, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize pubsub event bus")
		}
		log.Info().Str("topic", cfg.PubSub.TopicID).Msg("using pubsub event bus")
		return pubsubBus
	}
	return events.NewEventBus()
}

func newRuntimeRegistry(cfg *config.Config, log zerolog.Logger) *runtime.Registry {
	registry := runtime.NewRegistry()

	if cfg.Runtimes.ComfyDeploy.BaseURL != "" {
		registry.Register(comfydeploy.New(cfg.Runtimes.ComfyDeploy.BaseURL, cfg.Runtimes.ComfyDeploy.APIKey))
	}
	if cfg.Runtimes.OpenAI.APIKey != "" {
		registry.Register(openai.New(cfg.Runtimes.OpenAI.APIKey))
		registry.Register(openai.NewChat(cfg.Runtimes.OpenAI.APIKey))
	}
	registry.Register(openai.NewStringOpsRuntime())

	if cfg.Runtimes.VastAI.APIKey != "" {
		api := vastai.NewHTTPAPI(cfg.Runtimes.VastAI.BaseURL, cfg.Runtimes.VastAI.APIKey)
		sshKey, err := os.ReadFile(cfg.Runtimes.VastAI.SSHPublicKeyPath)
		if err != nil {
			log.Warn().Err(err).Msg("vastai ssh key unreadable, vastai runtime not registered")
		} else {
			sshExecutor, err := vastai.NewSSHExecutor(sshKey, "root")
			if err != nil {
				log.Warn().Err(err).Msg("vastai ssh executor init failed, vastai runtime not registered")
			} else {
				uploader := vastai.NewUploader(os.Getenv("HUGGINGFACE_TOKEN"), os.Getenv("R2_ENDPOINT"),
					os.Getenv("R2_ACCESS_KEY"), os.Getenv("R2_SECRET_KEY"))
				registry.Register(vastai.New(api, sshExecutor, uploader, string(sshKey), log))
			}
		}
	}

	log.Info().Strs("runtimes", registry.List()).Msg("runtime registry initialized")
	return registry
}

func runHealthCheckLoop(registry *runtime.Registry, m *metrics.Metrics, log zerolog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		results := registry.HealthCheckAll(ctx)
		cancel()
		for name, status := range results {
			m.RecordRuntimeHealth(name, status.Healthy, status.Latency.Seconds())
			if !status.Healthy {
				log.Warn().Str("runtime", name).Str("error", status.Error).Msg("runtime health check failed")
			}
		}
	}
}

// runSweepLoop reaps orphaned VastAI instances on a fixed interval. When
// Cloud Tasks is configured, each tick enqueues an HTTP task against the
// admin sweep route instead of calling the registry in-process, so the
// sweep survives this process restarting mid-interval. Otherwise it falls
// back to calling the registry directly.
func runSweepLoop(cfg *config.Config, registry *runtime.Registry, baseURL string, log zerolog.Logger) {
	interval := time.Duration(cfg.Runtimes.VastAI.SweepIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	var scheduler *vastai.TaskScheduler
	if cfg.CloudTasks.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s, err := vastai.NewTaskScheduler(ctx, cfg.CloudTasks.ProjectID, cfg.CloudTasks.LocationID,
			cfg.CloudTasks.QueueID, baseURL+"/api/v1/admin/vastai/sweep", log)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("cloud tasks scheduler init failed, sweeping in-process instead")
		} else {
			scheduler = s
			defer scheduler.Close()
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if scheduler != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := scheduler.ScheduleSweep(ctx, 0); err != nil {
				log.Warn().Err(err).Msg("failed to enqueue vastai sweep task")
			}
			cancel()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		for name, err := range registry.SweepAll(ctx) {
			if err != nil {
				log.Warn().Err(err).Str("runtime", name).Msg("runtime sweep failed")
			}
		}
		cancel()
	}
}

func pollBaseURL(cfg *config.Config) string {
	if cfg.Server.Env == "development" {
		return "http://localhost:" + cfg.Server.Port
	}
	return "https://api.noemaforge.com"
}

func setupLogger(environment string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" || environment == "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(zerolog.DebugLevel).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Str("service", "forge-api").
		Str("environment", environment).
		Logger()
}
