package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/campusgate/backend/internal/adaptive"
	"github.com/campusgate/backend/internal/api"
	"github.com/campusgate/backend/internal/archive"
	"github.com/campusgate/backend/internal/behavior"
	"github.com/campusgate/backend/internal/config"
	"github.com/campusgate/backend/internal/contextual"
	"github.com/campusgate/backend/internal/core"
	"github.com/campusgate/backend/internal/events"
	"github.com/campusgate/backend/internal/ledger"
	"github.com/campusgate/backend/internal/metrics"
	"github.com/campusgate/backend/internal/policy"
	"github.com/campusgate/backend/internal/signals"
	"github.com/campusgate/backend/internal/threat"
	"github.com/campusgate/backend/internal/webhooks"
)

// predictorSource adapts the threat predictor to the engine's signal
// contract. The in-process predictor cannot fail; a remote one would surface
// transport errors here.
type predictorSource struct {
	p *threat.Predictor
}

func (s predictorSource) ActiveFor(userID, resource string) ([]*core.ThreatPrediction, error) {
	return s.p.ActiveFor(userID, resource), nil
}

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	var cfg *config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			log.Fatalf("load config %s: %v", cfgPath, err)
		}
	} else {
		cfg = config.Default()
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	slog.Info("starting access decision engine", "env", cfg.Server.Env, "port", cfg.Server.Port)

	// Event bus: Pub/Sub when a project is configured, in-memory otherwise.
	// The Pub/Sub variant wraps the same local bus, so the streamer, webhook
	// bridge and metrics subscriptions below see every event either way.
	bus := events.NewBus()
	var emitter events.Emitter = bus
	if cfg.PubSub.ProjectID != "" {
		psBus, err := events.NewPubSubBus(bus, cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			slog.Warn("pubsub unavailable, staying on in-memory bus", "error", err)
		} else {
			emitter = psBus
			defer psBus.Close()
		}
	}

	// Context signal cache: Redis with in-memory fallback.
	var store signals.Store
	if redisStore, err := signals.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		slog.Warn("redis unavailable, using in-memory signal cache", "error", err)
		store = signals.NewMemoryStore()
	} else {
		store = redisStore
		defer redisStore.Close()
	}
	cache := signals.NewCache(store, 0)

	// Decision archive: Postgres with in-memory fallback.
	decisions, err := archive.Open(os.Getenv("POSTGRES_DSN"))
	if err != nil {
		slog.Warn("postgres unavailable, decision archive running in-memory", "error", err)
		decisions, _ = archive.Open("")
	}
	decisions.SetEmitter(emitter)
	defer decisions.Close()

	// Webhook delivery.
	registry := webhooks.NewRegistry()
	dispatcher := webhooks.NewDispatcher(registry, 4)
	defer dispatcher.Shutdown()

	// Audit ledger with async writer.
	audit := ledger.NewWriter(ledger.New(), emitter, 1024, 2*time.Second)
	defer audit.Close()

	// Behavioral pipeline.
	baselines := behavior.NewBaselineStore()
	trainer := behavior.NewTrainer(baselines, emitter,
		time.Duration(cfg.Behavior.BaselineWindowDays)*24*time.Hour, 0)
	scorer := behavior.NewScorer(int64(cfg.Behavior.ModelSeed))
	sessions := behavior.NewSessionStore(scorer, baselines, webhooks.NewSessionCommands(dispatcher), emitter, behavior.StoreConfig{
		SamplingInterval: time.Duration(cfg.Behavior.SamplingIntervalSec) * time.Second,
	})
	sessions.Start()
	defer sessions.Stop()

	// Contextual evaluation.
	evaluator := contextual.NewEvaluator(cfg)

	// Threat prediction.
	authLog := threat.NewEventLog(24 * time.Hour)
	predictor := threat.NewPredictor(authLog, webhooks.NewAdminAlerts(dispatcher), emitter, threat.Config{
		Window: time.Duration(cfg.Threat.WindowMinutes) * time.Minute,
		Thresholds: threat.RuleThresholds{
			BruteForceAttempts:    cfg.Threat.BruteForceAttempts,
			CoordinatedIdentities: cfg.Threat.CoordinatedIdentities,
			CoordinatedAttempts:   cfg.Threat.CoordinatedAttempts,
		},
		EmitConfidence:  cfg.Threat.EmitConfidence,
		AlertConfidence: cfg.Threat.AlertConfidence,
	})

	// Policy engine and adaptive adjuster.
	versions := policy.NewVersionStore()
	engine := policy.NewEngine(versions, sessions, cache, predictorSource{predictor}, emitter, decisions, audit)
	adjuster := adaptive.NewAdjuster(versions, emitter, adaptive.Config{
		ReconcileInterval: time.Duration(cfg.Adaptive.ReconcileIntervalSec) * time.Second,
		MinOutcomes:       cfg.Adaptive.MinOutcomes,
		LowerBound:        cfg.Adaptive.LowerBound,
		UpperBound:        cfg.Adaptive.UpperBound,
		PenaltyFactor:     cfg.Adaptive.PenaltyFactor,
		ConfidenceStep:    cfg.Adaptive.ConfidenceStep,
	})
	adjuster.Start()
	defer adjuster.Stop()

	// Bridge internal bus events to webhook subscribers and counters.
	m := metrics.New()
	bridge := webhooks.NewBusBridge(dispatcher)
	busFeed := bus.Subscribe()
	go func() {
		for event := range busFeed {
			bridge.Forward(event.Type, event.Subject, event.Data)
			m.ObserveBusEvent(event.Type, event.Data)
		}
	}()

	// Periodic threat analysis.
	analyzeStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				predictor.Analyze(time.Now())
			case <-analyzeStop:
				return
			}
		}
	}()
	defer close(analyzeStop)

	// Live decision stream.
	streamer := api.NewDecisionStreamer(bus)
	go streamer.Run()
	defer streamer.Stop()

	server := api.NewServer(api.Deps{
		Engine:    engine,
		Policies:  versions,
		Sessions:  sessions,
		Trainer:   trainer,
		Evaluator: evaluator,
		Cache:     cache,
		AuthLog:   authLog,
		Predictor: predictor,
		Adjuster:  adjuster,
		Decisions: decisions,
		Audit:     audit,
		Registry:  registry,
		Streamer:  streamer,
		Metrics:   m,
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router(),
	}
	go func() {
		slog.Info("access engine API listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")
	_ = httpServer.Close()
}
