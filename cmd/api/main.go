package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Vovarama1992/go-utils/httputil"
	"github.com/Vovarama1992/go-utils/logger"

	"github.com/Vovarama1992/whoisalice/internal/app"
	"github.com/Vovarama1992/whoisalice/internal/broker"
	"github.com/Vovarama1992/whoisalice/internal/config"
	"github.com/Vovarama1992/whoisalice/internal/delivery"
	"github.com/Vovarama1992/whoisalice/internal/observability"
	"github.com/Vovarama1992/whoisalice/internal/publisher"
	"github.com/Vovarama1992/whoisalice/internal/tasks"
	"github.com/Vovarama1992/whoisalice/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

func main() {

	// =========================================================================
	// ENV / LOGGER
	// =========================================================================

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_SECRET is not set")
	}
	baseLogger, _ := zap.NewProduction()
	defer baseLogger.Sync()
	zl := logger.NewZapLogger(baseLogger.Sugar())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, "whoisalice-api", cfg.OTelExporter, cfg.Environment)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	// =========================================================================
	// INFRASTRUCTURE
	// =========================================================================

	a, err := app.New(ctx, cfg, baseLogger)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer a.Close()

	if cfg.SeedDemoUsers {
		seeded, err := app.SeedDemo(ctx, a.Users, a.Ledger)
		if err != nil {
			log.Fatalf("seed demo users: %v", err)
		}
		for _, u := range seeded {
			token, err := delivery.IssueToken([]byte(cfg.JWTSecret), u, jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(30 * 24 * time.Hour)),
			})
			if err != nil {
				log.Fatalf("demo token: %v", err)
			}
			baseLogger.Info("demo user", zap.String("username", u.Username), zap.String("token", token))
		}
	}

	// общий канал публикации; после обрыва переоткрывается сам
	sender := broker.NewSender(a.Broker, baseLogger)
	defer sender.Close()

	// =========================================================================
	// SERVICES
	// =========================================================================

	pub := publisher.New(
		a.Users,
		a.Models,
		a.Ledger,
		a.Tasks,
		sender,
		publisher.NewTiktokenCounter("gpt-4"),
		publisher.Options{
			Limits: publisher.Limits{
				MaxTextTokens: cfg.MaxTextTokens,
				MaxAudioBytes: cfg.MaxAudioBytes,
			},
			EnqueueAttempts: cfg.EnqueueAttempts,
		},
		baseLogger,
	)
	statusSvc := tasks.NewStatusService(a.Tasks)

	// =========================================================================
	// HTTP
	// =========================================================================

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
	}))

	delivery.RegisterRoutes(r,
		delivery.NewPredictHandler(pub, statusSvc, cfg.MaxAudioBytes, zl),
		delivery.NewBalanceHandler(a.Ledger, a.Users, zl),
		delivery.RouteOptions{
			JWTSecret: []byte(cfg.JWTSecret),
			Users:     a.Users,
			SubmitRPM: cfg.RateLimitRPM,
		},
	)
	r.With(httputil.RecoverMiddleware).Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// =========================================================================
	// BACKGROUND JOBS
	// =========================================================================

	go publisher.NewReconciler(a.Tasks, sender, cfg.ReconcileOlderThan, baseLogger).
		Run(ctx, cfg.ReconcileInterval)

	poolDone := make(chan struct{})
	if cfg.EmbeddedWorkers {
		pool, err := worker.NewPool(a.Broker, a.WorkerDeps(), cfg.WorkerConcurrency)
		if err != nil {
			log.Fatalf("worker pool: %v", err)
		}
		go func() {
			defer close(poolDone)
			if err := pool.Run(ctx); err != nil {
				baseLogger.Error("worker pool", zap.Error(err))
			}
		}()
	} else {
		close(poolDone)
	}

	// =========================================================================
	// START SERVER
	// =========================================================================

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zl.Log(logger.LogEntry{
		Level:   "info",
		Message: "listening at " + addr,
		Service: "whoisalice",
	})

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	<-poolDone
}
