package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Vovarama1992/whoisalice/internal/broker"
	"github.com/Vovarama1992/whoisalice/internal/catalog"
	"github.com/Vovarama1992/whoisalice/internal/config"
	"github.com/Vovarama1992/whoisalice/internal/inference"
	"github.com/Vovarama1992/whoisalice/internal/ledger"
	"github.com/Vovarama1992/whoisalice/internal/migrations"
	"github.com/Vovarama1992/whoisalice/internal/notificator"
	"github.com/Vovarama1992/whoisalice/internal/storage"
	"github.com/Vovarama1992/whoisalice/internal/tasks"
	"github.com/Vovarama1992/whoisalice/internal/user"
	"github.com/Vovarama1992/whoisalice/internal/worker"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// App — собранные зависимости процесса
type App struct {
	Cfg config.Config
	Log *zap.Logger
	DB  *sql.DB

	Users     user.Service
	Ledger    ledger.Service
	Models    catalog.Repo
	Tasks     tasks.Repo
	Broker    broker.Broker
	Inference *inference.Router
	Artifacts storage.ArtifactStore
	Notify    notificator.Notificator
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	// =========================================================================
	// STORAGE
	// =========================================================================

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("db ping failed: %w", err)
		}
		if err := migrations.Apply(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.DB = db
		a.Users = user.NewService(user.NewInfra(db))
		a.Ledger = ledger.NewService(ledger.NewInfra(db), log)
		a.Models = catalog.NewInfra(db)
		a.Tasks = tasks.NewInfra(db)
	default:
		ledgerRepo := ledger.NewMemory()
		a.Users = user.NewService(user.NewMemory())
		a.Ledger = ledger.NewService(ledgerRepo, log)
		a.Models = catalog.NewMemory()
		a.Tasks = tasks.NewMemory(ledgerRepo)
	}

	if cfg.ModelsFile != "" {
		n, err := catalog.SeedFile(ctx, a.Models, cfg.ModelsFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Warn("models file not found, catalog not seeded", zap.String("path", cfg.ModelsFile))
		case err != nil:
			a.Close()
			return nil, err
		default:
			log.Info("catalog seeded", zap.Int("models", n))
		}
	}

	// =========================================================================
	// QUEUE
	// =========================================================================

	switch cfg.BrokerBackend {
	case config.BackendAMQP:
		a.Broker = broker.NewAMQP(cfg.AMQPURL, cfg.QueueName, log)
	case config.BackendPostgres:
		a.Broker = broker.NewPostgres(a.DB, cfg.DatabaseURL, cfg.VisibilityTimeout, cfg.PollInterval, log)
	default:
		a.Broker = broker.NewMemory(cfg.VisibilityTimeout)
	}

	// =========================================================================
	// INFERENCE / ARTIFACTS / NOTIFY
	// =========================================================================

	a.Inference = inference.NewRouter(cfg.InferenceTimeout)
	a.Inference.Register(catalog.ProviderMock, inference.MockProvider{})
	if cfg.OpenAIKey != "" {
		a.Inference.Register(catalog.ProviderOpenAI, inference.NewOpenAIProvider(cfg.OpenAIKey))
	}
	if cfg.ElevenLabsKey != "" {
		a.Inference.Register(catalog.ProviderElevenLabs, inference.NewElevenLabsProvider(cfg.ElevenLabsKey, cfg.ElevenLabsVoice))
	}
	if cfg.DeepgramKey != "" {
		a.Inference.Register(catalog.ProviderDeepgram, inference.NewDeepgramProvider(cfg.DeepgramKey, cfg.DeepgramLanguage))
	}

	if cfg.S3Enabled() {
		s3, err := storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Secure:    cfg.S3Secure,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Artifacts = s3
	}

	a.Notify = notificator.Nop{}
	if cfg.TelegramToken != "" {
		tg, err := notificator.NewTelegram(cfg.TelegramToken, cfg.AdminChatIDs)
		if err != nil {
			log.Warn("telegram notificator disabled", zap.Error(err))
		} else {
			a.Notify = tg
		}
	}

	return a, nil
}

func (a *App) WorkerDeps() worker.Deps {
	return worker.Deps{
		Tasks:      a.Tasks,
		Models:     a.Models,
		Inference:  a.Inference,
		Artifacts:  a.Artifacts,
		Users:      a.Users,
		Notify:     a.Notify,
		MaxRetries: a.Cfg.MaxRetries,
		Log:        a.Log,
	}
}

func (a *App) Close() {
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Log.Warn("broker close", zap.Error(err))
		}
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
