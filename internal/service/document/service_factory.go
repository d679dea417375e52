package document

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/document-context/config"
	"github.com/feichai0017/document-context/internal/agent"
	"github.com/feichai0017/document-context/internal/chunker"
	"github.com/feichai0017/document-context/internal/contextstore"
	"github.com/feichai0017/document-context/internal/extractor"
	"github.com/feichai0017/document-context/internal/ingest"
	"github.com/feichai0017/document-context/internal/readiness"
	"github.com/feichai0017/document-context/internal/retrieval"
	"github.com/feichai0017/document-context/internal/status"
	"github.com/feichai0017/document-context/internal/store/postgres"
	"github.com/feichai0017/document-context/internal/structure"
	"github.com/feichai0017/document-context/internal/utils/validator"
	"github.com/feichai0017/document-context/pkg/logger"
	"github.com/feichai0017/document-context/pkg/queue"
	"github.com/feichai0017/document-context/pkg/storage"
)

func newRequestKey() string {
	return uuid.NewString()
}

// GetService wires a Service from cfg. The context store sweeper runs until
// ctx is done or Close is called.
func GetService(ctx context.Context, cfg *config.Config, log logger.Logger) (*Service, error) {
	mode, err := ingest.ParseMode(cfg.Ingest.PersistMode)
	if err != nil {
		return nil, err
	}

	var closers []func() error
	fail := func(err error) (*Service, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	// 初始化处理后端
	backends, err := agent.NewBackends(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize backends: %w", err)
	}

	v := validator.NewDocumentValidator(log, &validator.ValidatorConfig{
		MaxFileSize:  cfg.Ingest.MaxFileSize,
		AllowedTypes: validator.Restrict(validator.DefaultAllowedTypes(), cfg.Ingest.AllowedTypes),
		MaxPageCount: cfg.Ingest.MaxPages,
	})

	opts := extractor.DefaultOptions()
	if cfg.Ingest.PageTimeout > 0 {
		opts.PageTimeout = cfg.Ingest.PageTimeout
	}

	contexts := contextstore.New(contextstore.Config{
		Capacity:      cfg.Context.Capacity,
		DefaultTTL:    cfg.Context.TTL,
		SweepInterval: cfg.Context.SweepInterval,
	}, log)
	contexts.Start(ctx)
	closers = append(closers, contexts.Close)

	// 状态存储
	var tracker status.Tracker
	switch cfg.Readiness.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fail(fmt.Errorf("failed to connect to redis: %w", err))
		}
		closers = append(closers, client.Close)
		tracker = status.NewRedisTracker(client, cfg.Readiness.StatusTTL)
	case "memory", "":
		tracker = status.NewMemoryTracker(cfg.Readiness.StatusTTL)
	default:
		return fail(fmt.Errorf("unsupported status backend: %s", cfg.Readiness.Backend))
	}

	deps := ingest.Dependencies{
		Validator: v,
		Openers:   backends.Openers,
		Extractor: backends.Extractor(cfg.OCR, opts),
		Detector:  structure.NewDetector(structure.DefaultConfig()),
		Chunker: chunker.New(
			chunker.WithTokenBudget(cfg.Chunk.TokenBudget),
			chunker.WithPreserveStructure(cfg.Chunk.PreserveStructure),
		),
		Contexts: contexts,
		Tracker:  tracker,
	}

	// 持久化存储
	var durable Durable
	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, log)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize database: %w", err))
		}
		closers = append(closers, db.Close)
		durable = db
		deps.Durable = db
	} else if mode != ingest.ModeEphemeral {
		return fail(fmt.Errorf("persist mode %s needs DATABASE_URL", mode))
	}

	orch := ingest.New(deps, ingest.Config{
		PageConcurrency: cfg.Ingest.PageConcurrency,
		PersistMode:     mode,
		PersistRetries:  cfg.Ingest.PersistRetries,
		ContextTTL:      cfg.Context.TTL,
	}, log)

	sdeps := Dependencies{
		Orchestrator: orch,
		Validator:    v,
		Contexts:     contexts,
		Tracker:      tracker,
		Retriever: retrieval.New(retrieval.Config{
			DefaultLimit: cfg.Retrieval.DefaultLimit,
			MaxLimit:     cfg.Retrieval.MaxLimit,
		}, log),
		Durable: durable,
	}

	// 异步上传需要对象存储和队列
	if storage.Enabled(cfg.Storage) {
		store, err := storage.NewStorage(ctx, cfg.Storage, log)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize storage: %w", err))
		}
		q, err := queue.NewAsynqQueue(queue.ConfigFrom(cfg))
		if err != nil {
			return fail(fmt.Errorf("failed to initialize queue: %w", err))
		}
		closers = append(closers, q.Close)
		sdeps.Storage = store
		sdeps.Queue = q
	}

	svc := NewService(sdeps, &ServiceConfig{
		QueuePriority:   cfg.Queue.Priority,
		RetentionPeriod: cfg.Storage.RetentionPeriod,
		Readiness: readiness.Config{
			PartsCap:       cfg.Readiness.PartsCap,
			SecondsPerPart: cfg.Readiness.SecondsPerPart,
		},
	}, log)
	svc.closers = closers

	log.Info("Document service ready",
		logger.String("persistMode", string(mode)),
		logger.String("ocrEngine", cfg.OCR.Engine),
		logger.String("statusBackend", cfg.Readiness.Backend),
		logger.Bool("durable", durable != nil),
		logger.Bool("async", sdeps.Queue != nil),
	)
	return svc, nil
}
