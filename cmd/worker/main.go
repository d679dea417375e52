package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feichai0017/document-context/config"
	"github.com/feichai0017/document-context/internal/service/document"
	"github.com/feichai0017/document-context/pkg/logger"
	"github.com/feichai0017/document-context/pkg/worker"
)

// 对象存储清理间隔
const cleanupInterval = time.Hour

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}

	// 初始化日志
	log, err := logger.NewLogger(logger.WithConfig(cfg.Logger))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 创建文档服务
	docService, err := document.GetService(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to create document service", logger.Error(err))
		os.Exit(1)
	}
	defer docService.Close()

	// 创建 worker
	documentWorker, err := worker.NewDocumentWorker(&worker.Config{
		RedisAddr:   cfg.Redis.Addr,
		RedisDB:     cfg.Redis.DB,
		Password:    cfg.Redis.Password,
		Concurrency: cfg.Queue.Concurrency,
		Queues:      worker.DefaultQueues(),
	}, docService, log)
	if err != nil {
		log.Error("Failed to create document worker", logger.Error(err))
		os.Exit(1)
	}

	// 启动 worker
	if err := documentWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}
	log.Info("Worker started", logger.Int("concurrency", cfg.Queue.Concurrency))

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := docService.CleanupTasks(ctx); err != nil {
				log.Error("Cleanup failed", logger.Error(err))
			}
		case <-ctx.Done():
			// 优雅关闭
			log.Info("Shutting down worker...")
			_ = documentWorker.Stop()
			log.Info("Worker stopped")
			return
		}
	}
}
