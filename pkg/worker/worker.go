package worker

import (
	"context"
	"sync"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/document-context/pkg/logger"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

type Config struct {
	RedisAddr   string
	RedisDB     int
	Password    string
	Concurrency int
	Queues      map[string]int
}

// DefaultQueues mirrors the priorities used when enqueueing.
func DefaultQueues() map[string]int {
	return map[string]int{
		"critical": 6,
		"default":  3,
		"low":      1,
	}
}

type BaseWorker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	logger   logger.Logger
	stopOnce sync.Once
	done     chan struct{}
}

// Done is closed once the worker has shut down.
func (w *BaseWorker) Done() <-chan struct{} {
	return w.done
}

func (w *BaseWorker) Stop() error {
	w.stopOnce.Do(func() {
		w.server.Shutdown()
		close(w.done)
	})
	return nil
}
