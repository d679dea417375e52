package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/feichai0017/document-context/internal/contextstore"
	"github.com/feichai0017/document-context/internal/ingest"
	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/internal/readiness"
	"github.com/feichai0017/document-context/internal/retrieval"
	"github.com/feichai0017/document-context/internal/status"
	"github.com/feichai0017/document-context/internal/utils/validator"
	"github.com/feichai0017/document-context/pkg/converters"
	"github.com/feichai0017/document-context/pkg/logger"
	"github.com/feichai0017/document-context/pkg/queue"
	"github.com/feichai0017/document-context/pkg/storage"
)

// ErrAsyncDisabled is returned by the queue-backed operations when no blob
// store or queue is configured.
var ErrAsyncDisabled = errors.New("async ingestion is not configured")

// Durable is the durable document store.
type Durable interface {
	ingest.DurableStore
	retrieval.DurableSource
	DeleteDocument(ctx context.Context, owner, id string) (bool, error)
}

type ServiceConfig struct {
	QueuePriority   int
	RetentionPeriod time.Duration
	// AsyncMode is used for queued uploads that name no mode.
	AsyncMode ingest.Mode
	Readiness readiness.Config
}

// Dependencies are the collaborators of a Service. Durable, Queue and Storage may be nil.
type Dependencies struct {
	Orchestrator *ingest.Orchestrator
	Validator    *validator.DocumentValidator
	Contexts     *contextstore.Store
	Tracker      status.Tracker
	Retriever    *retrieval.Retriever
	Durable      Durable
	Queue        queue.Queue
	Storage      storage.Storage
}

type Service struct {
	deps      Dependencies
	converter *converters.JSONConverter
	config    *ServiceConfig
	logger    logger.ContextLogger
	closers   []func() error
}

var _ DocumentService = (*Service)(nil)

func NewService(deps Dependencies, cfg *ServiceConfig, log logger.Logger) *Service {
	if cfg == nil {
		cfg = &ServiceConfig{
			QueuePriority:   2,
			RetentionPeriod: 24 * time.Hour,
		}
	}
	if cfg.AsyncMode == "" {
		cfg.AsyncMode = ingest.ModeDurable
	}
	if deps.Validator == nil {
		deps.Validator = validator.NewDocumentValidator(log, nil)
	}
	if deps.Retriever == nil {
		deps.Retriever = retrieval.New(retrieval.Config{}, log)
	}
	if deps.Tracker == nil {
		deps.Tracker = deps.Orchestrator.Tracker()
	}
	return &Service{
		deps:      deps,
		converter: converters.NewJSONConverter(),
		config:    cfg,
		logger:    logger.NewContextLogger(log.Named("service")),
	}
}

// Ingest 同步处理文档
func (s *Service) Ingest(ctx context.Context, data []byte, meta IngestMetadata) (models.IngestSummary, error) {
	res, err := s.deps.Orchestrator.Ingest(ctx, ingest.Request{
		Data:       data,
		Filename:   meta.Filename,
		Owner:      meta.Owner,
		DocumentID: meta.DocumentID,
		RequestKey: meta.RequestKey,
		Mode:       ingest.Mode(meta.Mode),
	})
	return res.Summary, err
}

// Submit validates the upload, stores it and enqueues a document:ingest task.
// The request key reports processing from the moment Submit returns.
func (s *Service) Submit(ctx context.Context, data []byte, meta IngestMetadata) (*SubmitResult, error) {
	if s.deps.Queue == nil || s.deps.Storage == nil {
		return nil, ErrAsyncDisabled
	}
	log := s.logger.FromContext(ctx)

	mode := ingest.Mode(meta.Mode)
	if mode == "" {
		mode = s.config.AsyncMode
	}
	if _, err := ingest.ParseMode(string(mode)); err != nil {
		return nil, err
	}
	// 队列任务在 worker 进程内执行, 临时上下文对 API 不可见
	if mode == ingest.ModeEphemeral {
		return nil, models.NewValidationError(models.CodeInvalidRequest, "queued ingestion needs durable persistence")
	}

	check := s.deps.Validator.Validate(meta.Filename, data)
	if err := check.Err(); err != nil {
		return nil, err
	}

	key := meta.RequestKey
	if key == "" {
		key = newRequestKey()
	}
	docID := meta.DocumentID
	if docID == "" {
		docID = ingest.DocumentID(meta.Owner, check.FileInfo.Hash)
	}

	blobKey, err := s.deps.Storage.Store(ctx, bytes.NewReader(data), storage.UploadKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	if err := s.deps.Tracker.Begin(ctx, key, docID, check.FileInfo.Hash); err != nil {
		log.Warn("Failed to record processing status", logger.String("requestKey", key), logger.Error(err))
	}

	task := &queue.Task{
		ID:       key,
		Type:     queue.TaskTypeDocumentIngest,
		Priority: s.config.QueuePriority,
		Payload: map[string]string{
			queue.PayloadStorageKey: blobKey,
			queue.PayloadFilename:   meta.Filename,
			queue.PayloadOwner:      meta.Owner,
			queue.PayloadMode:       string(mode),
			queue.PayloadDocumentID: docID,
		},
		Metadata: map[string]string{
			"filename": meta.Filename,
			"size":     fmt.Sprintf("%d", check.FileInfo.Size),
			"mimeType": check.FileInfo.MimeType,
		},
		CreatedAt: time.Now(),
	}

	if err := s.deps.Queue.Enqueue(ctx, task); err != nil {
		log.Error("Failed to enqueue task", logger.String("requestKey", key), logger.Error(err))
		wctx := context.WithoutCancel(ctx)
		_ = s.deps.Tracker.Fail(wctx, key, models.NewPersistenceError(err))
		_ = s.deps.Storage.Delete(wctx, blobKey)
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	log.Info("Document queued",
		logger.String("requestKey", key),
		logger.String("documentId", docID),
		logger.String("filename", meta.Filename),
	)

	return &SubmitResult{RequestKey: key, DocumentID: docID, Status: string(models.StateProcessing)}, nil
}

// HandleDocument 实现文档处理逻辑
func (s *Service) HandleDocument(ctx context.Context, task *queue.Task) error {
	if task == nil || task.ID == "" || task.Payload[queue.PayloadStorageKey] == "" {
		return models.NewValidationError(models.CodeInvalidRequest, "invalid task: missing required data")
	}
	if s.deps.Storage == nil {
		return ErrAsyncDisabled
	}
	log := s.logger.With(logger.String("requestKey", task.ID))

	log.Info("Processing document",
		logger.String("filename", task.Payload[queue.PayloadFilename]),
	)

	// 获取文件
	reader, err := s.deps.Storage.Get(ctx, task.Payload[queue.PayloadStorageKey])
	if err != nil {
		return fmt.Errorf("failed to get file: %w", err)
	}
	data, err := io.ReadAll(reader)
	_ = reader.Close()
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	res, err := s.deps.Orchestrator.Ingest(ctx, ingest.Request{
		Data:       data,
		Filename:   task.Payload[queue.PayloadFilename],
		Owner:      task.Payload[queue.PayloadOwner],
		DocumentID: task.Payload[queue.PayloadDocumentID],
		RequestKey: task.ID,
		Mode:       ingest.Mode(task.Payload[queue.PayloadMode]),
	})
	if err != nil {
		s.saveTaskStatus(ctx, task, "failed", err)
		return err
	}

	// 导出结果, 失败不影响已入库的内容
	if err := s.storeResult(ctx, res); err != nil {
		log.Error("Failed to store result", logger.Error(err))
	}

	log.Info("Document processing completed",
		logger.Int("chunkCount", res.Summary.ChunkCount),
		logger.Bool("cached", res.Summary.Cached),
	)
	s.saveTaskStatus(ctx, task, "completed", nil)
	return nil
}

func (s *Service) storeResult(ctx context.Context, res *ingest.Result) error {
	doc, err := s.converter.Convert(res.Summary, res.Parse)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := converters.Write(&buf, doc); err != nil {
		return err
	}
	if _, err := s.deps.Storage.Store(ctx, &buf, storage.ResultKey(res.Summary.RequestKey)); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

func (s *Service) saveTaskStatus(ctx context.Context, task *queue.Task, state string, cause error) {
	if s.deps.Queue == nil {
		return
	}
	st := &queue.TaskStatus{
		TaskID:     task.ID,
		Status:     state,
		StartedAt:  task.CreatedAt,
		FinishedAt: time.Now(),
	}
	if cause != nil {
		st.Error = cause.Error()
	} else {
		st.Progress = 1.0
	}
	if err := s.deps.Queue.SaveFinalStatus(context.WithoutCancel(ctx), st); err != nil {
		s.logger.Error("Failed to save final status",
			logger.String("requestKey", task.ID),
			logger.Error(err),
		)
	}
}

// GetStatus never fails for unknown keys; they report missing.
func (s *Service) GetStatus(ctx context.Context, key string) (*StatusReport, error) {
	st, err := s.deps.Tracker.Get(ctx, key)
	if err != nil {
		s.logger.FromContext(ctx).Warn("Status backend failed, reporting missing",
			logger.String("requestKey", key),
			logger.Error(err),
		)
		st = models.MissingStatus(key)
	}
	report := &StatusReport{
		Key:        key,
		DocumentID: st.DocumentID,
		Error:      st.Error,
		Report:     readiness.Summarize(st.Status, st.PartsIndexed, st.PagesIndexed, s.config.Readiness),
	}
	// 排队中或重试中的任务附带队列状态
	if s.deps.Queue != nil && st.Status == models.StateProcessing {
		if task, err := s.deps.Queue.GetTaskStatus(ctx, key); err == nil {
			report.Task = task
		}
	}
	return report, nil
}

// Search reads the ephemeral context first and falls back to the durable store.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]models.Chunk, error) {
	r := s.deps.Retriever
	if req.Key != "" {
		if sc, ok := s.deps.Contexts.Get(req.Key); ok && ownedBy(sc, req.Owner) {
			return r.Search(sc.Chunks, req.Query, req.Limit), nil
		}
		if s.deps.Durable == nil {
			return nil, models.NewNotFoundError(req.Key)
		}
		// 临时上下文过期后按文档查持久化副本
		st, err := s.deps.Tracker.Get(ctx, req.Key)
		if err != nil || st.DocumentID == "" || st.Status != models.StateReady {
			return nil, models.NewNotFoundError(req.Key)
		}
		req.DocumentIDs = []string{st.DocumentID}
	}

	if len(req.DocumentIDs) == 0 {
		return nil, models.NewValidationError(models.CodeInvalidRequest, "either key or documentIds is required")
	}
	if s.deps.Durable == nil {
		return nil, models.NewNotFoundError(req.DocumentIDs[0])
	}

	chunks, err := r.SearchDurable(ctx, s.deps.Durable, req.Owner, req.DocumentIDs, req.Query, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	if len(chunks) == 0 {
		name := req.Key
		if name == "" {
			name = req.DocumentIDs[0]
		}
		return nil, models.NewNotFoundError(name)
	}
	return chunks, nil
}

// ownedBy requires an exact owner match. With auth disabled both sides are
// empty, so anonymous callers only see anonymous contexts.
func ownedBy(sc models.StoredContext, owner string) bool {
	return sc.Metadata[models.MetaOwner] == owner
}

// DeleteContext drops the ephemeral context and its status record.
func (s *Service) DeleteContext(ctx context.Context, key string) (bool, error) {
	removed := s.deps.Contexts.Delete(key)
	if err := s.deps.Tracker.Delete(ctx, key); err != nil {
		return removed, fmt.Errorf("failed to delete status: %w", err)
	}
	s.logger.FromContext(ctx).Info("Context deleted",
		logger.String("requestKey", key),
		logger.Bool("existed", removed),
	)
	return removed, nil
}

// DeleteDocument removes a document and its chunks from the durable store.
func (s *Service) DeleteDocument(ctx context.Context, owner, documentID string) (bool, error) {
	if s.deps.Durable == nil {
		return false, nil
	}
	ok, err := s.deps.Durable.DeleteDocument(ctx, owner, documentID)
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	return ok, nil
}

// GetProcessedDocument 获取处理结果
func (s *Service) GetProcessedDocument(ctx context.Context, key string) (*converters.ProcessedDocument, error) {
	if res, ok := s.deps.Orchestrator.Result(key); ok {
		st, _ := s.deps.Tracker.Get(ctx, key)
		return s.converter.Convert(models.IngestSummary{RequestKey: key, DocumentID: st.DocumentID}, res)
	}
	if s.deps.Storage == nil {
		return nil, models.NewNotFoundError(key)
	}

	reader, err := s.deps.Storage.Get(ctx, storage.ResultKey(key))
	if err != nil {
		s.logger.FromContext(ctx).Debug("Result not in storage",
			logger.String("requestKey", key),
			logger.Error(err),
		)
		return nil, models.NewNotFoundError(key)
	}
	defer reader.Close()

	return converters.Read(reader)
}

// CancelTask 取消任务
func (s *Service) CancelTask(ctx context.Context, key string) error {
	if s.deps.Queue == nil {
		return ErrAsyncDisabled
	}
	if err := s.deps.Queue.CancelTask(ctx, key); err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			return models.NewNotFoundError(key)
		}
		return fmt.Errorf("failed to cancel task: %w", err)
	}

	// 未开始的任务不会再写状态
	st, err := s.deps.Tracker.Get(ctx, key)
	if err == nil && st.Status == models.StateProcessing {
		cause := models.NewDocumentError(models.CodeCancelled, "task cancelled", nil)
		if err := s.deps.Tracker.Fail(ctx, key, cause); err != nil {
			s.logger.Warn("Failed to record cancellation", logger.String("requestKey", key), logger.Error(err))
		}
	}

	s.logger.FromContext(ctx).Info("Task cancelled",
		logger.String("requestKey", key),
	)

	return nil
}

// CleanupTasks 清理过期任务
func (s *Service) CleanupTasks(ctx context.Context) error {
	if s.deps.Storage == nil {
		return nil
	}
	threshold := time.Now().Add(-s.config.RetentionPeriod)

	if err := s.deps.Storage.CleanupBefore(ctx, threshold); err != nil {
		return fmt.Errorf("failed to cleanup storage: %w", err)
	}

	s.logger.Info("Completed tasks cleanup",
		logger.Time("threshold", threshold),
	)

	return nil
}

// Close releases everything GetService opened.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}
