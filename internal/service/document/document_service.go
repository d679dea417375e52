package document

import (
	"context"

	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/internal/readiness"
	"github.com/feichai0017/document-context/pkg/converters"
	"github.com/feichai0017/document-context/pkg/queue"
)

// DocumentService is what the HTTP layer, the worker and the CLI call.
type DocumentService interface {
	// Ingest parses a document synchronously and stores its chunks.
	Ingest(ctx context.Context, data []byte, meta IngestMetadata) (models.IngestSummary, error)
	// Submit stores the upload and enqueues it for a worker.
	Submit(ctx context.Context, data []byte, meta IngestMetadata) (*SubmitResult, error)
	HandleDocument(ctx context.Context, task *queue.Task) error
	GetStatus(ctx context.Context, key string) (*StatusReport, error)
	Search(ctx context.Context, req SearchRequest) ([]models.Chunk, error)
	DeleteContext(ctx context.Context, key string) (bool, error)
	DeleteDocument(ctx context.Context, owner, documentID string) (bool, error)
	GetProcessedDocument(ctx context.Context, key string) (*converters.ProcessedDocument, error)
	CancelTask(ctx context.Context, key string) error
	CleanupTasks(ctx context.Context) error
}

// IngestMetadata 上传时附带的信息
type IngestMetadata struct {
	Filename   string `json:"filename"`
	Owner      string `json:"owner"`
	DocumentID string `json:"documentId,omitempty"`
	RequestKey string `json:"requestKey,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

// SubmitResult is returned for an accepted async upload.
type SubmitResult struct {
	RequestKey string `json:"requestKey"`
	DocumentID string `json:"documentId"`
	Status     string `json:"status"`
}

// StatusReport is the raw counters plus the derived readiness figures.
type StatusReport struct {
	Key        string              `json:"key"`
	DocumentID string              `json:"documentId,omitempty"`
	Error      *models.IngestError `json:"error,omitempty"`
	// Task is the queue state of an async upload that is still processing.
	Task       *queue.TaskStatus   `json:"task,omitempty"`
	readiness.Report
}

// SearchRequest targets one ephemeral context by key, or durable documents by id.
type SearchRequest struct {
	Owner       string   `json:"-"`
	Key         string   `json:"key,omitempty"`
	DocumentIDs []string `json:"documentIds,omitempty"`
	Query       string   `json:"query"`
	Limit       int      `json:"limit,omitempty"`
}
