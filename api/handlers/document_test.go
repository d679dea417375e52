package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/internal/readiness"
	"github.com/feichai0017/document-context/internal/service/document"
	"github.com/feichai0017/document-context/pkg/converters"
	"github.com/feichai0017/document-context/pkg/logger"
	"github.com/feichai0017/document-context/pkg/queue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeService struct {
	mu        sync.Mutex
	ingestErr error
	ingested  []document.IngestMetadata
	status    *document.StatusReport
	searchErr error
	searched  document.SearchRequest
	submitErr error
	cancelErr error
	result    *converters.ProcessedDocument
}

func (f *fakeService) Ingest(_ context.Context, data []byte, meta document.IngestMetadata) (models.IngestSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, meta)
	if f.ingestErr != nil {
		ie, _ := models.AsIngestError(f.ingestErr)
		return models.IngestSummary{RequestKey: "k1", Error: ie}, f.ingestErr
	}
	return models.IngestSummary{Success: true, RequestKey: "k1", DocumentID: "d1", PageCount: 1, ChunkCount: len(data)}, nil
}

func (f *fakeService) Submit(_ context.Context, _ []byte, meta document.IngestMetadata) (*document.SubmitResult, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &document.SubmitResult{RequestKey: "k2", DocumentID: "d2", Status: "processing"}, nil
}

func (f *fakeService) HandleDocument(context.Context, *queue.Task) error { return nil }

func (f *fakeService) GetStatus(_ context.Context, key string) (*document.StatusReport, error) {
	if f.status != nil {
		return f.status, nil
	}
	return &document.StatusReport{Key: key, Report: readiness.Summarize(models.StateMissing, 0, 0, readiness.DefaultConfig())}, nil
}

func (f *fakeService) Search(_ context.Context, req document.SearchRequest) ([]models.Chunk, error) {
	f.searched = req
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return []models.Chunk{{ID: "c1", Text: "NOI 1,250,000", Page: 3}}, nil
}

func (f *fakeService) DeleteContext(context.Context, string) (bool, error) { return true, nil }

func (f *fakeService) DeleteDocument(_ context.Context, _, id string) (bool, error) {
	return id == "d1", nil
}

func (f *fakeService) GetProcessedDocument(_ context.Context, key string) (*converters.ProcessedDocument, error) {
	if f.result == nil {
		return nil, models.NewNotFoundError(key)
	}
	return f.result, nil
}

func (f *fakeService) CancelTask(context.Context, string) error { return f.cancelErr }

func (f *fakeService) CleanupTasks(context.Context) error { return nil }

func newRouter(svc document.DocumentService) *gin.Engine {
	h := NewHandlers(svc, 1<<20, logger.NewTestLogger())
	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.POST("/documents/ingest", h.Document.Ingest)
	v1.POST("/documents/batch", h.Document.IngestBatch)
	v1.POST("/documents/search", h.Document.Search)
	v1.GET("/documents/status/:key", h.Document.GetStatus)
	v1.GET("/documents/download/:key", h.Document.DownloadResult)
	v1.DELETE("/documents/:id", h.Document.DeleteDocument)
	v1.DELETE("/contexts/:key", h.Document.DeleteContext)
	v1.DELETE("/tasks/:key", h.Document.CancelTask)
	r.GET("/health", h.Health.Check)
	return r
}

func multipartBody(t *testing.T, field string, files map[string]string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func do(r http.Handler, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIngest(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc)

	body, ct := multipartBody(t, "file", map[string]string{"memo.pdf": "%PDF-1.7"}, map[string]string{"mode": "both"})
	w := do(r, http.MethodPost, "/api/v1/documents/ingest", body, ct)

	require.Equal(t, http.StatusOK, w.Code)
	var resp IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "memo.pdf", resp.Filename)
	require.Len(t, svc.ingested, 1)
	assert.Equal(t, "both", svc.ingested[0].Mode)
}

func TestIngestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"too large", models.NewValidationError(models.CodeFileTooLarge, "too big"), http.StatusRequestEntityTooLarge},
		{"unsupported", models.NewValidationError(models.CodeUnsupportedType, "docx"), http.StatusUnsupportedMediaType},
		{"bad mime", models.NewValidationError(models.CodeInvalidMimeType, "mismatch"), http.StatusUnsupportedMediaType},
		{"empty", models.NewValidationError(models.CodeEmptyFile, "empty"), http.StatusBadRequest},
		{"no text", models.NewDocumentError(models.CodeNoUsableText, "no text", nil), http.StatusUnprocessableEntity},
		{"persistence", models.NewPersistenceError(errors.New("db")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(&fakeService{ingestErr: tt.err})
			body, ct := multipartBody(t, "file", map[string]string{"memo.pdf": "%PDF"}, nil)
			w := do(r, http.MethodPost, "/api/v1/documents/ingest", body, ct)

			assert.Equal(t, tt.want, w.Code)
			var resp IngestResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			ie, _ := models.AsIngestError(tt.err)
			assert.Equal(t, ie.Code, resp.Error.Code)
		})
	}
}

func TestIngestMissingFile(t *testing.T) {
	r := newRouter(&fakeService{})
	w := do(r, http.MethodPost, "/api/v1/documents/ingest", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestAsync(t *testing.T) {
	r := newRouter(&fakeService{})
	body, ct := multipartBody(t, "file", map[string]string{"memo.pdf": "%PDF"}, map[string]string{"async": "true"})
	w := do(r, http.MethodPost, "/api/v1/documents/ingest", body, ct)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/api/v1/documents/status/k2", w.Header().Get("Location"))

	r = newRouter(&fakeService{submitErr: document.ErrAsyncDisabled})
	body, ct = multipartBody(t, "file", map[string]string{"memo.pdf": "%PDF"}, map[string]string{"async": "1"})
	w = do(r, http.MethodPost, "/api/v1/documents/ingest", body, ct)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestIngestBatch(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc)

	body, ct := multipartBody(t, "files", map[string]string{"a.pdf": "%PDF-a", "b.pdf": "%PDF-b"}, nil)
	w := do(r, http.MethodPost, "/api/v1/documents/batch", body, ct)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Failed    int              `json:"failed"`
		Documents []IngestResponse `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Failed)
	assert.Len(t, resp.Documents, 2)
	assert.Len(t, svc.ingested, 2)
}

func TestGetStatusRetryAfter(t *testing.T) {
	svc := &fakeService{status: &document.StatusReport{
		Key:    "k1",
		Report: readiness.Summarize(models.StateProcessing, 2, 8, readiness.DefaultConfig()),
	}}
	r := newRouter(svc)

	w := do(r, http.MethodGet, "/api/v1/documents/status/k1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), `"percentReady":50`)

	svc.status = &document.StatusReport{
		Key:    "k1",
		Report: readiness.Summarize(models.StateReady, 4, 8, readiness.DefaultConfig()),
	}
	w = do(r, http.MethodGet, "/api/v1/documents/status/k1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), `"isReady":true`)
}

func TestGetStatusMissing(t *testing.T) {
	r := newRouter(&fakeService{})

	w := do(r, http.MethodGet, "/api/v1/documents/status/nope", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"missing"`)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestSearch(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc)

	w := do(r, http.MethodPost, "/api/v1/documents/search",
		bytes.NewBufferString(`{"key":"k1","query":"noi","limit":3}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Equal(t, "k1", svc.searched.Key)
	assert.Equal(t, 3, svc.searched.Limit)

	svc.searchErr = models.NewNotFoundError("k1")
	w = do(r, http.MethodPost, "/api/v1/documents/search",
		bytes.NewBufferString(`{"key":"k1","query":"noi"}`), "application/json")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), models.CodeContextNotFound)

	w = do(r, http.MethodPost, "/api/v1/documents/search", bytes.NewBufferString(`{`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteEndpoints(t *testing.T) {
	r := newRouter(&fakeService{})

	w := do(r, http.MethodDelete, "/api/v1/contexts/k1", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deleted":true`)

	w = do(r, http.MethodDelete, "/api/v1/documents/d1", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodDelete, "/api/v1/documents/d9", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownloadResult(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc)

	w := do(r, http.MethodGet, "/api/v1/documents/download/k1", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	svc.result = &converters.ProcessedDocument{RequestKey: "k1", Status: "completed"}
	w = do(r, http.MethodGet, "/api/v1/documents/download/k1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "attachment; filename=result_k1.json", w.Header().Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "application/json"))
	assert.Contains(t, w.Body.String(), `"requestKey": "k1"`)
}

func TestCancelTask(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc)

	w := do(r, http.MethodDelete, "/api/v1/tasks/k1", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	svc.cancelErr = models.NewNotFoundError("k1")
	w = do(r, http.MethodDelete, "/api/v1/tasks/k1", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	w := do(newRouter(&fakeService{}), http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}
