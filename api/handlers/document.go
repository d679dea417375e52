package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/document-context/api/middleware"
	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/internal/service/document"
	"github.com/feichai0017/document-context/pkg/converters"
	"github.com/feichai0017/document-context/pkg/logger"
)

// 批量上传的并发上限
const batchConcurrency = 4

type DocumentHandler struct {
	service       document.DocumentService
	maxUploadSize int64
	logger        logger.ContextLogger
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// IngestResponse is the body of a synchronous ingest, successful or not.
type IngestResponse struct {
	models.IngestSummary
	Filename string `json:"filename"`
}

func NewDocumentHandler(service document.DocumentService, maxUploadSize int64, log logger.Logger) *DocumentHandler {
	return &DocumentHandler{
		service:       service,
		maxUploadSize: maxUploadSize,
		logger:        logger.NewContextLogger(log.Named("http")),
	}
}

// Ingest 处理单个文档. async=true 时只入队
func (h *DocumentHandler) Ingest(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid file upload", err)
		return
	}
	defer file.Close()

	data, err := h.readUpload(file)
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Failed to read upload", err)
		return
	}

	meta := document.IngestMetadata{
		Filename:   header.Filename,
		Owner:      middleware.Owner(c),
		DocumentID: c.PostForm("documentId"),
		RequestKey: c.PostForm("requestKey"),
		Mode:       c.PostForm("mode"),
	}

	if async, _ := strconv.ParseBool(c.PostForm("async")); async {
		res, err := h.service.Submit(c.Request.Context(), data, meta)
		if err != nil {
			h.handleServiceError(c, "Failed to queue document", err)
			return
		}
		c.Header("Location", "/api/v1/documents/status/"+res.RequestKey)
		c.JSON(http.StatusAccepted, res)
		return
	}

	summary, err := h.service.Ingest(c.Request.Context(), data, meta)
	resp := IngestResponse{IngestSummary: summary, Filename: header.Filename}
	if err != nil {
		status := statusFor(err)
		h.logger.FromContext(c.Request.Context()).Warn("Ingestion failed",
			logger.String("filename", header.Filename),
			logger.Int("status", status),
			logger.Error(err),
		)
		c.JSON(status, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// IngestBatch 批量同步处理, 单个文件失败不影响其他文件
func (h *DocumentHandler) IngestBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid form data", err)
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		h.handleError(c, http.StatusBadRequest, "No files provided", nil)
		return
	}

	owner := middleware.Owner(c)
	mode := c.PostForm("mode")
	responses := make([]IngestResponse, len(files))
	var mu sync.Mutex
	failed := 0

	g, ctx := errgroup.WithContext(c.Request.Context())
	g.SetLimit(batchConcurrency)
	for i, fh := range files {
		i, fh := i, fh
		g.Go(func() error {
			resp := IngestResponse{Filename: fh.Filename}
			data, err := h.readHeader(fh)
			if err == nil {
				resp.IngestSummary, err = h.service.Ingest(ctx, data, document.IngestMetadata{
					Filename: fh.Filename,
					Owner:    owner,
					Mode:     mode,
				})
			}
			if err != nil && resp.Error == nil {
				resp.Error = models.NewValidationError(models.CodeInvalidRequest, err.Error())
			}
			mu.Lock()
			responses[i] = resp
			if err != nil {
				failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.JSON(http.StatusOK, gin.H{
		"message":   fmt.Sprintf("Processed %d documents", len(files)),
		"failed":    failed,
		"documents": responses,
	})
}

// GetStatus 获取处理状态. 未就绪时带 Retry-After
func (h *DocumentHandler) GetStatus(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		h.handleError(c, http.StatusBadRequest, "Request key is required", nil)
		return
	}

	report, err := h.service.GetStatus(c.Request.Context(), key)
	if err != nil {
		h.handleServiceError(c, "Failed to get status", err)
		return
	}

	if !report.IsReady {
		c.Header("Retry-After", strconv.Itoa(report.RetryAfterSeconds))
	}
	c.JSON(http.StatusOK, report)
}

// Search 检索上下文
func (h *DocumentHandler) Search(c *gin.Context) {
	var req document.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid search request", err)
		return
	}
	req.Owner = middleware.Owner(c)

	chunks, err := h.service.Search(c.Request.Context(), req)
	if err != nil {
		h.handleServiceError(c, "Search failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"query":  req.Query,
		"count":  len(chunks),
		"chunks": chunks,
	})
}

// DeleteContext 删除临时上下文
func (h *DocumentHandler) DeleteContext(c *gin.Context) {
	key := c.Param("key")
	removed, err := h.service.DeleteContext(c.Request.Context(), key)
	if err != nil {
		h.handleServiceError(c, "Failed to delete context", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "deleted": removed})
}

// DeleteDocument removes a durable document.
func (h *DocumentHandler) DeleteDocument(c *gin.Context) {
	id := c.Param("id")
	removed, err := h.service.DeleteDocument(c.Request.Context(), middleware.Owner(c), id)
	if err != nil {
		h.handleServiceError(c, "Failed to delete document", err)
		return
	}
	if !removed {
		h.handleServiceError(c, "Document not found", models.NewNotFoundError(id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": id, "deleted": true})
}

// DownloadResult 下载处理结果
func (h *DocumentHandler) DownloadResult(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		h.handleError(c, http.StatusBadRequest, "Request key is required", nil)
		return
	}

	result, err := h.service.GetProcessedDocument(c.Request.Context(), key)
	if err != nil {
		h.handleServiceError(c, "Failed to get result", err)
		return
	}

	filename := fmt.Sprintf("result_%s.json", key)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	if err := converters.Write(c.Writer, result); err != nil {
		h.logger.Error("Failed to write result", logger.String("requestKey", key), logger.Error(err))
	}
}

// CancelTask 取消处理任务
func (h *DocumentHandler) CancelTask(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		h.handleError(c, http.StatusBadRequest, "Request key is required", nil)
		return
	}

	if err := h.service.CancelTask(c.Request.Context(), key); err != nil {
		h.handleServiceError(c, "Failed to cancel task", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Task cancelled successfully",
		"requestKey": key,
	})
}

func (h *DocumentHandler) readUpload(r io.Reader) ([]byte, error) {
	if h.maxUploadSize <= 0 {
		return io.ReadAll(r)
	}
	// 多读一个字节让校验器报出 FILE_TOO_LARGE
	return io.ReadAll(io.LimitReader(r, h.maxUploadSize+1))
}

func (h *DocumentHandler) readHeader(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", fh.Filename, err)
	}
	defer f.Close()
	return h.readUpload(f)
}

// statusFor maps an error onto an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, document.ErrAsyncDisabled) {
		return http.StatusServiceUnavailable
	}
	ie, ok := models.AsIngestError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ie.Kind {
	case models.KindValidation:
		switch ie.Code {
		case models.CodeFileTooLarge:
			return http.StatusRequestEntityTooLarge
		case models.CodeUnsupportedType, models.CodeInvalidMimeType:
			return http.StatusUnsupportedMediaType
		}
		return http.StatusBadRequest
	case models.KindExtraction:
		return http.StatusUnprocessableEntity
	case models.KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (h *DocumentHandler) handleServiceError(c *gin.Context, message string, err error) {
	h.handleError(c, statusFor(err), message, err)
}

// handleError 统一错误处理
func (h *DocumentHandler) handleError(c *gin.Context, status int, message string, err error) {
	log := h.logger.FromContext(c.Request.Context())
	fields := []logger.Field{
		logger.String("path", c.Request.URL.Path),
		logger.Int("status", status),
		logger.Error(err),
	}
	if status >= http.StatusInternalServerError {
		log.Error(message, fields...)
	} else {
		log.Warn(message, fields...)
	}

	response := ErrorResponse{
		Message: message,
	}
	if err != nil {
		response.Error = err.Error()
		if ie, ok := models.AsIngestError(err); ok {
			response.Code = ie.Code
		}
	}

	c.JSON(status, response)
}
