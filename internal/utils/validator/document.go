package validator

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/pkg/logger"
)

// DocumentValidator 文档验证器
type DocumentValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	MaxFileSize  int64               // 最大文件大小（字节）
	AllowedTypes map[string][]string // 允许的文件类型 {扩展名: []MIME类型}
	MaxPageCount int                 // PDF最大页数
}

// ValidationResult 验证结果
type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	FileInfo FileInfo          `json:"fileInfo"`
}

// ValidationError 验证错误
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// FileInfo 文件信息
type FileInfo struct {
	Filename  string          `json:"filename"`
	Size      int64           `json:"size"`
	MimeType  string          `json:"mimeType"`
	Extension string          `json:"extension"`
	Hash      string          `json:"hash"`
	FileType  models.FileType `json:"fileType"`
}

// DefaultAllowedTypes maps accepted extensions to the MIME types sniffing may report for them.
func DefaultAllowedTypes() map[string][]string {
	return map[string][]string{
		".pdf":  {"application/pdf"},
		".jpg":  {"image/jpeg"},
		".jpeg": {"image/jpeg"},
		".png":  {"image/png"},
		".tif":  {"image/tiff"},
		".tiff": {"image/tiff"},
	}
}

// NewDocumentValidator 创建新的文档验证器
func NewDocumentValidator(log logger.Logger, config *ValidatorConfig) *DocumentValidator {
	if config == nil {
		config = &ValidatorConfig{
			MaxFileSize:  50 * 1024 * 1024, // 50MB
			AllowedTypes: DefaultAllowedTypes(),
			MaxPageCount: 500,
		}
	}
	if len(config.AllowedTypes) == 0 {
		config.AllowedTypes = DefaultAllowedTypes()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &DocumentValidator{logger: log, config: config}
}

// Restrict keeps only the listed extensions.
func Restrict(types map[string][]string, exts []string) map[string][]string {
	if len(exts) == 0 {
		return types
	}
	out := make(map[string][]string, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if mimes, ok := types[ext]; ok {
			out[ext] = mimes
		}
	}
	return out
}

// Validate checks an upload before any processing happens.
func (v *DocumentValidator) Validate(filename string, data []byte) *ValidationResult {
	result := &ValidationResult{
		IsValid: true,
		FileInfo: FileInfo{
			Filename:  filename,
			Size:      int64(len(data)),
			Extension: strings.ToLower(filepath.Ext(filename)),
		},
	}

	if len(data) == 0 {
		result.fail(models.CodeEmptyFile, "File is empty", "size")
		return result
	}

	// 基本验证
	for _, e := range v.performBasicValidation(result.FileInfo) {
		result.fail(e.Code, e.Message, e.Field)
	}
	if !result.IsValid {
		return result
	}

	result.FileInfo.Hash = Hash(data)
	result.FileInfo.MimeType = DetectMimeType(data)
	if strings.HasPrefix(result.FileInfo.MimeType, "image/") {
		result.FileInfo.FileType = models.Image
	} else {
		result.FileInfo.FileType = models.PDF
	}

	// MIME类型验证
	for _, e := range v.validateMimeType(result.FileInfo) {
		result.fail(e.Code, e.Message, e.Field)
	}

	if !result.IsValid {
		v.logger.Debug("Upload rejected",
			logger.String("filename", filename),
			logger.String("code", result.Errors[0].Code),
		)
	}
	return result
}

// CheckPageCount rejects documents over the page limit.
func (v *DocumentValidator) CheckPageCount(pages int) error {
	if v.config.MaxPageCount > 0 && pages > v.config.MaxPageCount {
		return models.NewValidationError(models.CodePageLimitExceeded,
			fmt.Sprintf("document has %d pages, limit is %d", pages, v.config.MaxPageCount))
	}
	return nil
}

// Err returns the first validation error as an IngestError, nil when valid.
func (r *ValidationResult) Err() error {
	if r.IsValid || len(r.Errors) == 0 {
		return nil
	}
	e := r.Errors[0]
	return models.NewValidationError(e.Code, e.Message)
}

func (r *ValidationResult) fail(code, msg, field string) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationError{Code: code, Message: msg, Field: field})
}

// 基本验证
func (v *DocumentValidator) performBasicValidation(fileInfo FileInfo) []ValidationError {
	var errors []ValidationError

	// 检查文件大小
	if fileInfo.Size > v.config.MaxFileSize {
		errors = append(errors, ValidationError{
			Code:    models.CodeFileTooLarge,
			Message: fmt.Sprintf("File size exceeds maximum limit of %d bytes", v.config.MaxFileSize),
			Field:   "size",
		})
	}

	// 检查文件扩展名
	if _, ok := v.config.AllowedTypes[fileInfo.Extension]; !ok {
		errors = append(errors, ValidationError{
			Code:    models.CodeUnsupportedType,
			Message: fmt.Sprintf("File type %q is not allowed", fileInfo.Extension),
			Field:   "extension",
		})
	}

	return errors
}

// MIME类型验证
func (v *DocumentValidator) validateMimeType(fileInfo FileInfo) []ValidationError {
	for _, mime := range v.config.AllowedTypes[fileInfo.Extension] {
		if mime == fileInfo.MimeType {
			return nil
		}
	}
	return []ValidationError{{
		Code:    models.CodeInvalidMimeType,
		Message: fmt.Sprintf("Invalid MIME type %s for extension %s", fileInfo.MimeType, fileInfo.Extension),
		Field:   "mimeType",
	}}
}

var (
	tiffLE = []byte("II*\x00")
	tiffBE = []byte("MM\x00*")
)

// DetectMimeType sniffs the content type. TIFF is checked by magic number
// since http.DetectContentType does not know it.
func DetectMimeType(data []byte) string {
	if bytes.HasPrefix(data, tiffLE) || bytes.HasPrefix(data, tiffBE) {
		return "image/tiff"
	}
	mime := http.DetectContentType(data)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return mime
}

// Hash 计算文件哈希
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
