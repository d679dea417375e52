package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies ingestion failures.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindExtraction  ErrorKind = "extraction"
	KindPersistence ErrorKind = "persistence"
	KindNotFound    ErrorKind = "not_found"
)

// Reason codes surfaced to callers.
const (
	CodeFileTooLarge       = "FILE_TOO_LARGE"
	CodeUnsupportedType    = "UNSUPPORTED_TYPE"
	CodeInvalidMimeType    = "INVALID_MIME_TYPE"
	CodeEmptyFile          = "EMPTY_FILE"
	CodePageLimitExceeded  = "PAGE_LIMIT_EXCEEDED"
	CodeZeroPages          = "ZERO_PAGES"
	CodeUnreadableDocument = "UNREADABLE_DOCUMENT"
	CodeNoUsableText       = "NO_USABLE_TEXT"
	CodeCancelled          = "CANCELLED"
	CodePersistenceFailed  = "PERSISTENCE_FAILED"
	CodeRenderFailed       = "RENDER_FAILED"
	CodeOCRFailed          = "OCR_FAILED"
	CodePageTimeout        = "PAGE_TIMEOUT"
	CodeContextNotFound    = "CONTEXT_NOT_FOUND"
	CodeInvalidRequest     = "INVALID_REQUEST"
)

// ErrNotFound marks a missing or expired key.
var ErrNotFound = errors.New("not found")

// IngestError carries a kind and a reason code alongside the cause.
type IngestError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Page    int       `json:"page,omitempty"`
	Err     error     `json:"-"`
}

func (e *IngestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *IngestError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) match not-found kinds.
func (e *IngestError) Is(target error) bool {
	return target == ErrNotFound && e.Kind == KindNotFound
}

// NewValidationError 输入校验失败，处理前直接返回
func NewValidationError(code, msg string) *IngestError {
	return &IngestError{Kind: KindValidation, Code: code, Message: msg}
}

// NewExtractionError records a page-local failure.
func NewExtractionError(page int, code string, err error) *IngestError {
	return &IngestError{
		Kind:    KindExtraction,
		Code:    code,
		Message: fmt.Sprintf("page %d extraction failed", page),
		Page:    page,
		Err:     err,
	}
}

// NewDocumentError aborts the whole ingestion with one reason code.
func NewDocumentError(code, msg string, err error) *IngestError {
	return &IngestError{Kind: KindExtraction, Code: code, Message: msg, Err: err}
}

func NewPersistenceError(err error) *IngestError {
	return &IngestError{Kind: KindPersistence, Code: CodePersistenceFailed, Message: "durable write failed", Err: err}
}

func NewNotFoundError(key string) *IngestError {
	return &IngestError{Kind: KindNotFound, Code: CodeContextNotFound, Message: fmt.Sprintf("context %q not found or expired", key)}
}

// IsTimeout reports whether err is a page timeout.
func IsTimeout(err error) bool {
	var ie *IngestError
	return errors.As(err, &ie) && ie.Code == CodePageTimeout
}

// AsIngestError unwraps err into an IngestError if it carries one.
func AsIngestError(err error) (*IngestError, bool) {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
