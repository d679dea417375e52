package handlers

import (
	"github.com/feichai0017/document-context/internal/service/document"
	"github.com/feichai0017/document-context/pkg/logger"
)

type Handlers struct {
	Document *DocumentHandler
	Health   *HealthHandler
}

func NewHandlers(
	documentService document.DocumentService,
	maxUploadSize int64,
	logger logger.Logger,
) *Handlers {
	return &Handlers{
		Document: NewDocumentHandler(documentService, maxUploadSize, logger),
		Health:   NewHealthHandler(),
	}
}
