package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/document-context/api/handlers"
	"github.com/feichai0017/document-context/api/middleware"
	"github.com/feichai0017/document-context/config"
	"github.com/feichai0017/document-context/pkg/logger"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, auth config.AuthConfig, log logger.Logger) {
	// 全局中间件
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger.NewContextLogger(log.Named("access"))))
	r.Use(middleware.CORS())

	// 健康检查
	r.GET("/health", h.Health.Check)

	// API 版本组
	v1 := r.Group("/api/v1")
	v1.Use(middleware.Auth(auth, log))

	// 文档处理路由组
	docs := v1.Group("/documents")
	{
		docs.POST("/ingest", h.Document.Ingest)
		docs.POST("/batch", h.Document.IngestBatch)
		docs.POST("/search", h.Document.Search)
		docs.GET("/status/:key", h.Document.GetStatus)
		docs.GET("/download/:key", h.Document.DownloadResult)
		docs.DELETE("/:id", h.Document.DeleteDocument)
	}

	v1.DELETE("/contexts/:key", h.Document.DeleteContext)
	v1.DELETE("/tasks/:key", h.Document.CancelTask)
}
