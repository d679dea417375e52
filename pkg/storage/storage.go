package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/feichai0017/document-context/config"
	"github.com/feichai0017/document-context/pkg/logger"
	"github.com/feichai0017/document-context/pkg/storage/minio"
	"github.com/feichai0017/document-context/pkg/storage/s3"
)

// StorageType 定义存储类型
type StorageType string

const (
	StorageTypeS3    StorageType = "s3"
	StorageTypeMinio StorageType = "minio"
	StorageTypeNone  StorageType = "none"
)

// Key prefixes for the objects the service writes.
const (
	UploadPrefix = "uploads/"
	ResultPrefix = "results/"
)

// Storage 接口定义
type Storage interface {
	// Store 存储文件
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
	// Get 获取文件
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete 删除文件
	Delete(ctx context.Context, key string) error
	// CleanupBefore 清理过期文件
	CleanupBefore(ctx context.Context, threshold time.Time) error
}

// UploadKey is where the raw bytes of an async upload live.
func UploadKey(requestKey string) string { return UploadPrefix + requestKey }

// ResultKey is where the exported result of a run lives.
func ResultKey(requestKey string) string { return ResultPrefix + requestKey + ".json" }

// Enabled reports whether cfg names a blob store.
func Enabled(cfg config.StorageConfig) bool {
	return cfg.Type != "" && StorageType(cfg.Type) != StorageTypeNone
}

// NewStorage 创建存储实例的工厂方法
func NewStorage(ctx context.Context, cfg config.StorageConfig, log logger.Logger) (Storage, error) {
	switch StorageType(cfg.Type) {
	case StorageTypeS3:
		return s3.NewS3Storage(ctx, s3.Config{
			BucketName: cfg.S3.BucketName,
			Region:     cfg.S3.Region,
			Endpoint:   cfg.S3.Endpoint,
			AccessKey:  cfg.S3.AccessKey,
			SecretKey:  cfg.S3.SecretKey,
			KeyPrefix:  cfg.S3.KeyPrefix,
		}, log)
	case StorageTypeMinio:
		return minio.NewMinioStorage(ctx, minio.Config{
			Endpoint:   cfg.Minio.Endpoint,
			AccessKey:  cfg.Minio.AccessKey,
			SecretKey:  cfg.Minio.SecretKey,
			UseSSL:     cfg.Minio.UseSSL,
			Region:     cfg.Minio.Region,
			BucketName: cfg.Minio.BucketName,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
