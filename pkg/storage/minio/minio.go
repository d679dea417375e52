package minio

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/feichai0017/document-context/pkg/logger"
)

type Config struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Region     string
	BucketName string
}

type MinioStorage struct {
	client     *minio.Client
	bucketName string
	logger     logger.Logger
}

// NewMinioStorage connects and creates the bucket when it is missing.
func NewMinioStorage(ctx context.Context, cfg Config, log logger.Logger) (*MinioStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Info("Created bucket", logger.String("bucket", cfg.BucketName))
	}

	return &MinioStorage{
		client:     client,
		bucketName: cfg.BucketName,
		logger:     log.Named("minio"),
	}, nil
}

// ContentType guesses the object content type from the key.
func ContentType(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	}
	return "application/octet-stream"
}

func (m *MinioStorage) Store(ctx context.Context, reader io.Reader, key string) (string, error) {
	info, err := m.client.PutObject(ctx, m.bucketName, key, reader, -1, minio.PutObjectOptions{
		ContentType: ContentType(key),
	})
	if err != nil {
		m.logger.Error("Failed to store object",
			logger.String("bucket", m.bucketName),
			logger.String("key", key),
			logger.Error(err),
		)
		return "", fmt.Errorf("failed to store file: %w", err)
	}
	m.logger.Debug("Stored object", logger.String("key", key), logger.Int64("size", info.Size))
	return key, nil
}

// Get returns the object. GetObject is lazy, so the object is stat'ed first
// and a missing key fails here instead of on the first read.
func (m *MinioStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("object %s not found: %w", key, err)
		}
		m.logger.Error("Failed to stat object",
			logger.String("bucket", m.bucketName),
			logger.String("key", key),
			logger.Error(err),
		)
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return obj, nil
}

func (m *MinioStorage) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// CleanupBefore removes every object last modified before threshold in one
// batched RemoveObjects call.
func (m *MinioStorage) CleanupBefore(ctx context.Context, threshold time.Time) error {
	listed := m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{Recursive: true})

	expired := make(chan minio.ObjectInfo)
	go func() {
		defer close(expired)
		for obj := range listed {
			if obj.Err != nil {
				m.logger.Error("Error listing objects", logger.Error(obj.Err))
				continue
			}
			if !obj.LastModified.Before(threshold) {
				continue
			}
			select {
			case expired <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	failed := 0
	for rerr := range m.client.RemoveObjects(ctx, m.bucketName, expired, minio.RemoveObjectsOptions{}) {
		failed++
		m.logger.Error("Failed to delete expired object",
			logger.String("key", rerr.ObjectName),
			logger.Error(rerr.Err),
		)
	}
	m.logger.Info("Deleted expired objects",
		logger.Time("threshold", threshold),
		logger.Int("failed", failed),
	)
	if failed > 0 {
		return fmt.Errorf("failed to delete %d expired objects", failed)
	}
	return nil
}
