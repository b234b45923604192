// Package archive keeps raw generation output in object storage so
// collections can be audited against what the model actually returned.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kiranshivaraju/curio/internal/config"
)

// Archiver stores opaque documents by key.
type Archiver interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// GenerationKey is the object key of one cluster's raw generation output.
func GenerationKey(surface, targetDate, runID string, cluster int) string {
	return fmt.Sprintf("generations/%s/%s/%s/cluster-%02d.json", surface, targetDate, runID, cluster)
}

// MinioArchive implements Archiver on a MinIO (S3-compatible) bucket.
type MinioArchive struct {
	client *minio.Client
	bucket string
}

// NewMinioArchive connects and creates the bucket if it does not exist.
func NewMinioArchive(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*MinioArchive, error) {
	logger = logger.With("component", "archive", "bucket", cfg.Bucket)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("created archive bucket")
	}

	return &MinioArchive{client: client, bucket: cfg.Bucket}, nil
}

func (a *MinioArchive) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// Get reads an archived document back.
func (a *MinioArchive) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

// MemoryArchive is an in-process Archiver.
type MemoryArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{objects: make(map[string][]byte)}
}

func (a *MemoryArchive) Put(_ context.Context, key string, data []byte, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[key] = append([]byte(nil), data...)
	return nil
}

// Keys lists stored keys in no particular order.
func (a *MemoryArchive) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.objects))
	for k := range a.objects {
		keys = append(keys, k)
	}
	return keys
}

var (
	_ Archiver = (*MinioArchive)(nil)
	_ Archiver = (*MemoryArchive)(nil)
)
