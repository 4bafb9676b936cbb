package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const mirrorTimeout = 10 * time.Minute

// MinioConfig locates the object store receiving archive copies.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// objectStore is the part of *minio.Client the mirror needs.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Mirror copies packaged archives to an S3-compatible bucket. Copies are
// informational; the local archive is always what gets served.
type Mirror struct {
	client objectStore
	bucket string
	logger *slog.Logger
}

// NewMinioMirror connects to the store described by cfg and makes sure the
// bucket exists.
func NewMinioMirror(ctx context.Context, cfg MinioConfig, logger *slog.Logger) (*Mirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MinIO: %w", err)
	}
	return newMirror(ctx, client, cfg.Bucket, logger)
}

func newMirror(ctx context.Context, client objectStore, bucket string, logger *slog.Logger) (*Mirror, error) {
	m := &Mirror{
		client: client,
		bucket: bucket,
		logger: logger.With(slog.String("component", "mirror")),
	}

	// Create a context with timeout for operations
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		m.logger.Info("created bucket", slog.String("bucket", bucket))
	}
	return m, nil
}

// ObjectName is the key an archive of resource id is stored under.
func ObjectName(id uint64, archivePath string) string {
	return strconv.FormatUint(id, 10) + "/" + filepath.Base(archivePath)
}

// Mirror uploads archivePath for resource id.
func (m *Mirror) Mirror(ctx context.Context, id uint64, archivePath string) error {
	object := ObjectName(id, archivePath)
	info, err := m.client.FPutObject(ctx, m.bucket, object, archivePath, minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", object, err)
	}
	m.logger.Info("archive mirrored",
		slog.Uint64("id", id),
		slog.String("object", object),
		slog.Int64("bytes", info.Size),
	)
	return nil
}

// Hook returns a callback suitable for the registry's packaged hook. Each
// upload runs in its own goroutine bounded by a timeout derived from ctx.
func (m *Mirror) Hook(ctx context.Context) func(id uint64, archivePath string) {
	return func(id uint64, archivePath string) {
		go func() {
			ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
			defer cancel()
			if err := m.Mirror(ctx, id, archivePath); err != nil {
				m.logger.Warn("archive mirror failed",
					slog.Uint64("id", id),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}
