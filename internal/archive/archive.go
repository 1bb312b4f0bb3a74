// Package archive stores the translated content of finished document jobs in an
// S3-compatible object store.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cuongbtq/longtext-translator/internal/domain"
)

// DefaultPrefix is the object key prefix of archived translations
const DefaultPrefix = "translations"

// Config holds object store configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
	Logger    *slog.Logger
}

// Archive writes translations to one bucket
type Archive struct {
	client *minio.Client
	bucket string
	region string
	prefix string
	logger *slog.Logger
}

// New creates an archive client. No request is made until EnsureBucket or Put.
func New(cfg *Config) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: prefix,
		logger: logger,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}

	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
	}

	a.logger.Info("Archive bucket created", slog.String("bucket", a.bucket))
	return nil
}

// ObjectKey returns where a job's translation is stored
func (a *Archive) ObjectKey(jobID string) string {
	return path.Join(a.prefix, jobID+".txt")
}

// Put uploads the translated content of a finished job and returns its object key
func (a *Archive) Put(ctx context.Context, snap domain.Snapshot) (string, error) {
	key := a.ObjectKey(snap.JobID)
	body := []byte(snap.TranslatedContent)

	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
		UserMetadata: map[string]string{
			"job-id": snap.JobID,
			"status": string(snap.Status),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload translation of job %s: %w", snap.JobID, err)
	}

	a.logger.Info("Translation archived",
		slog.String("job_id", snap.JobID),
		slog.String("bucket", a.bucket),
		slog.String("key", key),
		slog.Int("bytes", len(body)),
	)
	return key, nil
}
