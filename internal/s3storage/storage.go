// Package s3storage is the production object store backed by MinIO/S3.
package s3storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/deliverkit/bundler/internal/config"
)

// Storage uploads finished bundles and issues presigned download URLs.
type Storage struct {
	client *minio.Client
	bucket string
	region string
	urlTTL time.Duration
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	if cfg.S3Endpoint == "" || cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
		return nil, fmt.Errorf("s3 storage selected but endpoint or credentials missing")
	}
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client: client,
		bucket: cfg.S3Bucket,
		region: cfg.S3Region,
		urlTTL: cfg.URLTTL,
	}, nil
}

// Configured reports whether uploads can proceed.
func (s *Storage) Configured() bool {
	return s != nil && s.client != nil
}

// EnsureBucket makes sure the bundle bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Upload pushes the local archive into the bucket and returns the stable
// object key plus a presigned GET URL suitable for direct client download.
func (s *Storage) Upload(ctx context.Context, localPath, filename string) (string, string, error) {
	key := fmt.Sprintf("bundles/%s/%s", uuid.NewString(), filename)
	opts := minio.PutObjectOptions{ContentType: "application/zip"}
	if _, err := s.client.FPutObject(ctx, s.bucket, key, localPath, opts); err != nil {
		return "", "", fmt.Errorf("upload bundle: %w", err)
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.urlTTL, url.Values{})
	if err != nil {
		return "", "", fmt.Errorf("presign bundle: %w", err)
	}
	return key, u.String(), nil
}
