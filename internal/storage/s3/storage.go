// Package s3 implements the BlobStore interface for AWS S3 and S3-compatible storage.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fjmerc/studypipe/internal/storage"
)

const (
	// removeBatchSize is the maximum number of keys per DeleteObjects call
	removeBatchSize = 1000

	// multipartUploadPartSize is the size for S3 multipart upload parts (5MB minimum)
	multipartUploadPartSize = 5 * 1024 * 1024
)

// Config holds configuration for S3 storage.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Custom endpoint for MinIO or other S3-compatible services
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool   // Use path-style addressing (required for MinIO)
	PublicBaseURL   string // Fallback base URL when presigning fails
}

// BlobStore implements storage.BlobStore for AWS S3 and S3-compatible storage.
type BlobStore struct {
	client        *s3.Client
	presigner     *s3.PresignClient
	uploader      *manager.Uploader
	bucket        string
	publicBaseURL string
}

// NewBlobStore creates a new S3-backed BlobStore with the given configuration.
func NewBlobStore(ctx context.Context, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	// Build AWS config options
	var optFuncs []func(*config.LoadOptions) error

	if cfg.Region != "" {
		optFuncs = append(optFuncs, config.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFuncs = append(optFuncs, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFuncs...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Create S3 client with optional custom endpoint
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = multipartUploadPartSize
	})

	// Verify bucket access with a HEAD request
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access S3 bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("S3 storage initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"endpoint", cfg.Endpoint,
		"path_style", cfg.PathStyle,
	)

	return &BlobStore{
		client:        client,
		presigner:     s3.NewPresignClient(client),
		uploader:      uploader,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
	}, nil
}

// Ensure BlobStore implements storage.BlobStore
var _ storage.BlobStore = (*BlobStore)(nil)

// validateKey ensures the S3 key doesn't contain path traversal or dangerous characters.
func (s *BlobStore) validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key not allowed")
	}

	// Null bytes can cause truncation issues
	if strings.ContainsRune(key, '\x00') {
		return fmt.Errorf("null bytes not allowed in key")
	}

	// Reject keys that look URL-encoded to prevent double-encoding attacks
	if strings.Contains(key, "%") {
		return fmt.Errorf("encoded characters not allowed in key")
	}

	// Catches "../", "/..", "..", etc. regardless of position
	if strings.Contains(key, "..") {
		return fmt.Errorf("path traversal not allowed: %s", key)
	}

	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == "/" {
		return fmt.Errorf("invalid key: %s", key)
	}

	return nil
}

// Put writes data to S3 at the given path.
// Uses the streaming multipart uploader so large payloads don't require
// a single PutObject call.
func (s *BlobStore) Put(ctx context.Context, key string, data []byte, overwrite bool) error {
	if err := s.validateKey(key); err != nil {
		return &storage.StorageError{Op: "Put", Path: key, Err: err, Message: "key validation failed"}
	}

	if !overwrite {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return &storage.StorageError{Op: "Put", Path: key, Err: fmt.Errorf("object already exists"), Message: "object already exists"}
		}
		var notFound *types.NotFound
		if !errors.As(err, &notFound) {
			return storage.NewStorageError("Put", key, err)
		}
	}

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return storage.NewStorageError("Put", key, err)
	}

	slog.Debug("object stored in S3", "key", key, "size", len(data))

	return nil
}

// Get returns the full content of the object at the given path.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.validateKey(key); err != nil {
		return nil, &storage.StorageError{Op: "Get", Path: key, Err: err, Message: "key validation failed"}
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, storage.NewStorageError("Get", key, storage.ErrNotFound)
		}
		return nil, storage.NewStorageError("Get", key, err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if result.ContentLength != nil && *result.ContentLength > 0 {
		buf.Grow(int(*result.ContentLength))
	}
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, storage.NewStorageError("Get", key, err)
	}

	return buf.Bytes(), nil
}

// Remove deletes the objects at the given paths using batched DeleteObjects calls.
// S3 doesn't error on delete of non-existent objects.
func (s *BlobStore) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	for _, key := range keys {
		if err := s.validateKey(key); err != nil {
			return &storage.StorageError{Op: "Remove", Path: key, Err: err, Message: "key validation failed"}
		}
	}

	for start := 0; start < len(keys); start += removeBatchSize {
		end := start + removeBatchSize
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(key)})
		}

		result, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return storage.NewStorageError("Remove", keys[start], err)
		}

		if len(result.Errors) > 0 {
			first := result.Errors[0]
			return storage.NewStorageError("Remove",
				aws.ToString(first.Key),
				fmt.Errorf("delete failed for %d objects: %s", len(result.Errors), aws.ToString(first.Message)))
		}
	}

	slog.Debug("objects removed from S3", "count", len(keys))

	return nil
}

// Sign returns a presigned GET URL for the object. When presigning fails and a
// public base URL is configured, the public URL is returned instead so reads
// can still proceed against public buckets.
func (s *BlobStore) Sign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := s.validateKey(key); err != nil {
		return "", &storage.StorageError{Op: "Sign", Path: key, Err: err, Message: "key validation failed"}
	}

	presigned, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err == nil {
		return presigned.URL, nil
	}

	if s.publicBaseURL != "" {
		slog.Warn("presigning failed, falling back to public URL", "key", key, "error", err)
		return s.publicBaseURL + "/" + key, nil
	}

	return "", storage.NewStorageError("Sign", key, err)
}

// HealthCheck verifies bucket access.
func (s *BlobStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	return nil
}
