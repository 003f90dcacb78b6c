// Package storage archives raw bounce messages on S3-compatible object
// storage before they are purged from the mailbox.
//
// Objects are content addressed: the key ends in the BLAKE3 hash of the raw
// message, so archiving the same message twice is a no-op.
//
//	archive, err := storage.New(cfg.Archive)
//	key, err := archive.Archive(ctx, msg.Raw, msg.Date)
package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/migadu/bouncer/config"
	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/logger"
	"github.com/migadu/bouncer/pkg/metrics"
	"github.com/migadu/bouncer/pkg/retry"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"lukechampine.com/blake3"
)

type S3Storage struct {
	Client     *minio.Client
	BucketName string
	Prefix     string
	Backoff    retry.BackoffConfig
}

func New(cfg config.ArchiveConfig) (*S3Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.TLS,
	})
	if err != nil {
		logger.Error("Storage: Failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if cfg.Trace {
		client.TraceOn(os.Stderr)
	}

	return &S3Storage{
		Client:     client,
		BucketName: cfg.Bucket,
		Prefix:     cfg.GetPrefix(),
		Backoff:    retry.DefaultBackoffConfig(),
	}, nil
}

// ContentHash returns the hex BLAKE3 hash of raw.
func ContentHash(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ObjectKey returns the archive key of raw received at date.
func ObjectKey(prefix string, raw []byte, date time.Time) string {
	date = date.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%s.eml", strings.Trim(prefix, "/"), date.Year(), int(date.Month()), ContentHash(raw))
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Archive uploads raw unless an identical message is already stored, and
// returns its key. Transient failures are retried with backoff.
func (s *S3Storage) Archive(ctx context.Context, raw []byte, date time.Time) (string, error) {
	start := time.Now()
	key := ObjectKey(s.Prefix, raw, date)
	defer func() {
		metrics.ArchiveDuration.Observe(time.Since(start).Seconds())
	}()

	exists, err := s.Exists(ctx, key)
	if err == nil && exists {
		metrics.ArchiveOperations.WithLabelValues("skipped").Inc()
		return key, nil
	}

	err = retry.WithRetry(ctx, func() error {
		_, err := s.Client.PutObject(ctx, s.BucketName, key, bytes.NewReader(raw), int64(len(raw)),
			minio.PutObjectOptions{ContentType: "message/rfc822", SendContentMd5: true})
		if err != nil && !isRetryable(err) {
			return retry.Stop(err)
		}
		return err
	}, s.Backoff)
	if err != nil {
		metrics.ArchiveOperations.WithLabelValues("error").Inc()
		logger.Warn("Storage: archive upload failed", "key", key, "reason", classifyS3Error(err), "error", err)
		return "", fmt.Errorf("%w: %s: %v", consts.ErrS3UploadFailed, key, err)
	}

	metrics.ArchiveOperations.WithLabelValues("success").Inc()
	return key, nil
}

func isRetryable(err error) bool {
	switch classifyS3Error(err) {
	case "access_denied", "not_found", "canceled":
		return false
	}
	return true
}

// classifyS3Error classifies S3 errors for metrics and retry decisions.
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchBucket") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
