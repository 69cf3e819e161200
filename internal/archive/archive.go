// Package archive keeps JSON evidence snapshots of moderated content in
// S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type objectStore interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

// Archive writes snapshots into a single bucket.
type Archive struct {
	client objectStore
	bucket string
	now    func() time.Time
}

// New connects to the object store and creates the bucket when it is missing.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("archive endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Archive{client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

// SnapshotKey is <content_type>/<content_id>/<utc timestamp>.json.
func SnapshotKey(contentType, contentID string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json", contentType, contentID, at.UTC().Format("20060102T150405.000000000Z"))
}

// PutSnapshot stores v as JSON and returns the object key.
func (a *Archive) PutSnapshot(ctx context.Context, contentType, contentID string, v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	key := SnapshotKey(contentType, contentID, a.now())
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("put snapshot %s: %w", key, err)
	}
	return key, nil
}

// RemoveSnapshot deletes a snapshot whose moderation action never committed.
func (a *Archive) RemoveSnapshot(ctx context.Context, key string) error {
	if err := a.client.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove snapshot %s: %w", key, err)
	}
	return nil
}
