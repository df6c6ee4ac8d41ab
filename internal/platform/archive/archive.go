// Package archive keeps a durable object-store copy of every terminal
// redemption notification.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/marko911/bullion-redeem/internal/ledger"
)

// Config locates the bucket.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Archiver writes notifications to S3/MinIO.
type Archiver struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New connects and creates the bucket when it is missing.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Archiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
		logger.Info("created bucket", "bucket", cfg.Bucket)
	}

	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With("component", "archive"),
	}, nil
}

// Key returns the object key for n: redemptions/<id>/<version>-<status>.json.
// Versions are zero padded so a listing sorts in lifecycle order.
func Key(n *ledger.Notification) string {
	var version int64
	if n.Snapshot != nil {
		version = n.Snapshot.Version
	}
	return fmt.Sprintf("redemptions/%s/%06d-%s.json", n.RequestID, version, n.Status)
}

// Put stores n. Writing the same notification twice overwrites the object
// with identical content.
func (a *Archiver) Put(ctx context.Context, n *ledger.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	key := Key(n)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"event-id":   n.EventID,
			"event-type": n.EventType,
			"owner-id":   n.OwnerID,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	a.logger.Debug("archived notification", "key", key, "event_id", n.EventID)
	return nil
}

// Get reads back an archived notification.
func (a *Archiver) Get(ctx context.Context, key string) (*ledger.Notification, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	var n ledger.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &n, nil
}

// List returns the archived keys for one request in lifecycle order.
func (a *Archiver) List(ctx context.Context, requestID string) ([]string, error) {
	var keys []string
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    "redemptions/" + requestID + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", requestID, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}
