// Package archive keeps the raw webhook payloads and doc snapshots that back
// ledger rows. Objects are keyed by content digest, so writes are idempotent
// and a ledger row's hash is always enough to pull its evidence back out.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotFound = errors.New("archived object not found")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store writes payload blobs to an S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Printf("archive: created bucket %s", cfg.Bucket)
	}

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func objectKey(digest string) string {
	return "payloads/" + digest
}

// Put stores data under its digest. Re-archiving the same digest overwrites
// with identical bytes, which keeps the operation idempotent.
func (s *Store) Put(ctx context.Context, digest string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(digest),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("archive put %s: %w", digest, err)
	}
	return nil
}

// Get returns the bytes archived under a digest.
func (s *Store) Get(ctx context.Context, digest string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(digest), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("archive get %s: %w", digest, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archive read %s: %w", digest, err)
	}
	return data, nil
}
