package cursor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/record"
)

// ObjectConfig locates the cursor object in an S3-compatible store.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Key       string
	UseSSL    bool
}

// ObjectStore keeps the cursor as a JSON object. A single PUT replaces the
// object atomically.
type ObjectStore struct {
	client *minio.Client
	bucket string
	key    string
}

// NewObjectStore connects to the object store and makes sure the bucket
// exists.
func NewObjectStore(ctx context.Context, cfg ObjectConfig) (*ObjectStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, failure.Fatalf("cursor.object", "object store credentials are missing")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, failure.Fatal("cursor.object", fmt.Errorf("failed to create object store client: %w", err))
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, classifyMinio("cursor.object", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, classifyMinio("cursor.object", fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err))
		}
	}

	return &ObjectStore{client: client, bucket: cfg.Bucket, key: cfg.Key}, nil
}

func (s *ObjectStore) Load(ctx context.Context) (record.Cursor, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return record.Cursor{}, classifyMinio("cursor.load", err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return record.Cursor{}, nil
		}
		return record.Cursor{}, classifyMinio("cursor.load", err)
	}

	var c record.Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return record.Cursor{}, failure.Fatal("cursor.load", fmt.Errorf("failed to parse cursor object %s/%s: %w", s.bucket, s.key, err))
	}
	return c, nil
}

func (s *ObjectStore) Save(ctx context.Context, c record.Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return failure.Fatal("cursor.save", fmt.Errorf("failed to marshal cursor: %w", err))
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return classifyMinio("cursor.save", err)
	}
	return nil
}

func (s *ObjectStore) Close() error { return nil }

func classifyMinio(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusUnauthorized,
		resp.Code == "AccessDenied",
		resp.Code == "InvalidAccessKeyId",
		resp.Code == "SignatureDoesNotMatch":
		return failure.Fatal(op, err)
	}
	return failure.Recoverable(op, err)
}
