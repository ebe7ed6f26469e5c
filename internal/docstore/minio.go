package docstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/travisim/farmify/internal/config"
	"github.com/travisim/farmify/internal/errors"
)

const minioScheme = "s3"

// Minio stores documents in an S3 compatible bucket with object locking
// enabled. Pin places a legal hold on the object.
type Minio struct {
	client         *minio.Client
	bucket         string
	maxObjectBytes int64
}

// NewMinio connects to the endpoint and creates the bucket when it does not
// exist yet.
func NewMinio(ctx context.Context, cfg config.MinioConfig, maxObjectBytes int64) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, classify(err, "check bucket")
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{ObjectLocking: true}); err != nil {
			return nil, classify(err, "create bucket")
		}
		slog.Info("Document bucket created", "bucket", cfg.Bucket)
	}

	return &Minio{client: client, bucket: cfg.Bucket, maxObjectBytes: maxObjectBytes}, nil
}

func (s *Minio) Put(ctx context.Context, data []byte) (Address, error) {
	if s.maxObjectBytes > 0 && int64(len(data)) > s.maxObjectBytes {
		return "", errors.Wrapf(errors.ErrQuotaExceeded, "document of %d bytes exceeds %d", len(data), s.maxObjectBytes)
	}

	addr, key := makeAddress(minioScheme, s.bucket, data)
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return addr, nil
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", classify(err, "put document")
	}
	return addr, nil
}

func (s *Minio) Get(ctx context.Context, addr Address) ([]byte, error) {
	key, err := parseAddress(addr, minioScheme, s.bucket)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err, "get document")
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify(err, "read document")
	}
	return data, nil
}

func (s *Minio) Pin(ctx context.Context, addr Address) error {
	key, err := parseAddress(addr, minioScheme, s.bucket)
	if err != nil {
		return err
	}
	status := minio.LegalHoldEnabled
	if err := s.client.PutObjectLegalHold(ctx, s.bucket, key, minio.PutObjectLegalHoldOptions{Status: &status}); err != nil {
		return classify(err, "pin document")
	}
	return nil
}

func classify(err error, op string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(errors.ErrNotFound, "%s: %v", op, err)
	case resp.Code == "QuotaExceeded" || resp.Code == "EntityTooLarge" || resp.StatusCode == http.StatusInsufficientStorage:
		return errors.Wrapf(errors.ErrQuotaExceeded, "%s: %v", op, err)
	default:
		return errors.Wrapf(errors.ErrTransient, "%s: %v", op, err)
	}
}
