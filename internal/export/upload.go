package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"quotawarden/internal/admin"
)

// Uploader stores rendered reports in an S3-compatible bucket.
type Uploader struct {
	mc     *minio.Client
	bucket string
}

func NewUploader(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Uploader, error) {
	if endpoint == "" || bucket == "" {
		return nil, errors.New("object store endpoint and bucket are required")
	}
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &Uploader{mc: mc, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.mc.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if exists {
		return nil
	}
	if err := u.mc.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", u.bucket, err)
	}
	return nil
}

// Upload renders accounts and stores them under a timestamped object key,
// which it returns.
func (u *Uploader) Upload(ctx context.Context, f Format, accounts []admin.AccountView, at time.Time) (string, error) {
	var buf bytes.Buffer
	if err := Write(&buf, f, accounts); err != nil {
		return "", err
	}
	key := "reports/" + Filename(f, at)
	_, err := u.mc.PutObject(ctx, u.bucket, key, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: f.ContentType(),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}
