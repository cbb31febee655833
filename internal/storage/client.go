package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrObjectNotFound = errors.New("object not found")

type Config struct {
	Endpoint     string
	Access       string
	Secret       string
	UploadBucket string
	ResultBucket string
	UseSSL       bool
}

// Buckets holds the two object stores the service talks to: staged uploads
// written by callers and results written by the worker.
type Buckets struct {
	Uploads *Bucket
	Results *Bucket
}

func New(cfg Config) (*Buckets, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	uploads, err := newBucket(mc, cfg.UploadBucket)
	if err != nil {
		return nil, fmt.Errorf("upload bucket: %w", err)
	}
	results, err := newBucket(mc, cfg.ResultBucket)
	if err != nil {
		return nil, fmt.Errorf("result bucket: %w", err)
	}
	return &Buckets{Uploads: uploads, Results: results}, nil
}

func (b *Buckets) EnsureBuckets(ctx context.Context) error {
	if err := b.Uploads.EnsureBucket(ctx); err != nil {
		return err
	}
	return b.Results.EnsureBucket(ctx)
}

type Bucket struct {
	minio *minio.Client
	name  string
}

func newBucket(mc *minio.Client, name string) (*Bucket, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &Bucket{minio: mc, name: name}, nil
}

func (b *Bucket) Name() string {
	return b.name
}

func (b *Bucket) EnsureBucket(ctx context.Context) error {
	exists, err := b.minio.BucketExists(ctx, b.name)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := b.minio.MakeBucket(ctx, b.name, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := b.minio.BucketExists(ctx, b.name)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", b.name, err)
	}
	return nil
}

func (b *Bucket) PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := b.minio.PresignedPutObject(ctx, b.name, objectKey, expiry)
	if err != nil {
		return "", fmt.Errorf("presign put object: %w", err)
	}
	return u.String(), nil
}

func (b *Bucket) PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := b.minio.PresignedGetObject(ctx, b.name, objectKey, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}
	return u.String(), nil
}

func (b *Bucket) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := b.minio.StatObject(ctx, b.name, objectKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", objectKey, err)
}

// ReadObject returns ErrObjectNotFound when the key is absent.
func (b *Bucket) ReadObject(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := b.minio.GetObject(ctx, b.name, objectKey, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectKey)
		}
		return nil, fmt.Errorf("get object %s: %w", objectKey, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectKey)
		}
		return nil, fmt.Errorf("read object %s: %w", objectKey, err)
	}
	return data, nil
}

func (b *Bucket) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	reader := bytes.NewReader(data)
	_, err := b.minio.PutObject(
		ctx,
		b.name,
		objectKey,
		reader,
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject"
}
