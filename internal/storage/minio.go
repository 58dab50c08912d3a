package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// MinioOptions configures a MinioStorage.
type MinioOptions struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	Region     string
	UseSSL     bool
	PublicBase string
	// PublicDemo grants anonymous read on demo/* so demo locators work
	// without signing. Everything else stays private.
	PublicDemo bool
}

// MinioStorage implements Storage using a MinIO (or any S3-compatible) backend.
type MinioStorage struct {
	client     *minio.Client
	bucket     string
	publicBase string
	log        zerolog.Logger
}

// NewMinioStorage creates a MinIO client, ensures the bucket exists, applies
// the demo read policy when requested, and returns a ready-to-use MinioStorage.
func NewMinioStorage(ctx context.Context, opts MinioOptions, log zerolog.Logger) (*MinioStorage, error) {
	logger := log.With().Str("component", "minio-storage").Logger()

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", opts.Bucket, err)
		}
		logger.Info().Str("bucket", opts.Bucket).Msg("created bucket")
	}

	if opts.PublicDemo {
		if err := client.SetBucketPolicy(ctx, opts.Bucket, publicReadPolicy(opts.Bucket, DemoPrefix)); err != nil {
			return nil, fmt.Errorf("set bucket policy: %w", err)
		}
	}

	return &MinioStorage{
		client:     client,
		bucket:     opts.Bucket,
		publicBase: strings.TrimRight(opts.PublicBase, "/"),
		log:        logger,
	}, nil
}

// Put implements Storage. PutObject is a single request for small objects
// and a completed multipart upload otherwise, so a failed call leaves nothing
// readable at the key.
func (s *MinioStorage) Put(ctx context.Context, req PutRequest) (string, error) {
	start := time.Now()
	_, err := s.client.PutObject(ctx, s.bucket, req.Key, bytes.NewReader(req.Data), int64(len(req.Data)), minio.PutObjectOptions{
		ContentType:  req.ContentType,
		CacheControl: req.CacheControl,
	})
	if err = observe("put", start, err); err != nil {
		return "", &Error{Op: "put", Key: req.Key, Err: err}
	}
	return s.PublicURL(req.Key), nil
}

// Delete implements Storage. S3 deletes succeed for absent keys, so the
// object is stat'ed first to report ErrNotFound.
func (s *MinioStorage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.delete(ctx, key)
	if err = observe("delete", start, err); err != nil {
		return &Error{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *MinioStorage) delete(ctx context.Context, key string) error {
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound
		}
		return err
	}
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

// SignedURL implements Storage.
func (s *MinioStorage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	start := time.Now()
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err = observe("presign", start, err); err != nil {
		return "", &Error{Op: "presign", Key: key, Err: err}
	}
	return u.String(), nil
}

// List implements Storage.
func (s *MinioStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	start := time.Now()
	var out []ObjectInfo
	var err error
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			err = obj.Err
			break
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	if err = observe("list", start, err); err != nil {
		return nil, &Error{Op: "list", Key: prefix, Err: err}
	}
	return out, nil
}

// PublicURL returns the unsigned locator for key, e.g.
// "http://localhost:9000/flipbg/demo/{id}.png".
func (s *MinioStorage) PublicURL(key string) string {
	return s.publicBase + "/" + key
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// publicReadPolicy returns an S3 bucket policy JSON allowing anonymous GET on
// objects under prefix.
func publicReadPolicy(bucket, prefix string) string {
	policy := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{
			{
				"Effect":    "Allow",
				"Principal": map[string]interface{}{"AWS": []string{"*"}},
				"Action":    []string{"s3:GetObject"},
				"Resource":  []string{fmt.Sprintf("arn:aws:s3:::%s/%s*", bucket, prefix)},
			},
		},
	}
	b, _ := json.Marshal(policy)
	return string(b)
}
