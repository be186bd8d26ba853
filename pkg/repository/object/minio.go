package object

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	errorsx "github.com/instill-ai/x/errors"
	miniox "github.com/instill-ai/x/minio"
)

const maxAttempts = 3

type minioStorage struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinIOStorage creates a new object.Storage implementation using MinIO.
// The configured bucket is created if needed, as well as the extra ones.
func NewMinIOStorage(ctx context.Context, params miniox.ClientParams, extraBuckets ...string) (Storage, error) {
	params.Logger = params.Logger.With(
		zap.String("host:port", params.Config.Host+":"+params.Config.Port),
		zap.String("user", params.Config.User),
	)

	xClient, err := miniox.NewMinIOClientAndInitBucket(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("connecting to MinIO: %w", err)
	}

	client := xClient.Client()

	for _, bucket := range extraBuckets {
		if bucket == "" || bucket == params.Config.BucketName {
			continue
		}

		log := params.Logger.With(zap.String("bucket", bucket))

		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("checking bucket existence: %w", err)
		}

		if exists {
			log.Info("Bucket already exists")
			continue
		}

		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{
			Region: miniox.Location,
		}); err != nil {
			return nil, fmt.Errorf("creating bucket: %w", err)
		}
		log.Info("Successfully created bucket")
	}

	return &minioStorage{
		client: client,
		bucket: params.Config.BucketName,
		logger: params.Logger,
	}, nil
}

// NewMinIOStorageFromClient wraps an existing client. Buckets aren't
// created: the storage reads and writes the ones that exist.
func NewMinIOStorageFromClient(client *minio.Client, bucket string, logger *zap.Logger) Storage {
	return &minioStorage{
		client: client,
		bucket: bucket,
		logger: logger,
	}
}

// BucketExists reports whether the default bucket exists.
func (m *minioStorage) BucketExists(ctx context.Context) (bool, error) {
	return m.client.BucketExists(ctx, m.bucket)
}

func (m *minioStorage) bucketOrDefault(bucket string) string {
	if bucket == "" {
		return m.bucket
	}
	return bucket
}

// PutObject implements object.Storage.PutObject
func (m *minioStorage) PutObject(ctx context.Context, bucket, objectPath string, content []byte, contentType string) error {
	bucket = m.bucketOrDefault(bucket)

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// A reader can only be consumed once.
		_, err = m.client.PutObject(
			ctx,
			bucket,
			objectPath,
			bytes.NewReader(content),
			int64(len(content)),
			minio.PutObjectOptions{ContentType: contentType},
		)
		if err == nil {
			return nil
		}
		m.logger.Warn("Failed to upload object to MinIO, retrying...",
			zap.String("path", objectPath), zap.Int("attempt", attempt), zap.Error(err))
		if !sleepCtx(ctx, time.Duration(attempt)*time.Second) {
			break
		}
	}

	return fmt.Errorf("uploading %s to MinIO: %w", objectPath, err)
}

// GetObject implements object.Storage.GetObject
func (m *minioStorage) GetObject(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	bucket = m.bucketOrDefault(bucket)

	var content []byte
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		content, err = m.getObject(ctx, bucket, objectPath)
		if err == nil || isNotFound(err) {
			break
		}
		m.logger.Warn("Failed to get object from MinIO, retrying...",
			zap.String("path", objectPath), zap.Int("attempt", attempt), zap.Error(err))
		if !sleepCtx(ctx, time.Duration(attempt)*time.Second) {
			break
		}
	}

	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %s: %w", objectPath, errorsx.ErrNotFound)
		}
		return nil, fmt.Errorf("getting %s from MinIO: %w", objectPath, err)
	}
	return content, nil
}

func (m *minioStorage) getObject(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	object, err := m.client.GetObject(ctx, bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()

	// GetObject is lazy, the request happens on the first read.
	return io.ReadAll(object)
}

// DeleteObject implements object.Storage.DeleteObject
func (m *minioStorage) DeleteObject(ctx context.Context, bucket, objectPath string) error {
	bucket = m.bucketOrDefault(bucket)

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// RemoveObject succeeds on missing objects.
		err = m.client.RemoveObject(ctx, bucket, objectPath, minio.RemoveObjectOptions{})
		if err == nil {
			return nil
		}
		m.logger.Warn("Failed to delete object from MinIO, retrying...",
			zap.String("path", objectPath), zap.Int("attempt", attempt), zap.Error(err))
		if !sleepCtx(ctx, time.Duration(attempt)*time.Second) {
			break
		}
	}

	return fmt.Errorf("deleting %s from MinIO: %w", objectPath, err)
}

// CopyObject implements object.Storage.CopyObject
func (m *minioStorage) CopyObject(ctx context.Context, bucket, srcPath, dstPath string) error {
	bucket = m.bucketOrDefault(bucket)

	_, err := m.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: bucket, Object: dstPath},
		minio.CopySrcOptions{Bucket: bucket, Object: srcPath},
	)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("object %s: %w", srcPath, errorsx.ErrNotFound)
		}
		return fmt.Errorf("copying %s to %s: %w", srcPath, dstPath, err)
	}
	return nil
}

// ListObjects implements object.Storage.ListObjects
func (m *minioStorage) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	objectCh := m.client.ListObjects(ctx, m.bucketOrDefault(bucket), minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var objects []ObjectInfo
	for object := range objectCh {
		if object.Err != nil {
			m.logger.Error("Failed to list object from MinIO", zap.Error(object.Err))
			return nil, fmt.Errorf("listing objects: %w", object.Err)
		}
		objects = append(objects, ObjectInfo{
			Path:         object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		})
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })
	return objects, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
