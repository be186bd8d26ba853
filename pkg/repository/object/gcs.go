package object

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	errorsx "github.com/instill-ai/x/errors"
	logx "github.com/instill-ai/x/log"
)

const gcsUploadTimeout = 5 * time.Minute

// gcsStorage implements Storage interface for Google Cloud Storage
type gcsStorage struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// GCSConfig holds GCS storage configuration
type GCSConfig struct {
	ProjectID         string
	Region            string
	Bucket            string
	ServiceAccountKey string // JSON string
}

// NewGCSStorage creates a new object.Storage implementation using GCS
func NewGCSStorage(ctx context.Context, config GCSConfig) (Storage, error) {
	if config.Bucket == "" {
		return nil, errorsx.AddMessage(
			errorsx.ErrInvalidArgument,
			"GCS bucket name is required",
		)
	}

	var opts []option.ClientOption
	if config.ServiceAccountKey != "" {
		saKey, err := unwrapServiceAccountKey([]byte(config.ServiceAccountKey))
		if err != nil {
			return nil, errorsx.AddMessage(err, "Unable to process service account credentials.")
		}
		opts = append(opts, option.WithCredentialsJSON(saKey))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create GCS client: %w", err),
			"Unable to connect to Google Cloud Storage. Please check your configuration.",
		)
	}

	logger, _ := logx.GetZapLogger(ctx)
	logger = logger.With(
		zap.String("storage", "gcs"),
		zap.String("project", config.ProjectID),
		zap.String("region", config.Region),
		zap.String("bucket", config.Bucket))

	return &gcsStorage{
		client: client,
		bucket: config.Bucket,
		logger: logger,
	}, nil
}

// unwrapServiceAccountKey extracts the credentials from a Vault response
// (data.data) when the key is wrapped in one.
func unwrapServiceAccountKey(key []byte) ([]byte, error) {
	var keyData map[string]any
	if err := json.Unmarshal(key, &keyData); err != nil {
		return key, nil
	}

	data, ok := keyData["data"].(map[string]any)
	if !ok {
		return key, nil
	}
	innerData, ok := data["data"].(map[string]any)
	if !ok {
		return key, nil
	}

	unwrapped, err := json.Marshal(innerData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal service account key: %w", err)
	}
	return unwrapped, nil
}

func (g *gcsStorage) bucketOrDefault(bucket string) string {
	if bucket == "" {
		return g.bucket
	}
	return bucket
}

// PutObject implements object.Storage.PutObject
func (g *gcsStorage) PutObject(ctx context.Context, bucket, objectPath string, content []byte, contentType string) error {
	bucket = g.bucketOrDefault(bucket)

	uploadCtx, cancel := context.WithTimeout(ctx, gcsUploadTimeout)
	defer cancel()

	writer := g.client.Bucket(bucket).Object(objectPath).NewWriter(uploadCtx)
	writer.ContentType = contentType
	writer.Metadata = map[string]string{
		"upload_time": time.Now().Format(time.RFC3339),
		"source":      "indexing-backend",
	}

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	// Close finalizes the upload.
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS upload: %w", err)
	}

	g.logger.Debug("Object uploaded to GCS", zap.String("bucket", bucket), zap.String("path", objectPath))
	return nil
}

// GetObject implements object.Storage.GetObject
func (g *gcsStorage) GetObject(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	reader, err := g.client.Bucket(g.bucketOrDefault(bucket)).Object(objectPath).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %s: %w", objectPath, errorsx.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read GCS object: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object content: %w", err)
	}
	return content, nil
}

// DeleteObject implements object.Storage.DeleteObject
func (g *gcsStorage) DeleteObject(ctx context.Context, bucket, objectPath string) error {
	err := g.client.Bucket(g.bucketOrDefault(bucket)).Object(objectPath).Delete(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			g.logger.Debug("Object already deleted", zap.String("path", objectPath))
			return nil
		}
		return fmt.Errorf("failed to delete GCS object: %w", err)
	}
	return nil
}

// CopyObject implements object.Storage.CopyObject
func (g *gcsStorage) CopyObject(ctx context.Context, bucket, srcPath, dstPath string) error {
	b := g.client.Bucket(g.bucketOrDefault(bucket))
	if _, err := b.Object(dstPath).CopierFrom(b.Object(srcPath)).Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("object %s: %w", srcPath, errorsx.ErrNotFound)
		}
		return fmt.Errorf("failed to copy GCS object: %w", err)
	}
	return nil
}

// ListObjects implements object.Storage.ListObjects
func (g *gcsStorage) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	it := g.client.Bucket(g.bucketOrDefault(bucket)).Objects(ctx, &storage.Query{
		Prefix: prefix,
	})

	var objects []ObjectInfo
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}
		objects = append(objects, ObjectInfo{
			Path:         attrs.Name,
			Size:         attrs.Size,
			LastModified: attrs.Updated,
			ContentType:  attrs.ContentType,
		})
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })
	return objects, nil
}

