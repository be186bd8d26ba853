// Package blob implements a connector over an S3-compatible bucket. Every
// object under the configured prefix becomes a document whose single
// section is the object content.
package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/instill-ai/indexing-backend/pkg/connector"
	"github.com/instill-ai/indexing-backend/pkg/repository/object"
	"github.com/instill-ai/indexing-backend/pkg/types"

	errdomain "github.com/instill-ai/indexing-backend/pkg/errors"
	logx "github.com/instill-ai/x/log"
)

// Source is the source tag of the connector.
const Source types.DocumentSource = "blob"

// maxObjectSize is the largest object read as a document.
const maxObjectSize = 32 << 20

// Config is the cc-pair configuration of the connector.
type Config struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// Credential holds the access to the bucket.
type Credential struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`
	Secure          bool   `json:"secure"`
}

// bucketChecker is implemented by the storages that can tell whether their
// bucket exists.
type bucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

// Connector reads the objects of a bucket.
type Connector struct {
	inputType types.InputType
	config    Config
	store     object.Storage
	logger    *zap.Logger
}

// New builds the connector from cc-pair settings, connecting to the bucket
// with the credential.
func New(ctx context.Context, s connector.Settings) (connector.Connector, error) {
	var cfg Config
	if err := json.Unmarshal(s.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decoding blob connector config: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(s.Credential, &cred); err != nil {
		return nil, fmt.Errorf("decoding blob connector credential: %w", err)
	}
	if cred.Endpoint == "" {
		return nil, fmt.Errorf("blob connector credential has no endpoint: %w", errdomain.ErrConnectorValidation)
	}

	client, err := minio.New(cred.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cred.AccessKeyID, cred.SecretAccessKey, ""),
		Secure: cred.Secure,
		Region: cred.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket client: %w", err)
	}

	logger, err := logx.GetZapLogger(ctx)
	if err != nil {
		logger = zap.NewNop()
	}
	return NewWithStorage(s.InputType, cfg, object.NewMinIOStorageFromClient(client, cfg.Bucket, logger), logger), nil
}

// NewWithStorage builds the connector on top of an existing storage.
func NewWithStorage(inputType types.InputType, cfg Config, store object.Storage, logger *zap.Logger) *Connector {
	if inputType == "" {
		inputType = types.InputTypePoll
	}
	return &Connector{
		inputType: inputType,
		config:    cfg,
		store:     store,
		logger:    logger.With(zap.String("bucket", cfg.Bucket)),
	}
}

// Source implements connector.Connector.
func (c *Connector) Source() types.DocumentSource { return Source }

// InputType implements connector.Connector.
func (c *Connector) InputType() types.InputType { return c.inputType }

// ValidateSettings checks that the bucket is configured and reachable.
func (c *Connector) ValidateSettings(ctx context.Context) error {
	if c.config.Bucket == "" {
		return fmt.Errorf("no bucket configured: %w", errdomain.ErrConnectorValidation)
	}

	checker, ok := c.store.(bucketChecker)
	if !ok {
		return nil
	}
	exists, err := checker.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", c.config.Bucket, errdomain.ErrConnectorValidation)
	}
	if !exists {
		return fmt.Errorf("bucket %s doesn't exist: %w", c.config.Bucket, errdomain.ErrConnectorValidation)
	}
	return nil
}

// LoadDocuments implements connector.DocumentConnector. POLL connectors
// only read the objects modified inside the window.
func (c *Connector) LoadDocuments(ctx context.Context, window types.TimeWindow, batchSize int, emit func([]types.Document) error) error {
	objects, err := c.store.ListObjects(ctx, c.config.Bucket, c.config.Prefix)
	if err != nil {
		return fmt.Errorf("listing bucket %s: %w", c.config.Bucket, err)
	}

	batch := make([]types.Document, 0, batchSize)
	for _, obj := range objects {
		if strings.HasSuffix(obj.Path, "/") {
			continue
		}
		if c.inputType == types.InputTypePoll &&
			(obj.LastModified.Before(window.Start) || !obj.LastModified.Before(window.End)) {
			continue
		}
		if obj.Size > maxObjectSize {
			c.logger.Warn("Skipping oversized object", zap.String("path", obj.Path), zap.Int64("size", obj.Size))
			continue
		}

		content, err := c.store.GetObject(ctx, c.config.Bucket, obj.Path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", obj.Path, err)
		}
		if !utf8.Valid(content) {
			c.logger.Debug("Skipping binary object", zap.String("path", obj.Path))
			continue
		}

		updated := obj.LastModified
		batch = append(batch, types.Document{
			ID:                 fmt.Sprintf("%s:%s/%s", Source, c.config.Bucket, obj.Path),
			SemanticIdentifier: path.Base(obj.Path),
			Source:             Source,
			Sections: []types.Section{{
				Text: string(content),
				Link: fmt.Sprintf("s3://%s/%s", c.config.Bucket, obj.Path),
			}},
			Metadata:     map[string]string{"content_type": obj.ContentType},
			DocUpdatedAt: &updated,
		})

		if len(batch) >= batchSize {
			if err := emit(batch); err != nil {
				return err
			}
			batch = make([]types.Document, 0, batchSize)
		}
	}

	if len(batch) > 0 {
		return emit(batch)
	}
	return nil
}
