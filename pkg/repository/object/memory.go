package object

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	errorsx "github.com/instill-ai/x/errors"
)

type memoryObject struct {
	content []byte
	info    ObjectInfo
}

// MemoryStorage is a Storage that keeps objects in process memory. It backs
// single-process deployments and tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]map[string]memoryObject

	// Now stamps the modification time of written objects.
	Now func() time.Time
}

// NewMemoryStorage returns an empty in-memory storage.
func NewMemoryStorage(bucket string) *MemoryStorage {
	return &MemoryStorage{
		bucket:  bucket,
		objects: map[string]map[string]memoryObject{},
		Now:     time.Now,
	}
}

func (s *MemoryStorage) bucketOrDefault(bucket string) string {
	if bucket == "" {
		return s.bucket
	}
	return bucket
}

// PutObject implements object.Storage.PutObject
func (s *MemoryStorage) PutObject(_ context.Context, bucket, objectPath string, content []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket = s.bucketOrDefault(bucket)
	if s.objects[bucket] == nil {
		s.objects[bucket] = map[string]memoryObject{}
	}
	s.objects[bucket][objectPath] = memoryObject{
		content: slices.Clone(content),
		info: ObjectInfo{
			Path:         objectPath,
			Size:         int64(len(content)),
			LastModified: s.Now().UTC(),
			ContentType:  contentType,
		},
	}
	return nil
}

func (s *MemoryStorage) get(bucket, objectPath string) (memoryObject, error) {
	obj, ok := s.objects[s.bucketOrDefault(bucket)][objectPath]
	if !ok {
		return memoryObject{}, fmt.Errorf("object %s: %w", objectPath, errorsx.ErrNotFound)
	}
	return obj, nil
}

// GetObject implements object.Storage.GetObject
func (s *MemoryStorage) GetObject(_ context.Context, bucket, objectPath string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, err := s.get(bucket, objectPath)
	if err != nil {
		return nil, err
	}
	return slices.Clone(obj.content), nil
}

// DeleteObject implements object.Storage.DeleteObject
func (s *MemoryStorage) DeleteObject(_ context.Context, bucket, objectPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects[s.bucketOrDefault(bucket)], objectPath)
	return nil
}

// CopyObject implements object.Storage.CopyObject
func (s *MemoryStorage) CopyObject(_ context.Context, bucket, srcPath, dstPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.get(bucket, srcPath)
	if err != nil {
		return err
	}
	obj.info.Path = dstPath
	obj.info.LastModified = s.Now().UTC()
	s.objects[s.bucketOrDefault(bucket)][dstPath] = obj
	return nil
}

// ListObjects implements object.Storage.ListObjects
func (s *MemoryStorage) ListObjects(_ context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var objects []ObjectInfo
	for p, obj := range s.objects[s.bucketOrDefault(bucket)] {
		if strings.HasPrefix(p, prefix) {
			objects = append(objects, obj.info)
		}
	}

	slices.SortFunc(objects, func(a, b ObjectInfo) int { return strings.Compare(a.Path, b.Path) })
	return objects, nil
}

