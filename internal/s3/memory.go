package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/kenneth/blobcrypt/internal/crypto"
)

type memoryObject struct {
	data         []byte
	metadata     map[string]string
	etag         string
	lastModified time.Time
}

// MemoryClient is a process-local Client. Ranged reads follow S3
// semantics: the end is clamped to the object and a start at or past
// the end fails with ErrInvalidRange.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject
	now     func() time.Time
}

// NewMemoryClient returns an empty in-memory store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		objects: make(map[string]*memoryObject),
		now:     time.Now,
	}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// normalizeMetadata lower-cases names and strips the x-amz-meta- prefix,
// matching what S3 returns.
func normalizeMetadata(metadata map[string]string) map[string]string {
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")] = v
	}
	return meta
}

// PutObject stores a copy of the reader's content. Metadata is held to the
// same size limit as an unknown S3 provider.
func (m *MemoryClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, metadata map[string]string) error {
	if err := limitsDefault.CheckMetadata(metadata); err != nil {
		return err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read object data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	meta := normalizeMetadata(metadata)
	sum := md5.Sum(data)

	m.mu.Lock()
	m.objects[objectKey(bucket, key)] = &memoryObject{
		data:         data,
		metadata:     meta,
		etag:         hex.EncodeToString(sum[:]),
		lastModified: m.now().UTC(),
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryClient) lookup(bucket, key string) (*memoryObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[objectKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoSuchKey, bucket, key)
	}
	return obj, nil
}

// GetObject returns the object or the requested byte range of it.
func (m *MemoryClient) GetObject(ctx context.Context, bucket, key string, rangeHeader *string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obj, err := m.lookup(bucket, key)
	if err != nil {
		return nil, err
	}

	size := int64(len(obj.data))
	out := &Object{Metadata: maps.Clone(obj.metadata)}
	if rangeHeader == nil || *rangeHeader == "" {
		out.Body = io.NopCloser(bytes.NewReader(obj.data))
		out.ContentLength = size
		return out, nil
	}

	r, err := resolveRange(*rangeHeader, size)
	if err != nil {
		return nil, err
	}

	end := r.Offset + *r.Count
	out.Body = io.NopCloser(bytes.NewReader(obj.data[r.Offset:end]))
	out.ContentLength = *r.Count
	out.ContentRange = contentRange(r, size)
	return out, nil
}

// resolveRange applies a Range header to an object of size bytes the way
// S3 does.
func resolveRange(header string, size int64) (crypto.BlobRange, error) {
	spec, err := crypto.ParseHTTPRange(header)
	if err != nil {
		return crypto.BlobRange{}, fmt.Errorf("%w: %w", ErrInvalidRange, err)
	}
	if size == 0 || (!spec.NeedsLength() && spec.Start >= size) {
		return crypto.BlobRange{}, fmt.Errorf("%w: %s for object of %d bytes", ErrInvalidRange, header, size)
	}
	r, err := spec.Resolve(size)
	if err != nil {
		return crypto.BlobRange{}, fmt.Errorf("%w: %w", ErrInvalidRange, err)
	}
	return r, nil
}

func contentRange(r crypto.BlobRange, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Offset, r.Offset+*r.Count-1, size)
}

// HeadObject returns the stored size and metadata.
func (m *MemoryClient) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obj, err := m.lookup(bucket, key)
	if err != nil {
		return nil, err
	}
	return &ObjectInfo{
		Size:         int64(len(obj.data)),
		Metadata:     maps.Clone(obj.metadata),
		ETag:         obj.etag,
		LastModified: obj.lastModified,
	}, nil
}

// DeleteObject removes the object. Deleting a missing object is not an error.
func (m *MemoryClient) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, objectKey(bucket, key))
	m.mu.Unlock()
	return nil
}

// Raw returns the stored bytes of an object.
func (m *MemoryClient) Raw(bucket, key string) ([]byte, bool) {
	obj, err := m.lookup(bucket, key)
	if err != nil {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

// SetRaw replaces the stored bytes of an existing object, leaving its
// metadata untouched.
func (m *MemoryClient) SetRaw(bucket, key string, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[objectKey(bucket, key)]
	if !ok {
		return false
	}
	obj.data = bytes.Clone(data)
	return true
}
