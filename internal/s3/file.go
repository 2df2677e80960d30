package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const metadataSuffix = ".meta.json"

// FileClient stores objects as files under a root directory, one
// subdirectory per bucket. Metadata lives in a JSON sidecar next to each
// object. Ranged reads behave like MemoryClient.
type FileClient struct {
	root string
}

// NewFileClient returns a client rooted at dir.
func NewFileClient(dir string) *FileClient {
	return &FileClient{root: dir}
}

// path maps an object to its file. The bucket must be a single path
// element and the key must stay inside the bucket directory.
func (c *FileClient) path(bucket, key string) (string, error) {
	if bucket == "" || bucket == "." || strings.ContainsAny(bucket, `/\`) || !filepath.IsLocal(bucket) {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	rel := filepath.FromSlash(key)
	if key == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid object name %q in bucket %q", key, bucket)
	}
	return filepath.Join(c.root, bucket, rel), nil
}

// PutObject writes the object and its metadata sidecar. Both files are
// replaced atomically.
func (c *FileClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, metadata map[string]string) error {
	p, err := c.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create bucket directory: %w", err)
	}

	meta, err := json.MarshalIndent(normalizeMetadata(metadata), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := writeAtomic(p, reader); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(p+metadataSuffix, bytes.NewReader(meta))
}

// GetObject opens the object or the requested byte range of it.
func (c *FileClient) GetObject(ctx context.Context, bucket, key string, rangeHeader *string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, meta, info, err := c.stat(bucket, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	out := &Object{Metadata: meta}
	size := info.Size()
	if rangeHeader == nil || *rangeHeader == "" {
		out.Body = f
		out.ContentLength = size
		return out, nil
	}

	r, err := resolveRange(*rangeHeader, size)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	out.Body = struct {
		io.Reader
		io.Closer
	}{io.NewSectionReader(f, r.Offset, *r.Count), f}
	out.ContentLength = *r.Count
	out.ContentRange = contentRange(r, size)
	return out, nil
}

// HeadObject returns the file size and sidecar metadata.
func (c *FileClient) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, meta, info, err := c.stat(bucket, key)
	if err != nil {
		return nil, err
	}
	return &ObjectInfo{
		Size:         info.Size(),
		Metadata:     meta,
		ETag:         fmt.Sprintf("%x-%x", info.ModTime().UnixNano(), info.Size()),
		LastModified: info.ModTime().UTC(),
	}, nil
}

// DeleteObject removes the object and its sidecar. Deleting a missing
// object is not an error.
func (c *FileClient) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := c.path(bucket, key)
	if err != nil {
		return err
	}
	for _, name := range []string{p, p + metadataSuffix} {
		if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete object: %w", err)
		}
	}
	return nil
}

func (c *FileClient) stat(bucket, key string) (string, map[string]string, fs.FileInfo, error) {
	p, err := c.path(bucket, key)
	if err != nil {
		return "", nil, nil, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, nil, fmt.Errorf("%w: %s/%s", ErrNoSuchKey, bucket, key)
	}
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to stat object: %w", err)
	}

	meta := make(map[string]string)
	data, err := os.ReadFile(p + metadataSuffix)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// A file without a sidecar is an object without metadata.
	case err != nil:
		return "", nil, nil, fmt.Errorf("failed to read metadata: %w", err)
	default:
		if err := json.Unmarshal(data, &meta); err != nil {
			return "", nil, nil, fmt.Errorf("failed to decode metadata of %s/%s: %w", bucket, key, err)
		}
	}
	return p, meta, info, nil
}

func writeAtomic(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write object data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write object data: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store object: %w", err)
	}
	return nil
}
