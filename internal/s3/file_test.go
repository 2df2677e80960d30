package s3

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileClient_PutGetHead(t *testing.T) {
	dir := t.TempDir()
	client := NewFileClient(dir)
	ctx := context.Background()

	metadata := map[string]string{"X-Amz-Meta-Owner": "alice"}
	if err := client.PutObject(ctx, "bucket", "dir/key.bin", strings.NewReader("test data"), metadata); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "bucket", "dir", "key.bin"+metadataSuffix)); err != nil {
		t.Fatalf("expected a metadata sidecar: %v", err)
	}

	obj, err := client.GetObject(ctx, "bucket", "dir/key.bin", nil)
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	if got := readObject(t, obj); got != "test data" {
		t.Errorf("expected 'test data', got %q", got)
	}
	if obj.Metadata["owner"] != "alice" {
		t.Errorf("unexpected metadata: %v", obj.Metadata)
	}

	info, err := client.HeadObject(ctx, "bucket", "dir/key.bin")
	if err != nil {
		t.Fatalf("HeadObject failed: %v", err)
	}
	if info.Size != 9 || info.ETag == "" || info.LastModified.IsZero() {
		t.Errorf("unexpected head result: %+v", info)
	}
}

func TestFileClient_Range(t *testing.T) {
	client := NewFileClient(t.TempDir())
	ctx := context.Background()
	if err := client.PutObject(ctx, "b", "k", strings.NewReader("0123456789"), nil); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	tests := []struct {
		header       string
		body         string
		contentRange string
	}{
		{"bytes=2-4", "234", "bytes 2-4/10"},
		{"bytes=7-", "789", "bytes 7-9/10"},
		{"bytes=-2", "89", "bytes 8-9/10"},
		{"bytes=8-100", "89", "bytes 8-9/10"},
	}
	for _, tt := range tests {
		obj, err := client.GetObject(ctx, "b", "k", strPtr(tt.header))
		if err != nil {
			t.Errorf("%s: GetObject failed: %v", tt.header, err)
			continue
		}
		if got := readObject(t, obj); got != tt.body {
			t.Errorf("%s: expected %q, got %q", tt.header, tt.body, got)
		}
		if obj.ContentRange != tt.contentRange {
			t.Errorf("%s: expected Content-Range %q, got %q", tt.header, tt.contentRange, obj.ContentRange)
		}
	}

	if _, err := client.GetObject(ctx, "b", "k", strPtr("bytes=10-")); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
}

func TestFileClient_MissingAndDelete(t *testing.T) {
	client := NewFileClient(t.TempDir())
	ctx := context.Background()

	if _, err := client.HeadObject(ctx, "b", "missing"); !errors.Is(err, ErrNoSuchKey) {
		t.Errorf("expected ErrNoSuchKey, got %v", err)
	}
	if err := client.PutObject(ctx, "b", "k", strings.NewReader("x"), nil); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if err := client.DeleteObject(ctx, "b", "k"); err != nil {
		t.Fatalf("DeleteObject failed: %v", err)
	}
	if _, err := client.GetObject(ctx, "b", "k", nil); !errors.Is(err, ErrNoSuchKey) {
		t.Errorf("expected ErrNoSuchKey after delete, got %v", err)
	}
	if err := client.DeleteObject(ctx, "b", "k"); err != nil {
		t.Errorf("deleting a missing object should succeed, got %v", err)
	}
}

func TestFileClient_RejectsEscapingKeys(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	client := NewFileClient(root)
	ctx := context.Background()

	for _, key := range []string{"../outside", "a/../../outside", "../other/x", "/abs", ""} {
		if err := client.PutObject(ctx, "b", key, strings.NewReader("x"), nil); err == nil {
			t.Errorf("expected key %q to be rejected", key)
		}
	}
	for _, bucket := range []string{"", "..", ".", "a/b", `a\b`} {
		if err := client.PutObject(ctx, bucket, "k", strings.NewReader("x"), nil); err == nil {
			t.Errorf("expected bucket %q to be rejected", bucket)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "outside")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("object written outside its bucket: %v", err)
	}
	if _, err := os.Stat(filepath.Join(parent, "outside")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("object written outside the root: %v", err)
	}

	// Dot segments that stay inside the bucket are fine.
	if err := client.PutObject(ctx, "b", "a/../inside", strings.NewReader("x"), nil); err != nil {
		t.Errorf("expected key inside the bucket to be accepted, got %v", err)
	}
}

func TestFileClient_PlainFileWithoutSidecar(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b", "plain.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := NewFileClient(dir).HeadObject(context.Background(), "b", "plain.txt")
	if err != nil {
		t.Fatalf("HeadObject failed: %v", err)
	}
	if info.Size != 5 || len(info.Metadata) != 0 {
		t.Errorf("unexpected head result: %+v", info)
	}
}
