package crypto

import (
	"fmt"
	"io"
)

// rangeTrimReader drops the leading bytes of a decrypted stream and stops after
// the requested count, so only the caller's range is ever returned.
type rangeTrimReader struct {
	source    io.Reader
	skip      int64
	remaining int64 // -1 when unbounded
	closed    bool
	err       error
}

// newRangeTrimReader wraps a plaintext stream. A nil count reads to the end.
func newRangeTrimReader(source io.Reader, skip int64, count *int64) io.Reader {
	remaining := int64(-1)
	if count != nil {
		remaining = *count
	}
	if skip == 0 && remaining < 0 {
		return source
	}
	return &rangeTrimReader{source: source, skip: skip, remaining: remaining}
}

// Read implements io.Reader.
func (r *rangeTrimReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.closed || r.remaining == 0 {
		r.closed = true
		return 0, io.EOF
	}

	if r.skip > 0 {
		skipped, err := io.CopyN(io.Discard, r.source, r.skip)
		r.skip -= skipped
		if err == io.EOF {
			// The range starts at or after the end of the blob.
			r.closed = true
			return 0, io.EOF
		}
		if err != nil {
			r.err = fmt.Errorf("failed to skip to range start: %w", err)
			return 0, r.err
		}
	}

	if r.remaining > 0 && int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}

	n, err := r.source.Read(p)
	if r.remaining > 0 {
		r.remaining -= int64(n)
	}
	if err == io.EOF {
		r.closed = true
	} else if err != nil {
		r.err = err
	}
	return n, err
}
