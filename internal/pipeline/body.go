package pipeline

import (
	"errors"
	"io"
	"sync"
)

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// downloadBody streams decrypted plaintext. Close zeroes the content key,
// closes the storage response and reports the outcome once.
type downloadBody struct {
	r    io.Reader
	body io.Closer
	key  []byte
	done func(n int64, err error)

	n       int64
	readErr error
	once    sync.Once
}

func (b *downloadBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) && b.readErr == nil {
		b.readErr = err
	}
	return n, err
}

func (b *downloadBody) Close() error {
	var err error
	b.once.Do(func() {
		clear(b.key)
		err = b.body.Close()
		b.done(b.n, b.readErr)
	})
	return err
}
