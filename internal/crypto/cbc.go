package crypto

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/rclone/rclone/backend/crypt/pkcs7"
)

// cbcChunkSize is how much plaintext or ciphertext is transformed per read.
// It must be a multiple of the AES block size.
const cbcChunkSize = 64 * 1024

// cbcEncryptor implements protocol 1.0.
type cbcEncryptor struct {
	key           KeyWrapper
	wrapAlgorithm string
}

func (e *cbcEncryptor) Protocol() string { return ProtocolV1 }

// Encrypt implements Encryptor.
func (e *cbcEncryptor) Encrypt(ctx context.Context, plaintext io.Reader) (io.Reader, *EncryptionData, error) {
	key, err := generateKey()
	if err != nil {
		return nil, nil, err
	}
	defer zeroBytes(key)

	iv := make([]byte, cbcBlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	block, err := createAESBlock(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	wrapped, err := e.key.WrapKey(ctx, e.wrapAlgorithm, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to wrap content key: %w", err)
	}

	data := newEncryptionData(ProtocolV1)
	data.WrappedContentKey = WrappedContentKey{
		KeyID:        e.key.KeyID(),
		EncryptedKey: wrapped,
		Algorithm:    e.wrapAlgorithm,
	}
	data.ContentEncryptionIV = iv

	return newCBCEncryptReader(plaintext, cipher.NewCBCEncrypter(block, iv)), data, nil
}

// cbcEncryptReader encrypts a plaintext stream as one CBC session, padding the
// final block with PKCS#7.
type cbcEncryptReader struct {
	source       io.Reader
	mode         cipher.BlockMode
	buffer       []byte
	currentChunk []byte
	done         bool
	err          error
}

func newCBCEncryptReader(source io.Reader, mode cipher.BlockMode) *cbcEncryptReader {
	return &cbcEncryptReader{
		source: source,
		mode:   mode,
		buffer: make([]byte, cbcChunkSize),
	}
}

// Read implements io.Reader.
func (r *cbcEncryptReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	totalRead := 0
	for len(p) > totalRead {
		if len(r.currentChunk) > 0 {
			n := copy(p[totalRead:], r.currentChunk)
			r.currentChunk = r.currentChunk[n:]
			totalRead += n
			continue
		}
		if r.done {
			if totalRead > 0 {
				return totalRead, nil
			}
			return 0, io.EOF
		}

		n, err := io.ReadFull(r.source, r.buffer)
		switch err {
		case nil:
			// A full chunk is whole blocks; the session continues.
			r.mode.CryptBlocks(r.buffer, r.buffer)
			r.currentChunk = r.buffer
		case io.EOF, io.ErrUnexpectedEOF:
			padded := pkcs7.Pad(cbcBlockSize, r.buffer[:n])
			r.mode.CryptBlocks(padded, padded)
			r.currentChunk = padded
			r.done = true
		default:
			r.err = fmt.Errorf("failed to read plaintext: %w", err)
			return totalRead, r.err
		}
	}
	return totalRead, nil
}

// cbcDecryptor implements protocol 1.0 decryption, including reads that start
// in the middle of the blob.
type cbcDecryptor struct {
	data *EncryptionData
}

func (d *cbcDecryptor) Protocol() string { return ProtocolV1 }

// UnwrapKey implements Decryptor.
func (d *cbcDecryptor) UnwrapKey(ctx context.Context, keys KeySource) ([]byte, error) {
	key, err := unwrapContentKey(ctx, keys, d.data)
	if err != nil {
		return nil, err
	}
	if len(key) != contentKeySize {
		zeroBytes(key)
		return nil, fmt.Errorf("%w: content key is %d bytes", ErrIntegrity, len(key))
	}
	return key, nil
}

// Decrypt implements Decryptor.
func (d *cbcDecryptor) Decrypt(ciphertext io.Reader, rng *EncryptedBlobRange, paddingExpected bool, key []byte) (io.Reader, error) {
	block, err := createAESBlock(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if rng.AdjustedDownloadCount != nil {
		ciphertext = io.LimitReader(ciphertext, *rng.AdjustedDownloadCount)
	}

	r := &cbcDecryptReader{
		source:          ciphertext,
		block:           block,
		ivInStream:      rng.ivInStream,
		paddingExpected: paddingExpected,
		readBuf:         make([]byte, cbcChunkSize),
	}
	if !rng.ivInStream {
		r.mode = cipher.NewCBCDecrypter(block, d.data.ContentEncryptionIV)
	}
	return newRangeTrimReader(r, rng.leadingTrim(), rng.Original.Count), nil
}

// cbcDecryptReader decrypts a CBC stream. When the stream starts mid-blob, the
// first ciphertext block is consumed as the chaining value for the next one.
// When padding is expected, the last block is held back until the stream ends
// so that PKCS#7 padding is removed exactly once.
type cbcDecryptReader struct {
	source          io.Reader
	block           cipher.Block
	mode            cipher.BlockMode
	ivInStream      bool
	paddingExpected bool

	readBuf      []byte
	pending      []byte
	currentChunk []byte
	decrypted    int64
	eof          bool
	err          error
}

// Read implements io.Reader.
func (r *cbcDecryptReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.mode == nil {
		iv := make([]byte, cbcBlockSize)
		if _, err := io.ReadFull(r.source, iv); err != nil {
			r.err = fmt.Errorf("%w: missing chaining block: %v", ErrTruncatedCiphertext, err)
			return 0, r.err
		}
		r.mode = cipher.NewCBCDecrypter(r.block, iv)
	}

	for len(r.currentChunk) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			r.err = err
			return 0, err
		}
	}

	n := copy(p, r.currentChunk)
	r.currentChunk = r.currentChunk[n:]
	return n, nil
}

// fill reads more ciphertext and decrypts every block that is safe to release.
func (r *cbcDecryptReader) fill() error {
	n, err := r.source.Read(r.readBuf)
	r.pending = append(r.pending, r.readBuf[:n]...)
	if err == io.EOF {
		r.eof = true
	} else if err != nil {
		return fmt.Errorf("failed to read ciphertext: %w", err)
	}

	ready := len(r.pending) - len(r.pending)%cbcBlockSize
	if r.eof {
		if ready != len(r.pending) {
			return fmt.Errorf("%w: %d trailing bytes", ErrTruncatedCiphertext, len(r.pending)-ready)
		}
	} else if r.paddingExpected && ready == len(r.pending) && ready > 0 {
		ready -= cbcBlockSize
	}

	out := make([]byte, ready)
	r.mode.CryptBlocks(out, r.pending[:ready])
	r.decrypted += int64(ready)
	r.pending = append(r.pending[:0], r.pending[ready:]...)

	if r.eof && r.paddingExpected {
		if r.decrypted == 0 {
			return fmt.Errorf("%w: padded stream is empty", ErrTruncatedCiphertext)
		}
		if len(out) == 0 {
			return fmt.Errorf("%w: final block was already released", ErrIntegrity)
		}
		unpadded, err := pkcs7.Unpad(cbcBlockSize, out)
		if err != nil {
			return fmt.Errorf("%w: invalid padding: %v", ErrIntegrity, err)
		}
		out = unpadded
	}
	r.currentChunk = out
	return nil
}
