package crypto

import (
	"bytes"
	"context"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

// wrappedKeyPadding separates the protocol tag from the content key inside a
// protocol 2.x wrapped key payload.
const wrappedKeyPadding = 5

// regionEncryptor implements protocols 2.0 and 2.1.
type regionEncryptor struct {
	protocol      string
	regionLength  int64
	concurrency   int
	key           KeyWrapper
	wrapAlgorithm string
}

func (e *regionEncryptor) Protocol() string { return e.protocol }

// Encrypt implements Encryptor.
func (e *regionEncryptor) Encrypt(ctx context.Context, plaintext io.Reader) (io.Reader, *EncryptionData, error) {
	key, err := generateKey()
	if err != nil {
		return nil, nil, err
	}
	defer zeroBytes(key)

	aead, err := createAESGCMCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	payload := protocolKeyPayload(e.protocol, key)
	defer zeroBytes(payload)
	wrapped, err := e.key.WrapKey(ctx, e.wrapAlgorithm, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to wrap content key: %w", err)
	}

	data := newEncryptionData(e.protocol)
	data.WrappedContentKey = WrappedContentKey{
		KeyID:        e.key.KeyID(),
		EncryptedKey: wrapped,
		Algorithm:    e.wrapAlgorithm,
	}
	data.EncryptedRegionInfo = &EncryptedRegionInfo{
		DataLength:  e.regionLength,
		NonceLength: gcmNonceSize,
	}

	return newRegionEncryptReader(ctx, plaintext, aead, e.regionLength, e.concurrency), data, nil
}

// protocolKeyPayload prefixes the content key with the protocol tag and zero
// padding so that a wrapped key cannot be replayed under another protocol.
func protocolKeyPayload(protocol string, key []byte) []byte {
	payload := make([]byte, 0, len(protocol)+wrappedKeyPadding+len(key))
	payload = append(payload, protocol...)
	payload = append(payload, make([]byte, wrappedKeyPadding)...)
	return append(payload, key...)
}

// regionNonce encodes the region index as a big-endian counter in the last
// eight bytes of the nonce.
func regionNonce(nonce []byte, index uint64) {
	clear(nonce)
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], index)
}

// regionEncryptReader splits plaintext into fixed regions and seals each one as
// nonce || ciphertext || tag. Regions are read in order, sealed in batches of up
// to concurrency regions in parallel, and emitted in index order.
type regionEncryptReader struct {
	ctx          context.Context
	source       io.Reader
	aead         cipher.AEAD
	regionLength int64
	concurrency  int

	plain        [][]byte
	sealed       [][]byte
	currentChunk []byte
	pendingOut   [][]byte
	regionIndex  uint64
	done         bool
	err          error
}

func newRegionEncryptReader(ctx context.Context, source io.Reader, aead cipher.AEAD, regionLength int64, concurrency int) *regionEncryptReader {
	return &regionEncryptReader{
		ctx:          ctx,
		source:       source,
		aead:         aead,
		regionLength: regionLength,
		concurrency:  concurrency,
		plain:        make([][]byte, concurrency),
		sealed:       make([][]byte, concurrency),
	}
}

// Read implements io.Reader.
func (r *regionEncryptReader) Read(p []byte) (int, error) {
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
		if len(r.pendingOut) > 0 {
			r.currentChunk = r.pendingOut[0]
			r.pendingOut = r.pendingOut[1:]
			continue
		}
		if r.done {
			if totalRead > 0 {
				return totalRead, nil
			}
			return 0, io.EOF
		}
		if err := r.sealBatch(); err != nil {
			r.err = err
			return totalRead, err
		}
	}
	return totalRead, nil
}

// sealBatch reads up to concurrency regions and seals them in parallel.
func (r *regionEncryptReader) sealBatch() error {
	if err := r.ctx.Err(); err != nil {
		return err
	}

	count := 0
	for count < r.concurrency && !r.done {
		if r.plain[count] == nil {
			r.plain[count] = make([]byte, r.regionLength)
		}
		n, err := io.ReadFull(r.source, r.plain[count])
		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			r.done = true
		default:
			return fmt.Errorf("failed to read plaintext: %w", err)
		}
		if n == 0 {
			break
		}
		r.plain[count] = r.plain[count][:n]
		count++
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i := 0; i < count; i++ {
		index := r.regionIndex + uint64(i)
		plain := r.plain[i]
		g.Go(func() error {
			var nonce [gcmNonceSize]byte
			regionNonce(nonce[:], index)
			out := r.sealed[i]
			if out == nil {
				out = make([]byte, 0, gcmNonceSize+int(r.regionLength)+gcmTagSize)
			}
			out = append(out[:0], nonce[:]...)
			r.sealed[i] = r.aead.Seal(out, nonce[:], plain, nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.pendingOut = r.pendingOut[:0]
	for i := 0; i < count; i++ {
		r.pendingOut = append(r.pendingOut, r.sealed[i])
		r.plain[i] = r.plain[i][:cap(r.plain[i])]
	}
	r.regionIndex += uint64(count)
	return nil
}

// regionDecryptor implements protocol 2.0 and 2.1 decryption.
type regionDecryptor struct {
	data *EncryptionData
}

func (d *regionDecryptor) Protocol() string { return d.data.EncryptionAgent.Protocol }

// UnwrapKey implements Decryptor. The unwrapped payload must carry the
// protocol tag declared in the metadata.
func (d *regionDecryptor) UnwrapKey(ctx context.Context, keys KeySource) ([]byte, error) {
	payload, err := unwrapContentKey(ctx, keys, d.data)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(payload)

	protocol := d.data.EncryptionAgent.Protocol
	prefixLen := len(protocol) + wrappedKeyPadding
	if len(payload) != prefixLen+contentKeySize {
		return nil, fmt.Errorf("%w: %w: wrapped payload is %d bytes", ErrIntegrity, ErrDowngrade, len(payload))
	}
	if string(payload[:len(protocol)]) != protocol {
		return nil, fmt.Errorf("%w: %w: payload tagged %q, metadata declares %q",
			ErrIntegrity, ErrDowngrade, payload[:len(protocol)], protocol)
	}
	if !bytes.Equal(payload[len(protocol):prefixLen], make([]byte, wrappedKeyPadding)) {
		return nil, fmt.Errorf("%w: %w: malformed payload padding", ErrIntegrity, ErrDowngrade)
	}

	key := make([]byte, contentKeySize)
	copy(key, payload[prefixLen:])
	return key, nil
}

// Decrypt implements Decryptor.
func (d *regionDecryptor) Decrypt(ciphertext io.Reader, rng *EncryptedBlobRange, _ bool, key []byte) (io.Reader, error) {
	aead, err := createAESGCMCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if rng.AdjustedDownloadCount != nil {
		ciphertext = io.LimitReader(ciphertext, *rng.AdjustedDownloadCount)
	}

	regionLen := d.data.regionLength()
	r := &regionDecryptReader{
		source:      ciphertext,
		aead:        aead,
		nonceLength: d.data.EncryptedRegionInfo.NonceLength,
		buffer:      make([]byte, regionLen),
		regionIndex: uint64(rng.DownloadOffset / regionLen),
	}
	return newRangeTrimReader(r, rng.leadingTrim(), rng.Original.Count), nil
}

// regionDecryptReader stages ciphertext until one whole region is available,
// verifies it, and only then releases its plaintext.
type regionDecryptReader struct {
	source       io.Reader
	aead         cipher.AEAD
	nonceLength  int
	buffer       []byte
	currentChunk []byte
	regionIndex  uint64
	closed       bool
	err          error
}

// Read implements io.Reader.
func (r *regionDecryptReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	for len(r.currentChunk) == 0 {
		if r.closed {
			return 0, io.EOF
		}

		n, err := io.ReadFull(r.source, r.buffer)
		switch err {
		case nil:
		case io.EOF:
			r.closed = true
			return 0, io.EOF
		case io.ErrUnexpectedEOF:
			// Final region of the blob is shorter.
			r.closed = true
		default:
			r.err = fmt.Errorf("failed to read ciphertext: %w", err)
			return 0, r.err
		}

		if err := r.openRegion(r.buffer[:n]); err != nil {
			r.err = err
			return 0, err
		}
	}

	n := copy(p, r.currentChunk)
	r.currentChunk = r.currentChunk[n:]
	return n, nil
}

// openRegion authenticates one region in place.
func (r *regionDecryptReader) openRegion(region []byte) error {
	if len(region) < r.nonceLength+gcmTagSize {
		return fmt.Errorf("%w: region %d is %d bytes", ErrTruncatedCiphertext, r.regionIndex, len(region))
	}
	nonce := region[:r.nonceLength]

	expected := make([]byte, r.nonceLength)
	regionNonce(expected, r.regionIndex)
	if !bytes.Equal(nonce, expected) {
		return fmt.Errorf("%w: region %d has an out of sequence nonce", ErrIntegrity, r.regionIndex)
	}

	plain, err := r.aead.Open(region[r.nonceLength:r.nonceLength], nonce, region[r.nonceLength:], nil)
	if err != nil {
		return fmt.Errorf("%w: region %d failed authentication", ErrIntegrity, r.regionIndex)
	}
	r.currentChunk = plain
	r.regionIndex++
	return nil
}
