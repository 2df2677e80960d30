package crypto

import (
	"context"
	"crypto/aes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// ProtocolV1 is AES-256-CBC over the whole blob.
	ProtocolV1 = "1.0"
	// ProtocolV2 is AES-256-GCM over fixed 4MiB authenticated regions.
	ProtocolV2 = "2.0"
	// ProtocolV2_1 is AES-256-GCM over configurable authenticated regions.
	ProtocolV2_1 = "2.1"

	// DefaultRegionLength is the plaintext size of one authenticated region.
	DefaultRegionLength int64 = 4 * 1024 * 1024
	// MinRegionLength is the smallest region length protocol 2.1 accepts.
	MinRegionLength int64 = 16
	// MaxRegionLength is the largest region length protocol 2.1 accepts.
	MaxRegionLength int64 = 1024 * 1024 * 1024

	// DefaultConcurrency is the number of regions sealed in parallel.
	DefaultConcurrency = 4

	contentKeySize = 32 // 256 bits
	cbcBlockSize   = aes.BlockSize
	gcmNonceSize   = 12
	gcmTagSize     = 16
)

// Encryptor produces a ciphertext stream and its EncryptionData from plaintext.
type Encryptor interface {
	// Protocol returns the protocol version written by this encryptor.
	Protocol() string

	// Encrypt generates and wraps a fresh content key, then returns a reader over
	// the ciphertext. The descriptor is complete as soon as Encrypt returns.
	Encrypt(ctx context.Context, plaintext io.Reader) (io.Reader, *EncryptionData, error)
}

// EncryptorConfig configures NewEncryptor.
type EncryptorConfig struct {
	// Protocol is "1.0", "2.0" or "2.1". Empty selects "2.1".
	Protocol string

	// RegionLength is the authenticated region length for 2.1. Zero selects the default.
	// Protocol 2.0 only accepts the default.
	RegionLength int64

	// Concurrency bounds parallel region sealing for 2.x. Zero selects the default.
	Concurrency int

	// Key wraps the content key. KeyWrapAlgorithm is passed to it.
	Key              KeyWrapper
	KeyWrapAlgorithm string
}

// NewEncryptor validates the configuration and returns the matching encryptor.
func NewEncryptor(cfg EncryptorConfig) (Encryptor, error) {
	if cfg.Key == nil {
		return nil, ErrNoKeyProvided
	}
	if cfg.KeyWrapAlgorithm == "" {
		return nil, fmt.Errorf("%w: key %s has no wrap algorithm", ErrInvalidConfiguration, cfg.Key.KeyID())
	}
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolV2_1
	}
	if cfg.Concurrency < 0 {
		return nil, fmt.Errorf("%w: concurrency must not be negative", ErrInvalidConfiguration)
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	switch cfg.Protocol {
	case ProtocolV1:
		return &cbcEncryptor{key: cfg.Key, wrapAlgorithm: cfg.KeyWrapAlgorithm}, nil
	case ProtocolV2:
		if cfg.RegionLength != 0 && cfg.RegionLength != DefaultRegionLength {
			return nil, fmt.Errorf("%w: protocol %s uses a fixed region length of %d", ErrInvalidRegionLength, ProtocolV2, DefaultRegionLength)
		}
		cfg.RegionLength = DefaultRegionLength
	case ProtocolV2_1:
		if cfg.RegionLength == 0 {
			cfg.RegionLength = DefaultRegionLength
		}
		if err := validateRegionLength(cfg.RegionLength); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, cfg.Protocol)
	}

	return &regionEncryptor{
		protocol:      cfg.Protocol,
		regionLength:  cfg.RegionLength,
		concurrency:   cfg.Concurrency,
		key:           cfg.Key,
		wrapAlgorithm: cfg.KeyWrapAlgorithm,
	}, nil
}

// Decryptor recovers plaintext from a ciphertext stream.
type Decryptor interface {
	// Protocol returns the protocol handled, or "" for unencrypted blobs.
	Protocol() string

	// UnwrapKey recovers the content key. The caller owns the result and should
	// zero it once Decrypt has returned.
	UnwrapKey(ctx context.Context, keys KeySource) ([]byte, error)

	// Decrypt returns a reader over exactly the plaintext of rng.Original.
	// ciphertext must start at rng.DownloadOffset.
	Decrypt(ciphertext io.Reader, rng *EncryptedBlobRange, paddingExpected bool, key []byte) (io.Reader, error)
}

// GetDecryptor selects a decryptor by protocol version. A nil descriptor selects
// the pass-through decryptor unless encryption is required.
func GetDecryptor(d *EncryptionData, requireEncryption bool) (Decryptor, error) {
	if d == nil {
		if requireEncryption {
			return nil, ErrEncryptionRequired
		}
		return noopDecryptor{}, nil
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	switch d.EncryptionAgent.Protocol {
	case ProtocolV1:
		return &cbcDecryptor{data: d}, nil
	case ProtocolV2, ProtocolV2_1:
		return &regionDecryptor{data: d}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, d.EncryptionAgent.Protocol)
	}
}

// noopDecryptor passes unencrypted blobs through.
type noopDecryptor struct{}

func (noopDecryptor) Protocol() string { return "" }

func (noopDecryptor) UnwrapKey(context.Context, KeySource) ([]byte, error) {
	return []byte{}, nil
}

func (noopDecryptor) Decrypt(ciphertext io.Reader, rng *EncryptedBlobRange, _ bool, _ []byte) (io.Reader, error) {
	return newRangeTrimReader(ciphertext, 0, rng.Original.Count), nil
}

// unwrapContentKey resolves the master key and unwraps the blob's content key.
func unwrapContentKey(ctx context.Context, keys KeySource, d *EncryptionData) ([]byte, error) {
	w, err := keys.resolve(ctx, d.WrappedContentKey.KeyID)
	if err != nil {
		return nil, err
	}
	key, err := w.UnwrapKey(ctx, d.WrappedContentKey.Algorithm, d.WrappedContentKey.EncryptedKey)
	if errors.Is(err, ErrUnsupportedAlgorithm) {
		return nil, fmt.Errorf("failed to unwrap content key: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w with key %q: %w", ErrKeyUnwrap, d.WrappedContentKey.KeyID, err)
	}
	return key, nil
}

func validateRegionLength(n int64) error {
	if n < MinRegionLength || n > MaxRegionLength {
		return fmt.Errorf("%w: %d is outside [%d, %d]", ErrInvalidRegionLength, n, MinRegionLength, MaxRegionLength)
	}
	return nil
}

// generateKey returns a fresh random content key.
func generateKey() ([]byte, error) {
	key := make([]byte, contentKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate content key: %w", err)
	}
	return key, nil
}

// zeroBytes overwrites a byte slice with zeros for secure memory cleanup.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
