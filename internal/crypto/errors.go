package crypto

import "errors"

// Configuration errors. These are never retryable.
var (
	// ErrInvalidConfiguration indicates an encryptor or decryptor was built with unusable settings.
	ErrInvalidConfiguration = errors.New("invalid encryption configuration")

	// ErrNoKeyProvided indicates neither a key wrapper nor a key resolver was supplied.
	ErrNoKeyProvided = errors.New("no key wrapper or key resolver provided")

	// ErrUnsupportedProtocol indicates an unknown protocol version in configuration or metadata.
	ErrUnsupportedProtocol = errors.New("unsupported encryption protocol")

	// ErrUnsupportedAlgorithm indicates an unknown content or key wrap algorithm.
	ErrUnsupportedAlgorithm = errors.New("unsupported encryption algorithm")

	// ErrInvalidRegionLength indicates an authenticated region length outside [16B, 1GiB].
	ErrInvalidRegionLength = errors.New("invalid authenticated region length")
)

// Integrity errors. The operation that produced them must be abandoned.
var (
	// ErrIntegrity indicates ciphertext, padding, or an authentication tag failed verification.
	ErrIntegrity = errors.New("decryption integrity check failed")

	// ErrDowngrade indicates the protocol tag inside a wrapped key does not match the metadata.
	ErrDowngrade = errors.New("wrapped key protocol does not match metadata protocol")

	// ErrEncryptionRequired indicates an unencrypted blob was read while encryption is required.
	ErrEncryptionRequired = errors.New("blob is not encrypted but encryption is required")

	// ErrTruncatedCiphertext indicates the ciphertext stream ended inside a block or region.
	ErrTruncatedCiphertext = errors.New("ciphertext is truncated")
)

// Key resolution errors.
var (
	// ErrKeyNotFound indicates the resolver has no key for the wrapped key id.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyMismatch indicates the configured key id differs from the wrapped key id.
	ErrKeyMismatch = errors.New("key id does not match wrapped key id")

	// ErrKeyUnwrap indicates the key named by the wrapped key id could not
	// unwrap the content key, for example because a different key sits
	// behind the same id.
	ErrKeyUnwrap = errors.New("content key could not be unwrapped")
)

// Input errors.
var (
	// ErrInvalidRange indicates a malformed or unsatisfiable byte range.
	ErrInvalidRange = errors.New("invalid byte range")

	// ErrInvalidMetadata indicates the encryption data sidecar could not be parsed or is inconsistent.
	ErrInvalidMetadata = errors.New("invalid encryption metadata")
)
