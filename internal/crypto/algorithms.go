package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgorithmAESCBC256 is the content algorithm of protocol 1.0.
	AlgorithmAESCBC256 = "AES_CBC_256"
	// AlgorithmAESGCM256 is the content algorithm of protocols 2.0 and 2.1.
	AlgorithmAESGCM256 = "AES_GCM_256"

	// WrapAlgorithmA256GCM wraps keys with AES-256-GCM under a passphrase derived key.
	WrapAlgorithmA256GCM = "A256GCM"
	// WrapAlgorithmC20P wraps keys with ChaCha20-Poly1305 under a passphrase derived key.
	WrapAlgorithmC20P = "C20P"
)

// contentAlgorithmFor returns the content algorithm a protocol version must use.
func contentAlgorithmFor(protocol string) (string, error) {
	switch protocol {
	case ProtocolV1:
		return AlgorithmAESCBC256, nil
	case ProtocolV2, ProtocolV2_1:
		return AlgorithmAESGCM256, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProtocol, protocol)
	}
}

// createAEADCipher creates the AEAD used by a passphrase wrap algorithm.
func createAEADCipher(algorithm string, key []byte) (cipher.AEAD, error) {
	switch algorithm {
	case WrapAlgorithmA256GCM:
		return createAESGCMCipher(key)
	case WrapAlgorithmC20P:
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("invalid key size for ChaCha20: expected %d bytes, got %d", chacha20poly1305.KeySize, len(key))
		}
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

// createAESGCMCipher creates an AES-256-GCM cipher with the standard nonce and tag sizes.
func createAESGCMCipher(key []byte) (cipher.AEAD, error) {
	if len(key) != contentKeySize {
		return nil, fmt.Errorf("invalid key size for AES-256: expected %d bytes, got %d", contentKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// createAESBlock creates the AES-256 block cipher used by CBC.
func createAESBlock(key []byte) (cipher.Block, error) {
	if len(key) != contentKeySize {
		return nil, fmt.Errorf("invalid key size for AES-256: expected %d bytes, got %d", contentKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return block, nil
}
