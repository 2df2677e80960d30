package crypto

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"hash"
)

const (
	// WrapAlgorithmRSAOAEP is RSA-OAEP with SHA-1.
	WrapAlgorithmRSAOAEP = "RSA-OAEP"
	// WrapAlgorithmRSAOAEP256 is RSA-OAEP with SHA-256.
	WrapAlgorithmRSAOAEP256 = "RSA-OAEP-256"

	minRSAKeySize = 2048
)

// RSAWrapper wraps content keys with an RSA key pair using OAEP.
// A wrapper built from a public key can only wrap.
type RSAWrapper struct {
	keyID string
	pub   *rsa.PublicKey
	priv  *rsa.PrivateKey
}

// NewRSAWrapper creates a wrapper able to wrap and unwrap.
func NewRSAWrapper(keyID string, priv *rsa.PrivateKey) (*RSAWrapper, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: RSA private key cannot be nil", ErrInvalidConfiguration)
	}
	w, err := NewRSAPublicWrapper(keyID, &priv.PublicKey)
	if err != nil {
		return nil, err
	}
	w.priv = priv
	return w, nil
}

// NewRSAPublicWrapper creates a wrap-only wrapper.
func NewRSAPublicWrapper(keyID string, pub *rsa.PublicKey) (*RSAWrapper, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: RSA public key cannot be nil", ErrInvalidConfiguration)
	}
	if keyID == "" {
		return nil, fmt.Errorf("%w: key id is required", ErrInvalidConfiguration)
	}
	if bits := pub.N.BitLen(); bits < minRSAKeySize {
		return nil, fmt.Errorf("%w: RSA key size must be at least %d bits, got %d bits", ErrInvalidConfiguration, minRSAKeySize, bits)
	}
	return &RSAWrapper{keyID: keyID, pub: pub}, nil
}

// LoadRSAWrapperPEM builds a wrapper from a PEM encoded PKCS#1 or PKCS#8 private key.
func LoadRSAWrapperPEM(keyID string, data []byte) (*RSAWrapper, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidConfiguration)
	}

	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return NewRSAWrapper(keyID, priv)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse RSA private key: %v", ErrInvalidConfiguration, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: PEM key is not an RSA key", ErrInvalidConfiguration)
	}
	return NewRSAWrapper(keyID, priv)
}

// KeyID implements KeyWrapper.
func (w *RSAWrapper) KeyID() string {
	return w.keyID
}

// WrapKey implements KeyWrapper.
func (w *RSAWrapper) WrapKey(_ context.Context, algorithm string, key []byte) ([]byte, error) {
	h, err := oaepHash(algorithm)
	if err != nil {
		return nil, err
	}
	wrapped, err := rsa.EncryptOAEP(h, rand.Reader, w.pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key with RSA: %w", err)
	}
	return wrapped, nil
}

// UnwrapKey implements KeyWrapper.
func (w *RSAWrapper) UnwrapKey(_ context.Context, algorithm string, wrapped []byte) ([]byte, error) {
	if w.priv == nil {
		return nil, fmt.Errorf("%w: key %s has no private key", ErrInvalidConfiguration, w.keyID)
	}
	h, err := oaepHash(algorithm)
	if err != nil {
		return nil, err
	}
	key, err := rsa.DecryptOAEP(h, nil, w.priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key with RSA: %w", err)
	}
	return key, nil
}

func oaepHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case WrapAlgorithmRSAOAEP:
		return sha1.New(), nil
	case WrapAlgorithmRSAOAEP256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q is not an RSA wrap algorithm", ErrUnsupportedAlgorithm, algorithm)
	}
}
