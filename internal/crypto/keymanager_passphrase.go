package crypto

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	saltSize         = 16
	minPassphraseLen = 12
)

// PassphraseWrapper wraps content keys with a key derived from a passphrase.
//
// Each wrap draws a fresh salt, so the wrapped form is salt || nonce || ciphertext || tag.
// The key id is bound to the ciphertext as additional data.
type PassphraseWrapper struct {
	keyID      string
	passphrase []byte
}

// NewPassphraseWrapper creates a passphrase based wrapper.
func NewPassphraseWrapper(keyID, passphrase string) (*PassphraseWrapper, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: key id is required", ErrInvalidConfiguration)
	}
	if len(passphrase) < minPassphraseLen {
		return nil, fmt.Errorf("%w: passphrase must be at least %d characters", ErrInvalidConfiguration, minPassphraseLen)
	}
	return &PassphraseWrapper{keyID: keyID, passphrase: []byte(passphrase)}, nil
}

// KeyID implements KeyWrapper.
func (w *PassphraseWrapper) KeyID() string {
	return w.keyID
}

// WrapKey implements KeyWrapper.
func (w *PassphraseWrapper) WrapKey(_ context.Context, algorithm string, key []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := w.kek(algorithm, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(key)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, key, []byte(w.keyID)), nil
}

// UnwrapKey implements KeyWrapper.
func (w *PassphraseWrapper) UnwrapKey(_ context.Context, algorithm string, wrapped []byte) ([]byte, error) {
	if len(wrapped) < saltSize {
		return nil, fmt.Errorf("%w: wrapped key too short", ErrIntegrity)
	}
	aead, err := w.kek(algorithm, wrapped[:saltSize])
	if err != nil {
		return nil, err
	}

	rest := wrapped[saltSize:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: wrapped key too short", ErrIntegrity)
	}
	nonce, ct := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	key, err := aead.Open(nil, nonce, ct, []byte(w.keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unwrap key: %v", ErrIntegrity, err)
	}
	return key, nil
}

// kek derives the key encryption key for one salt.
func (w *PassphraseWrapper) kek(algorithm string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key(w.passphrase, salt, pbkdf2Iterations, contentKeySize, sha256.New)
	defer zeroBytes(derived)
	return createAEADCipher(algorithm, derived)
}
