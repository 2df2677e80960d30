package crypto

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// KeyWrapper wraps and unwraps per-blob content encryption keys under a master key.
//
// Implementations must never expose the master key. Only the wrapped form of a
// content key is ever persisted.
type KeyWrapper interface {
	// KeyID returns the stable identifier recorded as WrappedContentKey.KeyId.
	KeyID() string

	// WrapKey encrypts the raw content key with the given wrap algorithm.
	WrapKey(ctx context.Context, algorithm string, key []byte) ([]byte, error)

	// UnwrapKey decrypts a wrapped content key produced by WrapKey.
	UnwrapKey(ctx context.Context, algorithm string, wrapped []byte) ([]byte, error)
}

// KeyResolver looks up the master key that wrapped a content key by its id.
type KeyResolver interface {
	ResolveKey(ctx context.Context, keyID string) (KeyWrapper, error)
}

// KeySource is what a decryptor needs to recover a content key: either a single
// fixed key, a resolver, or both. The resolver wins when both are set.
type KeySource struct {
	Key      KeyWrapper
	Resolver KeyResolver
}

// Validate reports a configuration error when no key material is available.
func (s KeySource) Validate() error {
	if s.Key == nil && s.Resolver == nil {
		return ErrNoKeyProvided
	}
	return nil
}

// resolve returns the wrapper able to unwrap a key recorded under keyID.
func (s KeySource) resolve(ctx context.Context, keyID string) (KeyWrapper, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	if s.Resolver != nil {
		w, err := s.Resolver.ResolveKey(ctx, keyID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve key %q: %w", keyID, err)
		}
		if w == nil {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		return w, nil
	}

	if s.Key.KeyID() != keyID {
		return nil, fmt.Errorf("%w: configured %q, blob wrapped with %q", ErrKeyMismatch, s.Key.KeyID(), keyID)
	}
	return s.Key, nil
}

// MapResolver resolves keys from a fixed set of wrappers indexed by KeyID.
type MapResolver struct {
	mu   sync.RWMutex
	keys map[string]KeyWrapper
}

// NewMapResolver creates a resolver over the given wrappers.
func NewMapResolver(wrappers ...KeyWrapper) *MapResolver {
	r := &MapResolver{keys: make(map[string]KeyWrapper, len(wrappers))}
	for _, w := range wrappers {
		r.keys[w.KeyID()] = w
	}
	return r
}

// Add registers a wrapper, replacing any wrapper with the same id.
func (r *MapResolver) Add(w KeyWrapper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[w.KeyID()] = w
}

// ResolveKey implements KeyResolver.
func (r *MapResolver) ResolveKey(_ context.Context, keyID string) (KeyWrapper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return w, nil
}

// ChainResolver tries each resolver in order and returns the first match.
// A resolver failing with anything but ErrKeyNotFound stops the search.
type ChainResolver []KeyResolver

// ResolveKey implements KeyResolver.
func (c ChainResolver) ResolveKey(ctx context.Context, keyID string) (KeyWrapper, error) {
	for _, r := range c {
		w, err := r.ResolveKey(ctx, keyID)
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
}
