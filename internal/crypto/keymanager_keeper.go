package crypto

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gocloud.dev/secrets"

	// Register KMS provider drivers.
	_ "gocloud.dev/secrets/awskms"
	_ "gocloud.dev/secrets/azurekeyvault"
	_ "gocloud.dev/secrets/gcpkms"
	_ "gocloud.dev/secrets/hashivault"
	_ "gocloud.dev/secrets/localsecrets"
)

// WrapAlgorithmKMS is the wrap algorithm recorded for keys wrapped by a KMS keeper.
const WrapAlgorithmKMS = "KMS"

// KeeperWrapper wraps content keys with a gocloud.dev secrets keeper.
// Supports gcpkms://, awskms://, azurekeyvault://, hashivault:// and base64key:// URLs.
type KeeperWrapper struct {
	keyID  string
	keeper *secrets.Keeper
}

// OpenKeeperWrapper opens the keeper at keyURI and identifies it as keyID.
func OpenKeeperWrapper(ctx context.Context, keyID, keyURI string) (*KeeperWrapper, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: key id is required", ErrInvalidConfiguration)
	}
	keeper, err := secrets.OpenKeeper(ctx, keyURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open KMS keeper: %w", err)
	}
	return &KeeperWrapper{keyID: keyID, keeper: keeper}, nil
}

// NewKeeperWrapper wraps an already opened keeper.
func NewKeeperWrapper(keyID string, keeper *secrets.Keeper) *KeeperWrapper {
	return &KeeperWrapper{keyID: keyID, keeper: keeper}
}

// KeyID implements KeyWrapper.
func (w *KeeperWrapper) KeyID() string {
	return w.keyID
}

// WrapKey implements KeyWrapper.
func (w *KeeperWrapper) WrapKey(ctx context.Context, algorithm string, key []byte) ([]byte, error) {
	if algorithm != WrapAlgorithmKMS {
		return nil, fmt.Errorf("%w: keeper cannot wrap with %q", ErrUnsupportedAlgorithm, algorithm)
	}
	wrapped, err := w.keeper.Encrypt(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key with %s: %w", w.keyID, err)
	}
	return wrapped, nil
}

// UnwrapKey implements KeyWrapper.
func (w *KeeperWrapper) UnwrapKey(ctx context.Context, algorithm string, wrapped []byte) ([]byte, error) {
	if algorithm != WrapAlgorithmKMS {
		return nil, fmt.Errorf("%w: keeper cannot unwrap %q", ErrUnsupportedAlgorithm, algorithm)
	}
	key, err := w.keeper.Decrypt(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key with %s: %w", w.keyID, err)
	}
	return key, nil
}

// Close releases the keeper.
func (w *KeeperWrapper) Close() error {
	return w.keeper.Close()
}

// KeeperResolver resolves key ids to keeper URLs and opens each keeper once.
type KeeperResolver struct {
	mu      sync.Mutex
	uris    map[string]string
	opened  map[string]*KeeperWrapper
	openURL func(ctx context.Context, keyID, keyURI string) (*KeeperWrapper, error)
}

// NewKeeperResolver creates a resolver for the given key id to keeper URL mapping.
func NewKeeperResolver(uris map[string]string) *KeeperResolver {
	m := make(map[string]string, len(uris))
	for id, uri := range uris {
		m[id] = uri
	}
	return &KeeperResolver{
		uris:    m,
		opened:  make(map[string]*KeeperWrapper),
		openURL: OpenKeeperWrapper,
	}
}

// ResolveKey implements KeyResolver.
func (r *KeeperResolver) ResolveKey(ctx context.Context, keyID string) (KeyWrapper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.opened[keyID]; ok {
		return w, nil
	}

	uri, ok := r.uris[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	w, err := r.openURL(ctx, keyID, uri)
	if err != nil {
		return nil, err
	}
	r.opened[keyID] = w
	return w, nil
}

// Close releases every keeper opened by the resolver.
func (r *KeeperResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, w := range r.opened {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close keeper %s: %w", id, err))
		}
		delete(r.opened, id)
	}
	return errors.Join(errs...)
}
