package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/kenneth/blobcrypt/internal/config"
	"github.com/kenneth/blobcrypt/internal/crypto"
)

// Keys is the key material an encryption config names.
type Keys struct {
	// Active wraps the content keys of new uploads.
	Active crypto.KeyWrapper
	// Source unwraps content keys on download. It resolves the active key
	// and every configured resolver key.
	Source crypto.KeySource

	closers []func() error
}

// OpenKeys opens the active key and any resolver keys of cfg.
func OpenKeys(ctx context.Context, cfg config.EncryptionConfig) (*Keys, error) {
	k := &Keys{}

	switch cfg.KeySourceKind() {
	case "keeper":
		w, err := crypto.OpenKeeperWrapper(ctx, cfg.KeyID, cfg.KeyURI)
		if err != nil {
			return nil, err
		}
		k.Active = w
		k.closers = append(k.closers, w.Close)
	case "passphrase":
		w, err := crypto.NewPassphraseWrapper(cfg.KeyID, cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		k.Active = w
	case "rsa":
		data, err := os.ReadFile(cfg.RSAKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read RSA key file: %w", err)
		}
		w, err := crypto.LoadRSAWrapperPEM(cfg.KeyID, data)
		if err != nil {
			return nil, err
		}
		k.Active = w
	default:
		return nil, fmt.Errorf("%w: no key material configured", crypto.ErrNoKeyProvided)
	}

	k.Source = crypto.KeySource{Key: k.Active}
	if len(cfg.ResolverKeys) > 0 {
		resolver := crypto.NewKeeperResolver(cfg.ResolverKeys)
		k.closers = append(k.closers, resolver.Close)
		k.Source.Resolver = crypto.ChainResolver{crypto.NewMapResolver(k.Active), resolver}
	}
	return k, nil
}

// Close releases every opened keeper.
func (k *Keys) Close() error {
	var errs []error
	for _, c := range k.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
