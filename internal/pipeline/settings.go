package pipeline

import (
	"fmt"
	"sync"

	"github.com/kenneth/blobcrypt/internal/config"
	"github.com/kenneth/blobcrypt/internal/crypto"
)

type encryptorKey struct {
	protocol     string
	regionLength int64
	concurrency  int
}

// NewPolicySettings returns a SettingsFunc that applies bucket policies from
// pm on top of base. Encryptors are built once per distinct combination of
// protocol, region length and concurrency. A nil pm applies base everywhere.
func NewPolicySettings(base config.EncryptionConfig, pm *config.PolicyManager, key crypto.KeyWrapper) SettingsFunc {
	var (
		mu    sync.Mutex
		cache = make(map[encryptorKey]crypto.Encryptor)
	)
	return func(bucket string) (Settings, error) {
		enc := base
		if pm != nil {
			var err error
			if enc, err = pm.EncryptionFor(bucket, base); err != nil {
				return Settings{}, fmt.Errorf("%w: %w", crypto.ErrInvalidConfiguration, err)
			}
		}

		k := encryptorKey{protocol: enc.Protocol, regionLength: enc.RegionLength, concurrency: enc.Concurrency}
		mu.Lock()
		defer mu.Unlock()
		e, ok := cache[k]
		if !ok {
			var err error
			e, err = crypto.NewEncryptor(crypto.EncryptorConfig{
				Protocol:         enc.Protocol,
				RegionLength:     enc.RegionLength,
				Concurrency:      enc.Concurrency,
				Key:              key,
				KeyWrapAlgorithm: enc.WrapAlgorithm(),
			})
			if err != nil {
				return Settings{}, err
			}
			cache[k] = e
		}
		return Settings{Encryptor: e, RequireEncryption: enc.RequireEncryption}, nil
	}
}
