package pipeline

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/blobcrypt/internal/config"
	"github.com/kenneth/blobcrypt/internal/crypto"
	"github.com/kenneth/blobcrypt/internal/s3"
)

func keeperURL(t *testing.T) string {
	t.Helper()
	return "base64key://" + base64.URLEncoding.EncodeToString(randomBytes(t, 32))
}

func newEncryptor(t *testing.T, key crypto.KeyWrapper, wrapAlgorithm string) crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewEncryptor(crypto.EncryptorConfig{
		Protocol:         crypto.ProtocolV2_1,
		RegionLength:     64,
		Key:              key,
		KeyWrapAlgorithm: wrapAlgorithm,
	})
	require.NoError(t, err)
	return enc
}

func TestOpenKeys(t *testing.T) {
	ctx := context.Background()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemFile := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(pemFile, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}), 0o600))

	tests := []struct {
		name string
		cfg  config.EncryptionConfig
	}{
		{"keeper", config.EncryptionConfig{KeyID: "k", KeyURI: keeperURL(t)}},
		{"passphrase", config.EncryptionConfig{KeyID: "k", Passphrase: "correct horse battery staple"}},
		{"rsa", config.EncryptionConfig{KeyID: "k", RSAKeyFile: pemFile}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := OpenKeys(ctx, tt.cfg)
			require.NoError(t, err)
			defer keys.Close()

			assert.Equal(t, "k", keys.Active.KeyID())
			assert.Nil(t, keys.Source.Resolver)

			alg := tt.cfg.WrapAlgorithm()
			wrapped, err := keys.Active.WrapKey(ctx, alg, randomBytes(t, 32))
			require.NoError(t, err)
			assert.NotEmpty(t, wrapped)
		})
	}

	_, err = OpenKeys(ctx, config.EncryptionConfig{KeyID: "k"})
	assert.ErrorIs(t, err, crypto.ErrNoKeyProvided)

	_, err = OpenKeys(ctx, config.EncryptionConfig{KeyID: "k", RSAKeyFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)
}

func TestOpenKeys_ResolverKeysReadOldBlobs(t *testing.T) {
	ctx := context.Background()
	oldURL := keeperURL(t)

	oldKeys, err := OpenKeys(ctx, config.EncryptionConfig{KeyID: "old", KeyURI: oldURL})
	require.NoError(t, err)
	defer oldKeys.Close()

	store := s3.NewMemoryClient()
	writer, err := New(Config{
		Client:    store,
		Keys:      oldKeys.Source,
		Encryptor: newEncryptor(t, oldKeys.Active, crypto.WrapAlgorithmKMS),
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	data := randomBytes(t, 300)
	_, err = writer.Upload(ctx, "bucket", "old-blob", bytes.NewReader(data), nil)
	require.NoError(t, err)

	newKeys, err := OpenKeys(ctx, config.EncryptionConfig{
		KeyID:        "new",
		Passphrase:   "a brand new passphrase",
		ResolverKeys: map[string]string{"old": oldURL},
	})
	require.NoError(t, err)
	defer newKeys.Close()
	require.NotNil(t, newKeys.Source.Resolver)

	reader, err := New(Config{
		Client:    store,
		Keys:      newKeys.Source,
		Encryptor: newEncryptor(t, newKeys.Active, crypto.WrapAlgorithmA256GCM),
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	blob, err := reader.Download(ctx, "bucket", "old-blob", crypto.BlobRange{Offset: 100, Count: count(50)})
	require.NoError(t, err)
	got, err := readBlob(t, blob)
	require.NoError(t, err)
	assert.Equal(t, data[100:150], got)
}
