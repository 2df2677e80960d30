package crypto

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"gocloud.dev/secrets/localsecrets"
)

// newTestKeeper returns a keeper backed wrapper with a random local key.
func newTestKeeper(t *testing.T, keyID string) *KeeperWrapper {
	t.Helper()
	sk, err := localsecrets.NewRandomKey()
	require.NoError(t, err)
	w := NewKeeperWrapper(keyID, localsecrets.NewKeeper(sk))
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func randomBytes(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func newTestEncryptor(t testing.TB, w KeyWrapper, protocol string, regionLength int64) Encryptor {
	t.Helper()
	enc, err := NewEncryptor(EncryptorConfig{
		Protocol:         protocol,
		RegionLength:     regionLength,
		Key:              w,
		KeyWrapAlgorithm: WrapAlgorithmKMS,
	})
	require.NoError(t, err)
	return enc
}

func encryptAll(t testing.TB, enc Encryptor, plaintext []byte) ([]byte, *EncryptionData) {
	t.Helper()
	r, data, err := enc.Encrypt(context.Background(), bytes.NewReader(plaintext))
	require.NoError(t, err)
	ciphertext, err := io.ReadAll(r)
	require.NoError(t, err)
	return ciphertext, data
}

// fetchAndDecrypt plays the storage side of a download: it serves the adjusted
// range out of the full ciphertext and decrypts what was served.
func fetchAndDecrypt(t testing.TB, data *EncryptionData, keys KeySource, ciphertext []byte, r BlobRange) ([]byte, error) {
	t.Helper()
	er, err := NewEncryptedBlobRange(data, r)
	if err != nil {
		return nil, err
	}
	if r.IsEmpty() {
		return []byte{}, nil
	}

	fetch := er.ToBlobRange()
	start := min(fetch.Offset, int64(len(ciphertext)))
	end := int64(len(ciphertext))
	if fetch.Count != nil {
		end = min(start+*fetch.Count, end)
	}
	body := ciphertext[start:end]
	if er.AdjustedDownloadCount == nil {
		require.NoError(t, er.SetAdjustedDownloadCount(int64(len(body))))
	}

	dec, err := GetDecryptor(data, false)
	if err != nil {
		return nil, err
	}
	key, err := dec.UnwrapKey(context.Background(), keys)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	out, err := dec.Decrypt(bytes.NewReader(body), er, er.PaddingExpected(int64(len(ciphertext))), key)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(out)
}

func count(n int64) *int64 {
	return &n
}
