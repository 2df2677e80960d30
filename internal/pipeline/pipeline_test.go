package pipeline

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/secrets/localsecrets"

	"github.com/kenneth/blobcrypt/internal/audit"
	"github.com/kenneth/blobcrypt/internal/cache"
	"github.com/kenneth/blobcrypt/internal/config"
	"github.com/kenneth/blobcrypt/internal/crypto"
	"github.com/kenneth/blobcrypt/internal/metrics"
	"github.com/kenneth/blobcrypt/internal/s3"
)

type fixture struct {
	pipeline *Pipeline
	store    *s3.MemoryClient
	key      *crypto.KeeperWrapper
	reg      *prometheus.Registry
	audit    audit.Logger
}

func newKeeper(t *testing.T, keyID string) *crypto.KeeperWrapper {
	t.Helper()
	sk, err := localsecrets.NewRandomKey()
	require.NoError(t, err)
	w := crypto.NewKeeperWrapper(keyID, localsecrets.NewKeeper(sk))
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T, protocol string, regionLength int64) *fixture {
	t.Helper()
	key := newKeeper(t, "master")
	enc, err := crypto.NewEncryptor(crypto.EncryptorConfig{
		Protocol:         protocol,
		RegionLength:     regionLength,
		Key:              key,
		KeyWrapAlgorithm: crypto.WrapAlgorithmKMS,
	})
	require.NoError(t, err)

	f := &fixture{
		store: s3.NewMemoryClient(),
		key:   key,
		reg:   prometheus.NewRegistry(),
		audit: audit.NewLogger(100, nil),
	}
	f.pipeline, err = New(Config{
		Client:    f.store,
		Keys:      crypto.KeySource{Key: key},
		Encryptor: enc,
		Logger:    quietLogger(),
		Metrics:   metrics.NewMetricsWithRegistry(f.reg),
		Audit:     f.audit,
	})
	require.NoError(t, err)
	return f
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func count(n int64) *int64 { return &n }

func readBlob(t *testing.T, blob *Blob) ([]byte, error) {
	t.Helper()
	data, err := io.ReadAll(blob.Body)
	require.NoError(t, blob.Body.Close())
	return data, err
}

func (f *fixture) download(t *testing.T, key string, rng crypto.BlobRange) []byte {
	t.Helper()
	blob, err := f.pipeline.Download(context.Background(), "bucket", key, rng)
	require.NoError(t, err)
	data, err := readBlob(t, blob)
	require.NoError(t, err)
	return data
}

func TestNew_Validation(t *testing.T) {
	key := newKeeper(t, "master")

	_, err := New(Config{Keys: crypto.KeySource{Key: key}})
	assert.ErrorIs(t, err, crypto.ErrInvalidConfiguration)

	_, err = New(Config{Client: s3.NewMemoryClient()})
	assert.ErrorIs(t, err, crypto.ErrNoKeyProvided)

	_, err = New(Config{Client: s3.NewMemoryClient(), Keys: crypto.KeySource{Key: key}})
	assert.ErrorIs(t, err, crypto.ErrInvalidConfiguration)
}

func TestPipeline_RoundTrip(t *testing.T) {
	protocols := []struct {
		protocol     string
		regionLength int64
	}{
		{crypto.ProtocolV1, 0},
		{crypto.ProtocolV2, 0},
		{crypto.ProtocolV2_1, 64},
	}
	sizes := []int{0, 1, 15, 16, 17, 64, 100, 1000}

	for _, p := range protocols {
		for _, size := range sizes {
			t.Run(fmt.Sprintf("%s/%d", p.protocol, size), func(t *testing.T) {
				f := newFixture(t, p.protocol, p.regionLength)
				ctx := context.Background()
				plaintext := randomBytes(t, size)

				data, err := f.pipeline.Upload(ctx, "bucket", "obj", bytes.NewReader(plaintext), map[string]string{"owner": "alice"})
				require.NoError(t, err)
				assert.Equal(t, p.protocol, data.Protocol())

				raw, ok := f.store.Raw("bucket", "obj")
				require.True(t, ok)
				if size >= 16 {
					assert.NotEqual(t, plaintext, raw[:min(len(raw), size)], "stored bytes must be ciphertext")
				}

				got := f.download(t, "obj", crypto.BlobRange{})
				assert.Equal(t, plaintext, got)

				info, err := f.pipeline.Head(ctx, "bucket", "obj")
				require.NoError(t, err)
				assert.Equal(t, int64(size), info.Size)
				assert.Equal(t, int64(len(raw)), info.StoredSize)
				assert.Equal(t, p.protocol, info.Protocol)
				assert.Equal(t, "master", info.KeyID)
				assert.Equal(t, map[string]string{"owner": "alice"}, info.Metadata)
			})
		}
	}
}

func TestPipeline_RangeGrid(t *testing.T) {
	protocols := []struct {
		protocol     string
		regionLength int64
	}{
		{crypto.ProtocolV1, 0},
		{crypto.ProtocolV2, 0},
		{crypto.ProtocolV2_1, 16},
		{crypto.ProtocolV2_1, 48},
	}
	const size = 200

	for _, p := range protocols {
		t.Run(fmt.Sprintf("%s/%d", p.protocol, p.regionLength), func(t *testing.T) {
			f := newFixture(t, p.protocol, p.regionLength)
			plaintext := randomBytes(t, size)
			_, err := f.pipeline.Upload(context.Background(), "bucket", "obj", bytes.NewReader(plaintext), nil)
			require.NoError(t, err)

			for _, offset := range []int64{0, 1, 15, 16, 17, 31, 32, 47, 48, 100, 183, 184, 199} {
				for _, n := range []int64{1, 15, 16, 17, 33, 64, 500} {
					want := plaintext[offset:min(offset+n, size)]
					got := f.download(t, "obj", crypto.BlobRange{Offset: offset, Count: count(n)})
					require.Equal(t, want, got, "offset %d count %d", offset, n)
				}
				got := f.download(t, "obj", crypto.BlobRange{Offset: offset})
				require.Equal(t, plaintext[offset:], got, "offset %d to end", offset)
			}
		})
	}
}

func TestPipeline_EmptyRange(t *testing.T) {
	f := newFixture(t, crypto.ProtocolV2_1, 64)
	_, err := f.pipeline.Upload(context.Background(), "bucket", "obj", strings.NewReader("hello"), nil)
	require.NoError(t, err)

	got := f.download(t, "obj", crypto.BlobRange{Offset: 2, Count: count(0)})
	assert.Empty(t, got)
}

func TestPipeline_RangeOnEmptyBlob(t *testing.T) {
	for _, protocol := range []string{crypto.ProtocolV2, crypto.ProtocolV2_1} {
		f := newFixture(t, protocol, 0)
		_, err := f.pipeline.Upload(context.Background(), "bucket", "obj", bytes.NewReader(nil), nil)
		require.NoError(t, err)

		got := f.download(t, "obj", crypto.BlobRange{Count: count(10)})
		assert.Empty(t, got, protocol)
	}
}

func TestPipeline_RangeBeyondEnd(t *testing.T) {
	f := newFixture(t, crypto.ProtocolV2_1, 64)
	_, err := f.pipeline.Upload(context.Background(), "bucket", "obj", bytes.NewReader(randomBytes(t, 100)), nil)
	require.NoError(t, err)

	_, err = f.pipeline.Download(context.Background(), "bucket", "obj", crypto.BlobRange{Offset: 100, Count: count(5)})
	assert.ErrorIs(t, err, crypto.ErrInvalidRange)

	_, err = f.pipeline.Download(context.Background(), "bucket", "obj", crypto.BlobRange{Offset: -1})
	assert.ErrorIs(t, err, crypto.ErrInvalidRange)
}

func TestPipeline_V1OffsetPastEnd(t *testing.T) {
	f := newFixture(t, crypto.ProtocolV1, 0)
	ctx := context.Background()
	plaintext := randomBytes(t, 20)
	_, err := f.pipeline.Upload(ctx, "bucket", "obj", bytes.NewReader(plaintext), nil)
	require.NoError(t, err)

	// 20 bytes are stored as 32; offsets 20 through 32 start past the plaintext.
	for offset := int64(20); offset <= 32; offset++ {
		_, err := f.pipeline.Download(ctx, "bucket", "obj", crypto.BlobRange{Offset: offset})
		assert.ErrorIs(t, err, crypto.ErrInvalidRange, "offset %d", offset)
		assert.Equal(t, ClassRange, ErrorClass(err), "offset %d", offset)
	}
	for offset := int64(16); offset < 20; offset++ {
		got := f.download(t, "obj", crypto.BlobRange{Offset: offset})
		assert.Equal(t, plaintext[offset:], got, "offset %d", offset)
	}
}

func TestPipeline_DownloadRange(t *testing.T) {
	f := newFixture(t, crypto.ProtocolV1, 0)
	ctx := context.Background()
	plaintext := randomBytes(t, 100)
	_, err := f.pipeline.Upload(ctx, "bucket", "obj", bytes.NewReader(plaintext), map[string]string{"owner": "alice"})
	require.NoError(t, err)

	spec, err := crypto.ParseHTTPRange("bytes=-10")
	require.NoError(t, err)
	blob, info, err := f.pipeline.DownloadRange(ctx, "bucket", "obj", spec)
	require.NoError(t, err)
	got, err := readBlob(t, blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext[90:], got)
	assert.Equal(t, int64(100), info.Size)
	assert.Equal(t, int64(112), info.StoredSize)
	assert.Equal(t, "alice", info.Metadata["owner"])
	assert.Equal(t, int64(90), blob.Range.Offset)

	// The length lookup and the range read share one unwrap.
	expected := `
# HELP blobcrypt_key_unwraps_total Total number of content key unwrap attempts
# TYPE blobcrypt_key_unwraps_total counter
blobcrypt_key_unwraps_total{algorithm="KMS",success="true"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "blobcrypt_key_unwraps_total"))

	spec, err = crypto.ParseHTTPRange("bytes=100-")
	require.NoError(t, err)
	_, info, err = f.pipeline.DownloadRange(ctx, "bucket", "obj", spec)
	assert.ErrorIs(t, err, crypto.ErrInvalidRange)
	require.NotNil(t, info)
	assert.Equal(t, int64(100), info.Size)
}

func TestPipeline_TruncatedRegionTail(t *testing.T) {
	f := newFixture(t, crypto.ProtocolV2_1, 16)
	ctx := context.Background()
	_, err := f.pipeline.Upload(ctx, "bucket", "obj", bytes.NewReader(randomBytes(t, 20)), nil)
	require.NoError(t, err)

	raw, _ := f.store.Raw("bucket", "obj")
	// A full 44-byte region followed by 5 bytes, too short for a nonce and tag.
	require.True(t, f.store.SetRaw("bucket", "obj", raw[:49]))

	_, err = f.pipeline.Head(ctx, "bucket", "obj")
	assert.ErrorIs(t, err, crypto.ErrTruncatedCiphertext)

	_, err = f.pipeline.Download(ctx, "bucket", "obj", crypto.BlobRange{Offset: 10})
	assert.ErrorIs(t, err, crypto.ErrTruncatedCiphertext)

	// The intact first region still decrypts; the blob is not taken for empty.
	assert.Len(t, f.download(t, "obj", crypto.BlobRange{Count: count(10)}), 10)
}

func TestPipeline_UnencryptedBlob(t *testing.T) {
	f := newFixture(t, crypto.ProtocolV2_1, 0)
	ctx := context.Background()
	require.NoError(t, f.store.PutObject(ctx, "bucket", "plain", strings.NewReader("0123456789"), map[string]string{"kind": "legacy"}))

	assert.Equal(t, []byte("0123456789"), f.download(t, "plain", crypto.BlobRange{}))
	assert.Equal(t, []byte("345"), f.download(t, "plain", crypto.BlobRange{Offset: 3, Count: count(3)}))
	assert.Equal(t, []byte("89"), f.download(t, "plain", crypto.BlobRange{Offset: 8}))

	info, err := f.pipeline.Head(ctx, "bucket", "plain")
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size)
	assert.Empty(t, info.Protocol)
	assert.Empty(t, info.KeyID)

	blob, err := f.pipeline.Download(ctx, "bucket", "plain", crypto.BlobRange{})
	require.NoError(t, err)
	assert.Empty(t, blob.Protocol)
	assert.Equal(t, map[string]string{"kind": "legacy"}, blob.Metadata)
	require.NoError(t, blob.Body.Close())
}

func TestPipeline_RequireEncryption(t *testing.T) {
	key := newKeeper(t, "master")
	enc, err := crypto.NewEncryptor(crypto.EncryptorConfig{Key: key, KeyWrapAlgorithm: crypto.WrapAlgorithmKMS})
	require.NoError(t, err)
	store := s3.NewMemoryClient()
	p, err := New(Config{
		Client:            store,
		Keys:              crypto.KeySource{Key: key},
		Encryptor:         enc,
		RequireEncryption: true,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.PutObject(ctx, "bucket", "plain", strings.NewReader("data"), nil))

	_, err = p.Download(ctx, "bucket", "plain", crypto.BlobRange{})
	assert.ErrorIs(t, err, crypto.ErrEncryptionRequired)
	_, err = p.Download(ctx, "bucket", "plain", crypto.BlobRange{Offset: 1})
	assert.ErrorIs(t, err, crypto.ErrEncryptionRequired)
	_, err = p.Head(ctx, "bucket", "plain")
	assert.ErrorIs(t, err, crypto.ErrEncryptionRequired)

	_, err = p.Upload(ctx, "bucket", "sealed", strings.NewReader("data"), nil)
	require.NoError(t, err)
	blob, err := p.Download(ctx, "bucket", "sealed", crypto.BlobRange{})
	require.NoError(t, err)
	got, err := readBlob(t, blob)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestPipeline_TamperDetected(t *testing.T) {
	for _, protocol := range []string{crypto.ProtocolV1, crypto.ProtocolV2_1} {
		t.Run(protocol, func(t *testing.T) {
			f := newFixture(t, protocol, 64)
			ctx := context.Background()
			_, err := f.pipeline.Upload(ctx, "bucket", "obj", bytes.NewReader(randomBytes(t, 300)), nil)
			require.NoError(t, err)

			raw, _ := f.store.Raw("bucket", "obj")
			// Flips the final plaintext byte of 1.0 blobs, breaking the padding.
			raw[len(raw)-17] ^= 0x01
			require.True(t, f.store.SetRaw("bucket", "obj", raw))

			blob, err := f.pipeline.Download(ctx, "bucket", "obj", crypto.BlobRange{})
			if err == nil {
				_, err = readBlob(t, blob)
			}
			assert.ErrorIs(t, err, crypto.ErrIntegrity)
		})
	}
}

func TestPipeline_WrongKey(t *testing.T) {
	f := newFixture(t, crypto.ProtocolV2_1, 0)
	ctx := context.Background()
	_, err := f.pipeline.Upload(ctx, "bucket", "obj", strings.NewReader("secret"), nil)
	require.NoError(t, err)

	other, err := New(Config{
		Client:    f.store,
		Keys:      crypto.KeySource{Key: newKeeper(t, "other")},
		Encryptor: f.pipeline.mustEncryptor(t),
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	_, err = other.Download(ctx, "bucket", "obj", crypto.BlobRange{})
	assert.ErrorIs(t, err, crypto.ErrKeyMismatch)
	assert.Equal(t, ClassKey, ErrorClass(err))
}

func TestPipeline_SameKeyIDDifferentKey(t *testing.T) {
	f := newFixture(t, crypto.ProtocolV1, 0)
	ctx := context.Background()
	_, err := f.pipeline.Upload(ctx, "bucket", "obj", strings.NewReader("secret"), nil)
	require.NoError(t, err)

	misconfigured, err := New(Config{
		Client:    f.store,
		Keys:      crypto.KeySource{Key: newKeeper(t, "master")},
		Encryptor: f.pipeline.mustEncryptor(t),
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	_, err = misconfigured.Download(ctx, "bucket", "obj", crypto.BlobRange{})
	assert.ErrorIs(t, err, crypto.ErrKeyUnwrap)
	assert.Equal(t, ClassKey, ErrorClass(err))
}

func (p *Pipeline) mustEncryptor(t *testing.T) crypto.Encryptor {
	t.Helper()
	s, err := p.settings("bucket")
	require.NoError(t, err)
	return s.Encryptor
}

func TestPipeline_KeyResolver(t *testing.T) {
	f := newFixture(t, crypto.ProtocolV2_1, 0)
	ctx := context.Background()
	_, err := f.pipeline.Upload(ctx, "bucket", "obj", strings.NewReader("rotated"), nil)
	require.NoError(t, err)

	rotated, err := New(Config{
		Client:    f.store,
		Keys:      crypto.KeySource{Key: newKeeper(t, "next"), Resolver: crypto.NewMapResolver(f.key)},
		Encryptor: f.pipeline.mustEncryptor(t),
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	blob, err := rotated.Download(ctx, "bucket", "obj", crypto.BlobRange{})
	require.NoError(t, err)
	got, err := readBlob(t, blob)
	require.NoError(t, err)
	assert.Equal(t, "rotated", string(got))
}

func TestPipeline_NotFound(t *testing.T) {
	f := newFixture(t, crypto.ProtocolV2_1, 0)
	ctx := context.Background()

	_, err := f.pipeline.Download(ctx, "bucket", "missing", crypto.BlobRange{})
	assert.ErrorIs(t, err, s3.ErrNoSuchKey)
	_, err = f.pipeline.Download(ctx, "bucket", "missing", crypto.BlobRange{Offset: 4})
	assert.ErrorIs(t, err, s3.ErrNoSuchKey)
	_, err = f.pipeline.Head(ctx, "bucket", "missing")
	assert.ErrorIs(t, err, s3.ErrNoSuchKey)
	assert.Equal(t, ClassNotFound, ErrorClass(err))
}

func TestPipeline_Delete(t *testing.T) {
	f := newFixture(t, crypto.ProtocolV2_1, 0)
	ctx := context.Background()
	_, err := f.pipeline.Upload(ctx, "bucket", "obj", strings.NewReader("x"), nil)
	require.NoError(t, err)

	require.NoError(t, f.pipeline.Delete(ctx, "bucket", "obj"))
	_, err = f.pipeline.Head(ctx, "bucket", "obj")
	assert.ErrorIs(t, err, s3.ErrNoSuchKey)
}

func TestPipeline_InfoCache(t *testing.T) {
	ctx := context.Background()
	key := newKeeper(t, "master")
	enc, err := crypto.NewEncryptor(crypto.EncryptorConfig{
		Protocol:         crypto.ProtocolV1,
		Key:              key,
		KeyWrapAlgorithm: crypto.WrapAlgorithmKMS,
	})
	require.NoError(t, err)
	infoCache := cache.New[BlobInfo](10, time.Minute)
	p, err := New(Config{
		Client:    s3.NewMemoryClient(),
		Keys:      crypto.KeySource{Key: key},
		Encryptor: enc,
		Logger:    quietLogger(),
		InfoCache: infoCache,
	})
	require.NoError(t, err)

	_, err = p.Upload(ctx, "bucket", "blob", bytes.NewReader(randomBytes(t, 37)), map[string]string{"owner": "alice"})
	require.NoError(t, err)

	first, err := p.Head(ctx, "bucket", "blob")
	require.NoError(t, err)
	first.Metadata["owner"] = "mallory"
	second, err := p.Head(ctx, "bucket", "blob")
	require.NoError(t, err)
	assert.Equal(t, int64(37), second.Size)
	assert.Equal(t, "alice", second.Metadata["owner"])
	assert.Equal(t, int64(1), infoCache.Stats().Hits)

	// Overwriting invalidates the cached length.
	_, err = p.Upload(ctx, "bucket", "blob", bytes.NewReader(randomBytes(t, 100)), nil)
	require.NoError(t, err)
	third, err := p.Head(ctx, "bucket", "blob")
	require.NoError(t, err)
	assert.Equal(t, int64(100), third.Size)

	require.NoError(t, p.Delete(ctx, "bucket", "blob"))
	_, err = p.Head(ctx, "bucket", "blob")
	assert.ErrorIs(t, err, s3.ErrNoSuchKey)
}

func TestPipeline_MetadataIsolation(t *testing.T) {
	f := newFixture(t, crypto.ProtocolV2_1, 0)
	meta := map[string]string{"owner": "alice"}
	_, err := f.pipeline.Upload(context.Background(), "bucket", "obj", strings.NewReader("x"), meta)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"owner": "alice"}, meta, "caller metadata must not be modified")

	obj, err := f.store.GetObject(context.Background(), "bucket", "obj", nil)
	require.NoError(t, err)
	defer obj.Body.Close()
	stored, err := crypto.EncryptionDataFromMetadata(obj.Metadata)
	require.NoError(t, err)
	assert.Equal(t, crypto.ProtocolV2_1, stored.Protocol())
}

func TestPipeline_MetricsAndAudit(t *testing.T) {
	f := newFixture(t, crypto.ProtocolV2_1, 64)
	ctx := audit.WithRequestID(context.Background(), "req-42")
	plaintext := randomBytes(t, 500)

	_, err := f.pipeline.Upload(ctx, "bucket", "obj", bytes.NewReader(plaintext), nil)
	require.NoError(t, err)

	blob, err := f.pipeline.Download(ctx, "bucket", "obj", crypto.BlobRange{Offset: 10, Count: count(20)})
	require.NoError(t, err)
	_, err = readBlob(t, blob)
	require.NoError(t, err)

	expected := `
# HELP blobcrypt_key_unwraps_total Total number of content key unwrap attempts
# TYPE blobcrypt_key_unwraps_total counter
blobcrypt_key_unwraps_total{algorithm="KMS",success="true"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "blobcrypt_key_unwraps_total"))

	expected = `
# HELP blobcrypt_blob_plaintext_bytes_total Total plaintext bytes encrypted or decrypted
# TYPE blobcrypt_blob_plaintext_bytes_total counter
blobcrypt_blob_plaintext_bytes_total{operation="download"} 20
blobcrypt_blob_plaintext_bytes_total{operation="upload"} 500
`
	assert.NoError(t, testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "blobcrypt_blob_plaintext_bytes_total"))

	events := f.audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventTypeEncrypt, events[0].EventType)
	assert.Equal(t, audit.EventTypeDecrypt, events[1].EventType)
	assert.Equal(t, "bytes=10-29", events[1].Range)
	for _, e := range events {
		assert.True(t, e.Success)
		assert.Equal(t, "req-42", e.RequestID)
		assert.Equal(t, "master", e.KeyID)
		assert.Equal(t, crypto.ProtocolV2_1, e.Protocol)
	}
}

func TestPipeline_FailureIsAudited(t *testing.T) {
	f := newFixture(t, crypto.ProtocolV2_1, 0)
	_, err := f.pipeline.Download(context.Background(), "bucket", "missing", crypto.BlobRange{})
	require.Error(t, err)

	events := f.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeAccess, events[0].EventType)
	assert.False(t, events[0].Success)

	expected := `
# HELP blobcrypt_blob_errors_total Total number of failed blob operations by error class
# TYPE blobcrypt_blob_errors_total counter
blobcrypt_blob_errors_total{error_type="not_found",operation="download"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "blobcrypt_blob_errors_total"))
}

func TestPolicySettings(t *testing.T) {
	dir := t.TempDir()
	policy := `
id: legacy
buckets: ["legacy-*"]
encryption:
  protocol: "1.0"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy.yaml"), []byte(policy), 0644))
	broken := `
id: broken
buckets: ["broken"]
encryption:
  region_length: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(broken), 0644))

	pm := config.NewPolicyManager()
	require.NoError(t, pm.LoadPolicies([]string{filepath.Join(dir, "*.yaml")}))

	key := newKeeper(t, "master")
	base := config.EncryptionConfig{
		Protocol: crypto.ProtocolV2_1,
		KeyID:    "master",
		KeyURI:   "base64key://",
	}
	settings := NewPolicySettings(base, pm, key)

	s, err := settings("legacy-data")
	require.NoError(t, err)
	assert.Equal(t, crypto.ProtocolV1, s.Encryptor.Protocol())

	again, err := settings("legacy-logs")
	require.NoError(t, err)
	assert.Same(t, s.Encryptor, again.Encryptor, "encryptors are shared per configuration")

	s, err = settings("other")
	require.NoError(t, err)
	assert.Equal(t, crypto.ProtocolV2_1, s.Encryptor.Protocol())

	_, err = settings("broken")
	assert.ErrorIs(t, err, crypto.ErrInvalidConfiguration)

	p, err := New(Config{
		Client:   s3.NewMemoryClient(),
		Keys:     crypto.KeySource{Key: key},
		Settings: settings,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	data, err := p.Upload(context.Background(), "legacy-data", "obj", strings.NewReader("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, crypto.ProtocolV1, data.Protocol())
	_, err = p.Upload(context.Background(), "broken", "obj", strings.NewReader("x"), nil)
	assert.Error(t, err)
}

func TestErrorClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: %w", crypto.ErrIntegrity, crypto.ErrDowngrade), ClassDowngrade},
		{crypto.ErrIntegrity, ClassIntegrity},
		{crypto.ErrTruncatedCiphertext, ClassIntegrity},
		{crypto.ErrEncryptionRequired, ClassEncryptionRequired},
		{crypto.ErrKeyNotFound, ClassKey},
		{fmt.Errorf("%w: %w", crypto.ErrKeyUnwrap, crypto.ErrIntegrity), ClassKey},
		{fmt.Errorf("wrapped: %w", crypto.ErrInvalidRange), ClassRange},
		{s3.ErrInvalidRange, ClassRange},
		{crypto.ErrInvalidMetadata, ClassMetadata},
		{crypto.ErrInvalidRegionLength, ClassConfig},
		{s3.ErrNoSuchKey, ClassNotFound},
		{context.Canceled, ClassCanceled},
		{io.ErrUnexpectedEOF, ClassStorage},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorClass(tt.err), tt.err.Error())
	}
}
