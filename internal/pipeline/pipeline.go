// Package pipeline drives uploads, ranged downloads and length queries of
// client-side encrypted blobs against a blob store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/blobcrypt/internal/audit"
	"github.com/kenneth/blobcrypt/internal/cache"
	"github.com/kenneth/blobcrypt/internal/crypto"
	"github.com/kenneth/blobcrypt/internal/metrics"
	"github.com/kenneth/blobcrypt/internal/s3"
)

const tracerName = "github.com/kenneth/blobcrypt/internal/pipeline"

// Settings are the per-bucket encryption choices.
type Settings struct {
	Encryptor         crypto.Encryptor
	RequireEncryption bool
}

// SettingsFunc returns the settings that apply to bucket.
type SettingsFunc func(bucket string) (Settings, error)

// Config configures a Pipeline. Client and Keys are required, and either
// Encryptor or Settings must be set. Metrics, Audit and InfoCache are
// optional.
type Config struct {
	Client            s3.Client
	Keys              crypto.KeySource
	Encryptor         crypto.Encryptor
	RequireEncryption bool
	Settings          SettingsFunc
	Logger            *logrus.Logger
	Metrics           *metrics.Metrics
	Audit             audit.Logger
	// InfoCache remembers Head results. Upload and Delete through this
	// Pipeline invalidate the affected entry.
	InfoCache *cache.Cache[BlobInfo]
}

// Pipeline encrypts on upload and decrypts on download.
type Pipeline struct {
	client   s3.Client
	keys     crypto.KeySource
	settings SettingsFunc
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	audit    audit.Logger
	tracer   trace.Tracer
	info     *cache.Cache[BlobInfo]
}

// Blob is a decrypted download. The caller must close Body; closing it
// releases the content key and the underlying storage response.
type Blob struct {
	Body io.ReadCloser
	// Range is the plaintext range requested.
	Range crypto.BlobRange
	// Protocol is the blob's protocol, or "" for an unencrypted blob.
	Protocol string
	Metadata map[string]string
}

// BlobInfo describes a stored blob in plaintext terms.
type BlobInfo struct {
	// Size is the plaintext length.
	Size int64
	// StoredSize is the length of the stored ciphertext.
	StoredSize   int64
	Protocol     string
	KeyID        string
	Metadata     map[string]string
	ETag         string
	LastModified time.Time
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("%w: a storage client is required", crypto.ErrInvalidConfiguration)
	}
	if err := cfg.Keys.Validate(); err != nil {
		return nil, err
	}
	settings := cfg.Settings
	if settings == nil {
		if cfg.Encryptor == nil {
			return nil, fmt.Errorf("%w: an encryptor or a settings function is required", crypto.ErrInvalidConfiguration)
		}
		fixed := Settings{Encryptor: cfg.Encryptor, RequireEncryption: cfg.RequireEncryption}
		settings = func(string) (Settings, error) { return fixed, nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pipeline{
		client:   cfg.Client,
		keys:     cfg.Keys,
		settings: settings,
		logger:   logger,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		tracer:   otel.Tracer(tracerName),
		info:     cfg.InfoCache,
	}, nil
}

// Upload encrypts body and stores it with the encryption descriptor added
// to metadata. It returns the descriptor that was stored.
func (p *Pipeline) Upload(ctx context.Context, bucket, key string, body io.Reader, metadata map[string]string) (_ *crypto.EncryptionData, err error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.Upload", trace.WithAttributes(
		attribute.String("blob.bucket", bucket),
	))
	var (
		data      *crypto.EncryptionData
		plaintext = &countingReader{r: body}
	)
	defer func() {
		info := cryptoInfo(data, "")
		p.finish(ctx, span, "upload", info.Protocol, start, plaintext.n, err)
		p.auditCrypto(ctx, audit.EventTypeEncrypt, bucket, key, info, err, start)
	}()

	settings, err := p.settings(bucket)
	if err != nil {
		return nil, err
	}

	ciphertext, data, err := settings.Encryptor.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt %s/%s: %w", bucket, key, err)
	}
	span.SetAttributes(attribute.String("blob.protocol", data.Protocol()))

	meta := make(map[string]string, len(metadata)+1)
	maps.Copy(meta, metadata)
	if err := crypto.SetEncryptionData(meta, data); err != nil {
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"bucket":   bucket,
		"key":      key,
		"protocol": data.Protocol(),
		"key_id":   data.WrappedContentKey.KeyID,
	}).Debug("Uploading encrypted blob")

	backendStart := time.Now()
	err = p.client.PutObject(ctx, bucket, key, ciphertext, meta)
	p.recordBackend("put", backendStart, err)
	p.forget(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Download returns the plaintext of rng. A full range is served from a
// single storage request; any other range first reads the blob's metadata
// to map the range onto the ciphertext.
func (p *Pipeline) Download(ctx context.Context, bucket, key string, rng crypto.BlobRange) (*Blob, error) {
	if _, err := crypto.NewBlobRange(rng.Offset, rng.Count); err != nil {
		return nil, err
	}
	blob, _, err := p.download(ctx, bucket, key, rangeRequest{rng: rng})
	return blob, err
}

// DownloadRange resolves spec against the blob's plaintext length and
// returns that range of the plaintext together with the blob's
// description. The metadata is read and the content key unwrapped once
// for both. An unsatisfiable range fails with crypto.ErrInvalidRange and
// still returns the description.
func (p *Pipeline) DownloadRange(ctx context.Context, bucket, key string, spec crypto.RangeSpec) (*Blob, *BlobInfo, error) {
	return p.download(ctx, bucket, key, rangeRequest{spec: &spec})
}

// rangeRequest is either a plaintext range or a Range header still to be
// resolved against the plaintext length.
type rangeRequest struct {
	rng  crypto.BlobRange
	spec *crypto.RangeSpec
}

// source is a stored blob whose descriptor has been read. Its content key
// is unwrapped on first use and shared by the reads of one operation.
type source struct {
	bucket, key string
	// info is nil when the descriptor arrived with a full GET.
	info       *s3.ObjectInfo
	data       *crypto.EncryptionData
	dec        crypto.Decryptor
	contentKey []byte
	unwrapped  bool
}

func (s *source) release() {
	clear(s.contentKey)
}

func (p *Pipeline) download(ctx context.Context, bucket, key string, req rangeRequest) (_ *Blob, _ *BlobInfo, err error) {
	start := time.Now()
	rng := req.rng
	ctx, span := p.tracer.Start(ctx, "pipeline.Download", trace.WithAttributes(
		attribute.String("blob.bucket", bucket),
	))
	var (
		src       *source
		data      *crypto.EncryptionData
		handedOff bool
	)
	defer func() {
		if handedOff {
			return
		}
		if src != nil {
			src.release()
		}
		p.finish(ctx, span, "download", data.Protocol(), start, 0, err)
		p.auditCrypto(ctx, audit.EventTypeDecrypt, bucket, key, cryptoInfo(data, rng.String()), err, start)
	}()

	settings, err := p.settings(bucket)
	if err != nil {
		return nil, nil, err
	}

	var (
		info *s3.ObjectInfo
		obj  *s3.Object
		meta map[string]string
	)
	if req.spec == nil && rng.IsFull() {
		obj, err = p.getObject(ctx, bucket, key, nil)
		if err != nil {
			return nil, nil, err
		}
		meta = obj.Metadata
	} else {
		info, err = p.headObject(ctx, bucket, key)
		if err != nil {
			return nil, nil, err
		}
		meta = info.Metadata
	}
	closeObj := func() {
		if obj != nil {
			obj.Body.Close()
		}
	}

	data, err = crypto.EncryptionDataFromMetadata(meta)
	if err != nil {
		closeObj()
		return nil, nil, err
	}
	dec, err := crypto.GetDecryptor(data, settings.RequireEncryption)
	if err != nil {
		closeObj()
		return nil, nil, err
	}
	span.SetAttributes(attribute.String("blob.protocol", dec.Protocol()))
	src = &source{bucket: bucket, key: key, info: info, data: data, dec: dec}

	var described *BlobInfo
	if req.spec != nil {
		size, err := p.sizeOf(ctx, src)
		if err != nil {
			return nil, nil, err
		}
		described = newBlobInfo(info, data, size)
		p.remember(ctx, bucket, key, described)
		rng, err = req.spec.Resolve(size)
		if err == nil && size == 0 {
			err = fmt.Errorf("%w: blob is empty", crypto.ErrInvalidRange)
		}
		if err != nil {
			return nil, described, err
		}
	}
	span.SetAttributes(attribute.String("blob.range", rng.String()))

	blob := &Blob{Range: rng, Protocol: dec.Protocol(), Metadata: crypto.UserMetadata(meta)}
	if rng.IsEmpty() || (info != nil && rng.Offset == 0 && p.emptyBlob(data, info.Size)) {
		closeObj()
		blob.Body = io.NopCloser(strings.NewReader(""))
		return blob, described, nil
	}
	if req.spec == nil && info != nil {
		if err := p.checkOffset(ctx, src, rng); err != nil {
			return nil, nil, err
		}
	}

	plaintext, obj, err := p.decrypt(ctx, src, rng, obj)
	if err != nil {
		return nil, described, err
	}

	handedOff = true
	blob.Body = &downloadBody{
		r:    plaintext,
		body: obj.Body,
		key:  src.contentKey,
		done: func(n int64, readErr error) {
			p.finish(ctx, span, "download", dec.Protocol(), start, n, readErr)
			p.auditCrypto(ctx, audit.EventTypeDecrypt, bucket, key, cryptoInfo(data, rng.String()), readErr, start)
		},
	}
	return blob, described, nil
}

// decrypt maps rng onto the ciphertext, fetches it unless obj already
// holds the whole blob, and returns the plaintext stream with the storage
// response it reads from. obj is closed on error.
func (p *Pipeline) decrypt(ctx context.Context, src *source, rng crypto.BlobRange, obj *s3.Object) (io.Reader, *s3.Object, error) {
	closeObj := func() {
		if obj != nil {
			obj.Body.Close()
		}
	}

	er, err := crypto.NewEncryptedBlobRange(src.data, rng)
	if err != nil {
		closeObj()
		return nil, nil, err
	}
	contentKey, err := p.sourceKey(ctx, src)
	if err != nil {
		closeObj()
		return nil, nil, err
	}

	if obj == nil {
		fetch := er.ToBlobRange()
		var header *string
		if !fetch.IsFull() {
			h := fetch.HeaderValue()
			header = &h
		}
		obj, err = p.getObject(ctx, src.bucket, src.key, header)
		if err != nil {
			return nil, nil, err
		}
	}

	total, err := ciphertextTotal(obj, src.info)
	if err != nil {
		closeObj()
		return nil, nil, err
	}
	if er.AdjustedDownloadCount == nil {
		if err := er.SetAdjustedDownloadCount(obj.ContentLength); err != nil {
			closeObj()
			return nil, nil, err
		}
	}
	paddingExpected := er.PaddingExpected(total)

	p.logger.WithFields(logrus.Fields{
		"bucket":            src.bucket,
		"key":               src.key,
		"protocol":          src.dec.Protocol(),
		"range":             rng.String(),
		"download_offset":   er.DownloadOffset,
		"download_count":    *er.AdjustedDownloadCount,
		"offset_adjustment": er.OffsetAdjustment,
		"padding_expected":  paddingExpected,
	}).Debug("Decrypting blob range")

	if p.metrics != nil && rng.Count != nil {
		p.metrics.RecordRangeOverfetch(*er.AdjustedDownloadCount - *rng.Count)
	}

	plaintext, err := src.dec.Decrypt(obj.Body, er, paddingExpected, contentKey)
	if err != nil {
		closeObj()
		return nil, nil, err
	}
	return plaintext, obj, nil
}

// sourceKey unwraps the content key of src once.
func (p *Pipeline) sourceKey(ctx context.Context, src *source) ([]byte, error) {
	if src.unwrapped {
		return src.contentKey, nil
	}
	contentKey, err := p.unwrapKey(ctx, src.dec, src.data, src.bucket, src.key)
	if err != nil {
		return nil, err
	}
	src.contentKey, src.unwrapped = contentKey, true
	return contentKey, nil
}

// Head returns the plaintext length and descriptor of a stored blob. For
// protocol 1.0 the length is exact only after decrypting the final block,
// which costs one small ranged read.
func (p *Pipeline) Head(ctx context.Context, bucket, key string) (_ *BlobInfo, err error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.Head", trace.WithAttributes(
		attribute.String("blob.bucket", bucket),
	))
	var data *crypto.EncryptionData
	defer func() {
		p.finish(ctx, span, "head", data.Protocol(), start, 0, err)
	}()

	settings, err := p.settings(bucket)
	if err != nil {
		return nil, err
	}
	if p.info != nil {
		// An unencrypted entry falls through when encryption is required so
		// the usual error is returned.
		if cached, ok := p.info.Get(ctx, bucket, key); ok && (cached.Protocol != "" || !settings.RequireEncryption) {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			cached.Metadata = maps.Clone(cached.Metadata)
			return &cached, nil
		}
	}
	info, err := p.headObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	data, err = crypto.EncryptionDataFromMetadata(info.Metadata)
	if err != nil {
		return nil, err
	}
	dec, err := crypto.GetDecryptor(data, settings.RequireEncryption)
	if err != nil {
		return nil, err
	}

	src := &source{bucket: bucket, key: key, info: info, data: data, dec: dec}
	defer src.release()
	size, err := p.plaintextSize(ctx, src)
	if err != nil {
		return nil, err
	}
	out := newBlobInfo(info, data, size)
	p.remember(ctx, bucket, key, out)
	return out, nil
}

func newBlobInfo(info *s3.ObjectInfo, data *crypto.EncryptionData, size int64) *BlobInfo {
	out := &BlobInfo{
		Size:         size,
		StoredSize:   info.Size,
		Protocol:     data.Protocol(),
		Metadata:     crypto.UserMetadata(info.Metadata),
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}
	if data != nil {
		out.KeyID = data.WrappedContentKey.KeyID
	}
	return out
}

// plaintextSize returns the plaintext length of a blob whose stored size
// is known. For protocol 1.0 the final block is decrypted; its padding
// reveals how many of its bytes are plaintext.
func (p *Pipeline) plaintextSize(ctx context.Context, src *source) (int64, error) {
	if err := crypto.ValidateStoredLength(src.data, src.info.Size); err != nil {
		return 0, err
	}
	if src.data.Protocol() != crypto.ProtocolV1 {
		return crypto.ComputeAdjustedBlobLength(src.data, src.info.Size), nil
	}

	lastBlock := src.info.Size - aesBlockSize
	plaintext, obj, err := p.decrypt(ctx, src, crypto.BlobRange{Offset: lastBlock}, nil)
	if err != nil {
		return 0, err
	}
	defer obj.Body.Close()
	n, err := io.Copy(io.Discard, plaintext)
	if err != nil {
		return 0, err
	}
	return lastBlock + n, nil
}

// sizeOf is plaintextSize, answered from the info cache when it holds a
// Head result for the same stored object.
func (p *Pipeline) sizeOf(ctx context.Context, src *source) (int64, error) {
	if p.info != nil && src.info.ETag != "" {
		if cached, ok := p.info.Get(ctx, src.bucket, src.key); ok &&
			cached.ETag == src.info.ETag && cached.StoredSize == src.info.Size {
			return cached.Size, nil
		}
	}
	return p.plaintextSize(ctx, src)
}

// checkOffset rejects a range starting at or past the end of the
// plaintext. For protocol 1.0 only offsets within the final block need the
// exact length.
func (p *Pipeline) checkOffset(ctx context.Context, src *source, rng crypto.BlobRange) error {
	if rng.Offset == 0 {
		return nil
	}
	if src.data.Protocol() == crypto.ProtocolV1 && rng.Offset < src.info.Size-aesBlockSize {
		return nil
	}
	length, err := p.sizeOf(ctx, src)
	if err != nil {
		return err
	}
	if rng.Offset >= length {
		return fmt.Errorf("%w: offset %d beyond length %d", crypto.ErrInvalidRange, rng.Offset, length)
	}
	return nil
}

// Delete removes a stored blob.
func (p *Pipeline) Delete(ctx context.Context, bucket, key string) (err error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.Delete", trace.WithAttributes(
		attribute.String("blob.bucket", bucket),
	))
	defer func() {
		p.finish(ctx, span, "delete", "", start, 0, err)
		if p.audit != nil {
			p.audit.LogAccess(ctx, bucket, key, err, time.Since(start))
		}
	}()

	backendStart := time.Now()
	err = p.client.DeleteObject(ctx, bucket, key)
	p.recordBackend("delete", backendStart, err)
	p.forget(ctx, bucket, key)
	return err
}

func (p *Pipeline) remember(ctx context.Context, bucket, key string, info *BlobInfo) {
	if p.info != nil {
		cached := *info
		cached.Metadata = maps.Clone(info.Metadata)
		p.info.Set(ctx, bucket, key, cached, 0)
	}
}

func (p *Pipeline) forget(ctx context.Context, bucket, key string) {
	if p.info != nil {
		p.info.Delete(ctx, bucket, key)
	}
}

// aesBlockSize is the protocol 1.0 cipher block size.
const aesBlockSize = 16

func (p *Pipeline) unwrapKey(ctx context.Context, dec crypto.Decryptor, data *crypto.EncryptionData, bucket, key string) ([]byte, error) {
	if data == nil {
		return dec.UnwrapKey(ctx, p.keys)
	}
	start := time.Now()
	_, span := p.tracer.Start(ctx, "pipeline.UnwrapKey", trace.WithAttributes(
		attribute.String("key.id", data.WrappedContentKey.KeyID),
		attribute.String("key.algorithm", data.WrappedContentKey.Algorithm),
	))
	defer span.End()

	contentKey, err := dec.UnwrapKey(ctx, p.keys)
	if p.metrics != nil {
		p.metrics.RecordKeyUnwrap(data.WrappedContentKey.Algorithm, err == nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unwrap failed")
		p.auditCrypto(ctx, audit.EventTypeKeyUnwrap, bucket, key, cryptoInfo(data, ""), err, start)
		return nil, err
	}
	return contentKey, nil
}

func (p *Pipeline) headObject(ctx context.Context, bucket, key string) (*s3.ObjectInfo, error) {
	start := time.Now()
	info, err := p.client.HeadObject(ctx, bucket, key)
	p.recordBackend("head", start, err)
	return info, err
}

func (p *Pipeline) getObject(ctx context.Context, bucket, key string, rangeHeader *string) (*s3.Object, error) {
	start := time.Now()
	obj, err := p.client.GetObject(ctx, bucket, key, rangeHeader)
	p.recordBackend("get", start, err)
	if errors.Is(err, s3.ErrInvalidRange) {
		return nil, fmt.Errorf("%w: %w", crypto.ErrInvalidRange, err)
	}
	return obj, err
}

// emptyBlob reports whether a blob holds no plaintext, judging from its
// stored length alone.
func (p *Pipeline) emptyBlob(data *crypto.EncryptionData, storedSize int64) bool {
	switch data.Protocol() {
	case crypto.ProtocolV1:
		return false
	default:
		return crypto.ValidateStoredLength(data, storedSize) == nil &&
			crypto.ComputeAdjustedBlobLength(data, storedSize) == 0
	}
}

// ciphertextTotal returns the full stored length for a fetched object.
func ciphertextTotal(obj *s3.Object, info *s3.ObjectInfo) (int64, error) {
	if obj.ContentRange != "" {
		_, _, total, err := crypto.ParseContentRange(obj.ContentRange)
		if err != nil {
			return 0, err
		}
		if total >= 0 {
			return total, nil
		}
	}
	if info != nil {
		return info.Size, nil
	}
	return obj.ContentLength, nil
}

func (p *Pipeline) recordBackend(operation string, start time.Time, err error) {
	if p.metrics != nil {
		p.metrics.RecordBackendOperation(operation, time.Since(start), err)
	}
}

// finish ends span and records the outcome of operation.
func (p *Pipeline) finish(ctx context.Context, span trace.Span, operation, protocol string, start time.Time, bytes int64, err error) {
	defer span.End()
	if err != nil {
		class := ErrorClass(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, class)
		if p.metrics != nil {
			p.metrics.RecordBlobError(operation, class)
		}
		p.logger.WithContext(ctx).WithFields(logrus.Fields{
			"operation":  operation,
			"protocol":   protocol,
			"error_type": class,
		}).WithError(err).Warn("Blob operation failed")
		return
	}
	span.SetAttributes(attribute.Int64("blob.plaintext_bytes", bytes))
	if p.metrics != nil {
		p.metrics.RecordBlobOperation(operation, protocol, time.Since(start), bytes)
	}
}

func (p *Pipeline) auditCrypto(ctx context.Context, eventType audit.EventType, bucket, key string, info audit.CryptoInfo, err error, start time.Time) {
	if p.audit == nil {
		return
	}
	if info.Protocol == "" && eventType != audit.EventTypeKeyUnwrap {
		p.audit.LogAccess(ctx, bucket, key, err, time.Since(start))
		return
	}
	p.audit.LogCrypto(ctx, eventType, bucket, key, info, err, time.Since(start))
}

func cryptoInfo(data *crypto.EncryptionData, rng string) audit.CryptoInfo {
	info := audit.CryptoInfo{Protocol: data.Protocol(), Range: rng}
	if data != nil {
		info.KeyID = data.WrappedContentKey.KeyID
		info.WrapAlgorithm = data.WrappedContentKey.Algorithm
	}
	return info
}
