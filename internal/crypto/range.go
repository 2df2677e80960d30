package crypto

import (
	"fmt"
	"strconv"
	"strings"
)

// BlobRange is a byte range on a blob. A nil Count reads to the end.
type BlobRange struct {
	Offset int64
	Count  *int64
}

// NewBlobRange validates and builds a range.
func NewBlobRange(offset int64, count *int64) (BlobRange, error) {
	if offset < 0 {
		return BlobRange{}, fmt.Errorf("%w: negative offset %d", ErrInvalidRange, offset)
	}
	if count != nil && *count < 0 {
		return BlobRange{}, fmt.Errorf("%w: negative count %d", ErrInvalidRange, *count)
	}
	return BlobRange{Offset: offset, Count: count}, nil
}

// IsFull reports whether the range covers the whole blob.
func (r BlobRange) IsFull() bool {
	return r.Offset == 0 && r.Count == nil
}

// IsEmpty reports whether the range selects no bytes.
func (r BlobRange) IsEmpty() bool {
	return r.Count != nil && *r.Count == 0
}

// HeaderValue formats the range as an HTTP Range header value.
func (r BlobRange) HeaderValue() string {
	if r.Count == nil {
		return fmt.Sprintf("bytes=%d-", r.Offset)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+*r.Count-1)
}

func (r BlobRange) String() string {
	return r.HeaderValue()
}

// RangeSpec is a parsed HTTP Range header with a single range.
type RangeSpec struct {
	Start        int64
	End          int64 // inclusive, -1 when open ended
	SuffixLength int64 // > 0 for "bytes=-n"
}

// ParseHTTPRange parses "bytes=a-b", "bytes=a-" and "bytes=-n".
func ParseHTTPRange(header string) (RangeSpec, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return RangeSpec{}, fmt.Errorf("%w: unsupported range %q", ErrInvalidRange, header)
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return RangeSpec{}, fmt.Errorf("%w: malformed range %q", ErrInvalidRange, header)
	}

	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return RangeSpec{}, fmt.Errorf("%w: malformed suffix range %q", ErrInvalidRange, header)
		}
		return RangeSpec{End: -1, SuffixLength: n}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return RangeSpec{}, fmt.Errorf("%w: malformed range start %q", ErrInvalidRange, header)
	}
	if endStr == "" {
		return RangeSpec{Start: start, End: -1}, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return RangeSpec{}, fmt.Errorf("%w: malformed range end %q", ErrInvalidRange, header)
	}
	return RangeSpec{Start: start, End: end}, nil
}

// NeedsLength reports whether Resolve needs the real blob length.
func (s RangeSpec) NeedsLength() bool {
	return s.SuffixLength > 0
}

// BlobRange converts a start based spec without knowing the blob length.
func (s RangeSpec) BlobRange() (BlobRange, error) {
	if s.NeedsLength() {
		return BlobRange{}, fmt.Errorf("%w: suffix range needs the blob length", ErrInvalidRange)
	}
	if s.End < 0 {
		return BlobRange{Offset: s.Start}, nil
	}
	count := s.End - s.Start + 1
	return BlobRange{Offset: s.Start, Count: &count}, nil
}

// Resolve resolves the range against a blob of the given plaintext length,
// clamping the end like HTTP servers do.
func (s RangeSpec) Resolve(length int64) (BlobRange, error) {
	if s.NeedsLength() {
		n := min(s.SuffixLength, length)
		return BlobRange{Offset: length - n, Count: &n}, nil
	}
	if s.Start >= length && length > 0 {
		return BlobRange{}, fmt.Errorf("%w: start %d beyond length %d", ErrInvalidRange, s.Start, length)
	}
	end := length - 1
	if s.End >= 0 && s.End < end {
		end = s.End
	}
	count := max(end-s.Start+1, 0)
	return BlobRange{Offset: s.Start, Count: &count}, nil
}

// ParseContentRange parses "bytes a-b/total". Total is -1 when unknown ("*").
func ParseContentRange(header string) (start, end, total int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: malformed content range %q", ErrInvalidRange, header)
	}
	rng, size, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: malformed content range %q", ErrInvalidRange, header)
	}
	startStr, endStr, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: malformed content range %q", ErrInvalidRange, header)
	}
	if start, err = strconv.ParseInt(startStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: malformed content range %q", ErrInvalidRange, header)
	}
	if end, err = strconv.ParseInt(endStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: malformed content range %q", ErrInvalidRange, header)
	}
	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("%w: malformed content range %q", ErrInvalidRange, header)
		}
	}
	return start, end, total, nil
}

// EncryptedBlobRange maps a plaintext range to the ciphertext range that must
// be fetched, and records how much decrypted output to discard.
//
// OffsetAdjustment is the distance from DownloadOffset (V1) or from the start of
// the first fetched region's plaintext (V2) back to the requested offset.
// AdjustedDownloadCount is nil until known for open ended reads.
type EncryptedBlobRange struct {
	Original              BlobRange
	DownloadOffset        int64
	OffsetAdjustment      int64
	AdjustedDownloadCount *int64

	protocol   string
	ivInStream bool
}

// NewEncryptedBlobRange computes the fetch range for a plaintext range.
// A nil descriptor yields a pass-through range for unencrypted blobs.
func NewEncryptedBlobRange(d *EncryptionData, r BlobRange) (*EncryptedBlobRange, error) {
	if _, err := NewBlobRange(r.Offset, r.Count); err != nil {
		return nil, err
	}
	er := &EncryptedBlobRange{Original: r, protocol: d.Protocol()}

	switch er.protocol {
	case "":
		er.DownloadOffset = r.Offset
		er.AdjustedDownloadCount = copyCount(r.Count)

	case ProtocolV1:
		aligned := r.Offset - r.Offset%cbcBlockSize
		if aligned >= cbcBlockSize {
			// The preceding ciphertext block chains into the first wanted block.
			er.DownloadOffset = aligned - cbcBlockSize
			er.ivInStream = true
		}
		er.OffsetAdjustment = r.Offset - er.DownloadOffset
		if r.Count != nil {
			fetchEnd := roundUp(r.Offset+*r.Count, cbcBlockSize)
			n := max(fetchEnd-er.DownloadOffset, 0)
			if *r.Count == 0 {
				n = 0
			}
			er.AdjustedDownloadCount = &n
		}

	case ProtocolV2, ProtocolV2_1:
		if d.EncryptedRegionInfo == nil {
			return nil, fmt.Errorf("%w: region info is missing", ErrInvalidMetadata)
		}
		dataLen := d.EncryptedRegionInfo.DataLength
		regionLen := d.regionLength()
		startRegion := r.Offset / dataLen
		er.DownloadOffset = startRegion * regionLen
		er.OffsetAdjustment = r.Offset - startRegion*dataLen
		if r.Count != nil {
			var n int64
			if *r.Count > 0 {
				endRegion := (r.Offset + *r.Count - 1) / dataLen
				n = (endRegion+1)*regionLen - er.DownloadOffset
			}
			er.AdjustedDownloadCount = &n
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, er.protocol)
	}
	return er, nil
}

// ToBlobRange returns the ciphertext range to fetch.
func (r *EncryptedBlobRange) ToBlobRange() BlobRange {
	return BlobRange{Offset: r.DownloadOffset, Count: copyCount(r.AdjustedDownloadCount)}
}

// SetAdjustedDownloadCount records the fetched length of an open ended read.
// It may only be called once, and only while the count is unknown.
func (r *EncryptedBlobRange) SetAdjustedDownloadCount(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative download count %d", ErrInvalidRange, n)
	}
	if r.AdjustedDownloadCount != nil {
		return fmt.Errorf("%w: download count already resolved", ErrInvalidRange)
	}
	r.AdjustedDownloadCount = &n
	return nil
}

// PaddingExpected reports whether a V1 fetch reaches the final padded block of a
// blob whose ciphertext is totalLength bytes.
func (r *EncryptedBlobRange) PaddingExpected(totalLength int64) bool {
	if r.protocol != ProtocolV1 {
		return false
	}
	if r.AdjustedDownloadCount == nil {
		return true
	}
	return r.DownloadOffset+*r.AdjustedDownloadCount >= totalLength
}

// leadingTrim is the number of decrypted bytes to drop before the requested offset.
func (r *EncryptedBlobRange) leadingTrim() int64 {
	if r.ivInStream {
		return r.OffsetAdjustment - cbcBlockSize
	}
	return r.OffsetAdjustment
}

// ComputeAdjustedBlobLength returns the logical plaintext length of a stored blob.
// For V1 the stored length is returned unchanged, padding included. The
// result is never negative; ValidateStoredLength reports lengths no
// encryptor produces.
func ComputeAdjustedBlobLength(d *EncryptionData, storedLength int64) int64 {
	switch d.Protocol() {
	case ProtocolV2, ProtocolV2_1:
		if d.EncryptedRegionInfo == nil {
			return storedLength
		}
		regionLen := d.regionLength()
		regions := (storedLength + regionLen - 1) / regionLen
		return max(storedLength-regions*d.regionOverhead(), 0)
	default:
		return storedLength
	}
}

// ValidateStoredLength checks that storedLength is a length the blob's
// protocol can produce: whole blocks for V1, and a final region holding
// at least its nonce and tag for V2.
func ValidateStoredLength(d *EncryptionData, storedLength int64) error {
	switch d.Protocol() {
	case ProtocolV1:
		if storedLength < cbcBlockSize || storedLength%cbcBlockSize != 0 {
			return fmt.Errorf("%w: stored length %d is not a whole number of blocks", ErrTruncatedCiphertext, storedLength)
		}
	case ProtocolV2, ProtocolV2_1:
		if d.EncryptedRegionInfo == nil {
			return nil
		}
		if tail := storedLength % d.regionLength(); tail > 0 && tail < d.regionOverhead() {
			return fmt.Errorf("%w: final region is %d bytes, shorter than its nonce and tag", ErrTruncatedCiphertext, tail)
		}
	}
	return nil
}

func roundUp(n, multiple int64) int64 {
	return (n + multiple - 1) / multiple * multiple
}

func copyCount(c *int64) *int64 {
	if c == nil {
		return nil
	}
	n := *c
	return &n
}
