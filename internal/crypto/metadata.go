package crypto

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// EncryptionDataKey is the object metadata key carrying the JSON encoded EncryptionData.
	EncryptionDataKey = "encryptiondata"

	// EncryptionModeFullBlob is the only encryption mode written.
	EncryptionModeFullBlob = "FullBlob"

	// encryptionLibraryKey identifies the writer inside KeyWrappingMetadata.
	encryptionLibraryKey = "EncryptionLibrary"
)

// Version is recorded in KeyWrappingMetadata of every blob this library writes.
var Version = "1.0.0"

// EncryptionData is the per-blob descriptor persisted next to the ciphertext.
// Field names are part of the wire format and must not change.
type EncryptionData struct {
	EncryptionMode      string               `json:"EncryptionMode"`
	WrappedContentKey   WrappedContentKey    `json:"WrappedContentKey"`
	EncryptionAgent     EncryptionAgent      `json:"EncryptionAgent"`
	EncryptedRegionInfo *EncryptedRegionInfo `json:"EncryptedRegionInfo,omitempty"`
	KeyWrappingMetadata map[string]string    `json:"KeyWrappingMetadata,omitempty"`
	ContentEncryptionIV []byte               `json:"ContentEncryptionIV,omitempty"`
}

// WrappedContentKey is the content key wrapped under the master key KeyID.
type WrappedContentKey struct {
	KeyID        string `json:"KeyId"`
	EncryptedKey []byte `json:"EncryptedKey"`
	Algorithm    string `json:"Algorithm"`
}

// EncryptionAgent names the protocol and content algorithm.
type EncryptionAgent struct {
	Protocol            string `json:"Protocol"`
	EncryptionAlgorithm string `json:"EncryptionAlgorithm"`
}

// EncryptedRegionInfo describes the authenticated region framing of protocol 2.x.
type EncryptedRegionInfo struct {
	DataLength  int64 `json:"DataLength"`
	NonceLength int   `json:"NonceLength"`
}

// Protocol returns the protocol version or "" for a nil descriptor.
func (d *EncryptionData) Protocol() string {
	if d == nil {
		return ""
	}
	return d.EncryptionAgent.Protocol
}

// regionLength is the ciphertext size of one full region.
func (d *EncryptionData) regionLength() int64 {
	return int64(d.EncryptedRegionInfo.NonceLength) + d.EncryptedRegionInfo.DataLength + gcmTagSize
}

// regionOverhead is the nonce and tag stored with every region.
func (d *EncryptionData) regionOverhead() int64 {
	return int64(d.EncryptedRegionInfo.NonceLength) + gcmTagSize
}

// Validate checks the invariants the decryptors rely on.
func (d *EncryptionData) Validate() error {
	algorithm, err := contentAlgorithmFor(d.EncryptionAgent.Protocol)
	if err != nil {
		return err
	}
	if d.EncryptionAgent.EncryptionAlgorithm != algorithm {
		return fmt.Errorf("%w: protocol %s requires %s, got %q",
			ErrUnsupportedAlgorithm, d.EncryptionAgent.Protocol, algorithm, d.EncryptionAgent.EncryptionAlgorithm)
	}
	if d.WrappedContentKey.KeyID == "" || len(d.WrappedContentKey.EncryptedKey) == 0 {
		return fmt.Errorf("%w: wrapped content key is incomplete", ErrInvalidMetadata)
	}
	if d.WrappedContentKey.Algorithm == "" {
		return fmt.Errorf("%w: wrap algorithm is missing", ErrInvalidMetadata)
	}

	switch d.EncryptionAgent.Protocol {
	case ProtocolV1:
		if len(d.ContentEncryptionIV) != cbcBlockSize {
			return fmt.Errorf("%w: content IV must be %d bytes, got %d", ErrInvalidMetadata, cbcBlockSize, len(d.ContentEncryptionIV))
		}
	default:
		info := d.EncryptedRegionInfo
		if info == nil {
			return fmt.Errorf("%w: region info is missing", ErrInvalidMetadata)
		}
		if err := validateRegionLength(info.DataLength); err != nil {
			return err
		}
		if info.NonceLength != gcmNonceSize {
			return fmt.Errorf("%w: nonce length must be %d, got %d", ErrInvalidMetadata, gcmNonceSize, info.NonceLength)
		}
	}
	return nil
}

// Marshal encodes the descriptor as the metadata sidecar value.
func (d *EncryptionData) Marshal() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode encryption data: %w", err)
	}
	return string(b), nil
}

// ParseEncryptionData decodes and validates a sidecar value.
func ParseEncryptionData(value string) (*EncryptionData, error) {
	var d EncryptionData
	if err := json.Unmarshal([]byte(value), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// EncryptionDataFromMetadata extracts the descriptor from object metadata.
// It returns nil without error when the blob carries no encryption data.
// Keys are matched case-insensitively because storage backends and HTTP
// canonicalize metadata names differently.
func EncryptionDataFromMetadata(metadata map[string]string) (*EncryptionData, error) {
	for k, v := range metadata {
		if isEncryptionDataKey(k) {
			return ParseEncryptionData(v)
		}
	}
	return nil, nil
}

// SetEncryptionData stores the descriptor in metadata, replacing any previous value.
func SetEncryptionData(metadata map[string]string, d *EncryptionData) error {
	v, err := d.Marshal()
	if err != nil {
		return err
	}
	for k := range metadata {
		if isEncryptionDataKey(k) {
			delete(metadata, k)
		}
	}
	metadata[EncryptionDataKey] = v
	return nil
}

// UserMetadata returns a copy of metadata without the encryption descriptor.
func UserMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if !isEncryptionDataKey(k) {
			out[k] = v
		}
	}
	return out
}

func isEncryptionDataKey(k string) bool {
	k = strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
	return k == EncryptionDataKey
}

func newEncryptionData(protocol string) *EncryptionData {
	algorithm, _ := contentAlgorithmFor(protocol)
	return &EncryptionData{
		EncryptionMode: EncryptionModeFullBlob,
		EncryptionAgent: EncryptionAgent{
			Protocol:            protocol,
			EncryptionAlgorithm: algorithm,
		},
		KeyWrappingMetadata: map[string]string{
			encryptionLibraryKey: "Go blobcrypt " + Version,
		},
	}
}
