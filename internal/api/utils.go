package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/kenneth/blobcrypt/internal/crypto"
)

const (
	metaHeaderPrefix = "X-Amz-Meta-"

	// ProtocolHeader reports the encryption protocol of a blob.
	ProtocolHeader = "X-Blobcrypt-Protocol"
	// KeyIDHeader reports the id of the key that wraps a blob's content key.
	KeyIDHeader = "X-Blobcrypt-Key-Id"
)

// metadataFromHeaders collects x-amz-meta-* request headers as user
// metadata with lower-case names. The encryption descriptor name is
// reserved.
func metadataFromHeaders(h http.Header) (map[string]string, error) {
	metadata := make(map[string]string)
	for name, values := range h {
		suffix, ok := strings.CutPrefix(http.CanonicalHeaderKey(name), metaHeaderPrefix)
		if !ok || suffix == "" || len(values) == 0 {
			continue
		}
		suffix = strings.ToLower(suffix)
		if suffix == strings.ToLower(crypto.EncryptionDataKey) {
			return nil, fmt.Errorf("metadata name %q is reserved", suffix)
		}
		metadata[suffix] = strings.Join(values, ",")
	}
	return metadata, nil
}

// setBlobHeaders writes user metadata as x-amz-meta-* response headers
// along with the blob's protocol.
func setBlobHeaders(w http.ResponseWriter, protocol string, metadata map[string]string) {
	header := w.Header()
	for k, v := range metadata {
		header.Set(metaHeaderPrefix+k, v)
	}
	if protocol != "" {
		header.Set(ProtocolHeader, protocol)
	}
	header.Set("Accept-Ranges", "bytes")
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/octet-stream")
	}
}
