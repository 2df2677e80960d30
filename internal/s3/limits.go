package s3

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMetadataTooLarge is returned when an object's user metadata exceeds
// what the backend provider accepts on PUT.
var ErrMetadataTooLarge = errors.New("metadata too large")

// ProviderLimits describes the header limits of an S3-compatible provider.
type ProviderLimits struct {
	Name string
	// UserMetadataLimit caps the x-amz-meta-* headers, 0 = unlimited.
	UserMetadataLimit int
}

var (
	limitsAWS     = ProviderLimits{Name: "aws", UserMetadataLimit: 2048}
	limitsMinIO   = ProviderLimits{Name: "minio", UserMetadataLimit: 2048}
	limitsWasabi  = ProviderLimits{Name: "wasabi", UserMetadataLimit: 2048}
	limitsHetzner = ProviderLimits{Name: "hetzner", UserMetadataLimit: 2048}
	// Unknown providers get the AWS limit.
	limitsDefault = ProviderLimits{Name: "default", UserMetadataLimit: 2048}
)

// LimitsFor returns the limits of the named provider.
func LimitsFor(provider string) ProviderLimits {
	switch strings.ToLower(provider) {
	case "aws", "amazon", "s3":
		return limitsAWS
	case "minio", "min.io":
		return limitsMinIO
	case "wasabi":
		return limitsWasabi
	case "hetzner":
		return limitsHetzner
	default:
		return limitsDefault
	}
}

// MetadataSize is the number of bytes metadata occupies as x-amz-meta-*
// request headers.
func MetadataSize(metadata map[string]string) int {
	size := 0
	for k, v := range metadata {
		name := strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		// "x-amz-meta-" + name + ": " + value + "\r\n"
		size += len("x-amz-meta-") + len(name) + 2 + len(v) + 2
	}
	return size
}

// CheckMetadata reports ErrMetadataTooLarge when metadata does not fit.
func (l ProviderLimits) CheckMetadata(metadata map[string]string) error {
	if l.UserMetadataLimit == 0 {
		return nil
	}
	if size := MetadataSize(metadata); size > l.UserMetadataLimit {
		return fmt.Errorf("%w: %d bytes exceeds the %s limit of %d bytes",
			ErrMetadataTooLarge, size, l.Name, l.UserMetadataLimit)
	}
	return nil
}
