package pipeline

import (
	"context"
	"errors"

	"github.com/kenneth/blobcrypt/internal/crypto"
	"github.com/kenneth/blobcrypt/internal/s3"
)

// Error classes used as metric labels and span statuses.
const (
	ClassIntegrity          = "integrity"
	ClassDowngrade          = "downgrade"
	ClassEncryptionRequired = "encryption_required"
	ClassKey                = "key"
	ClassRange              = "range"
	ClassMetadata           = "metadata"
	ClassConfig             = "config"
	ClassNotFound           = "not_found"
	ClassCanceled           = "canceled"
	ClassStorage            = "storage"
)

// ErrorClass buckets err into a small fixed set of classes. Errors that
// match no sentinel are attributed to the blob store.
func ErrorClass(err error) string {
	switch {
	case errors.Is(err, crypto.ErrDowngrade):
		return ClassDowngrade
	case errors.Is(err, crypto.ErrKeyNotFound), errors.Is(err, crypto.ErrKeyMismatch), errors.Is(err, crypto.ErrKeyUnwrap),
		errors.Is(err, crypto.ErrNoKeyProvided):
		return ClassKey
	case errors.Is(err, crypto.ErrIntegrity), errors.Is(err, crypto.ErrTruncatedCiphertext):
		return ClassIntegrity
	case errors.Is(err, crypto.ErrEncryptionRequired):
		return ClassEncryptionRequired
	case errors.Is(err, crypto.ErrInvalidRange), errors.Is(err, s3.ErrInvalidRange):
		return ClassRange
	case errors.Is(err, crypto.ErrInvalidMetadata), errors.Is(err, crypto.ErrUnsupportedProtocol), errors.Is(err, crypto.ErrUnsupportedAlgorithm),
		errors.Is(err, s3.ErrMetadataTooLarge):
		return ClassMetadata
	case errors.Is(err, crypto.ErrInvalidConfiguration), errors.Is(err, crypto.ErrInvalidRegionLength):
		return ClassConfig
	case errors.Is(err, s3.ErrNoSuchKey):
		return ClassNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	default:
		return ClassStorage
	}
}
