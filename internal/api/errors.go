package api

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/kenneth/blobcrypt/internal/crypto"
	"github.com/kenneth/blobcrypt/internal/s3"
)

// S3Error represents an S3 style error response.
type S3Error struct {
	Code       string
	Message    string
	Resource   string
	RequestID  string
	HTTPStatus int
}

// Error implements the error interface.
func (e *S3Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WriteXML writes the error response in XML format.
func (e *S3Error) WriteXML(w http.ResponseWriter) {
	type errorResponse struct {
		XMLName   xml.Name `xml:"Error"`
		Code      string   `xml:"Code"`
		Message   string   `xml:"Message"`
		Resource  string   `xml:"Resource,omitempty"`
		RequestID string   `xml:"RequestId,omitempty"`
	}

	xmlData, err := xml.MarshalIndent(errorResponse{
		Code:      e.Code,
		Message:   e.Message,
		Resource:  e.Resource,
		RequestID: e.RequestID,
	}, "", "  ")
	if err != nil {
		http.Error(w, e.Message, e.HTTPStatus)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(e.HTTPStatus)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(xmlData)
}

// TranslateError maps pipeline, crypto and backend errors to S3 errors.
// Internal details never reach the response body.
func TranslateError(err error, bucket, key, requestID string) *S3Error {
	if err == nil {
		return nil
	}

	s3Err := &S3Error{
		Resource:  resource(bucket, key),
		RequestID: requestID,
	}

	switch {
	case errors.Is(err, s3.ErrNoSuchKey):
		s3Err.Code, s3Err.HTTPStatus = "NoSuchKey", http.StatusNotFound
		s3Err.Message = "The specified key does not exist."
	case errors.Is(err, crypto.ErrInvalidRange), errors.Is(err, s3.ErrInvalidRange):
		s3Err.Code, s3Err.HTTPStatus = "InvalidRange", http.StatusRequestedRangeNotSatisfiable
		s3Err.Message = "The requested range is not satisfiable."
	case errors.Is(err, s3.ErrMetadataTooLarge):
		s3Err.Code, s3Err.HTTPStatus = "MetadataTooLarge", http.StatusBadRequest
		s3Err.Message = "Your metadata headers exceed the maximum allowed metadata size."
	case errors.Is(err, crypto.ErrEncryptionRequired):
		s3Err.Code, s3Err.HTTPStatus = "EncryptionRequired", http.StatusForbidden
		s3Err.Message = "The blob is not encrypted and unencrypted reads are disabled."
	case errors.Is(err, crypto.ErrKeyNotFound), errors.Is(err, crypto.ErrKeyMismatch), errors.Is(err, crypto.ErrKeyUnwrap):
		s3Err.Code, s3Err.HTTPStatus = "KeyUnavailable", http.StatusInternalServerError
		s3Err.Message = "The key that encrypted this blob is not available."
	case errors.Is(err, crypto.ErrDowngrade),
		errors.Is(err, crypto.ErrIntegrity),
		errors.Is(err, crypto.ErrTruncatedCiphertext):
		s3Err.Code, s3Err.HTTPStatus = "IntegrityCheckFailed", http.StatusInternalServerError
		s3Err.Message = "The stored blob failed authentication."
	case errors.Is(err, crypto.ErrInvalidMetadata),
		errors.Is(err, crypto.ErrUnsupportedProtocol),
		errors.Is(err, crypto.ErrUnsupportedAlgorithm):
		s3Err.Code, s3Err.HTTPStatus = "InvalidEncryptionMetadata", http.StatusInternalServerError
		s3Err.Message = "The blob's encryption metadata is invalid or unsupported."
	default:
		if translateAPIError(err, s3Err) {
			return s3Err
		}
		s3Err.Code, s3Err.HTTPStatus = "InternalError", http.StatusInternalServerError
		s3Err.Message = "We encountered an internal error. Please try again."
	}
	return s3Err
}

func translateAPIError(err error, s3Err *S3Error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchBucket":
		s3Err.Code, s3Err.HTTPStatus = "NoSuchBucket", http.StatusNotFound
		s3Err.Message = "The specified bucket does not exist."
	case "AccessDenied", "Forbidden":
		s3Err.Code, s3Err.HTTPStatus = "AccessDenied", http.StatusForbidden
		s3Err.Message = "Access Denied"
	case "InvalidBucketName":
		s3Err.Code, s3Err.HTTPStatus = "InvalidBucketName", http.StatusBadRequest
		s3Err.Message = "The specified bucket is not valid."
	case "SlowDown":
		s3Err.Code, s3Err.HTTPStatus = "SlowDown", http.StatusServiceUnavailable
		s3Err.Message = "Please reduce your request rate."
	default:
		return false
	}
	return true
}

// backendRequestID returns the blob store's request id from an SDK error.
func backendRequestID(err error) string {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.ServiceRequestID()
	}
	return ""
}

func resource(bucket, key string) string {
	switch {
	case bucket == "":
		return ""
	case key == "":
		return "/" + bucket
	default:
		return "/" + bucket + "/" + key
	}
}

// ErrInvalidRequest is returned for requests without a bucket or key.
var ErrInvalidRequest = &S3Error{
	Code:       "InvalidRequest",
	Message:    "Invalid Request",
	HTTPStatus: http.StatusBadRequest,
}
