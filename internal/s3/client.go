package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/kenneth/blobcrypt/internal/config"
)

var (
	// ErrNoSuchKey is returned when the requested object does not exist.
	ErrNoSuchKey = errors.New("no such key")
	// ErrInvalidRange is returned when a range starts at or beyond the end of the object.
	ErrInvalidRange = errors.New("requested range not satisfiable")
)

// Client is the blob store interface the encryption pipeline drives.
type Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, metadata map[string]string) error
	// GetObject fetches an object. A nil rangeHeader fetches the whole object.
	GetObject(ctx context.Context, bucket, key string, rangeHeader *string) (*Object, error)
	HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

// Object is the result of GetObject. The caller must close Body.
type Object struct {
	Body          io.ReadCloser
	Metadata      map[string]string
	ContentLength int64
	// ContentRange is the Content-Range of a ranged response, empty otherwise.
	ContentRange string
}

// ObjectInfo holds information about a stored object.
type ObjectInfo struct {
	Size         int64
	Metadata     map[string]string
	ETag         string
	LastModified time.Time
}

// s3Client implements the Client interface using AWS SDK v2.
type s3Client struct {
	client *s3.Client
	config *config.BackendConfig
}

// NewClient creates a new S3 backend client.
func NewClient(ctx context.Context, cfg *config.BackendConfig) (Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint for non-AWS providers
	s3Options := []func(*s3.Options){}
	if cfg.Endpoint != "" && cfg.Provider != "aws" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &s3Client{
		client: s3.NewFromConfig(awsCfg, s3Options...),
		config: cfg,
	}, nil
}

// PutObject uploads an object to S3. Metadata over the provider's header
// limit is rejected before the body is read.
func (c *s3Client) PutObject(ctx context.Context, bucket, key string, reader io.Reader, metadata map[string]string) error {
	if err := LimitsFor(c.config.Provider).CheckMetadata(metadata); err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err)
	}

	// The SDK needs a seekable body to sign the payload.
	body, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read object data: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata:      convertMetadata(metadata),
	}

	if _, err := c.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, translateError(err))
	}
	return nil
}

// GetObject retrieves an object, or a byte range of it, from S3.
func (c *s3Client) GetObject(ctx context.Context, bucket, key string, rangeHeader *string) (*Object, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if rangeHeader != nil && *rangeHeader != "" {
		input.Range = rangeHeader
	}

	result, err := c.client.GetObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s/%s: %w", bucket, key, translateError(err))
	}

	return &Object{
		Body:          result.Body,
		Metadata:      extractMetadata(result.Metadata),
		ContentLength: aws.ToInt64(result.ContentLength),
		ContentRange:  aws.ToString(result.ContentRange),
	}, nil
}

// DeleteObject deletes an object from S3.
func (c *s3Client) DeleteObject(ctx context.Context, bucket, key string) error {
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}

	if _, err := c.client.DeleteObject(ctx, input); err != nil {
		return fmt.Errorf("failed to delete object %s/%s: %w", bucket, key, translateError(err))
	}
	return nil
}

// HeadObject retrieves object metadata without the body.
func (c *s3Client) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}

	result, err := c.client.HeadObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to head object %s/%s: %w", bucket, key, translateError(err))
	}

	return &ObjectInfo{
		Size:         aws.ToInt64(result.ContentLength),
		Metadata:     extractMetadata(result.Metadata),
		ETag:         strings.Trim(aws.ToString(result.ETag), "\""),
		LastModified: aws.ToTime(result.LastModified),
	}, nil
}

// translateError maps S3 API error codes onto the package sentinels,
// keeping the SDK error in the chain.
func translateError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %w", ErrNoSuchKey, err)
	case "InvalidRange":
		return fmt.Errorf("%w: %w", ErrInvalidRange, err)
	}
	return err
}

// convertMetadata converts a map[string]string to AWS metadata format.
// The SDK adds the x-amz-meta- prefix itself.
func convertMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")] = v
	}
	return out
}

// extractMetadata extracts metadata from S3 response.
func extractMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return make(map[string]string)
	}
	return metadata
}
