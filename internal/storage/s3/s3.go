// Package s3 archives risk report exports to S3-compatible object storage.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds S3 connection and behavior configuration.
type Config struct {
	// Region is the AWS region.
	Region string `json:"region" yaml:"region"`

	// Bucket is the S3 bucket name.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Prefix is the key prefix for all objects.
	Prefix string `json:"prefix" yaml:"prefix"`

	// Endpoint is an optional custom endpoint (for MinIO, LocalStack, etc.).
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// AccessKeyID for static credentials (optional, uses the default chain if not set).
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty" yaml:"session_token,omitempty"`

	// StorageClass for uploaded objects (STANDARD, INTELLIGENT_TIERING, GLACIER, etc.).
	StorageClass string `json:"storage_class" yaml:"storage_class"`

	// ServerSideEncryption type (AES256 or aws:kms).
	ServerSideEncryption string `json:"server_side_encryption,omitempty" yaml:"server_side_encryption,omitempty"`
	KMSKeyID             string `json:"kms_key_id,omitempty" yaml:"kms_key_id,omitempty"`

	// UsePathStyle forces path-style addressing.
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	RetryMaxAttempts int           `json:"retry_max_attempts" yaml:"retry_max_attempts"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Region:           "us-east-1",
		Bucket:           "ledger-risk-reports",
		Prefix:           "reports/",
		StorageClass:     "STANDARD_IA",
		RetryMaxAttempts: 3,
		Timeout:          time.Minute,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	if c.ServerSideEncryption != "" && c.ServerSideEncryption != "AES256" && c.ServerSideEncryption != "aws:kms" {
		return fmt.Errorf("s3: unsupported server side encryption %q", c.ServerSideEncryption)
	}
	return nil
}

// GetStorageClass returns the S3 storage class type.
func (c *Config) GetStorageClass() types.StorageClass {
	switch strings.ToUpper(c.StorageClass) {
	case "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "ONEZONE_IA":
		return types.StorageClassOnezoneIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "GLACIER_IR":
		return types.StorageClassGlacierIr
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandard
	}
}

// objectAPI is the subset of the S3 client the archiver uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Client is an S3 client for report objects.
type Client struct {
	api    objectAPI
	config *Config
	logger *slog.Logger

	bytesUploaded   atomic.Int64
	objectsUploaded atomic.Int64
	errors          atomic.Int64
}

// NewClient creates a new S3 client.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("s3 client initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"storage_class", cfg.StorageClass,
	)
	return newClient(api, cfg, logger), nil
}

func newClient(api objectAPI, cfg *Config, logger *slog.Logger) *Client {
	return &Client{api: api, config: cfg, logger: logger}
}

// UploadInput contains parameters for uploading an object.
type UploadInput struct {
	Key             string
	Body            []byte
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// UploadOutput contains the result of an upload operation.
type UploadOutput struct {
	Key      string `json:"key"`
	ETag     string `json:"etag"`
	Location string `json:"location"`
	Size     int64  `json:"size"`
}

// Upload stores an object under the configured prefix.
func (c *Client) Upload(ctx context.Context, input *UploadInput) (*UploadOutput, error) {
	key := c.config.Prefix + input.Key
	size := int64(len(input.Body))

	put := &s3.PutObjectInput{
		Bucket:        aws.String(c.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(input.Body),
		ContentLength: aws.Int64(size),
		StorageClass:  c.config.GetStorageClass(),
	}
	if input.ContentType != "" {
		put.ContentType = aws.String(input.ContentType)
	}
	if input.ContentEncoding != "" {
		put.ContentEncoding = aws.String(input.ContentEncoding)
	}
	if len(input.Metadata) > 0 {
		put.Metadata = input.Metadata
	}
	switch c.config.ServerSideEncryption {
	case "AES256":
		put.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		put.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if c.config.KMSKeyID != "" {
			put.SSEKMSKeyId = aws.String(c.config.KMSKeyID)
		}
	}

	result, err := c.api.PutObject(ctx, put)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to upload object %s: %w", key, err)
	}

	c.bytesUploaded.Add(size)
	c.objectsUploaded.Add(1)
	c.logger.Debug("uploaded object", "key", key, "size", size)

	return &UploadOutput{
		Key:      key,
		ETag:     aws.ToString(result.ETag),
		Location: fmt.Sprintf("s3://%s/%s", c.config.Bucket, key),
		Size:     size,
	}, nil
}

// Download reads an object stored under the configured prefix.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	fullKey := c.config.Prefix + key
	result, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to download object %s: %w", fullKey, err)
	}
	defer result.Body.Close()
	return io.ReadAll(result.Body)
}

// HealthStatus represents the health of the S3 client.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// HealthCheck verifies the bucket is reachable.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.config.Bucket)})
	status := HealthStatus{Latency: time.Since(start)}
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	return status
}

// Metrics contains S3 client counters.
type Metrics struct {
	BytesUploaded   int64 `json:"bytes_uploaded"`
	ObjectsUploaded int64 `json:"objects_uploaded"`
	Errors          int64 `json:"errors"`
}

// GetMetrics returns current client metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		BytesUploaded:   c.bytesUploaded.Load(),
		ObjectsUploaded: c.objectsUploaded.Load(),
		Errors:          c.errors.Load(),
	}
}
