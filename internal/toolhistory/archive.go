package toolhistory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// archiveScheme prefixes stored references to archived payloads.
const archiveScheme = "s3://"

// IsArchiveRef reports whether a stored column value is an archive
// reference rather than inline JSON.
func IsArchiveRef(value string) bool {
	return strings.HasPrefix(value, archiveScheme)
}

// Archiver moves oversized tool payloads out of the database row and back.
type Archiver interface {
	// Put stores data under the key and returns the reference to persist.
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get resolves a reference produced by Put.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// S3Archiver archives payloads to an S3 bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiverConfig configures the archiver.
type S3ArchiverConfig struct {
	Bucket string
	Prefix string // key prefix inside the bucket, e.g. "tool-history"
	Region string
}

// NewS3Archiver builds the archiver using the default AWS credential chain.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("toolhistory: archive bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Put uploads the payload and returns its s3:// reference.
func (a *S3Archiver) Put(ctx context.Context, key string, data []byte) (string, error) {
	fullKey := key
	if a.prefix != "" {
		fullKey = a.prefix + "/" + key
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(fullKey),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("put archived payload: %w", err)
	}
	return archiveScheme + a.bucket + "/" + fullKey, nil
}

// Get downloads a payload by its s3:// reference.
func (a *S3Archiver) Get(ctx context.Context, ref string) ([]byte, error) {
	trimmed := strings.TrimPrefix(ref, archiveScheme)
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok {
		return nil, fmt.Errorf("toolhistory: malformed archive reference %q", ref)
	}
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get archived payload: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
