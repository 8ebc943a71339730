// Package artifacts provides object storage for license-bound artifact
// payloads. Artifacts are short-lived uploads; the maintenance sweeper
// removes their blobs once the TTL elapses.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3-compatible blob store. Supports AWS S3,
// MinIO, Wasabi, and other S3-compatible services.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// Validate checks if the configuration is valid.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3 blob store: bucket is required")
	}
	if c.AccessKeyID == "" {
		return errors.New("s3 blob store: access_key_id is required")
	}
	if c.SecretAccessKey == "" {
		return errors.New("s3 blob store: secret_access_key is required")
	}
	return nil
}

// S3BlobStore stores artifact payloads in an S3 bucket.
type S3BlobStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3BlobStore builds a blob store from the given configuration.
func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3 blob store: failed to load config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := cfg.Endpoint
		if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
			endpoint = u.Host
		}
		endpointURL := fmt.Sprintf("%s://%s", scheme, endpoint)
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
			o.UsePathStyle = true
		})
	}

	return &S3BlobStore{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// TestConnection verifies bucket access by heading the bucket.
func (s *S3BlobStore) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 blob store: failed to access bucket: %w", err)
	}
	return nil
}

// DeleteObject removes an artifact blob. Deleting a missing key is not an
// error; S3 delete is idempotent.
func (s *S3BlobStore) DeleteObject(ctx context.Context, objectKey string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectPath(objectKey)),
	})
	if err != nil {
		return fmt.Errorf("s3 blob store: delete %s: %w", objectKey, err)
	}
	return nil
}

func (s *S3BlobStore) objectPath(objectKey string) string {
	if s.prefix == "" {
		return objectKey
	}
	return s.prefix + "/" + objectKey
}
