package objectstore

import (
	"context"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options configures the S3-backed Store (s3_bucket,
// s3_key_prefix, s3_acl, and the region). It carries no credentials:
// aws_profile / aws_access_key_id / aws_secret_access_key are not
// applied to the S3 client.
type S3Options struct {
	Bucket string
	Prefix string
	ACL    string // empty means the bucket default
	Region string
}

// S3Store is the default Store implementation, backed by
// aws-sdk-go-v2's s3manager.
type S3Store struct {
	bucket   string
	prefix   string
	acl      string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Store builds an S3Store from opts, loading AWS credentials and
// config only through the SDK's default chain (environment, shared
// config file, EC2/ECS role, in that order). The configured
// aws_profile and access keys are not passed to it.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Store{
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		acl:      opts.ACL,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Upload implements Store.
func (s *S3Store) Upload(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	fullKey := s.fullKey(key)
	input := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &fullKey,
		Body:          r,
		ContentLength: &size,
	}
	if s.acl != "" {
		input.ACL = types.ObjectCannedACL(s.acl)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("objectstore: upload s3://%s/%s: %w", s.bucket, fullKey, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, fullKey), nil
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	fullKey := s.fullKey(key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &fullKey,
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete s3://%s/%s: %w", s.bucket, fullKey, err)
	}
	return nil
}
