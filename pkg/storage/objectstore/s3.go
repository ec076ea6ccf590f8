package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/your-org/healthflow/pkg/storage"
)

type s3Client struct {
	client *s3.Client
	bucket string
	prefix string
}

// newS3Client loads the default AWS credential chain. A non-empty Endpoint
// targets an S3 compatible service with path-style addressing.
func newS3Client(ctx context.Context, cfg Config) (storage.Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Client{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Write needs a seekable body for request signing; other readers are
// spooled to a temp file first.
func (c *s3Client) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	k, err := objectKey(c.prefix, key)
	if err != nil {
		return err
	}

	body, size, cleanup, err := spool(r, size)
	if err != nil {
		return fmt.Errorf("spool object %s: %w", k, err)
	}
	defer cleanup()

	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(k),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", k, err)
	}
	return nil
}

func (c *s3Client) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := objectKey(c.prefix, key)
	if err != nil {
		return nil, err
	}
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, k)
		}
		return nil, fmt.Errorf("get object %s: %w", k, err)
	}
	return out.Body, nil
}

func (c *s3Client) Exists(ctx context.Context, key string) (bool, error) {
	k, err := objectKey(c.prefix, key)
	if err != nil {
		return false, err
	}
	_, err = c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(k),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("head object %s: %w", k, err)
}

func (c *s3Client) Delete(ctx context.Context, key string) error {
	k, err := objectKey(c.prefix, key)
	if err != nil {
		return err
	}
	_, err = c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", k, err)
	}
	return nil
}

func (c *s3Client) URI(key string) string {
	k, err := objectKey(c.prefix, key)
	if err != nil {
		k = key
	}
	return fmt.Sprintf("s3://%s/%s", c.bucket, k)
}

func (c *s3Client) Close() error {
	return nil
}
