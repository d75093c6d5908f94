package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures the S3 backend
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	KeyPrefix string
	PathStyle bool

	// Static credentials; when empty the default AWS credential chain is used
	AccessKeyID     string
	SecretAccessKey string
}

// s3API is the subset of the S3 client the backend uses
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores blobs as objects in an S3-compatible bucket
type S3 struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3 creates an S3 backend from cfg
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
	})

	return newS3WithClient(client, cfg.Bucket, cfg.KeyPrefix), nil
}

func newS3WithClient(client s3API, bucket, prefix string) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: slog.Default().With("component", "storage.s3", "bucket", bucket),
	}
}

// Location implements Backend
func (b *S3) Location() string {
	if b.prefix == "" {
		return fmt.Sprintf("S3, bucket: %s", b.bucket)
	}

	return fmt.Sprintf("S3, bucket: %s, prefix: %s", b.bucket, b.prefix)
}

// Get implements Backend
func (b *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return nil, b.translateError(err, "GetObject", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, unavailable("read", b.Location(), err)
	}

	return data, nil
}

// Put implements Backend
func (b *S3) Put(ctx context.Context, key string, blob []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          bytes.NewReader(blob),
		ContentLength: aws.Int64(int64(len(blob))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return b.translateError(err, "PutObject", key)
	}

	return nil
}

// Exists implements Backend
func (b *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		err = b.translateError(err, "HeadObject", key)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// Delete implements Backend
func (b *S3) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		err = b.translateError(err, "DeleteObject", key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	return nil
}

// Close implements Backend
func (b *S3) Close() error {
	return nil
}

func (b *S3) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}

	return path.Join(b.prefix, key)
}

func (b *S3) translateError(err error, operation, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return ErrNotFound
	case isErrorType[*s3types.NoSuchBucket](err):
		b.logger.Warn("bucket not found", "operation", operation)
		return unavailable(operation, b.Location(), err)
	default:
		b.logger.Debug("s3 request failed", "operation", operation, "key", key, "err", err)
		return unavailable(operation, b.Location(), err)
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
