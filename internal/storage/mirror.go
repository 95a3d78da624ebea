package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

const minMultipartSize = 12 << 20

// Mirror keeps an off-site copy of stored assets. Keys are the root-relative
// paths saved in the database, so the local tree can be rebuilt from it.
type Mirror interface {
	Put(ctx context.Context, key, absPath, contentType string) error
	Delete(ctx context.Context, keys ...string) error
}

// NopMirror is used when mirroring is disabled
type NopMirror struct{}

func (NopMirror) Put(context.Context, string, string, string) error { return nil }
func (NopMirror) Delete(context.Context, ...string) error           { return nil }

type S3Config struct {
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Endpoint  string // Optional, for R2/MinIO and other S3 compatible services
}

type S3Mirror struct {
	C      *s3.Client
	Bucket *string
}

func NewS3Mirror(ctx context.Context, c S3Config) (*S3Mirror, error) {
	var opts []func(*config.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, config.WithRegion(c.Region))
	}

	if c.AccessKey != "" && c.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config, %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	})

	bucket := aws.String(c.Bucket)

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: bucket,
	})
	if err != nil {
		var apiErr smithy.APIError

		if errors.As(err, &apiErr) {
			if apiErr.ErrorCode() == "NotFound" {
				return nil, fmt.Errorf("bucket '%s' does not exist", c.Bucket)
			}
		}

		return nil, fmt.Errorf("failed to check if bucket exists, %w", err)
	}

	return &S3Mirror{
		C:      client,
		Bucket: bucket,
	}, nil
}

// Put uploads the file at absPath under key. Files bigger than
// minMultipartSize go through the multipart uploader.
func (m *S3Mirror) Put(ctx context.Context, key, absPath, contentType string) error {
	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("failed to open file, %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file, %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        m.Bucket,
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType),
		CacheControl:  aws.String("private, max-age=31536000, immutable"),
	}

	if stat.Size() > minMultipartSize {
		u := manager.NewUploader(m.C, func(u *manager.Uploader) {
			u.Concurrency = 5
			u.PartSize = 6 << 20
		})

		_, err = u.Upload(ctx, input)
	} else {
		_, err = m.C.PutObject(ctx, input)
	}
	if err != nil {
		return fmt.Errorf("failed to upload %s to S3, %w", key, err)
	}

	return nil
}

// Delete removes keys in batches of 1000, the most S3 accepts per request
func (m *S3Mirror) Delete(ctx context.Context, keys ...string) error {
	for start := 0; start < len(keys); start += 1000 {
		end := min(start+1000, len(keys))

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(key)})
		}

		resp, err := m.C.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: m.Bucket,
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects from S3, %w", err)
		}

		for _, e := range resp.Errors {
			zap.L().Warn("S3 refused to delete object", zap.Stringp("key", e.Key), zap.Stringp("reason", e.Message))
		}
	}

	return nil
}
