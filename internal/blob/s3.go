package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/apperr"
)

// s3API is the slice of the S3 client the store uses; tests substitute
// a fake.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3 stores blobs as objects in one bucket, using the SDK's default
// credential chain.
type S3 struct {
	client s3API
	bucket string
	log    *zap.Logger
}

// NewS3 resolves credentials through the default chain and targets
// bucket.
func NewS3(ctx context.Context, bucket string, log *zap.Logger) (*S3, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, apperr.External("blob", fmt.Errorf("load aws config: %w", err))
	}
	return &S3{client: s3.NewFromConfig(cfg), bucket: bucket, log: log}, nil
}

// Put implements Store.
func (s *S3) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: meta,
	})
	if err != nil {
		return apperr.External("blob", fmt.Errorf("put %s: %w", key, err))
	}
	return nil
}

// Get implements Store.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, apperr.NotFound(fmt.Sprintf("blob %q", key))
		}
		return nil, apperr.External("blob", fmt.Errorf("get %s: %w", key, err))
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperr.External("blob", fmt.Errorf("read %s: %w", key, err))
	}
	return data, nil
}

// Delete implements Store.
func (s *S3) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperr.External("blob", fmt.Errorf("delete %s: %w", key, err))
	}
	return nil
}

// Size implements Store.
func (s *S3) Size(ctx context.Context, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, apperr.NotFound(fmt.Sprintf("blob %q", key))
		}
		return 0, apperr.External("blob", fmt.Errorf("head %s: %w", key, err))
	}
	return aws.ToInt64(out.ContentLength), nil
}
