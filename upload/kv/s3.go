package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gabriel-vasile/mimetype"
)

const (
	defaultS3Retries   = 3
	defaultS3RetryWait = 5 * time.Second
)

// S3Params ...
type S3Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Prefix is prepended to every object key.
	Prefix string
	// Endpoint overrides the S3 endpoint for S3 compatible stores. Path style
	// addressing is used when set.
	Endpoint string

	Retries   uint
	RetryWait time.Duration
}

// S3Store keeps values as objects of an S3 bucket.
type S3Store struct {
	client    *s3.Client
	uploader  *manager.Uploader
	bucket    string
	prefix    string
	retries   uint
	retryWait time.Duration
	logger    log.Logger
}

// NewS3Store ...
func NewS3Store(ctx context.Context, params S3Params, logger log.Logger) (*S3Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	cfg, err := loadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	retries := params.Retries
	if retries == 0 {
		retries = defaultS3Retries
	}
	retryWait := params.RetryWait
	if retryWait == 0 {
		retryWait = defaultS3RetryWait
	}

	return &S3Store{
		client:    client,
		uploader:  manager.NewUploader(client),
		bucket:    params.Bucket,
		prefix:    params.Prefix,
		retries:   retries,
		retryWait: retryWait,
		logger:    logger,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	objectKey := s.objectKey(key)
	contentType := mimetype.Detect(value).String()

	return retry.Times(s.retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(objectKey),
			Body:        bytes.NewReader(value),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			s.logger.Debugf("put %s (attempt %d): %s", objectKey, attempt, err)
			return fmt.Errorf("put object %s: %w", objectKey, err), ctx.Err() != nil
		}
		return nil, true
	})
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	objectKey := s.objectKey(key)
	var value []byte

	err := retry.Times(s.retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound, true
			}
			s.logger.Debugf("get %s (attempt %d): %s", objectKey, attempt, err)
			return fmt.Errorf("get object %s: %w", objectKey, err), ctx.Err() != nil
		}
		defer result.Body.Close() //nolint:errcheck

		value, err = io.ReadAll(result.Body)
		if err != nil {
			return fmt.Errorf("read object %s: %w", objectKey, err), ctx.Err() != nil
		}
		return nil, true
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

func (s *S3Store) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	objectKey := s.objectKey(key)

	return retry.Times(s.retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			if isNotFound(err) {
				return nil, true
			}
			return fmt.Errorf("delete object %s: %w", objectKey, err), ctx.Err() != nil
		}
		return nil, true
	})
}

func (s *S3Store) objectKey(key string) string {
	return s.prefix + key
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}

	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.(type) {
		case *types.NotFound:
			return true
		}
		return apiError.ErrorCode() == "NoSuchKey"
	}
	return false
}

func loadAWSConfig(ctx context.Context, region, accessKeyID, secretKey string, logger log.Logger) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
