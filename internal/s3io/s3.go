// Package s3io stores uploaded moment media in S3-compatible object storage.
package s3io

import (
	"context"
	"fmt"
	"io"
	"time"

	"locketwan/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsmiddleware "github.com/aws/smithy-go/middleware"
)

// DefaultURLTTL is the lifetime of presigned media URLs handed to the Locket API.
const DefaultURLTTL = 24 * time.Hour

// ObjectAPI is the subset of the S3 client used by MediaStore.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner defines the interface for presigning S3 GET requests.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// NewClient builds an S3 client from the proxy configuration.
func NewClient(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
		awsconfig.WithAPIOptions([]func(*awsmiddleware.Stack) error{removeDisableGzip()}),
	)
	if err != nil {
		return nil, fmt.Errorf("loading S3 config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3URL != "" {
			o.BaseEndpoint = aws.String(cfg.S3URL)
			o.UsePathStyle = true
		}
	}), nil
}

// removeDisableGzip is a workaround for S3 signature errors with some S3-compatible services.
// See: https://github.com/supabase/storage/issues/577
func removeDisableGzip() func(*awsmiddleware.Stack) error {
	return func(stack *awsmiddleware.Stack) error {
		if _, ok := stack.Finalize.Get("DisableAcceptEncodingGzip"); ok {
			_, err := stack.Finalize.Remove("DisableAcceptEncodingGzip")
			return err
		}
		return nil
	}
}

// MediaStore writes media objects and hands out presigned read URLs.
type MediaStore struct {
	api     ObjectAPI
	presign Presigner
	bucket  string
	ttl     time.Duration
}

func NewMediaStore(api ObjectAPI, presign Presigner, bucket string, ttl time.Duration) *MediaStore {
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &MediaStore{api: api, presign: presign, bucket: bucket, ttl: ttl}
}

// NewMediaStoreFromClient wires a MediaStore to a real S3 client.
func NewMediaStoreFromClient(client *s3.Client, bucket string) *MediaStore {
	return NewMediaStore(client, s3.NewPresignClient(client), bucket, DefaultURLTTL)
}

// Put uploads body under key and returns a presigned GET URL for it.
func (m *MediaStore) Put(ctx context.Context, key, contentType string, body io.ReadSeeker, size int64) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	}
	if _, err := m.api.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	req, err := m.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) { o.Expires = m.ttl })
	if err != nil {
		return "", fmt.Errorf("presigning %s: %w", key, err)
	}
	return req.URL, nil
}

func (m *MediaStore) Delete(ctx context.Context, key string) error {
	_, err := m.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}
