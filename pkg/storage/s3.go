package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/config"
)

// S3BlobStore stores blobs in an S3 bucket
type S3BlobStore struct {
	client *s3.Client
	bucket string
}

// NewS3BlobStore creates an S3-backed blob store. A custom endpoint enables
// S3-compatible stores such as MinIO in local stacks.
func NewS3BlobStore(ctx context.Context, cfg config.BlobConfig) (*S3BlobStore, error) {
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

	return &S3BlobStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3BlobStore) Put(ctx context.Context, tenantID, documentID string, body io.Reader, contentType string) error {
	key, err := objectKey(tenantID, documentID)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "blob store put failed", err)
	}
	return nil
}

func (s *S3BlobStore) Get(ctx context.Context, tenantID, documentID string) (io.ReadCloser, error) {
	key, err := objectKey(tenantID, documentID)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, apperrors.NotFound("blob not found")
		}
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "blob store get failed", err)
	}
	return out.Body, nil
}

func (s *S3BlobStore) Delete(ctx context.Context, tenantID, documentID string) error {
	key, err := objectKey(tenantID, documentID)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "blob store delete failed", err)
	}
	// Best effort removal of the extracted-text companion
	_, _ = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key + ".txt"),
	})
	return nil
}

func (s *S3BlobStore) PutText(ctx context.Context, tenantID, documentID string, text string) error {
	key, err := objectKey(tenantID, documentID)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key + ".txt"),
		Body:        strings.NewReader(text),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "blob store put text failed", err)
	}
	return nil
}

func (s *S3BlobStore) GetText(ctx context.Context, tenantID, documentID string) (string, error) {
	key, err := objectKey(tenantID, documentID)
	if err != nil {
		return "", err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key + ".txt"),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return "", apperrors.NotFound("extracted text not found")
		}
		return "", apperrors.Wrap(apperrors.KindUnavailable, "blob store get text failed", err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindUnavailable, "blob store read text failed", err)
	}
	return string(data), nil
}
