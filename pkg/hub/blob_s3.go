package hub

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the subset of the S3 client the blob store needs.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3BlobStore archives event blobs under audit/<event_id>.json.gz.
type S3BlobStore struct {
	client s3API
	bucket string
	prefix string
}

// NewS3BlobStore wraps an S3 client for the given bucket.
func NewS3BlobStore(client *s3.Client, bucket string) *S3BlobStore {
	return &S3BlobStore{client: client, bucket: bucket, prefix: "audit/"}
}

func (s *S3BlobStore) key(eventID string) string {
	return s.prefix + eventID + ".json.gz"
}

func (s *S3BlobStore) Put(ctx context.Context, eventID string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.key(eventID)),
		Body:            bytes.NewReader(data),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", eventID, err)
	}
	return nil
}

func (s *S3BlobStore) Get(ctx context.Context, eventID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(eventID)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", eventID, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}
