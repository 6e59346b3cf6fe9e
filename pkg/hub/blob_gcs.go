package hub

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSBlobStore archives event blobs in a Cloud Storage bucket.
type GCSBlobStore struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSBlobStore wraps a bucket handle.
func NewGCSBlobStore(client *storage.Client, bucket string) *GCSBlobStore {
	return &GCSBlobStore{bucket: client.Bucket(bucket), prefix: "audit/"}
}

func (s *GCSBlobStore) object(eventID string) *storage.ObjectHandle {
	return s.bucket.Object(s.prefix + eventID + ".json.gz")
}

func (s *GCSBlobStore) Put(ctx context.Context, eventID string, data []byte) error {
	w := s.object(eventID).NewWriter(ctx)
	w.ContentType = "application/json"
	w.ContentEncoding = "gzip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs put %s: %w", eventID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs put %s: %w", eventID, err)
	}
	return nil
}

func (s *GCSBlobStore) Get(ctx context.Context, eventID string) ([]byte, error) {
	r, err := s.object(eventID).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get %s: %w", eventID, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
