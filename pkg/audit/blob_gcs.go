//go:build gcp

package audit

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSBlobStore archives evidence packs in Google Cloud Storage under their
// content hash. Uses application default credentials.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds GCS blob store settings.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSBlobStore builds a GCS-backed blob store.
func NewGCSBlobStore(ctx context.Context, cfg GCSConfig) (*GCSBlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSBlobStore) objectPath(hash string) string {
	return s.prefix + hash + ".zip"
}

func (s *GCSBlobStore) Store(ctx context.Context, data []byte) (string, error) {
	pointer := blobPointer(data)
	hash, _ := parseBlobPointer(pointer)
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(hash))

	// Content-addressed: if the object exists the bytes are identical.
	if _, err := obj.Attrs(ctx); err == nil {
		return pointer, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return pointer, nil
}

func (s *GCSBlobStore) Get(ctx context.Context, pointer string) ([]byte, error) {
	hash, err := parseBlobPointer(pointer)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(s.objectPath(hash)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", pointer, err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func (s *GCSBlobStore) Exists(ctx context.Context, pointer string) (bool, error) {
	hash, err := parseBlobPointer(pointer)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(s.objectPath(hash)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

// Close releases the underlying client.
func (s *GCSBlobStore) Close() error { return s.client.Close() }
