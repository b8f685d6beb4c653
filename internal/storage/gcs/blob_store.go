// Package gcs mirrors finalized job artifacts to Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"path/filepath"

	"cloud.google.com/go/storage"

	"github.com/skrapp/skrapp/internal/crawler"
)

// BlobStore uploads artifacts to one bucket under jobs/<job_id>/, tagging
// each object with the artifact's kind and checksum so downstream consumers
// can verify downloads without reading the store.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, bucket string) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{client: client, bucket: bucket}, nil
}

// PutArtifact uploads one artifact and returns its gs:// URI.
func (s *BlobStore) PutArtifact(ctx context.Context, artifact crawler.JobArtifact, data []byte) (string, error) {
	if artifact.JobID == "" {
		return "", fmt.Errorf("artifact has no job id")
	}
	name := filepath.Base(artifact.Path)
	if name == "." || name == "/" {
		return "", fmt.Errorf("artifact %s has no usable filename", artifact.Kind)
	}
	object := fmt.Sprintf("jobs/%s/%s", artifact.JobID, name)

	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = artifact.ContentType()
	w.Metadata = map[string]string{
		"job_id": artifact.JobID,
		"kind":   artifact.Kind,
		"sha256": artifact.SHA256,
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write artifact %s: %w", artifact.Kind, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close artifact writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}
