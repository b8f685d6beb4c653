// Package local mirrors finalized job artifacts onto a second filesystem
// tree, typically a mounted backup volume.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/skrapp/skrapp/internal/crawler"
)

// BlobStore lays artifacts out as <base>/jobs/<job_id>/<filename>, the same
// shape the gcs mirror uses, so a job's artifact set stays a single
// directory wherever it lands.
type BlobStore struct {
	baseDir string
}

// New creates the store, ensuring the base directory exists and is writable.
func New(baseDir string) (*BlobStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	probe := filepath.Join(baseDir, ".writable")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("remove write probe: %w", err)
	}
	return &BlobStore{baseDir: baseDir}, nil
}

// PutArtifact mirrors one artifact and returns its file:// URI. Finalization
// is idempotent, so a mirror copy that already matches the artifact's sha256
// is left untouched.
func (s *BlobStore) PutArtifact(_ context.Context, artifact crawler.JobArtifact, data []byte) (string, error) {
	if artifact.JobID == "" {
		return "", fmt.Errorf("artifact has no job id")
	}
	name := filepath.Base(artifact.Path)
	if name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("artifact %s has no usable filename", artifact.Kind)
	}
	full := filepath.Join(s.baseDir, "jobs", artifact.JobID, name)

	if existing, err := os.ReadFile(full); err == nil && artifact.SHA256 != "" {
		sum := sha256.Sum256(existing)
		if hex.EncodeToString(sum[:]) == artifact.SHA256 {
			return "file://" + full, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", artifact.Kind, err)
	}
	return "file://" + full, nil
}
