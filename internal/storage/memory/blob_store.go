// Package memory is an in-memory artifact mirror for tests.
package memory

import (
	"context"
	"path"
	"sync"

	"github.com/skrapp/skrapp/internal/crawler"
)

// stored is one mirrored artifact.
type stored struct {
	Artifact crawler.JobArtifact
	Data     []byte
}

// BlobStore keeps mirrored artifacts in a map keyed by job id and filename.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]stored
}

// New returns an empty BlobStore.
func New() *BlobStore {
	return &BlobStore{objects: make(map[string]stored)}
}

// PutArtifact stores a copy of the artifact and returns a mem:// URI.
func (s *BlobStore) PutArtifact(_ context.Context, artifact crawler.JobArtifact, data []byte) (string, error) {
	key := path.Join(artifact.JobID, path.Base(artifact.Path))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = stored{Artifact: artifact, Data: append([]byte(nil), data...)}
	return "mem://" + key, nil
}

// Artifact returns the mirrored artifact for a job id and filename.
func (s *BlobStore) Artifact(jobID, filename string) (crawler.JobArtifact, []byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path.Join(jobID, filename)]
	return obj.Artifact, obj.Data, ok
}
