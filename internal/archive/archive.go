// Package archive keeps raw certificate payloads as write-once artifacts
// addressed by their content digest.
package archive

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// Artifact describes where a payload was archived and whether this call wrote it.
type Artifact struct {
	Location string
	Created  bool
}

// Archive stores payload bytes under a digest at most once.
type Archive interface {
	Store(ctx context.Context, digest string, payload []byte) (Artifact, error)
}

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func checkDigest(digest string) error {
	if !digestPattern.MatchString(digest) {
		return fmt.Errorf("invalid digest %q", digest)
	}
	return nil
}

func artifactName(digest string) string {
	return digest + ".json"
}

// MemoryArchive keeps artifacts in process memory.
type MemoryArchive struct {
	mu        sync.Mutex
	artifacts map[string][]byte
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{artifacts: make(map[string][]byte)}
}

func (m *MemoryArchive) Store(ctx context.Context, digest string, payload []byte) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	if err := checkDigest(digest); err != nil {
		return Artifact{}, err
	}

	location := "mem://" + artifactName(digest)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[digest]; ok {
		return Artifact{Location: location}, nil
	}
	m.artifacts[digest] = append([]byte(nil), payload...)
	return Artifact{Location: location, Created: true}, nil
}

// Get returns a copy of the archived bytes.
func (m *MemoryArchive) Get(digest string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.artifacts[digest]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (m *MemoryArchive) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.artifacts)
}
