package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileArchive writes artifacts as <root>/<digest>.json.
type FileArchive struct {
	root string
}

func NewFileArchive(root string) *FileArchive {
	return &FileArchive{root: root}
}

// Path returns the artifact location for a digest.
func (a *FileArchive) Path(digest string) string {
	return filepath.Join(a.root, artifactName(digest))
}

// Store writes payload to a temporary file first and then links it into
// place, so a cancelled or failed write never leaves a partial artifact and
// concurrent writers of the same digest create exactly one.
func (a *FileArchive) Store(ctx context.Context, digest string, payload []byte) (Artifact, error) {
	if err := checkDigest(digest); err != nil {
		return Artifact{}, err
	}
	path := a.Path(digest)

	if _, err := os.Stat(path); err == nil {
		return Artifact{Location: path}, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Artifact{}, fmt.Errorf("failed to stat artifact: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("failed to create archive root: %w", err)
	}

	tmp, err := os.CreateTemp(a.root, ".incoming-*")
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return Artifact{}, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Artifact{}, fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Artifact{}, fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("failed to set artifact mode: %w", err)
	}

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Artifact{Location: path}, nil
		}
		// some filesystems refuse hard links
		if _, statErr := os.Stat(path); statErr == nil {
			return Artifact{Location: path}, nil
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return Artifact{}, fmt.Errorf("failed to place artifact: %w", err)
		}
	}

	return Artifact{Location: path, Created: true}, nil
}
