// Package stamp records which dependency-stage inputs have already been
// installed, so a rebuild with unchanged manifest, lock and install command
// can skip the install.
package stamp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"arc-framework/bootseq/internal/deps"
)

// Stamp marks a successful install of one input digest.
type Stamp struct {
	Digest    deps.Digest `json:"digest"`
	BuildID   string      `json:"build_id"`
	Packages  int         `json:"packages"`
	CreatedAt time.Time   `json:"created_at"`
}

// Store is implemented by FileStore and by the Redis-backed store in
// internal/clients.
type Store interface {
	Get(ctx context.Context, digest deps.Digest) (*Stamp, bool, error)
	Put(ctx context.Context, s Stamp) error
}

// FileStore keeps one JSON file per digest under Dir.
type FileStore struct {
	Dir string
}

// NewFileStore returns a FileStore rooted at dir. The directory is created on
// the first Put.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (f *FileStore) path(digest deps.Digest) string {
	return filepath.Join(f.Dir, strings.ReplaceAll(string(digest), ":", "-")+".json")
}

// Get returns the stamp for digest. A missing stamp is (nil, false, nil).
func (f *FileStore) Get(_ context.Context, digest deps.Digest) (*Stamp, bool, error) {
	data, err := os.ReadFile(f.path(digest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading stamp: %w", err)
	}

	var s Stamp
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, fmt.Errorf("decoding stamp %s: %w", digest, err)
	}
	if s.Digest != digest {
		return nil, false, nil
	}
	return &s, true, nil
}

// Put writes the stamp atomically via a temp file and rename.
func (f *FileStore) Put(_ context.Context, s Stamp) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("creating stamp dir: %w", err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding stamp: %w", err)
	}

	tmp, err := os.CreateTemp(f.Dir, ".stamp-*")
	if err != nil {
		return fmt.Errorf("creating stamp temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("writing stamp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing stamp: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(s.Digest)); err != nil {
		return fmt.Errorf("installing stamp: %w", err)
	}
	return nil
}
