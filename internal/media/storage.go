package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Storage lays artifacts out under root as <root>/<id[0:2]>/<id>.png.
type Storage struct {
	root string
}

// NewStorage creates a Storage rooted at dir.
func NewStorage(dir string) *Storage {
	return &Storage{root: dir}
}

// Root returns the storage root directory.
func (s *Storage) Root() string { return s.root }

// PathFor returns the location of artifact id.
func (s *Storage) PathFor(id string) (string, error) {
	if len(id) < 2 || filepath.Base(id) != id {
		return "", fmt.Errorf("invalid artifact id %q", id)
	}
	return filepath.Join(s.root, id[:2], id+".png"), nil
}

// Put writes data for id through a temp file and rename, so a reader never
// sees a partial file. It returns the final path and the sha256 of data.
func (s *Storage) Put(id string, data []byte) (path, digest string, err error) {
	path, err = s.PathFor(id)
	if err != nil {
		return "", "", err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create media dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+id+"-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp media file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return "", "", fmt.Errorf("write media: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return "", "", fmt.Errorf("sync media: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", "", fmt.Errorf("close media: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return "", "", fmt.Errorf("rename media: %w", err)
	}
	sum := sha256.Sum256(data)
	return path, hex.EncodeToString(sum[:]), nil
}

// Remove deletes a stored artifact; a missing file is not an error.
func (s *Storage) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
