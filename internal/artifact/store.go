package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/medcheck/internal/verdict"
)

// timestampLayout matches the capture-time prefix of stored uploads.
const timestampLayout = "20060102_150405"

// Store keeps raw uploads on disk, one file per check. Files are only ever
// created, never rewritten.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create %s: %w", dir, err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Name builds "<YYYYMMDD_HHMMSS>_<id8>_<label>.<ext>". The request id prefix
// keeps names unique for checks finishing within the same second.
func Name(at time.Time, requestID string, label verdict.Label, format string) string {
	id := strings.ReplaceAll(requestID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s_%s_%s.%s", at.Format(timestampLayout), id, label, extension(format))
}

// Save writes data and returns the file name relative to the store directory.
func (s *Store) Save(requestID string, label verdict.Label, format string, data []byte) (string, error) {
	name := Name(s.now(), requestID, label, format)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("artifact: %s already exists", name)
		}
		return "", fmt.Errorf("artifact: create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("artifact: write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("artifact: close %s: %w", name, err)
	}
	return name, nil
}

// Open reads a stored artifact back. name must be a bare file name.
func (s *Store) Open(name string) ([]byte, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("artifact: invalid name %q", name)
	}
	return os.ReadFile(filepath.Join(s.dir, name))
}

// Remove deletes a stored artifact. A missing file is not an error.
func (s *Store) Remove(name string) error {
	if name == "" || filepath.Base(name) != name {
		return fmt.Errorf("artifact: invalid name %q", name)
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("artifact: remove %s: %w", name, err)
	}
	return nil
}

func extension(format string) string {
	switch format {
	case "jpeg", "":
		return "jpg"
	case "tiff":
		return "tif"
	default:
		return format
	}
}
