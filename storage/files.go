package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// FileStore resolves request paths to files under a root directory.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Resolve maps a slash-separated relative path to a local path under the
// root. Paths that would leave the root, or name the root itself, are
// rejected with ErrEscape.
func (s *FileStore) Resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", name, ErrEscape)
	}
	return filepath.Join(s.root, clean), nil
}

// Stat reports whether name is a regular, readable file under the root.
func (s *FileStore) Stat(name string) (os.FileInfo, error) {
	pathname, err := s.Resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(pathname)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%q is not a regular file: %w", name, ErrNotFound)
	}
	if err := unix.Access(pathname, unix.R_OK); err != nil {
		return nil, fmt.Errorf("%q: %v: %w", name, err, ErrNotReadable)
	}
	return info, nil
}

// Open opens name for reading after checking it with Stat.
func (s *FileStore) Open(name string) (*os.File, error) {
	if _, err := s.Stat(name); err != nil {
		return nil, err
	}
	pathname, _ := s.Resolve(name)
	f, err := os.Open(pathname)
	if os.IsPermission(err) {
		return nil, fmt.Errorf("%q: %v: %w", name, err, ErrNotReadable)
	}
	return f, err
}

// Create truncates name, or creates it empty along with any missing parent
// directories.
func (s *FileStore) Create(name string) (*os.File, error) {
	pathname, err := s.Resolve(name)
	if err != nil {
		return nil, err
	}
	const flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	f, err := os.OpenFile(pathname, flag, 0644)
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not create %q: %w", pathname, err)
	}
	if err = os.MkdirAll(filepath.Dir(pathname), 0755); err != nil {
		return nil, fmt.Errorf("could not make dir for %q: %w", pathname, err)
	}
	return os.OpenFile(pathname, flag, 0644)
}

// WriteAtomically replaces name with what fill writes. The content goes to a
// temporary file in the same directory, renamed over name only if fill
// succeeds; on failure name is left untouched.
func (s *FileStore) WriteAtomically(name string, fill func(io.Writer) error) (err error) {
	pathname, err := s.Resolve(name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(pathname)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("could not make dir for %q: %w", pathname, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(pathname)+".*")
	if err != nil {
		return err
	}
	logger := log.WithField("pathname", tmp.Name())
	defer func() {
		if err == nil {
			return
		}
		if rerr := os.Remove(tmp.Name()); rerr != nil && !os.IsNotExist(rerr) {
			logger.WithField("err", rerr).Warn("Could not remove temporary file")
		}
	}()
	if err = fill(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), pathname)
}

// ReadFile returns the contents of name.
func (s *FileStore) ReadFile(name string) ([]byte, error) {
	f, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return io.ReadAll(f)
}
