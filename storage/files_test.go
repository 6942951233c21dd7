package storage_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nicolagi/xfer/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	root := t.TempDir()
	files := storage.NewFileStore(root)

	t.Run("resolves paths under the root", func(t *testing.T) {
		for name, want := range map[string]string{
			"index.html":     filepath.Join(root, "index.html"),
			"a/b/c.txt":      filepath.Join(root, "a", "b", "c.txt"),
			"a/../b.txt":     filepath.Join(root, "b.txt"),
			"./d/./e.txt":    filepath.Join(root, "d", "e.txt"),
			"x/y/../../z.go": filepath.Join(root, "z.go"),
		} {
			got, err := files.Resolve(name)
			require.Nil(t, err, name)
			assert.Equal(t, want, got)
		}
	})
	t.Run("rejects paths escaping the root", func(t *testing.T) {
		for _, name := range []string{"..", "../secret", "a/../../secret", "/etc/passwd", "", "."} {
			_, err := files.Resolve(name)
			assert.True(t, errors.Is(err, storage.ErrEscape), name)
		}
	})
	t.Run("stat of a missing file", func(t *testing.T) {
		_, err := files.Stat("missing.txt")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})
	t.Run("directories are not resources", func(t *testing.T) {
		require.Nil(t, os.Mkdir(filepath.Join(root, "dir"), 0755))
		_, err := files.Stat("dir")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})
	t.Run("unreadable file", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root can read anything")
		}
		pathname := filepath.Join(root, "locked.txt")
		require.Nil(t, os.WriteFile(pathname, []byte("secret"), 0200))
		_, err := files.Stat("locked.txt")
		assert.True(t, errors.Is(err, storage.ErrNotReadable))
		_, err = files.Open("locked.txt")
		assert.True(t, errors.Is(err, storage.ErrNotReadable))
	})
	t.Run("create makes parent directories", func(t *testing.T) {
		f, err := files.Create("new/nested/file.txt")
		require.Nil(t, err)
		_, err = f.Write([]byte("hello"))
		require.Nil(t, err)
		require.Nil(t, f.Close())
		content, err := files.ReadFile("new/nested/file.txt")
		require.Nil(t, err)
		assert.Equal(t, []byte("hello"), content)
	})
	t.Run("create truncates", func(t *testing.T) {
		require.Nil(t, os.WriteFile(filepath.Join(root, "long.txt"), []byte("a long old content"), 0644))
		f, err := files.Create("long.txt")
		require.Nil(t, err)
		require.Nil(t, f.Close())
		info, err := files.Stat("long.txt")
		require.Nil(t, err)
		assert.EqualValues(t, 0, info.Size())
	})
	t.Run("atomic write replaces on success", func(t *testing.T) {
		err := files.WriteAtomically("atomic/out.txt", func(w io.Writer) error {
			_, err := w.Write([]byte("complete"))
			return err
		})
		require.Nil(t, err)
		content, err := files.ReadFile("atomic/out.txt")
		require.Nil(t, err)
		assert.Equal(t, []byte("complete"), content)
	})
	t.Run("atomic write leaves nothing behind on failure", func(t *testing.T) {
		boom := errors.New("boom")
		err := files.WriteAtomically("atomic/failed.txt", func(w io.Writer) error {
			_, _ = w.Write([]byte("partial"))
			return boom
		})
		assert.True(t, errors.Is(err, boom))
		_, err = files.Stat("atomic/failed.txt")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
		entries, err := os.ReadDir(filepath.Join(root, "atomic"))
		require.Nil(t, err)
		for _, e := range entries {
			assert.Equal(t, "out.txt", e.Name())
		}
	})
}

func TestMirror(t *testing.T) {
	files := storage.NewFileStore(t.TempDir())
	slow := storage.NewInMemoryStore()
	mirror := storage.NewMirror(files, slow, 10*time.Millisecond)
	defer mirror.Close()

	t.Run("pushed files reach the slow store", func(t *testing.T) {
		f, err := files.Create("pushed.txt")
		require.Nil(t, err)
		_, err = f.Write([]byte("replicated"))
		require.Nil(t, err)
		require.Nil(t, f.Close())
		mirror.Push("pushed.txt")
		require.Eventually(t, func() bool {
			value, err := slow.Get([]byte("pushed.txt"))
			return err == nil && string(value) == "replicated"
		}, 5*time.Second, 10*time.Millisecond)
	})
	t.Run("restore copies from the slow store", func(t *testing.T) {
		require.Nil(t, slow.Put([]byte("remote/only.txt"), []byte("from afar")))
		require.Nil(t, mirror.Restore("remote/only.txt"))
		content, err := files.ReadFile("remote/only.txt")
		require.Nil(t, err)
		assert.Equal(t, []byte("from afar"), content)
	})
	t.Run("restore of unknown file", func(t *testing.T) {
		err := mirror.Restore("nowhere.txt")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})
	t.Run("push after close does not block", func(t *testing.T) {
		m := storage.NewMirror(files, slow, time.Millisecond)
		m.Close()
		m.Push("pushed.txt")
	})
	t.Run("push does not block while the slow store is down", func(t *testing.T) {
		m := storage.NewMirror(files, unavailableStore{}, time.Hour)
		defer m.Close()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 1000; i++ {
				m.Push("pushed.txt")
			}
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("push blocked")
		}
	})
}

// unavailableStore fails every operation, as an unreachable slow store would.
type unavailableStore struct{}

func (unavailableStore) Put([]byte, []byte) error {
	return errors.New("slow store unavailable")
}

func (unavailableStore) Get([]byte) ([]byte, error) {
	return nil, errors.New("slow store unavailable")
}
