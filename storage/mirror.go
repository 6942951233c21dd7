package storage

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Mirror pairs the served root with a slow Store. Stored files are written
// back to the slow store in the background; files missing from the root can
// be restored from it.
type Mirror struct {
	files *FileStore
	slow  Store
	retry time.Duration

	wbc  chan string
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewMirror(files *FileStore, slow Store, retry time.Duration) *Mirror {
	m := &Mirror{
		files: files,
		slow:  slow,
		retry: retry,
		wbc:   make(chan string, 42),
		done:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writeback()
	return m
}

// Push queues name for write-back without blocking. It drops name when the
// queue is full, and does nothing once the mirror is closed.
func (m *Mirror) Push(name string) {
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.wbc <- name:
	default:
		log.WithField("path", name).Warn("Write-back queue full, not mirroring")
	}
}

// Restore copies name from the slow store into the root. It returns
// ErrNotFound if the slow store does not have it either.
func (m *Mirror) Restore(name string) error {
	value, err := m.slow.Get([]byte(name))
	if err != nil {
		return err
	}
	err = m.files.WriteAtomically(name, func(w io.Writer) error {
		_, err := w.Write(value)
		return err
	})
	if err != nil {
		return fmt.Errorf("could not restore %q: %w", name, err)
	}
	log.WithField("path", name).Debug("Propagated from slow to fast")
	return nil
}

// Close stops the write-back loop. Queued paths not yet written back are
// dropped.
func (m *Mirror) Close() {
	m.once.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

func (m *Mirror) writeback() {
	defer m.wg.Done()
	for {
		select {
		case name := <-m.wbc:
			m.writeback1(name)
		case <-m.done:
			return
		}
	}
}

func (m *Mirror) writeback1(name string) {
	logger := log.WithField("path", name)
	for {
		value, err := m.files.ReadFile(name)
		if errors.Is(err, ErrNotFound) {
			logger.Debug("Gone before write-back")
			return
		}
		if err == nil {
			err = m.slow.Put([]byte(name), value)
		}
		if err == nil {
			logger.Debug("Propagated from fast to slow")
			return
		}
		logger.WithField("err", err).Warn("Could not propagate from fast to slow")
		select {
		case <-time.After(m.retry):
		case <-m.done:
			return
		}
	}
}
