package storage

import (
	"fmt"
	"time"

	"github.com/nicolagi/xfer/bits"
)

// Entry describes the last transfer that touched a path.
type Entry struct {
	Method string
	Path   string
	Status int
	Bytes  int64
	Digest string
	Time   time.Time
}

// Journal records one Entry per path in a Store, keyed by the path.
type Journal struct {
	store Store
}

func NewJournal(store Store) *Journal {
	return &Journal{store: store}
}

func (j *Journal) Record(e Entry) error {
	b := make([]byte, 2+8+8+bits.StringSize(e.Method)+bits.StringSize(e.Digest))
	rest := bits.Put16(b, uint16(e.Status))
	rest = bits.Put64(rest, uint64(e.Bytes))
	rest = bits.Put64(rest, uint64(e.Time.UnixNano()))
	rest = bits.Puts(rest, e.Method)
	bits.Puts(rest, e.Digest)
	if err := j.store.Put([]byte(e.Path), b); err != nil {
		return fmt.Errorf("could not record %s %q: %w", e.Method, e.Path, err)
	}
	return nil
}

// Lookup returns the last Entry recorded for path, or ErrNotFound.
func (j *Journal) Lookup(path string) (e Entry, err error) {
	b, err := j.store.Get([]byte(path))
	if err != nil {
		return e, err
	}
	if len(b) < 2+8+8+2+2 {
		return e, fmt.Errorf("journal entry for %q has %d bytes", path, len(b))
	}
	e.Path = path
	status, rest := bits.Get16(b)
	size, rest := bits.Get64(rest)
	nanos, rest := bits.Get64(rest)
	e.Status = int(status)
	e.Bytes = int64(size)
	e.Time = time.Unix(0, int64(nanos))
	e.Method, rest = bits.Gets(rest)
	e.Digest, _ = bits.Gets(rest)
	return e, nil
}
