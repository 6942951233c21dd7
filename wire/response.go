package wire

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Header names used by the protocol.
const (
	HeaderHost       = "Host"
	HeaderDate       = "Date"
	HeaderServer     = "Server"
	HeaderConnection = "Connection"
	HeaderFraming    = "Framing"
)

// Header is a single header line. Heads keep headers as an ordered slice.
type Header struct {
	Key   string
	Value string
}

// Head is a status line followed by its headers.
type Head struct {
	Status  int
	Reason  string
	Headers []Header
}

// Get returns the value of the first header named key, compared case
// insensitively, or "" if there is none.
func (h Head) Get(key string) string {
	for _, hdr := range h.Headers {
		if strings.EqualFold(hdr.Key, key) {
			return hdr.Value
		}
	}
	return ""
}

// Framing returns the body framing announced by the head.
func (h Head) Framing() Framing {
	f, _ := ParseFraming(h.Get(HeaderFraming))
	return f
}

func (h Head) String() string {
	return fmt.Sprintf("%s %d %s", Version, h.Status, h.Reason)
}

// EncodeResponseHead produces the status line, one line per header and the
// terminating blank line.
func EncodeResponseHead(h Head) []byte {
	var b strings.Builder
	b.WriteString(h.String())
	b.WriteString("\n")
	for _, hdr := range h.Headers {
		b.WriteString(hdr.Key)
		b.WriteString(": ")
		b.WriteString(hdr.Value)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return []byte(b.String())
}

// ReadResponseHead reads a status line and its header block from r.
func ReadResponseHead(r *bufio.Reader) (Head, error) {
	hr := &headReader{r: r, left: MaxHeadBytes}
	line, err := hr.readLine()
	if err != nil {
		return Head{}, err
	}
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 || fields[0] != Version {
		return Head{}, fmt.Errorf("status line %q: %w", line, ErrParse)
	}
	var h Head
	if h.Status, err = strconv.Atoi(fields[1]); err != nil {
		return Head{}, fmt.Errorf("status code %q: %w", fields[1], ErrParse)
	}
	if len(fields) == 3 {
		h.Reason = fields[2]
	}
	if h.Headers, err = hr.readHeaders(); err != nil {
		return Head{}, err
	}
	return h, nil
}
