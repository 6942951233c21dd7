package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrParse is returned when a request line or a header block cannot be
	// understood.
	ErrParse = errors.New("malformed request")

	// ErrUnsupportedMethod is returned for verbs other than GET and PUT.
	ErrUnsupportedMethod = errors.New("unsupported method")
)

// Version is the protocol token carried by every request and status line.
const Version = "HTTP/1.1"

// DefaultResource is served when the request target is empty or the root.
const DefaultResource = "index.html"

// MaxHeadBytes bounds a request or response head, blank line included.
const MaxHeadBytes = 16 << 10

// Method is one of the two verbs of the protocol.
type Method string

const (
	MethodGet Method = "GET"
	MethodPut Method = "PUT"
)

// Valid reports whether m is a supported verb.
func (m Method) Valid() bool {
	return m == MethodGet || m == MethodPut
}

// Request is the parsed form of a request head. Path never carries the leading
// slash. Query is opaque to handlers.
type Request struct {
	Method  Method
	Path    string
	Query   string
	Host    string
	Framing Framing
}

func (r Request) String() string {
	target := "/" + r.Path
	if r.Query != "" {
		target += "?" + r.Query
	}
	return fmt.Sprintf("%s %s", r.Method, target)
}

// EncodeRequest produces the request line and header block for r, including
// the terminating blank line.
func EncodeRequest(r Request) ([]byte, error) {
	if !r.Method.Valid() {
		return nil, fmt.Errorf("%q: %w", r.Method, ErrUnsupportedMethod)
	}
	if strings.Contains(r.Path, Sentinel) || strings.ContainsAny(r.Path, " \r\n") {
		return nil, fmt.Errorf("path %q: %w", r.Path, ErrParse)
	}
	var b strings.Builder
	b.WriteString(string(r.Method))
	b.WriteString(" /")
	b.WriteString(strings.TrimPrefix(r.Path, "/"))
	if r.Query != "" {
		b.WriteString("?")
		b.WriteString(r.Query)
	}
	b.WriteString(" " + Version + "\n")
	b.WriteString("Host: " + r.Host + "\n")
	if r.Framing == FramingLength {
		b.WriteString(HeaderFraming + ": " + r.Framing.String() + "\n")
	}
	b.WriteString("\n")
	return []byte(b.String()), nil
}

// DecodeRequestLine parses "<METHOD> <target> ..." into a Request. Only the
// first two space-separated fields are significant.
func DecodeRequestLine(line string) (Request, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 || fields[0] == "" {
		return Request{}, fmt.Errorf("%q: %w", line, ErrParse)
	}
	r := Request{Method: Method(fields[0])}
	if !r.Method.Valid() {
		return Request{}, fmt.Errorf("%q: %w", fields[0], ErrUnsupportedMethod)
	}
	target := fields[1]
	if i := strings.IndexByte(target, '?'); i >= 0 {
		target, r.Query = target[:i], target[i+1:]
	}
	r.Path = strings.TrimPrefix(target, "/")
	if r.Path == "" {
		r.Path = DefaultResource
	}
	return r, nil
}

// ReadRequest reads a request line and its header block from r. Unknown
// headers are ignored.
func ReadRequest(r *bufio.Reader) (Request, error) {
	hr := &headReader{r: r, left: MaxHeadBytes}
	line, err := hr.readLine()
	if err != nil {
		return Request{}, err
	}
	req, err := DecodeRequestLine(line)
	if err != nil {
		return Request{}, err
	}
	headers, err := hr.readHeaders()
	if err != nil {
		return Request{}, err
	}
	for _, h := range headers {
		switch {
		case strings.EqualFold(h.Key, HeaderHost):
			req.Host = h.Value
		case strings.EqualFold(h.Key, HeaderFraming):
			if req.Framing, err = ParseFraming(h.Value); err != nil {
				return Request{}, err
			}
		}
	}
	return req, nil
}

// headReader reads the lines of one head, failing once more than left bytes
// have been consumed.
type headReader struct {
	r    *bufio.Reader
	left int
}

func (hr *headReader) readLine() (string, error) {
	var line []byte
	for {
		frag, err := hr.r.ReadSlice('\n')
		hr.left -= len(frag)
		if hr.left < 0 {
			return "", fmt.Errorf("head longer than %d bytes: %w", MaxHeadBytes, ErrParse)
		}
		line = append(line, frag...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(line) > 0 {
			// A head must end with a newline.
			return "", fmt.Errorf("unterminated line %q: %w", line, ErrParse)
		}
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(line), "\r\n"), nil
	}
}

func (hr *headReader) readHeaders() ([]Header, error) {
	var headers []Header
	for {
		line, err := hr.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, fmt.Errorf("header %q: %w", line, ErrParse)
		}
		headers = append(headers, Header{
			Key:   strings.TrimSpace(line[:i]),
			Value: strings.TrimSpace(line[i+1:]),
		})
	}
}
