package server

import (
	"fmt"
	"time"

	"github.com/nicolagi/xfer/wire"
)

// Outcome is the closed set of results a request can have. Each maps to one
// status line, the common headers, and possibly an HTML body.
type Outcome int

const (
	// Fetched is a successful GET; the file follows the head as a framed body.
	Fetched Outcome = iota

	// Stored is a successful PUT.
	Stored

	// NoContent is a PUT whose body could not be stored.
	NoContent

	// NotFound is a GET for a path that is missing, unreadable, or outside
	// the served root.
	NotFound
)

// dateLayout is RFC 1123 with the zone spelled GMT, always in UTC.
const dateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

func (o Outcome) Status() int {
	switch o {
	case Fetched, Stored:
		return 200
	case NoContent:
		return 204
	default:
		return 404
	}
}

func (o Outcome) Reason() string {
	switch o {
	case Fetched:
		return "OK"
	case Stored:
		return "Created"
	case NoContent:
		return "No Content"
	default:
		return "Not Found"
	}
}

// String implements fmt.Stringer.
func (o Outcome) String() string {
	return fmt.Sprintf("%d %s", o.Status(), o.Reason())
}

func (o Outcome) html() []byte {
	switch o {
	case NoContent:
		return []byte("<html><body><p>ERROR 204: No content stored!</p></body></html>")
	case NotFound:
		return []byte("<html><body><p>ERROR 404: File not found!</p></body></html>")
	default:
		return nil
	}
}

// buildResponse returns the head for o and the body that follows it
// unframed, if any. Only Fetched responses carry a framed body, which the
// caller sends separately.
func buildResponse(o Outcome, identity string, now time.Time, f wire.Framing) (wire.Head, []byte) {
	head := wire.Head{
		Status: o.Status(),
		Reason: o.Reason(),
		Headers: []wire.Header{
			{Key: wire.HeaderDate, Value: now.UTC().Format(dateLayout)},
			{Key: wire.HeaderServer, Value: identity},
			{Key: wire.HeaderConnection, Value: "close"},
		},
	}
	if o == Fetched && f == wire.FramingLength {
		head.Headers = append(head.Headers, wire.Header{Key: wire.HeaderFraming, Value: f.String()})
	}
	return head, o.html()
}
