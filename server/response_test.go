package server

import (
	"testing"
	"time"

	"github.com/nicolagi/xfer/wire"
	"github.com/stretchr/testify/assert"
)

func TestBuildResponse(t *testing.T) {
	now := time.Date(2024, time.March, 5, 17, 4, 9, 0, time.FixedZone("CET", 3600))
	const identity = "xfer [127.0.0.1:8080]"

	t.Run("common headers in order", func(t *testing.T) {
		head, body := buildResponse(Fetched, identity, now, wire.FramingSentinel)
		assert.Equal(t, 200, head.Status)
		assert.Equal(t, "OK", head.Reason)
		assert.Equal(t, []wire.Header{
			{Key: "Date", Value: "Tue, 05 Mar 2024 16:04:09 GMT"},
			{Key: "Server", Value: identity},
			{Key: "Connection", Value: "close"},
		}, head.Headers)
		assert.Nil(t, body)
	})
	t.Run("length framing is announced on fetched responses only", func(t *testing.T) {
		head, _ := buildResponse(Fetched, identity, now, wire.FramingLength)
		assert.Equal(t, wire.FramingLength, head.Framing())
		head, _ = buildResponse(NotFound, identity, now, wire.FramingLength)
		assert.Equal(t, wire.FramingSentinel, head.Framing())
	})
	t.Run("stored", func(t *testing.T) {
		head, body := buildResponse(Stored, identity, now, wire.FramingSentinel)
		assert.Equal(t, "200 Created", Stored.String())
		assert.Equal(t, 200, head.Status)
		assert.Equal(t, "Created", head.Reason)
		assert.Nil(t, body)
	})
	t.Run("failures carry an html fragment", func(t *testing.T) {
		head, body := buildResponse(NoContent, identity, now, wire.FramingSentinel)
		assert.Equal(t, 204, head.Status)
		assert.Equal(t, "No Content", head.Reason)
		assert.Equal(t, "<html><body><p>ERROR 204: No content stored!</p></body></html>", string(body))

		head, body = buildResponse(NotFound, identity, now, wire.FramingSentinel)
		assert.Equal(t, 404, head.Status)
		assert.Equal(t, "Not Found", head.Reason)
		assert.Equal(t, "<html><body><p>ERROR 404: File not found!</p></body></html>", string(body))
	})
	t.Run("encoded head", func(t *testing.T) {
		head, _ := buildResponse(NotFound, identity, now, wire.FramingSentinel)
		assert.Equal(t,
			"HTTP/1.1 404 Not Found\nDate: Tue, 05 Mar 2024 16:04:09 GMT\nServer: xfer [127.0.0.1:8080]\nConnection: close\n\n",
			string(wire.EncodeResponseHead(head)))
	})
}
