package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/nicolagi/xfer/storage"
	"github.com/nicolagi/xfer/wire"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNoSuchFile is returned by Store when the local file does not exist.
	// No connection is attempted in that case.
	ErrNoSuchFile = errors.New("no such file")
)

// maxErrorBody bounds how much of a non-200 response body is kept.
const maxErrorBody = 64 << 10

// ConnectionError is returned when no connection to the server could be
// established.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection with %s failed: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RequestError is returned when a request could not be sent, or its response
// or body could not be received.
type RequestError struct {
	Method wire.Method
	Path   string
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("[%s] %s request failed: %v", e.Method, e.Path, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Dialer opens connections to the server; net.Dialer.DialContext is one.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

type options struct {
	address       string
	host          string
	files         *storage.FileStore
	chunkSize     int
	framing       wire.Framing
	storeDelay    time.Duration
	timeout       time.Duration
	retries       int
	retryInterval time.Duration
	dial          Dialer
}

type Option func(*options)

func WithAddress(value string) Option {
	return func(o *options) {
		o.address = value
	}
}

// WithHost sets the value sent in the Host header.
func WithHost(value string) Option {
	return func(o *options) {
		o.host = value
	}
}

// WithDirectory sets the local directory fetched files are written to and
// stored files are read from.
func WithDirectory(value string) Option {
	return func(o *options) {
		o.files = storage.NewFileStore(value)
	}
}

func WithChunkSize(value int) Option {
	return func(o *options) {
		o.chunkSize = value
	}
}

func WithFraming(value wire.Framing) Option {
	return func(o *options) {
		o.framing = value
	}
}

// WithStoreDelay sets the pause between sending a PUT request and its body.
func WithStoreDelay(value time.Duration) Option {
	return func(o *options) {
		o.storeDelay = value
	}
}

// WithTimeout bounds a whole exchange, from dial to the end of the response.
// Zero disables the bound.
func WithTimeout(value time.Duration) Option {
	return func(o *options) {
		o.timeout = value
	}
}

// WithRetries sets how many more times a failed dial is attempted. Requests
// themselves are never retried.
func WithRetries(value int) Option {
	return func(o *options) {
		o.retries = value
	}
}

func WithRetryInterval(value time.Duration) Option {
	return func(o *options) {
		o.retryInterval = value
	}
}

func WithDialer(value Dialer) Option {
	return func(o *options) {
		o.dial = value
	}
}

// Client drives one request/response exchange per connection against a
// server.
type Client struct {
	opts options
}

// Outcome is what a server answered. Body holds the HTML fragment sent with
// non-200 responses; Session describes the transferred file, if any.
type Outcome struct {
	Head    wire.Head
	Session wire.Session
	Body    []byte
}

func New(opts ...Option) *Client {
	var c Client
	c.opts.address = "127.0.0.1:8080"
	c.opts.host = "127.0.0.1"
	c.opts.files = storage.NewFileStore(".")
	c.opts.chunkSize = wire.DefaultChunkSize
	c.opts.storeDelay = 100 * time.Millisecond
	c.opts.timeout = time.Minute
	c.opts.retryInterval = time.Second
	c.opts.dial = (&net.Dialer{}).DialContext
	for _, o := range opts {
		o(&c.opts)
	}
	return &c
}

// Do dispatches to Fetch or Store according to method.
func (c *Client) Do(ctx context.Context, method wire.Method, path string) (Outcome, error) {
	switch method {
	case wire.MethodGet:
		return c.Fetch(ctx, path)
	case wire.MethodPut:
		return c.Store(ctx, path)
	default:
		return Outcome{}, &RequestError{Method: method, Path: path, Err: wire.ErrUnsupportedMethod}
	}
}

// Fetch gets path from the server. On 200, the body replaces the local file
// at path once it has been received in full; on any other status or error,
// the local file is left alone.
func (c *Client) Fetch(ctx context.Context, path string) (out Outcome, err error) {
	fail := func(err error) (Outcome, error) {
		return out, &RequestError{Method: wire.MethodGet, Path: path, Err: err}
	}
	if _, err := c.opts.files.Resolve(path); err != nil {
		return fail(err)
	}
	request, err := c.encode(wire.MethodGet, path)
	if err != nil {
		return fail(err)
	}
	conn, done, err := c.connect(ctx)
	if err != nil {
		return out, err
	}
	defer done()
	logger := c.logger(wire.MethodGet, path)
	if _, err := conn.Write(request); err != nil {
		return fail(err)
	}
	logger.Debug("Request sent")
	r := bufio.NewReader(conn)
	if out.Head, err = wire.ReadResponseHead(r); err != nil {
		return fail(err)
	}
	logger = logger.WithField("status", out.Head.Status)
	if out.Head.Status != 200 {
		out.Body = errorBody(r)
		logger.Info("No file to fetch")
		return out, nil
	}
	err = c.opts.files.WriteAtomically(path, func(w io.Writer) error {
		var err error
		out.Session, err = wire.ReceiveBody(w, r, c.opts.chunkSize, out.Head.Framing())
		return err
	})
	if err != nil {
		return fail(err)
	}
	logger.WithFields(log.Fields{
		"bytes":  out.Session.Bytes,
		"digest": out.Session.Digest,
	}).Info("Fetched")
	return out, nil
}

// Store puts the local file at path to the server. If the local file does not
// exist, it fails with ErrNoSuchFile without connecting.
func (c *Client) Store(ctx context.Context, path string) (out Outcome, err error) {
	fail := func(err error) (Outcome, error) {
		return out, &RequestError{Method: wire.MethodPut, Path: path, Err: err}
	}
	f, err := c.opts.files.Open(path)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(fmt.Errorf("%q: %w", path, ErrNoSuchFile))
	}
	if err != nil {
		return fail(err)
	}
	defer func() {
		_ = f.Close()
	}()
	request, err := c.encode(wire.MethodPut, path)
	if err != nil {
		return fail(err)
	}
	conn, done, err := c.connect(ctx)
	if err != nil {
		return out, err
	}
	defer done()
	logger := c.logger(wire.MethodPut, path)
	if _, err := conn.Write(request); err != nil {
		return fail(err)
	}
	logger.Debug("Request sent")
	// Gives the server time to dispatch before the body arrives. Not needed
	// for correctness, as the server reads head and body from one buffer.
	select {
	case <-time.After(c.opts.storeDelay):
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	if out.Session, err = wire.SendBody(conn, f, c.opts.chunkSize, c.opts.framing); err != nil {
		return fail(err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return fail(err)
		}
	}
	r := bufio.NewReader(conn)
	if out.Head, err = wire.ReadResponseHead(r); err != nil {
		return fail(err)
	}
	logger = logger.WithFields(log.Fields{
		"status": out.Head.Status,
		"bytes":  out.Session.Bytes,
		"digest": out.Session.Digest,
	})
	if out.Head.Status != 200 {
		out.Body = errorBody(r)
		logger.Warn("Not stored")
		return out, nil
	}
	logger.Info("Stored")
	return out, nil
}

func (c *Client) encode(method wire.Method, path string) ([]byte, error) {
	return wire.EncodeRequest(wire.Request{
		Method:  method,
		Path:    path,
		Host:    c.opts.host,
		Framing: c.opts.framing,
	})
}

func (c *Client) logger(method wire.Method, path string) *log.Entry {
	return log.WithFields(log.Fields{
		"method":  method,
		"path":    path,
		"address": c.opts.address,
	})
}

// connect dials the server, retrying as configured. The returned function
// closes the connection and must be called on every path.
func (c *Client) connect(ctx context.Context) (net.Conn, func(), error) {
	var conn net.Conn
	var err error
	for attempt := 0; attempt <= c.opts.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.opts.retryInterval):
			case <-ctx.Done():
				return nil, nil, &ConnectionError{Address: c.opts.address, Err: ctx.Err()}
			}
		}
		conn, err = c.opts.dial(ctx, "tcp", c.opts.address)
		if err == nil {
			break
		}
		log.WithFields(log.Fields{
			"err":     err,
			"address": c.opts.address,
			"attempt": attempt + 1,
		}).Warn("Could not connect")
	}
	if err != nil {
		return nil, nil, &ConnectionError{Address: c.opts.address, Err: err}
	}
	if c.opts.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.opts.timeout)); err != nil {
			_ = conn.Close()
			return nil, nil, &ConnectionError{Address: c.opts.address, Err: err}
		}
	}
	// Unblocks any read or write in progress when ctx is done.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	return conn, func() {
		stop()
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.WithField("err", err).Warn("Could not close connection")
		}
	}, nil
}

func errorBody(r io.Reader) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return b
}
