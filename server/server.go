package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicolagi/xfer/storage"
	"github.com/nicolagi/xfer/wire"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	// ErrBind is returned by Listen when neither the configured address nor
	// the fallback address can be bound.
	ErrBind = errors.New("could not bind")
)

// DefaultPort is the port of the default address, and the port of the
// fallback address unless one is configured.
const DefaultPort = "8080"

type Option func(*options)

type options struct {
	address         string
	fallbackAddress string
	files           *storage.FileStore
	chunkSize       int
	capacity        int
	acceptRate      rate.Limit
	acceptBurst     int
	readTimeout     time.Duration
	writeTimeout    time.Duration
	journal         *storage.Journal
	mirror          *storage.Mirror
	identity        string
	now             func() time.Time
}

func WithAddress(value string) Option {
	return func(o *options) {
		o.address = value
	}
}

// WithFallbackAddress sets the address tried once when the configured
// address cannot be bound.
func WithFallbackAddress(value string) Option {
	return func(o *options) {
		o.fallbackAddress = value
	}
}

// WithRoot sets the served root directory.
func WithRoot(value string) Option {
	return func(o *options) {
		o.files = storage.NewFileStore(value)
	}
}

func WithChunkSize(value int) Option {
	return func(o *options) {
		o.chunkSize = value
	}
}

// WithCapacity bounds the number of connections served at once. Further
// connections wait in the listen backlog until a handler finishes.
func WithCapacity(value int) Option {
	return func(o *options) {
		o.capacity = value
	}
}

// WithAcceptRate limits how many connections are accepted per second.
func WithAcceptRate(perSecond float64, burst int) Option {
	return func(o *options) {
		o.acceptRate = rate.Limit(perSecond)
		o.acceptBurst = burst
	}
}

// WithReadTimeout bounds how long a handler waits for the next bytes from its
// peer. Zero disables the bound.
func WithReadTimeout(value time.Duration) Option {
	return func(o *options) {
		o.readTimeout = value
	}
}

func WithWriteTimeout(value time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = value
	}
}

// WithJournal records the outcome of every request.
func WithJournal(value *storage.Journal) Option {
	return func(o *options) {
		o.journal = value
	}
}

// WithMirror writes stored files back to the mirror, and restores files
// missing from the root from it.
func WithMirror(value *storage.Mirror) Option {
	return func(o *options) {
		o.mirror = value
	}
}

// WithIdentity sets the value of the Server header. It defaults to the name
// of the program followed by the bound address.
func WithIdentity(value string) Option {
	return func(o *options) {
		o.identity = value
	}
}

type Server struct {
	opts     options
	ln       net.Listener
	identity string
	limiter  *rate.Limiter
	slots    chan struct{}
	connIDs  uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	conns    map[uint64]*serverConn
	handlers sync.WaitGroup
}

func New(opts ...Option) *Server {
	s := &Server{
		conns: make(map[uint64]*serverConn),
	}
	s.opts.address = "127.0.0.1:" + DefaultPort
	s.opts.files = storage.NewFileStore(".")
	s.opts.chunkSize = wire.DefaultChunkSize
	s.opts.capacity = 10
	s.opts.acceptRate = rate.Inf
	s.opts.readTimeout = 30 * time.Second
	s.opts.writeTimeout = 30 * time.Second
	s.opts.now = time.Now
	for _, o := range opts {
		o(&s.opts)
	}
	if s.opts.capacity < 1 {
		s.opts.capacity = 1
	}
	if s.opts.acceptBurst < 1 {
		s.opts.acceptBurst = 1
	}
	s.limiter = rate.NewLimiter(s.opts.acceptRate, s.opts.acceptBurst)
	s.slots = make(chan struct{}, s.opts.capacity)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Server) fallbackAddress() string {
	if s.opts.fallbackAddress != "" {
		return s.opts.fallbackAddress
	}
	host, _, err := net.SplitHostPort(s.opts.address)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, DefaultPort)
}

// Listen binds the configured address, or the fallback address if that
// fails. It returns the bound address.
func (s *Server) Listen() (addr string, err error) {
	s.ln, err = net.Listen("tcp", s.opts.address)
	if err != nil {
		fallback := s.fallbackAddress()
		log.WithFields(log.Fields{
			"err":      err,
			"address":  s.opts.address,
			"fallback": fallback,
		}).Warn("Could not acquire address")
		s.ln, err = net.Listen("tcp", fallback)
		if err != nil {
			return "", fmt.Errorf("%s, then %s: %v: %w", s.opts.address, fallback, err, ErrBind)
		}
	}
	addr = s.ln.Addr().String()
	s.identity = s.opts.identity
	if s.identity == "" {
		s.identity = fmt.Sprintf("xfer [%s]", addr)
	}
	return addr, nil
}

// Serve accepts connections and spawns a handler goroutine for each, as long
// as fewer than the configured capacity are in flight. The function will
// return (some time after) Shutdown is called.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("serve called before listen")
	}
	for {
		select {
		case s.slots <- struct{}{}:
		case <-s.ctx.Done():
			return nil
		}
		if err := s.limiter.Wait(s.ctx); err != nil {
			<-s.slots
			return nil
		}
		conn, err := s.ln.Accept()
		if err != nil {
			<-s.slots
			if errors.Is(err, net.ErrClosed) {
				// Shutdown must've been called. Interrupt the accept loop.
				return nil
			}
			log.WithField("err", err).Error("Could not accept")
			continue
		}
		sc := s.wrapConn(conn)
		if !s.addConn(sc) {
			<-s.slots
			_ = conn.Close()
			return nil
		}
		sc.logger.Info("Client attached")
		// The goroutine will exit when the connection is closed.
		go func() {
			defer func() {
				<-s.slots
			}()
			sc.serve()
		}()
	}
}

func (s *Server) wrapConn(conn net.Conn) *serverConn {
	id := atomic.AddUint64(&s.connIDs, 1)
	return newServerConn(s, id, conn)
}

func (s *Server) addConn(sc *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[sc.id] = sc
	s.handlers.Add(1)
	return true
}

func (s *Server) removeConn(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc.id)
	s.mu.Unlock()
	s.handlers.Done()
}

// Shutdown stops accepting and waits for in-flight handlers to finish. If ctx
// is done first, the remaining connections are closed, their handlers are
// waited for, and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
	}
	s.mu.Lock()
	for id, sc := range s.conns {
		log.WithField("id", id).Warn("Closing connection still in flight")
		_ = sc.conn.Close()
	}
	s.mu.Unlock()
	<-done
	return ctx.Err()
}
