package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"github.com/nicolagi/xfer/storage"
	"github.com/nicolagi/xfer/wire"
	log "github.com/sirupsen/logrus"
)

// After the response, a handler keeps reading for at most this long (and at
// most lingerBytes) so that unread input does not turn the close into a reset.
const (
	lingerTimeout = 500 * time.Millisecond
	lingerBytes   = 64 << 10
)

type handlerState int

const (
	stateAwaitRequest handlerState = iota
	stateParse
	stateDispatch
	stateGetTransfer
	statePutTransfer
	stateResponded
	stateClosed
)

func (st handlerState) String() string {
	switch st {
	case stateAwaitRequest:
		return "AWAIT_REQUEST"
	case stateParse:
		return "PARSE"
	case stateDispatch:
		return "DISPATCH"
	case stateGetTransfer:
		return "GET_TRANSFER"
	case statePutTransfer:
		return "PUT_TRANSFER"
	case stateResponded:
		return "RESPONDED"
	case stateClosed:
		return "CLOSED"
	default:
		return "unknown handler state"
	}
}

// serverConn serves exactly one request on one accepted connection.
type serverConn struct {
	id     uint64
	server *Server

	conn   net.Conn
	reader *bufio.Reader
	writer io.Writer
	state  handlerState
	logger *log.Entry
}

func newServerConn(s *Server, id uint64, conn net.Conn) *serverConn {
	sc := &serverConn{
		id:     id,
		server: s,
		conn:   conn,
		logger: log.WithFields(log.Fields{
			"id":     id,
			"remote": conn.RemoteAddr(),
			"local":  conn.LocalAddr(),
		}),
	}
	sc.reader = bufio.NewReader(deadlineReader{conn: conn, timeout: s.opts.readTimeout})
	sc.writer = deadlineWriter{conn: conn, timeout: s.opts.writeTimeout}
	return sc
}

type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r deadlineReader) Read(p []byte) (int, error) {
	if r.timeout > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
			return 0, err
		}
	}
	return r.conn.Read(p)
}

type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return 0, err
		}
	}
	return w.conn.Write(p)
}

func (sc *serverConn) enter(st handlerState) {
	sc.logger.WithFields(log.Fields{
		"from": sc.state,
		"to":   st,
	}).Debug("State transition")
	sc.state = st
}

// To be run in a separate goroutine. Whatever happens, the connection is
// closed before this returns.
func (sc *serverConn) serve() {
	defer sc.server.removeConn(sc)
	defer sc.close()

	sc.enter(stateAwaitRequest)
	if _, err := sc.reader.Peek(1); err != nil {
		sc.logger.WithField("err", err).Info("Client detached before sending a request")
		return
	}

	sc.enter(stateParse)
	req, err := wire.ReadRequest(sc.reader)
	if err != nil {
		sc.logger.WithField("err", err).Warn("Could not parse request")
		return
	}

	sc.enter(stateDispatch)
	sc.logger = sc.logger.WithFields(log.Fields{
		"method": req.Method,
		"path":   req.Path,
		"host":   req.Host,
	})
	var outcome Outcome
	var session wire.Session
	switch req.Method {
	case wire.MethodGet:
		sc.enter(stateGetTransfer)
		outcome, session = sc.handleGet(req)
	case wire.MethodPut:
		sc.enter(statePutTransfer)
		outcome, session = sc.handlePut(req)
	}
	sc.enter(stateResponded)
	sc.record(req, outcome, session)
}

func (sc *serverConn) handleGet(req wire.Request) (Outcome, wire.Session) {
	var session wire.Session
	files := sc.server.opts.files
	f, err := files.Open(req.Path)
	if errors.Is(err, storage.ErrNotFound) && sc.server.opts.mirror != nil {
		if rerr := sc.server.opts.mirror.Restore(req.Path); rerr == nil {
			f, err = files.Open(req.Path)
		} else if !errors.Is(rerr, storage.ErrNotFound) {
			sc.logger.WithField("err", rerr).Warn("Could not restore from mirror")
		}
	}
	if err != nil {
		sc.logger.WithField("err", err).Info("File not found")
		if werr := sc.respond(NotFound, req.Framing); werr != nil {
			sc.logger.WithField("err", werr).Warn("Could not send response")
		}
		return NotFound, session
	}
	defer func() {
		if err := f.Close(); err != nil {
			sc.logger.WithField("err", err).Warn("Could not close file")
		}
	}()
	if err := sc.respond(Fetched, req.Framing); err != nil {
		sc.logger.WithField("err", err).Warn("Could not send response")
		return Fetched, session
	}
	session, err = wire.SendBody(sc.writer, f, sc.server.opts.chunkSize, req.Framing)
	logger := sc.logger.WithFields(log.Fields{
		"bytes":  session.Bytes,
		"chunks": session.Chunks,
		"digest": session.Digest,
	})
	if err != nil {
		// The head is out already; the peer sees a truncated body.
		logger.WithField("err", err).Warn("Transfer interrupted")
		return Fetched, session
	}
	logger.Info("Served")
	return Fetched, session
}

// storeSink passes writes on to the file being stored until one fails, then
// discards the rest of the body so that the transfer can still complete.
type storeSink struct {
	w   io.Writer
	err error
}

func (s *storeSink) Write(p []byte) (int, error) {
	if s.err == nil {
		if _, err := s.w.Write(p); err != nil {
			s.err = err
		}
	}
	return len(p), nil
}

func (sc *serverConn) handlePut(req wire.Request) (Outcome, wire.Session) {
	sink := new(storeSink)
	f, err := sc.server.opts.files.Create(req.Path)
	if err != nil {
		sink.err = err
	} else {
		sink.w = f
	}
	session, rerr := wire.ReceiveBody(sink, sc.reader, sc.server.opts.chunkSize, req.Framing)
	if f != nil {
		if err := f.Close(); err != nil && sink.err == nil {
			sink.err = err
		}
	}
	logger := sc.logger.WithFields(log.Fields{
		"bytes":  session.Bytes,
		"chunks": session.Chunks,
		"digest": session.Digest,
	})
	if session.Dropped {
		logger.Warn("Final chunk equal to the sentinel was dropped")
	}
	outcome := Stored
	if rerr != nil {
		logger.WithField("err", rerr).Warn("Transfer interrupted")
		outcome = NoContent
	} else if sink.err != nil {
		logger.WithField("err", sink.err).Warn("Could not store")
		outcome = NoContent
	}
	if err := sc.respond(outcome, req.Framing); err != nil {
		logger.WithField("err", err).Warn("Could not send response")
	}
	if outcome == Stored {
		logger.Info("Stored")
		if sc.server.opts.mirror != nil {
			sc.server.opts.mirror.Push(req.Path)
		}
	}
	return outcome, session
}

func (sc *serverConn) respond(o Outcome, f wire.Framing) error {
	head, body := buildResponse(o, sc.server.identity, sc.server.opts.now(), f)
	b := wire.EncodeResponseHead(head)
	if _, err := sc.writer.Write(b); err != nil {
		return err
	}
	if body != nil {
		if _, err := sc.writer.Write(body); err != nil {
			return err
		}
	}
	sc.logger.WithField("status", o).Debug("Responded")
	return nil
}

func (sc *serverConn) record(req wire.Request, o Outcome, session wire.Session) {
	journal := sc.server.opts.journal
	if journal == nil {
		return
	}
	err := journal.Record(storage.Entry{
		Method: string(req.Method),
		Path:   req.Path,
		Status: o.Status(),
		Bytes:  session.Bytes,
		Digest: session.Digest,
		Time:   sc.server.opts.now(),
	})
	if err != nil {
		sc.logger.WithField("err", err).Warn("Could not record transfer")
	}
}

func (sc *serverConn) close() {
	if cw, ok := sc.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil {
			_ = sc.conn.SetReadDeadline(time.Now().Add(lingerTimeout))
			_, _ = io.Copy(io.Discard, io.LimitReader(sc.conn, lingerBytes))
		}
	}
	if err := sc.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		sc.logger.WithField("err", err).Warn("Could not close connection")
	}
	sc.enter(stateClosed)
	sc.logger.Info("Client detached")
}
