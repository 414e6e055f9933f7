// Package server implements the TCP front end: it accepts connections,
// decodes a stream of wire requests per connection, and serializes all
// engine calls through a single dispatcher goroutine so the engine's
// index/writer state machine is never observed mid-step.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"

	"kvlog/internal/engine"
	"kvlog/internal/logger"
	"kvlog/internal/wire"
)

// job carries one decoded request from a connection goroutine to the
// dispatcher, along with a channel the dispatcher replies on.
type job struct {
	connID string
	seq    uint64
	req    wire.Request
	respCh chan wire.Response
}

// Server accepts TCP connections and dispatches their requests to a
// single KVEngine, one at a time.
type Server struct {
	addr string
	eng  engine.KVEngine

	jobs  chan job
	fatal chan error
}

// New builds a Server bound to addr, serving requests against eng.
func New(addr string, eng engine.KVEngine) *Server {
	return &Server{
		addr:  addr,
		eng:   eng,
		jobs:  make(chan job, 128),
		fatal: make(chan error, 1),
	}
}

// Fatal reports an engine invariant violation observed while serving a
// request. A caller selecting on it alongside ListenAndServe's error
// should terminate the process rather than keep answering requests
// off a now-corrupt index.
func (s *Server) Fatal() <-chan error {
	return s.fatal
}

// ListenAndServe binds addr and accepts connections until listener
// accept fails unrecoverably. Each connection is handled by its own
// goroutine; a single dispatcher goroutine owns all engine access.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	defer ln.Close()

	go s.dispatch()

	logger.Info("kvlog server listening on %s", s.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("server: listener closed: %w", err)
			}
			logger.Error("accept error: %v", err)
			continue
		}
		connID := uuid.NewString()
		go s.handleConnection(conn, connID)
	}
}

// dispatch is the single logical executor for engine access: it reads
// jobs off the shared channel and runs them one at a time, never
// holding engine access across a socket read. A request whose engine
// error is an invariant violation still gets its response delivered,
// but also reports on the fatal channel: the index is no longer
// trustworthy and the process must not keep serving from it.
func (s *Server) dispatch() {
	for j := range s.jobs {
		resp, err := s.handle(j.req)
		j.respCh <- resp
		if errors.Is(err, engine.ErrInvariantViolation) {
			s.reportFatal(err)
		}
	}
}

func (s *Server) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

func (s *Server) handle(req wire.Request) (wire.Response, error) {
	switch req.Kind {
	case wire.KindGet:
		value, found, err := s.eng.Get(req.Key)
		if err != nil {
			return wire.ErrResponse(err.Error()), err
		}
		return wire.OkGetResponse(value, found), nil

	case wire.KindSet:
		if err := s.eng.Set(req.Key, req.Value); err != nil {
			return wire.ErrResponse(err.Error()), err
		}
		return wire.OkResponse(), nil

	case wire.KindRemove:
		if err := s.eng.Remove(req.Key); err != nil {
			return wire.ErrResponse(err.Error()), err
		}
		return wire.OkResponse(), nil

	default:
		return wire.ErrResponse(fmt.Sprintf("unknown request kind %q", req.Kind)), nil
	}
}

// handleConnection reads a stream of requests from conn, forwards each
// to the dispatcher, and writes back the matching response in order.
// A decoding error closes the connection; an engine error is reported
// as an Err response and the connection survives.
func (s *Server) handleConnection(conn net.Conn, connID string) {
	defer conn.Close()

	respCh := make(chan wire.Response, 1)
	var seq uint64

	for {
		req, err := wire.ReadRequest(conn)
		if err != nil {
			logConnClose(connID, err)
			return
		}

		seq++
		s.jobs <- job{connID: connID, seq: seq, req: req, respCh: respCh}
		resp := <-respCh

		if !resp.Ok {
			logger.Info("conn %s req %d: %s %s -> error: %s", connID, seq, req.Kind, req.Key, resp.Error)
		}

		if err := wire.WriteResponse(conn, resp); err != nil {
			logger.Error("conn %s: write response: %v", connID, err)
			return
		}
	}
}

func logConnClose(connID string, err error) {
	if errors.Is(err, io.EOF) {
		logger.Info("conn %s: client closed connection", connID)
		return
	}
	logger.Error("conn %s: read request: %v", connID, err)
}
