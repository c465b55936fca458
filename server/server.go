// Package server is an in-memory graph server that speaks the driver's wire
// protocol over TCP or gRPC. It exists for local development and end-to-end
// tests of the driver: queries are answered by a pluggable QueryHandler, and
// cluster roles are set by hand rather than elected.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"

	"graphgo/protocol"
	"graphgo/transport"
)

var (
	ErrAlreadyStarted = errors.New("server: already started")
	ErrNotStarted     = errors.New("server: not started")
)

type Server struct {
	opts  Options
	codec protocol.Codec

	ln      net.Listener
	grpcSrv *grpc.Server

	requestHandlers map[protocol.Kind]HandlerFunc

	mu      sync.Mutex
	streams map[transport.Stream]struct{}
	wg      sync.WaitGroup

	started atomic.Bool
	stopCh  chan struct{}

	sessions *sessionRegistry
	pulses   atomic.Uint64

	clusterMu  sync.RWMutex
	databases  map[string]struct{}
	replicas   map[string][]protocol.Replica
	notPrimary map[string]bool
	servers    []string
}

func NewServer(opts Options) (*Server, error) {
	opts.applyDefaults()
	if !supportedProtocols[opts.Protocol] {
		return nil, fmt.Errorf("server: unsupported protocol %q", opts.Protocol)
	}

	s := &Server{
		opts:            opts,
		codec:           opts.codec(),
		requestHandlers: make(map[protocol.Kind]HandlerFunc),
		streams:         make(map[transport.Stream]struct{}),
		sessions:        newSessionRegistry(opts.SessionIdleTimeout),
		databases:       make(map[string]struct{}),
		replicas:        make(map[string][]protocol.Replica),
		notPrimary:      make(map[string]bool),
	}
	for _, db := range opts.Databases {
		s.databases[db] = struct{}{}
	}
	s.registerRequestHandlers()
	return s, nil
}

func (s *Server) log() *slog.Logger { return s.opts.Logger }

func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(int(s.opts.Port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.started.Store(false)
		return err
	}
	s.ln = ln
	s.stopCh = make(chan struct{})

	s.wg.Go(s.reapSessions)

	switch s.opts.Protocol {
	case transport.ProtocolGRPC:
		s.grpcSrv = transport.NewGRPCServer(s.opts.MaxFrameSize, func(_ context.Context, st transport.Stream) error {
			s.serveStream(st)
			return nil
		})
		s.wg.Go(func() { _ = s.grpcSrv.Serve(ln) })
	default:
		s.wg.Go(s.acceptLoop)
	}

	s.log().Info("server started", "addr", ln.Addr().String(), "protocol", s.opts.Protocol)
	return nil
}

// Shutdown stops accepting streams, closes the open ones and waits for
// their handlers, or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}

	close(s.stopCh)
	if s.grpcSrv != nil {
		s.grpcSrv.Stop()
	} else {
		_ = s.ln.Close()
	}

	// Close active streams to unblock handlers.
	s.mu.Lock()
	for st := range s.streams {
		_ = st.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.started.Store(false)
	s.log().Info("server stopped")
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		st := transport.NewTCPStream(conn)
		st.SetMaxFrameSize(s.opts.MaxFrameSize)
		s.wg.Go(func() { s.serveStream(st) })
	}
}

func (s *Server) trackStream(st transport.Stream, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		select {
		case <-s.stopCh:
			return false
		default:
		}
		s.streams[st] = struct{}{}
	} else {
		delete(s.streams, st)
	}
	return true
}
