package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// TransactMethod is the full gRPC method name of the one bidirectional RPC.
// Frames travel as raw bytes; no generated stubs are involved.
const TransactMethod = "/graphgo.Graph/Transact"

var transactDesc = &grpc.StreamDesc{
	StreamName:    "Transact",
	ClientStreams: true,
	ServerStreams: true,
}

// RawCodec passes *[]byte messages through gRPC untouched.
type RawCodec struct{}

func (RawCodec) Name() string { return "graphgo-raw" }

func (RawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec: cannot marshal %T", v)
	}
	return *b, nil
}

func (RawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

// GRPCConnector shares one ClientConn and opens a bidirectional stream per
// Open.
type GRPCConnector struct {
	addr string
	conn *grpc.ClientConn
}

// NewGRPCConnector creates the ClientConn. It does not connect until the
// first stream is opened.
func NewGRPCConnector(addr string, opts TCPOptions) (*GRPCConnector, error) {
	opts.applyDefaults()
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(RawCodec{}),
			grpc.MaxCallRecvMsgSize(opts.MaxFrameSize),
			grpc.MaxCallSendMsgSize(opts.MaxFrameSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	return &GRPCConnector{addr: addr, conn: conn}, nil
}

func (c *GRPCConnector) Open(ctx context.Context) (Stream, error) {
	// The stream outlives ctx; ctx only bounds establishment.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	cs, err := c.conn.NewStream(sctx, transactDesc, TransactMethod, grpc.WaitForReady(true))
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("open stream %s: %w", c.addr, ctx.Err())
		}
		return nil, fmt.Errorf("open stream %s: %w", c.addr, err)
	}
	return &grpcStream{
		addr:   c.addr,
		send:   cs.SendMsg,
		recv:   cs.RecvMsg,
		cancel: cancel,
	}, nil
}

func (c *GRPCConnector) Address() string { return c.addr }

func (c *GRPCConnector) Close() error { return c.conn.Close() }

// grpcStream adapts either side of the Transact RPC to Stream.
type grpcStream struct {
	addr   string
	send   func(any) error
	recv   func(any) error
	cancel context.CancelFunc

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

func (s *grpcStream) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

func (s *grpcStream) Send(ctx context.Context, frame []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.send(&frame); err != nil {
		return normalizeGRPCError(err)
	}
	return nil
}

func (s *grpcStream) Receive(ctx context.Context) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	if ctx.Done() == nil {
		return s.receive()
	}

	type result struct {
		frame []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := s.receive()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		return r.frame, r.err
	case <-ctx.Done():
		// gRPC reads cannot be abandoned; tear the stream down.
		_ = s.Close()
		<-ch
		return nil, ctx.Err()
	}
}

func (s *grpcStream) receive() ([]byte, error) {
	var frame []byte
	if err := s.recv(&frame); err != nil {
		if s.isClosed() {
			return nil, ErrClosed
		}
		return nil, normalizeGRPCError(err)
	}
	if frame == nil {
		frame = []byte{}
	}
	return frame, nil
}

func (s *grpcStream) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	// Cancelling the client RPC reaches the server as a cancelled stream,
	// which it reads as a graceful end.
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *grpcStream) RemoteAddr() string { return s.addr }

// normalizeGRPCError maps a cancelled or finished RPC onto io.EOF so callers
// see the same graceful-end signal as on TCP.
func normalizeGRPCError(err error) error {
	if err == io.EOF {
		return err
	}
	switch status.Code(err) {
	case codes.Canceled:
		return io.EOF
	}
	return err
}

// NewGRPCServerStream adapts the server side of a Transact call. Closing it
// only stops further use; the RPC ends when the handler returns.
func NewGRPCServerStream(ss grpc.ServerStream, remote string) Stream {
	return &grpcStream{
		addr: remote,
		send: ss.SendMsg,
		recv: ss.RecvMsg,
	}
}

// NewGRPCServer builds a gRPC server that hands every Transact stream to
// handle. The RPC finishes when handle returns.
func NewGRPCServer(maxFrameSize int, handle func(ctx context.Context, st Stream) error) *grpc.Server {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return grpc.NewServer(
		grpc.ForceServerCodec(RawCodec{}),
		grpc.MaxRecvMsgSize(maxFrameSize),
		grpc.MaxSendMsgSize(maxFrameSize),
		grpc.UnknownServiceHandler(func(_ any, ss grpc.ServerStream) error {
			method, _ := grpc.MethodFromServerStream(ss)
			if method != TransactMethod {
				return status.Errorf(codes.Unimplemented, "unknown method %s", method)
			}
			remote := "grpc"
			if p, ok := peer.FromContext(ss.Context()); ok && p.Addr != nil {
				remote = p.Addr.String()
			}
			return handle(ss.Context(), NewGRPCServerStream(ss, remote))
		}),
	)
}
