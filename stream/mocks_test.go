package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"graphgo/protocol"
	"graphgo/transport"
)

// fakeStream is an in-memory transport.Stream. Frames the Bidi sends land
// in outbound; frames pushed to inbound are received by the Bidi.
type fakeStream struct {
	inbound  chan []byte
	outbound chan []byte
	failCh   chan error

	// gate, when set, holds every Send until it is closed. held counts the
	// Sends that reached it.
	gate chan struct{}
	held atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, 64),
		failCh:   make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (f *fakeStream) Send(ctx context.Context, frame []byte) error {
	select {
	case <-f.closed:
		return transport.ErrClosed
	default:
	}
	if f.gate != nil {
		f.held.Add(1)
		select {
		case <-f.gate:
		case <-f.closed:
			return transport.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case f.outbound <- frame:
		return nil
	case <-f.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeStream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case fr := <-f.inbound:
		return fr, nil
	case err := <-f.failCh:
		return nil, err
	case <-f.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) RemoteAddr() string { return "fake" }

// fail makes the next Receive return err.
func (f *fakeStream) fail(err error) { f.failCh <- err }

// push delivers responses to the Bidi as one frame.
func (f *fakeStream) push(t *testing.T, resps ...protocol.Response) {
	t.Helper()
	frame, err := protocol.DefaultCodec.EncodeResponses(resps)
	if err != nil {
		t.Fatalf("EncodeResponses: %v", err)
	}
	f.inbound <- frame
}

// fakePeer decodes every frame the Bidi sends and answers through handle.
// A nil answer from handle sends nothing.
type fakePeer struct {
	st      *fakeStream
	handle  func(req protocol.Request) []protocol.Response
	frames  atomic.Int64
	mu      sync.Mutex
	seen    []protocol.Request
	batches []int
}

func startPeer(t *testing.T, st *fakeStream, handle func(protocol.Request) []protocol.Response) *fakePeer {
	p := &fakePeer{st: st, handle: handle}
	go func() {
		for {
			var frame []byte
			select {
			case frame = <-st.outbound:
			case <-st.closed:
				return
			}
			reqs, err := protocol.DefaultCodec.DecodeRequests(frame)
			if err != nil {
				t.Errorf("DecodeRequests: %v", err)
				return
			}
			p.frames.Add(1)
			p.mu.Lock()
			p.seen = append(p.seen, reqs...)
			p.batches = append(p.batches, len(reqs))
			p.mu.Unlock()

			var out []protocol.Response
			for _, r := range reqs {
				out = append(out, handle(r)...)
			}
			if len(out) == 0 {
				continue
			}
			body, err := protocol.DefaultCodec.EncodeResponses(out)
			if err != nil {
				t.Errorf("EncodeResponses: %v", err)
				return
			}
			select {
			case st.inbound <- body:
			case <-st.closed:
				return
			}
		}
	}()
	return p
}

func (p *fakePeer) requests() []protocol.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Request(nil), p.seen...)
}

func (p *fakePeer) batchSizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.batches...)
}

func echo(req protocol.Request) []protocol.Response {
	return []protocol.Response{protocol.NewAnswerResponse(req.ID, req.Kind, req.Payload)}
}

func silent(protocol.Request) []protocol.Response { return nil }
