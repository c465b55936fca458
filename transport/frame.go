package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"
)

// DefaultMaxFrameSize bounds the allocation a peer can force with one
// length header.
const DefaultMaxFrameSize = 16 << 20 // 16 MiB

const frameHeaderSize = 4

var (
	ErrFrameTooLarge = errors.New("transport: frame too large")
	ErrInvalidFrame  = errors.New("transport: invalid frame")
	ErrNoDeadline    = errors.New("transport: reader/writer does not support deadlines")
)

type deadlineReader interface{ SetReadDeadline(time.Time) error }
type deadlineWriter interface{ SetWriteDeadline(time.Time) error }

// Framer reads and writes length-prefixed frames on a byte stream:
//
//	[4 bytes length LE][length bytes body]
//
// Reads and writes may run concurrently with each other, but not with
// themselves; callers serialize.
type Framer struct {
	r       *bufio.Reader
	w       *bufio.Writer
	max     int
	readDL  deadlineReader
	writeDL deadlineWriter
}

func NewConnFramer(conn net.Conn) *Framer { return NewFramer(conn, conn) }

// NewFramer wraps r and w with buffering. Deadlines work only when r or w
// implement SetReadDeadline / SetWriteDeadline.
func NewFramer(r io.Reader, w io.Writer) *Framer {
	f := &Framer{
		r:   bufio.NewReader(r),
		w:   bufio.NewWriter(w),
		max: DefaultMaxFrameSize,
	}
	if v, ok := r.(deadlineReader); ok {
		f.readDL = v
	}
	if v, ok := w.(deadlineWriter); ok {
		f.writeDL = v
	}
	return f
}

// SetMaxFrameSize changes the largest body Read accepts and Write emits.
func (f *Framer) SetMaxFrameSize(n int) { f.max = n }

func (f *Framer) Read() ([]byte, error) {
	if f.max <= 0 {
		return nil, ErrInvalidFrame
	}
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if uint64(n) > uint64(f.max) {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(f.r, body); err != nil {
		if err == io.EOF {
			// The header promised a body.
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// ReadWithDeadline reads one frame, failing if it has not arrived by
// deadline. A zero deadline blocks indefinitely.
func (f *Framer) ReadWithDeadline(deadline time.Time) ([]byte, error) {
	if deadline.IsZero() {
		return f.Read()
	}
	if f.readDL == nil {
		return nil, ErrNoDeadline
	}
	if err := f.readDL.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer f.readDL.SetReadDeadline(time.Time{})
	return f.Read()
}

// Write writes and flushes one frame.
func (f *Framer) Write(body []byte) error {
	if len(body) > f.max || uint64(len(body)) > uint64(^uint32(0)) {
		return ErrFrameTooLarge
	}
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := f.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := f.w.Write(body); err != nil {
		return err
	}
	return f.w.Flush()
}

// WriteWithDeadline writes one frame, failing if it is not flushed by
// deadline. A zero deadline blocks indefinitely.
func (f *Framer) WriteWithDeadline(body []byte, deadline time.Time) error {
	if deadline.IsZero() {
		return f.Write(body)
	}
	if f.writeDL == nil {
		return ErrNoDeadline
	}
	if err := f.writeDL.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer f.writeDL.SetWriteDeadline(time.Time{})
	return f.Write(body)
}
