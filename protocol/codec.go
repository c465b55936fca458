package protocol

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// DefaultCompressThreshold is the body size above which a batch is
// compressed when compression is enabled.
const DefaultCompressThreshold = 4 << 10

const flagCompressed byte = 1 << 0

var ErrEmptyFrame = errors.New("protocol: empty frame body")

var compressEncoder, _ = zstd.NewWriter(nil)

func compressBytes(src []byte) []byte {
	return compressEncoder.EncodeAll(src, make([]byte, 0, len(src)))
}

var compressDecoder, _ = zstd.NewReader(nil,
	zstd.WithDecoderConcurrency(0),
	zstd.WithDecoderMaxMemory(64<<20),
)

func decompressBytes(src []byte) ([]byte, error) {
	return compressDecoder.DecodeAll(src, nil)
}

// Codec turns batches of messages into frame bodies and back.
//
// The body layout is [flags u8][batch]. Bit 0 of flags marks a zstd
// compressed batch. Decoding always honours the flag, so a peer with
// compression disabled still reads compressed frames.
type Codec struct {
	// CompressThreshold enables compression of batches larger than this
	// many bytes. Zero disables compression.
	CompressThreshold int
}

// DefaultCodec compresses batches above DefaultCompressThreshold.
var DefaultCodec = Codec{CompressThreshold: DefaultCompressThreshold}

func (c Codec) EncodeRequests(reqs []Request) ([]byte, error) {
	msgs := make([][]byte, 0, len(reqs))
	for i, r := range reqs {
		b, err := MarshalRequest(r)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		msgs = append(msgs, b)
	}
	return c.wrap(marshalBatch(msgs)), nil
}

func (c Codec) DecodeRequests(body []byte) ([]Request, error) {
	batch, err := c.unwrap(body)
	if err != nil {
		return nil, err
	}
	msgs, err := unmarshalBatch(batch)
	if err != nil {
		return nil, err
	}
	reqs := make([]Request, 0, len(msgs))
	for _, m := range msgs {
		r, err := UnmarshalRequest(m)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

func (c Codec) EncodeResponses(resps []Response) ([]byte, error) {
	msgs := make([][]byte, 0, len(resps))
	for i, r := range resps {
		b, err := MarshalResponse(r)
		if err != nil {
			return nil, fmt.Errorf("response %d: %w", i, err)
		}
		msgs = append(msgs, b)
	}
	return c.wrap(marshalBatch(msgs)), nil
}

func (c Codec) DecodeResponses(body []byte) ([]Response, error) {
	batch, err := c.unwrap(body)
	if err != nil {
		return nil, err
	}
	msgs, err := unmarshalBatch(batch)
	if err != nil {
		return nil, err
	}
	resps := make([]Response, 0, len(msgs))
	for _, m := range msgs {
		r, err := UnmarshalResponse(m)
		if err != nil {
			return nil, err
		}
		resps = append(resps, r)
	}
	return resps, nil
}

func (c Codec) wrap(batch []byte) []byte {
	if c.CompressThreshold > 0 && len(batch) > c.CompressThreshold {
		z := compressBytes(batch)
		if len(z) < len(batch) {
			return append([]byte{flagCompressed}, z...)
		}
	}
	out := make([]byte, 0, len(batch)+1)
	out = append(out, 0)
	return append(out, batch...)
}

func (c Codec) unwrap(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, ErrEmptyFrame
	}
	flags, batch := body[0], body[1:]
	if flags&^flagCompressed != 0 {
		return nil, fmt.Errorf("%w: unknown frame flags %#x", ErrInvalidMessage, flags)
	}
	if flags&flagCompressed == 0 {
		return batch, nil
	}
	out, err := decompressBytes(batch)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrInvalidMessage, err)
	}
	return out, nil
}
