package protocol

import (
	"errors"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncatedFrame reports a stream that ended inside a frame: the
// upstream closed with a partial varint header or payload buffered.
var ErrTruncatedFrame = errors.New("stream ended inside a length-delimited frame")

// ErrCorruptFrame reports a length prefix that cannot be a valid varint,
// such as ten continuation bytes with no terminator.
var ErrCorruptFrame = errors.New("malformed frame length prefix")

const readChunkSize = 16 << 10

// StreamDecoder splits a byte stream into varint-length-delimited
// protobuf frames. Frames are returned as sub-slices of the internal
// buffer; they are valid until the next call to Next.
type StreamDecoder struct {
	r   io.Reader
	buf []byte
	off int
	eof bool
}

// NewStreamDecoder returns a decoder reading frames from r.
func NewStreamDecoder(r io.Reader) *StreamDecoder {
	return &StreamDecoder{r: r}
}

// Next returns the next frame payload. It returns io.EOF on a clean end
// of stream and ErrTruncatedFrame when the stream ends mid-frame.
func (d *StreamDecoder) Next() ([]byte, error) {
	for {
		frame, ok, err := d.takeFrame()
		if err != nil {
			return nil, err
		}
		if ok {
			return frame, nil
		}
		if d.eof {
			if d.off < len(d.buf) {
				return nil, ErrTruncatedFrame
			}
			return nil, io.EOF
		}
		if err := d.fill(); err != nil {
			return nil, err
		}
	}
}

// NextEntry decodes the next frame as a ChunkedEntry.
func (d *StreamDecoder) NextEntry() (*ChunkedEntry, error) {
	frame, err := d.Next()
	if err != nil {
		return nil, err
	}
	e := new(ChunkedEntry)
	if err := e.Unmarshal(frame); err != nil {
		return nil, err
	}
	return e, nil
}

// NextMessage decodes the next frame as a ChunkedMessage.
func (d *StreamDecoder) NextMessage() (*ChunkedMessage, error) {
	frame, err := d.Next()
	if err != nil {
		return nil, err
	}
	m := new(ChunkedMessage)
	if err := m.Unmarshal(frame); err != nil {
		return nil, err
	}
	return m, nil
}

// takeFrame slices the next complete frame out of the buffer, if one is
// fully present.
func (d *StreamDecoder) takeFrame() ([]byte, bool, error) {
	b := d.buf[d.off:]
	size, n := consumeFrameSize(b)
	if n < 0 {
		return nil, false, ErrCorruptFrame
	}
	if n == 0 || len(b) < n+int(size) {
		return nil, false, nil
	}
	frame := b[n : n+int(size)]
	d.off += n + int(size)
	return frame, true, nil
}

// consumeFrameSize parses a varint length prefix. It returns n == 0 when
// the buffer does not yet hold a complete varint and n < 0 when the
// prefix cannot become one, so a garbage stream fails instead of
// buffering without bound.
func consumeFrameSize(b []byte) (uint64, int) {
	// A terminated varint fits in 10 bytes.
	for i, c := range b {
		if c < 0x80 {
			v, n := protowire.ConsumeVarint(b[:i+1])
			if n < 0 {
				return 0, -1
			}
			return v, n
		}
		if i >= 9 {
			return 0, -1
		}
	}
	return 0, 0
}

func (d *StreamDecoder) fill() error {
	// Drop consumed bytes before growing.
	if d.off > 0 {
		d.buf = append(d.buf[:0], d.buf[d.off:]...)
		d.off = 0
	}

	start := len(d.buf)
	d.buf = append(d.buf, make([]byte, readChunkSize)...)
	n, err := d.r.Read(d.buf[start:])
	d.buf = d.buf[:start+n]

	switch {
	case err == io.EOF:
		d.eof = true
		return nil
	case err != nil:
		return err
	}
	return nil
}

// AppendFrame length-prefixes payload onto b. It is the encode-side
// counterpart of Next, used by tests and fixtures.
func AppendFrame(b, payload []byte) []byte {
	b = protowire.AppendVarint(b, uint64(len(payload)))
	return append(b, payload...)
}
