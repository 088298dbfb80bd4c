package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers follow the edge payload schema. Both directions of the
// codec agree on them, and unknown fields are skipped on decode, so
// additions on the server side do not break the client.

type appender interface {
	appendTo(b []byte) []byte
}

func appendSub(b []byte, num protowire.Number, m appender) []byte {
	inner := m.appendTo(nil)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(len(inner)))
	return append(b, inner...)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// decodeLoop drives a generic field-by-field decode. The field callback
// consumes the value bytes for (num, typ) and returns how many bytes it
// used; returning -1 defers to the unknown-field skipper.
func decodeLoop(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		used, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if used < 0 {
			used, err = skipField(num, typ, b)
			if err != nil {
				return err
			}
		}
		b = b[used:]
	}
	return nil
}

// Timestamp

func (t *Timestamp) appendTo(b []byte) []byte {
	if t.Seconds != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.Seconds))
	}
	if t.Nanos != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.Nanos))
	}
	return b
}

func (t *Timestamp) unmarshal(b []byte) error {
	return decodeLoop(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			t.Seconds = int64(v)
			return n, err
		case num == 2 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			t.Nanos = int32(v)
			return n, err
		}
		return -1, nil
	})
}

// SegmentPointer

func (p *SegmentPointer) appendTo(b []byte) []byte {
	return appendString(b, 1, p.URI)
}

func (p *SegmentPointer) unmarshal(b []byte) error {
	return decodeLoop(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n, err := consumeBytes(b)
			p.URI = string(v)
			return n, err
		}
		return -1, nil
	})
}

// ChunkedEntry

// Marshal encodes the entry for the wire.
func (e *ChunkedEntry) Marshal() []byte { return e.appendTo(nil) }

func (e *ChunkedEntry) appendTo(b []byte) []byte {
	switch {
	case e.Backward != nil:
		b = appendSub(b, 1, e.Backward)
	case e.Previous != nil:
		b = appendSub(b, 2, e.Previous)
	case e.Segment != nil:
		b = appendSub(b, 3, e.Segment)
	case e.Next != nil:
		b = appendSub(b, 4, e.Next)
	}
	return b
}

// Unmarshal decodes a ChunkedEntry frame.
func (e *ChunkedEntry) Unmarshal(b []byte) error {
	return decodeLoop(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			e.Backward = new(BackwardSegment)
			return n, e.Backward.unmarshal(v)
		case 2:
			e.Previous = new(MessageSegment)
			return n, e.Previous.unmarshal(v)
		case 3:
			e.Segment = new(MessageSegment)
			return n, e.Segment.unmarshal(v)
		case 4:
			e.Next = new(ReadyForNext)
			return n, e.Next.unmarshal(v)
		}
		return -1, nil
	})
}

// MessageSegment

func (s *MessageSegment) appendTo(b []byte) []byte {
	if s.From != nil {
		b = appendSub(b, 1, s.From)
	}
	if s.Until != nil {
		b = appendSub(b, 2, s.Until)
	}
	return appendString(b, 3, s.URI)
}

func (s *MessageSegment) unmarshal(b []byte) error {
	return decodeLoop(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			s.From = new(Timestamp)
			return n, s.From.unmarshal(v)
		case 2:
			s.Until = new(Timestamp)
			return n, s.Until.unmarshal(v)
		case 3:
			s.URI = string(v)
			return n, nil
		}
		return -1, nil
	})
}

// BackwardSegment

func (s *BackwardSegment) appendTo(b []byte) []byte {
	if s.Until != nil {
		b = appendSub(b, 1, s.Until)
	}
	if s.Segment != nil {
		b = appendSub(b, 2, s.Segment)
	}
	if s.Snapshot != nil {
		b = appendSub(b, 3, s.Snapshot)
	}
	return b
}

func (s *BackwardSegment) unmarshal(b []byte) error {
	return decodeLoop(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			s.Until = new(Timestamp)
			return n, s.Until.unmarshal(v)
		case 2:
			s.Segment = new(SegmentPointer)
			return n, s.Segment.unmarshal(v)
		case 3:
			s.Snapshot = new(SegmentPointer)
			return n, s.Snapshot.unmarshal(v)
		}
		return -1, nil
	})
}

// ReadyForNext

func (r *ReadyForNext) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(r.At))
}

func (r *ReadyForNext) unmarshal(b []byte) error {
	return decodeLoop(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n, err := consumeVarint(b)
			r.At = int64(v)
			return n, err
		}
		return -1, nil
	})
}

// ChunkedMessage

// Marshal encodes the message for the wire.
func (m *ChunkedMessage) Marshal() []byte { return m.appendTo(nil) }

func (m *ChunkedMessage) appendTo(b []byte) []byte {
	if m.Meta != nil {
		b = appendSub(b, 1, m.Meta)
	}
	switch {
	case m.Message != nil:
		b = appendSub(b, 2, m.Message)
	case m.State != nil:
		b = appendSub(b, 3, m.State)
	case m.HasSignal:
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Signal))
	}
	return b
}

// Unmarshal decodes a ChunkedMessage frame.
func (m *ChunkedMessage) Unmarshal(b []byte) error {
	return decodeLoop(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			m.Meta = new(Meta)
			return n, m.Meta.unmarshal(v)
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			m.Message = new(NicoliveMessage)
			return n, m.Message.unmarshal(v)
		case num == 3 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			m.State = new(NicoliveState)
			return n, m.State.unmarshal(v)
		case num == 4 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			m.Signal = Signal(v)
			m.HasSignal = true
			return n, err
		}
		return -1, nil
	})
}

// Meta

func (m *Meta) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.ID)
	if m.At != nil {
		b = appendSub(b, 2, m.At)
	}
	return b
}

func (m *Meta) unmarshal(b []byte) error {
	return decodeLoop(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			m.ID = string(v)
			return n, nil
		case 2:
			m.At = new(Timestamp)
			return n, m.At.unmarshal(v)
		}
		return -1, nil
	})
}

// NicoliveMessage

func (m *NicoliveMessage) appendTo(b []byte) []byte {
	if m.Chat != nil {
		b = appendSub(b, 1, m.Chat)
	}
	return b
}

func (m *NicoliveMessage) unmarshal(b []byte) error {
	return decodeLoop(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			m.Chat = new(Chat)
			return n, m.Chat.unmarshal(v)
		}
		return -1, nil
	})
}

// Chat

func (c *Chat) appendTo(b []byte) []byte {
	b = appendString(b, 1, c.Content)
	b = appendString(b, 2, c.Name)
	if c.Vpos != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Vpos))
	}
	if c.AccountStatus != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.AccountStatus))
	}
	if c.RawUserID != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.RawUserID))
	}
	return appendString(b, 6, c.HashedUserID)
}

func (c *Chat) unmarshal(b []byte) error {
	return decodeLoop(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch typ {
		case protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				c.Content = string(v)
				return n, nil
			case 2:
				c.Name = string(v)
				return n, nil
			case 6:
				c.HashedUserID = string(v)
				return n, nil
			}
		case protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 3:
				c.Vpos = int32(v)
				return n, nil
			case 4:
				c.AccountStatus = int32(v)
				return n, nil
			case 5:
				c.RawUserID = int64(v)
				return n, nil
			}
		}
		return -1, nil
	})
}

// NicoliveState

func (s *NicoliveState) appendTo(b []byte) []byte {
	if s.ProgramStatus != nil {
		b = appendSub(b, 1, s.ProgramStatus)
	}
	if s.Statistics != nil {
		b = appendSub(b, 2, s.Statistics)
	}
	return b
}

func (s *NicoliveState) unmarshal(b []byte) error {
	return decodeLoop(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			s.ProgramStatus = new(ProgramStatus)
			return n, s.ProgramStatus.unmarshal(v)
		case 2:
			s.Statistics = new(Statistics)
			return n, s.Statistics.unmarshal(v)
		}
		return -1, nil
	})
}

// ProgramStatus

func (p *ProgramStatus) appendTo(b []byte) []byte {
	if p.State != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.State))
	}
	return b
}

func (p *ProgramStatus) unmarshal(b []byte) error {
	return decodeLoop(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n, err := consumeVarint(b)
			p.State = ProgramState(v)
			return n, err
		}
		return -1, nil
	})
}

// Statistics

func (s *Statistics) appendTo(b []byte) []byte {
	fields := []struct {
		num protowire.Number
		v   int64
	}{{1, s.Viewers}, {2, s.Comments}, {3, s.AdPoints}, {4, s.GiftPoints}}
	for _, f := range fields {
		if f.v != 0 {
			b = protowire.AppendTag(b, f.num, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(f.v))
		}
	}
	return b
}

func (s *Statistics) unmarshal(b []byte) error {
	return decodeLoop(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return -1, nil
		}
		v, n, err := consumeVarint(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			s.Viewers = int64(v)
		case 2:
			s.Comments = int64(v)
		case 3:
			s.AdPoints = int64(v)
		case 4:
			s.GiftPoints = int64(v)
		default:
			return -1, nil
		}
		return n, nil
	})
}

// PackedSegment

// Marshal encodes the packed page for the wire.
func (p *PackedSegment) Marshal() []byte { return p.appendTo(nil) }

func (p *PackedSegment) appendTo(b []byte) []byte {
	for _, m := range p.Messages {
		b = appendSub(b, 1, m)
	}
	if p.Next != nil {
		b = appendSub(b, 2, p.Next)
	}
	if p.Snapshot != nil {
		b = appendSub(b, 3, p.Snapshot)
	}
	return b
}

// Unmarshal decodes a full PackedSegment body.
func (p *PackedSegment) Unmarshal(b []byte) error {
	err := decodeLoop(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			m := new(ChunkedMessage)
			if err := m.Unmarshal(v); err != nil {
				return 0, err
			}
			p.Messages = append(p.Messages, m)
			return n, nil
		case 2:
			p.Next = new(SegmentPointer)
			return n, p.Next.unmarshal(v)
		case 3:
			p.Snapshot = new(SegmentPointer)
			return n, p.Snapshot.unmarshal(v)
		}
		return -1, nil
	})
	if err != nil {
		return fmt.Errorf("decoding packed segment: %w", err)
	}
	return nil
}
