// Package protocol defines the wire types of the Niconico message channel
// (the dwango edge payload schema) together with hand-maintained protobuf
// codecs and a size-delimited stream decoder.
//
// Schema generation is deliberately not part of this repository; the
// subset of fields the engine and its consumers need is kept as plain
// structs encoded with google.golang.org/protobuf/encoding/protowire.
package protocol

import "time"

// Timestamp mirrors google.protobuf.Timestamp.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

// TimestampOf converts a time.Time to a wire Timestamp.
func TimestampOf(t time.Time) *Timestamp {
	return &Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Time converts the Timestamp to a time.Time in UTC.
func (t *Timestamp) Time() time.Time {
	if t == nil {
		return time.Time{}
	}
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

// SegmentPointer is a URI reference to another fetchable resource.
type SegmentPointer struct {
	URI string
}

// ChunkedEntry is one element of the entry stream: a pointer to history,
// an inlineable sub-segment, or a rearm instruction. Exactly one of the
// fields is set.
type ChunkedEntry struct {
	Backward *BackwardSegment
	Previous *MessageSegment
	Segment  *MessageSegment
	Next     *ReadyForNext
}

// MessageSegment references a sub-stream of live messages.
type MessageSegment struct {
	From  *Timestamp
	Until *Timestamp
	URI   string
}

// BackwardSegment points to the historic PackedSegment chains.
type BackwardSegment struct {
	Until    *Timestamp
	Segment  *SegmentPointer
	Snapshot *SegmentPointer
}

// ReadyForNext instructs the client to refetch the entry endpoint with
// ?at=<At>.
type ReadyForNext struct {
	At int64
}

// Signal is a lightweight control marker in the message stream.
type Signal int32

// SignalFlushed indicates the server flushed buffered messages.
const SignalFlushed Signal = 0

// ChunkedMessage is one element of a live segment or packed page. The
// payload is one of Message, State, or Signal (guarded by HasSignal).
type ChunkedMessage struct {
	Meta *Meta

	Message   *NicoliveMessage
	State     *NicoliveState
	Signal    Signal
	HasSignal bool
}

// Meta carries the message id (the resume cursor) and server time.
type Meta struct {
	ID string
	At *Timestamp
}

// NicoliveMessage is a user-visible message. Only the chat variant is
// materialized; other variants are skipped as unknown fields.
type NicoliveMessage struct {
	Chat *Chat
}

// Chat is a viewer comment.
type Chat struct {
	Content       string
	Name          string
	Vpos          int32
	AccountStatus int32
	RawUserID     int64
	HashedUserID  string
}

// NicoliveState is a program state update.
type NicoliveState struct {
	ProgramStatus *ProgramStatus
	Statistics    *Statistics
}

// ProgramState enumerates the program lifecycle on the message channel.
type ProgramState int32

const (
	ProgramStateUnknown ProgramState = 0
	ProgramStateEnded   ProgramState = 1
)

// ProgramStatus wraps the program lifecycle state.
type ProgramStatus struct {
	State ProgramState
}

// Statistics carries viewer/comment counters.
type Statistics struct {
	Viewers    int64
	Comments   int64
	AdPoints   int64
	GiftPoints int64
}

// PackedSegment is one historic page: messages in forward chronological
// order, with pointers to the next (older) page and the snapshot chain.
type PackedSegment struct {
	Messages []*ChunkedMessage
	Next     *SegmentPointer
	Snapshot *SegmentPointer
}

// IsProgramEnded reports whether the message is the terminal state
// update that ends the live stream.
func (m *ChunkedMessage) IsProgramEnded() bool {
	return m != nil && m.State != nil && m.State.ProgramStatus != nil &&
		m.State.ProgramStatus.State == ProgramStateEnded
}

// MetaID returns the meta id, or "" when meta is absent.
func (m *ChunkedMessage) MetaID() string {
	if m == nil || m.Meta == nil {
		return ""
	}
	return m.Meta.ID
}
