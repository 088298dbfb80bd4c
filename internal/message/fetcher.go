package message

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/nicolive-tools/nicolive-go/internal/logger"
	"github.com/nicolive-tools/nicolive-go/internal/model"
	"github.com/nicolive-tools/nicolive-go/internal/protocol"
	"github.com/nicolive-tools/nicolive-go/internal/stream"
)

// MessageFetcher consumes segment descriptors, fetches each segment as a
// ChunkedMessage stream, and re-emits one concatenated message sequence.
// The output channel is shared: any number of consumers may race on it,
// each message going to exactly one.
//
// The output channel is caller-owned and outlives this fetcher across
// reconnects, so Run never latches errors onto it; the owner maps Run's
// return to a reconnect, a thrown error, or a clean close. The one
// exception is the program-ended state, which closes the output
// immediately after the ended message so consumers see the end without
// another read.
type MessageFetcher struct {
	client *http.Client
	log    *logger.Logger

	segments *stream.Channel[*protocol.MessageSegment]
	out      *stream.Channel[*protocol.ChunkedMessage]

	mu       sync.Mutex
	lastMeta *protocol.Meta
	skipTo   string

	ended atomic.Bool
}

// NewMessageFetcher wires a fetcher between a segment source and an
// output channel.
func NewMessageFetcher(client *http.Client, segments *stream.Channel[*protocol.MessageSegment], out *stream.Channel[*protocol.ChunkedMessage], log *logger.Logger) *MessageFetcher {
	return &MessageFetcher{
		client:   client,
		log:      log,
		segments: segments,
		out:      out,
	}
}

// SkipToMetaID installs a one-shot filter on the output: every message
// up to and including the one whose meta id equals id is swallowed, then
// delivery resumes unfiltered. Used after reconnect to avoid duplicates.
func (m *MessageFetcher) SkipToMetaID(id string) {
	m.mu.Lock()
	m.skipTo = id
	m.mu.Unlock()
	m.out.SetFilter(stream.SkipUntil(func(msg *protocol.ChunkedMessage) bool {
		return msg.MetaID() == id
	}))
}

// LastMetaID reports the reconnect resume cursor: the meta id of the
// most recent message past the skip filter. While a skip is still
// replaying already-delivered messages the cursor does not move, so a
// connection cut mid-replay cannot drag it below the consumer's
// high-water mark. Empty when no message advanced it yet.
func (m *MessageFetcher) LastMetaID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastMeta == nil {
		return ""
	}
	return m.lastMeta.ID
}

// Ended reports whether the program-ended state message was observed.
func (m *MessageFetcher) Ended() bool { return m.ended.Load() }

// Run fetches segments until the source closes, the program ends, the
// context is cancelled, or a fetch fails. A nil return is a clean
// termination: program ended (the output is already closed) or segment
// source exhausted.
func (m *MessageFetcher) Run(ctx context.Context) error {
	for {
		seg, err := m.segments.Recv(ctx)
		if errors.Is(err, stream.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		done, err := m.fetchSegment(ctx, seg)
		if err != nil {
			return err
		}
		if done {
			m.out.Close()
			return nil
		}
	}
}

// fetchSegment streams one segment into the output. It reports done
// when the program-ended state was delivered.
func (m *MessageFetcher) fetchSegment(ctx context.Context, seg *protocol.MessageSegment) (bool, error) {
	m.log.Debug("Fetching segment", "uri", seg.URI)

	body, err := fetchStream(ctx, m.client, seg.URI)
	if err != nil {
		return false, err
	}
	defer body.Close()

	dec := protocol.NewStreamDecoder(body)
	for {
		msg, err := dec.NextMessage()
		if err == io.EOF {
			return false, nil
		}
		if errors.Is(err, protocol.ErrTruncatedFrame) {
			return false, &model.FetchError{URL: seg.URI, Truncated: true, Err: err}
		}
		if errors.Is(err, protocol.ErrCorruptFrame) {
			return false, &model.FetchError{URL: seg.URI, Err: err}
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, &model.NetworkError{URL: seg.URI, Err: err}
		}

		if msg.Meta != nil {
			m.mu.Lock()
			switch {
			case m.skipTo == "":
				m.lastMeta = msg.Meta
			case msg.Meta.ID == m.skipTo:
				// End of the replay; the match equals the old cursor.
				m.skipTo = ""
				m.lastMeta = msg.Meta
			}
			m.mu.Unlock()
		}

		m.out.Enqueue(msg)

		if msg.IsProgramEnded() {
			m.ended.Store(true)
			return true, nil
		}
	}
}
