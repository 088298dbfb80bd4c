package message

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"context"

	"github.com/nicolive-tools/nicolive-go/internal/logger"
	"github.com/nicolive-tools/nicolive-go/internal/model"
	"github.com/nicolive-tools/nicolive-go/internal/protocol"
	"github.com/nicolive-tools/nicolive-go/internal/stream"
)

// AtNow requests the entry stream starting at the live edge.
const AtNow = "now"

// EntryFetcher drives the chained entry stream: it fetches
// <viewURI>?at=<at>, classifies each entry, follows next links across
// fetch boundaries, captures the first backward pointer, and emits
// forward segment descriptors.
//
// Within one fetch, entries arrive ordered backward, previous*,
// segment+, next?. Once a segment is seen, later backward and previous
// entries in that same fetch are stale and dropped. The latch resets on
// every refetch.
type EntryFetcher struct {
	client  *http.Client
	log     *logger.Logger
	viewURI string
	at      string

	segments *stream.Channel[*protocol.MessageSegment]

	backwardOnce sync.Once
	backwardCh   chan *protocol.BackwardSegment

	lastEntryAt atomic.Int64
	hasEntryAt  atomic.Bool
}

// NewEntryFetcher creates a fetcher for viewURI starting at at (unix
// seconds as a string, or AtNow).
func NewEntryFetcher(client *http.Client, viewURI, at string, log *logger.Logger) *EntryFetcher {
	if at == "" {
		at = AtNow
	}
	return &EntryFetcher{
		client:     client,
		log:        log,
		viewURI:    viewURI,
		at:         at,
		segments:   stream.NewChannel[*protocol.MessageSegment](),
		backwardCh: make(chan *protocol.BackwardSegment, 1),
	}
}

// Segments returns the emitted forward segment descriptors, the
// concatenation across all entry fetches.
func (f *EntryFetcher) Segments() *stream.Channel[*protocol.MessageSegment] {
	return f.segments
}

// Backward resolves once with the first backward pointer the entry
// stream produced. It returns (nil, nil) if the stream finished without
// one.
func (f *EntryFetcher) Backward(ctx context.Context) (*protocol.BackwardSegment, error) {
	// An already-buffered pointer wins over a racing cancellation.
	select {
	case bw := <-f.backwardCh:
		return bw, nil
	default:
	}
	select {
	case bw := <-f.backwardCh:
		return bw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LastEntryAt reports the most recent next.at seen, for reconnect
// carryover.
func (f *EntryFetcher) LastEntryAt() (int64, bool) {
	return f.lastEntryAt.Load(), f.hasEntryAt.Load()
}

// Run fetches entry streams until no next link is received, the context
// is cancelled, or a fetch fails. The segment sequence is closed cleanly
// on natural exit and on cancellation; fetch errors are latched onto it.
func (f *EntryFetcher) Run(ctx context.Context) error {
	defer close(f.backwardCh)

	at := f.at
	for {
		nextAt, err := f.fetchOnce(ctx, at)
		if err != nil {
			return f.fail(ctx, err)
		}
		if nextAt == "" {
			f.segments.Close()
			return nil
		}
		at = nextAt
	}
}

// fetchOnce consumes one entry stream and returns the next at value, or
// "" when the stream carried no next link.
func (f *EntryFetcher) fetchOnce(ctx context.Context, at string) (string, error) {
	uri := f.viewURI + "?at=" + at

	body, err := fetchStream(ctx, f.client, uri)
	if err != nil {
		return "", err
	}
	defer body.Close()

	f.log.Debug("Fetching entries", "uri", uri)

	dec := protocol.NewStreamDecoder(body)
	sawSegment := false
	next := ""

	for {
		entry, err := dec.NextEntry()
		if err == io.EOF {
			return next, nil
		}
		if errors.Is(err, protocol.ErrTruncatedFrame) {
			return "", &model.FetchError{URL: uri, Truncated: true, Err: err}
		}
		if errors.Is(err, protocol.ErrCorruptFrame) {
			return "", &model.FetchError{URL: uri, Err: err}
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", &model.NetworkError{URL: uri, Err: err}
		}

		switch {
		case entry.Next != nil:
			next = strconv.FormatInt(entry.Next.At, 10)
			f.lastEntryAt.Store(entry.Next.At)
			f.hasEntryAt.Store(true)

		case entry.Segment != nil:
			sawSegment = true
			f.segments.Enqueue(entry.Segment)

		case entry.Previous != nil:
			if !sawSegment {
				f.segments.Enqueue(entry.Previous)
			}

		case entry.Backward != nil:
			if !sawSegment {
				f.backwardOnce.Do(func() { f.backwardCh <- entry.Backward })
			}
		}
	}
}

// fail closes the segment sequence: silently on caller abort, with the
// latched error otherwise.
func (f *EntryFetcher) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		f.segments.Close()
		return ctx.Err()
	}
	f.segments.Throw(err)
	return err
}
