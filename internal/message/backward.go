package message

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/nicolive-tools/nicolive-go/internal/constants"
	"github.com/nicolive-tools/nicolive-go/internal/logger"
	"github.com/nicolive-tools/nicolive-go/internal/model"
	"github.com/nicolive-tools/nicolive-go/internal/protocol"
)

// ErrBackwardBusy is returned while another backward fetch is in flight.
var ErrBackwardBusy = errors.New("a backward fetch is already in flight")

// ErrNoBackward is returned when no backward pointer of the requested
// kind is available.
var ErrNoBackward = errors.New("no backward uri available")

// BackwardBatch is the result of a backward walk: one flattened
// oldest-first message list plus the pointers remaining after the walk.
type BackwardBatch struct {
	Messages    []*protocol.ChunkedMessage
	SegmentURI  string
	SnapshotURI string
}

// BackwardFetcher pulls historic PackedSegment pages in reverse
// chronological order. At most one walk is in flight per fetcher; the
// pointer state is shared with the owning connection and preserved
// across reconnects.
type BackwardFetcher struct {
	client *http.Client
	log    *logger.Logger

	mu          sync.Mutex
	inFlight    bool
	segmentURI  string
	snapshotURI string
}

// NewBackwardFetcher creates an empty fetcher; pointers arrive via
// SetPointers once the entry stream reveals them.
func NewBackwardFetcher(client *http.Client, log *logger.Logger) *BackwardFetcher {
	return &BackwardFetcher{client: client, log: log}
}

// SetPointers replaces the current backward pointers.
func (b *BackwardFetcher) SetPointers(segmentURI, snapshotURI string) {
	b.mu.Lock()
	b.segmentURI = segmentURI
	b.snapshotURI = snapshotURI
	b.mu.Unlock()
}

// Pointers returns the current backward pointers, for carryover.
func (b *BackwardFetcher) Pointers() (segmentURI, snapshotURI string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.segmentURI, b.snapshotURI
}

// Empty reports whether no pointer of either kind is known.
func (b *BackwardFetcher) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.segmentURI == "" && b.snapshotURI == ""
}

// Get walks up to maxSegments pages into the past (all of them when
// maxSegments <= 0), pausing delay between fetches. The snapshot walk
// follows the snapshot chain, which yields only state messages.
//
// The batch concatenates pages oldest-first: page order reversed, order
// within each page preserved. On cancellation mid-walk the messages
// collected so far are returned; a fetch or decode failure surfaces as
// an error only when no page succeeded.
func (b *BackwardFetcher) Get(ctx context.Context, delay time.Duration, maxSegments int, snapshot bool) (*BackwardBatch, error) {
	b.mu.Lock()
	if b.inFlight {
		b.mu.Unlock()
		return nil, ErrBackwardBusy
	}
	uri := b.pointerLocked(snapshot)
	if uri == "" {
		b.mu.Unlock()
		return nil, ErrNoBackward
	}
	b.inFlight = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight = false
		b.mu.Unlock()
	}()

	if maxSegments <= 0 {
		maxSegments = math.MaxInt
	}

	var pages [][]*protocol.ChunkedMessage
	for uri != "" && len(pages) < maxSegments {
		packed, err := b.fetchPage(ctx, uri)
		if err != nil {
			if len(pages) == 0 {
				return nil, err
			}
			b.log.Warn("Backward walk stopped early", "uri", uri, "error", err)
			break
		}

		pages = append(pages, packed.Messages)

		b.mu.Lock()
		b.segmentURI = pointerURI(packed.Next)
		b.snapshotURI = pointerURI(packed.Snapshot)
		uri = b.pointerLocked(snapshot)
		b.mu.Unlock()

		if uri != "" && len(pages) < maxSegments {
			if err := sleepCtx(ctx, delay); err != nil {
				break
			}
		}
	}

	batch := new(BackwardBatch)
	for i := len(pages) - 1; i >= 0; i-- {
		batch.Messages = append(batch.Messages, pages[i]...)
	}
	batch.SegmentURI, batch.SnapshotURI = b.Pointers()
	return batch, nil
}

func (b *BackwardFetcher) pointerLocked(snapshot bool) string {
	if snapshot {
		return b.snapshotURI
	}
	return b.segmentURI
}

func pointerURI(p *protocol.SegmentPointer) string {
	if p == nil {
		return ""
	}
	return p.URI
}

// fetchPage fetches and decodes one PackedSegment body.
func (b *BackwardFetcher) fetchPage(ctx context.Context, uri string) (*protocol.PackedSegment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &model.FetchError{URL: uri, Err: err}
	}
	req.Header.Set("User-Agent", constants.UserAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &model.NetworkError{URL: uri, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &model.FetchError{URL: uri, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// A short body read is a cut-off page, not a transport retry.
		return nil, &model.FetchError{URL: uri, Truncated: true, Err: err}
	}

	packed := new(protocol.PackedSegment)
	if err := packed.Unmarshal(body); err != nil {
		return nil, &model.FetchError{URL: uri, Truncated: true, Err: err}
	}
	return packed, nil
}
