// Package live implements the connection supervisor: it owns one watch
// session and one entry/message fetcher pair, reconnects on migration or
// network failure while carrying over just enough state to avoid
// duplicates and gaps, and presents a single message sequence plus the
// backward history fetcher to callers.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nicolive-tools/nicolive-go/internal/comment"
	"github.com/nicolive-tools/nicolive-go/internal/constants"
	"github.com/nicolive-tools/nicolive-go/internal/logger"
	"github.com/nicolive-tools/nicolive-go/internal/message"
	"github.com/nicolive-tools/nicolive-go/internal/model"
	"github.com/nicolive-tools/nicolive-go/internal/protocol"
	"github.com/nicolive-tools/nicolive-go/internal/stream"
	"github.com/nicolive-tools/nicolive-go/internal/watch"
)

// errLiveDone signals inside the task group that the connection finished
// cleanly (program ended or stream exhausted) and siblings should stop.
var errLiveDone = errors.New("live stream completed")

// ErrNotConnected is returned by operations that need an open watch
// session.
var ErrNotConnected = errors.New("watch session is not open")

// Options tunes a Client.
type Options struct {
	// Stream requests a media stream along with the comment seat.
	Stream *watch.StreamRequest
	// FromSec is the initial entry position in unix seconds; zero means
	// the live edge ("now").
	FromSec int64
	// HTTPClient overrides the message channel client. No timeout is
	// set on the default: entry streams are long-lived.
	HTTPClient *http.Client
	Log        *logger.Logger
	// OnState observes supervisor state transitions.
	OnState func(State)
}

// carryover is the minimum cross-reconnect state. Backward pointers are
// carried inside the BackwardFetcher itself.
type carryover struct {
	lastEntryAt string
	lastMetaID  string
}

// Client is the connection supervisor.
type Client struct {
	page       *model.PageData
	opts       Options
	log        *logger.Logger
	httpClient *http.Client

	messages    *stream.Channel[*protocol.ChunkedMessage]
	watchFrames *stream.Channel[watch.IncomingMessage]
	backward    *message.BackwardFetcher

	mu           sync.Mutex
	session      *watch.Session
	serverData   *model.MessageServerData
	lastSchedule model.Schedule
	state        State
	onState      []func(State)
	cancel       context.CancelFunc
	carry        carryover
}

// NewClient creates a supervisor for the program described by page.
func NewClient(page *model.PageData, opts Options) *Client {
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c := &Client{
		page:        page,
		opts:        opts,
		log:         log,
		httpClient:  httpClient,
		messages:    stream.NewChannel[*protocol.ChunkedMessage](),
		watchFrames: stream.NewChannel[watch.IncomingMessage](),
		backward:    message.NewBackwardFetcher(httpClient, log),
		state:       StateConnecting,
	}
	if opts.OnState != nil {
		c.onState = append(c.onState, opts.OnState)
	}
	return c
}

// Messages returns the live message sequence. Multiple consumers race on
// it; each message is delivered to exactly one.
func (c *Client) Messages() *stream.Channel[*protocol.ChunkedMessage] {
	return c.messages
}

// WatchFrames returns the watch channel frame sequence, shared the same
// way as Messages.
func (c *Client) WatchFrames() *stream.Channel[watch.IncomingMessage] {
	return c.watchFrames
}

// State returns the current supervisor state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnState registers a state transition observer.
func (c *Client) OnState(fn func(State)) {
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	c.mu.Unlock()
}

// Schedule returns the latest program window reported by the watch
// channel.
func (c *Client) Schedule() model.Schedule {
	c.mu.Lock()
	sess := c.session
	last := c.lastSchedule
	c.mu.Unlock()
	if sess != nil {
		if sc := sess.Schedule(); !sc.Begin.IsZero() {
			return sc
		}
	}
	return last
}

// MessageServerData returns the negotiated message channel parameters,
// or nil before the first messageServer frame.
func (c *Client) MessageServerData() *model.MessageServerData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverData
}

// GetBackwardMessages walks backward pages; see message.BackwardFetcher.
func (c *Client) GetBackwardMessages(ctx context.Context, delay time.Duration, maxSegments int, snapshot bool) (*message.BackwardBatch, error) {
	batch, err := c.backward.Get(ctx, delay, maxSegments, snapshot)
	if err != nil {
		return nil, err
	}
	// A historic ended-state can overtake the live walk; treat it as
	// advisory only and keep live fetching.
	if n := len(batch.Messages); n > 0 && batch.Messages[n-1].IsProgramEnded() {
		c.log.Info("Backward history reached the program end marker")
	}
	return batch, nil
}

// PostComment sends a viewer comment over the watch channel.
func (c *Client) PostComment(ctx context.Context, text string, isAnonymous bool, opts *watch.CommentOptions) error {
	sess := c.currentSession()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.PostComment(ctx, text, isAnonymous, opts)
}

// Send transmits a raw frame over the watch channel.
func (c *Client) Send(ctx context.Context, msg watch.Outgoing) error {
	sess := c.currentSession()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.Send(ctx, msg)
}

// PutBroadcasterComment sets the pinned broadcaster comment via the
// REST endpoint. Requires the broadcaster comment token from page data.
func (c *Client) PutBroadcasterComment(ctx context.Context, text, name string, isPermanent bool, color string) error {
	return comment.Put(ctx, c.httpClient, c.page.LiveID, c.page.BroadcasterCommentToken, comment.Params{
		Text:        text,
		Name:        name,
		IsPermanent: isPermanent,
		Color:       color,
	})
}

// DeleteBroadcasterComment removes the pinned broadcaster comment.
func (c *Client) DeleteBroadcasterComment(ctx context.Context) error {
	return comment.Delete(ctx, c.httpClient, c.page.LiveID, c.page.BroadcasterCommentToken)
}

// Close cancels the running connection. Run returns shortly after and
// the message sequence drains with end-of-sequence.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run connects and supervises until the program ends, the caller
// closes, an unrecoverable failure occurs, or the reconnect budget runs
// out. A nil return is a clean termination.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	wsURL := c.page.WebSocketURL
	reconnecting := false
	retries := 0

	for {
		opened, runErr := c.runOnce(ctx, wsURL, reconnecting)
		if opened {
			retries = 0
		}

		if ctx.Err() != nil {
			c.finish(StateDisconnected, nil)
			return ctx.Err()
		}

		var reconnectReq *model.ReconnectRequest
		var disconnect *model.DisconnectError

		switch {
		case runErr == nil:
			c.finish(StateDisconnected, nil)
			return nil

		case errors.As(runErr, &disconnect):
			c.finish(StateDisconnected, runErr)
			return runErr

		case errors.As(runErr, &reconnectReq):
			c.log.Info("Server requested migration",
				"wait", reconnectReq.WaitTime)
			c.setState(StateReconnecting)
			if err := sleepCtx(ctx, reconnectReq.WaitTime); err != nil {
				c.finish(StateDisconnected, nil)
				return err
			}
			wsURL = withAudienceToken(wsURL, reconnectReq.AudienceToken)
			reconnecting = true
			retries = 0

		case recoverable(runErr):
			if retries >= len(constants.ReconnectDelays) {
				c.log.Error("Reconnect budget exhausted", "error", runErr)
				c.finish(StateReconnectFailed, runErr)
				return runErr
			}
			delay := constants.ReconnectDelays[retries]
			retries++
			c.log.Warn("Connection lost, reconnecting",
				"error", runErr,
				"attempt", retries,
				"delay", delay)
			c.setState(StateReconnecting)
			if err := sleepCtx(ctx, delay); err != nil {
				c.finish(StateDisconnected, nil)
				return err
			}
			reconnecting = true

		default:
			c.finish(StateDisconnected, runErr)
			return runErr
		}
	}
}

// runOnce builds and drives one session + fetcher triad. It reports
// whether the connection reached the opened state, and returns nil only
// on clean termination.
func (c *Client) runOnce(ctx context.Context, wsURL string, isReconnect bool) (opened bool, err error) {
	if isReconnect {
		c.setState(StateReconnecting)
	} else {
		c.setState(StateConnecting)
	}

	sess, err := watch.Dial(ctx, wsURL, watch.Options{
		Reconnect: isReconnect,
		Stream:    c.opts.Stream,
		Frames:    c.watchFrames,
		Log:       c.log,
	})
	if err != nil {
		return false, err
	}
	c.setSession(sess)
	defer c.setSession(nil)
	defer sess.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := sess.Run(gctx)
		if err == nil {
			return errLiveDone
		}
		return err
	})

	serverData, msErr := sess.MessageServer(gctx)
	if msErr != nil {
		if werr := dropDone(g.Wait()); werr != nil {
			return false, werr
		}
		return false, msErr
	}

	c.mu.Lock()
	c.serverData = serverData
	c.mu.Unlock()

	entries := message.NewEntryFetcher(c.httpClient, serverData.ViewURI, c.initialAt(), c.log)
	fetcher := message.NewMessageFetcher(c.httpClient, entries.Segments(), c.messages, c.log)
	if id := c.carryLastMetaID(); id != "" {
		fetcher.SkipToMetaID(id)
	}

	g.Go(func() error { return entries.Run(gctx) })
	g.Go(func() error {
		err := fetcher.Run(gctx)
		if err == nil {
			return errLiveDone
		}
		return err
	})
	g.Go(func() error {
		bw, err := entries.Backward(gctx)
		if err != nil || bw == nil {
			return nil
		}
		if c.backward.Empty() {
			c.backward.SetPointers(pointerURI(bw.Segment), pointerURI(bw.Snapshot))
		}
		return nil
	})

	c.setState(StateOpened)
	c.log.Info("Connection opened",
		"live_id", c.page.LiveID,
		"view_uri", serverData.ViewURI,
		"reconnect", isReconnect)

	err = g.Wait()

	c.mu.Lock()
	if at, ok := entries.LastEntryAt(); ok {
		c.carry.lastEntryAt = strconv.FormatInt(at, 10)
	}
	if id := fetcher.LastMetaID(); id != "" {
		c.carry.lastMetaID = id
	}
	c.lastSchedule = sess.Schedule()
	c.mu.Unlock()

	return true, dropDone(err)
}

// finish closes the caller-facing sequences and publishes the terminal
// state. A nil err drains consumers with end-of-sequence; a non-nil err
// surfaces to them.
func (c *Client) finish(state State, err error) {
	if err != nil {
		c.messages.Throw(err)
	} else {
		c.messages.Close()
	}
	c.watchFrames.Close()
	c.setState(state)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	observers := make([]func(State), len(c.onState))
	copy(observers, c.onState)
	c.mu.Unlock()

	c.log.Debug("Supervisor state changed", "state", s.String())
	for _, fn := range observers {
		fn(s)
	}
}

func (c *Client) setSession(s *watch.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Client) currentSession() *watch.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) carryLastMetaID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.carry.lastMetaID
}

// initialAt picks the entry position: carryover first, then the
// configured start, then the live edge.
func (c *Client) initialAt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.carry.lastEntryAt != "" {
		return c.carry.lastEntryAt
	}
	if c.opts.FromSec > 0 {
		return strconv.FormatInt(c.opts.FromSec, 10)
	}
	return message.AtNow
}

// recoverable reports whether err should trigger a reconnect attempt
// rather than a terminal failure.
func recoverable(err error) bool {
	var netErr *model.NetworkError
	var fetchErr *model.FetchError
	return errors.As(err, &netErr) ||
		errors.As(err, &fetchErr) ||
		errors.Is(err, watch.ErrSessionEnded)
}

// dropDone maps the internal completion sentinel to a clean nil.
func dropDone(err error) error {
	if errors.Is(err, errLiveDone) {
		return nil
	}
	return err
}

func pointerURI(p *protocol.SegmentPointer) string {
	if p == nil {
		return ""
	}
	return p.URI
}

// withAudienceToken swaps the audience_token query parameter on the
// watch socket URL.
func withAudienceToken(wsURL, token string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return fmt.Sprintf("%s&audience_token=%s", wsURL, token)
	}
	q := u.Query()
	q.Set("audience_token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
