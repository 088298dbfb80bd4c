package watch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nicolive-tools/nicolive-go/internal/logger"
	"github.com/nicolive-tools/nicolive-go/internal/model"
	"github.com/nicolive-tools/nicolive-go/internal/stream"
)

// ErrSessionEnded is returned by MessageServer when the session ends
// before the server announced the message channel parameters.
var ErrSessionEnded = errors.New("watch session ended before messageServer frame")

// Options configures a Session.
type Options struct {
	// Reconnect marks the startWatching handshake as a resumption.
	Reconnect bool
	// Stream, when set, requests a media stream along with the seat.
	Stream *StreamRequest
	// Frames receives every parsed inbound frame. When nil the session
	// creates and owns one, closing it when the read loop exits.
	Frames *stream.Channel[IncomingMessage]
	Log    *logger.Logger
}

// Session is one watch channel connection. It replies to server pings
// with pong + keepSeat (no client-side timer), latches the message
// server parameters, tracks the schedule, and surfaces every frame on a
// shared channel.
type Session struct {
	conn *websocket.Conn
	log  *logger.Logger

	// writeMu serializes outbound frames so they hit the wire in call
	// order.
	writeMu sync.Mutex

	frames    *stream.Channel[IncomingMessage]
	ownFrames bool

	mu         sync.Mutex
	schedule   model.Schedule
	serverData *model.MessageServerData

	serverDataReady chan struct{}
	readyOnce       sync.Once
	done            chan struct{}

	now func() time.Time
}

// Dial opens the watch socket and performs the startWatching handshake.
func Dial(ctx context.Context, wsURL string, opts Options) (*Session, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, &model.NetworkError{URL: wsURL, Err: err}
	}
	conn.SetReadLimit(1 << 20)

	frames := opts.Frames
	own := false
	if frames == nil {
		frames = stream.NewChannel[IncomingMessage]()
		own = true
	}

	s := &Session{
		conn:            conn,
		log:             opts.Log,
		frames:          frames,
		ownFrames:       own,
		serverDataReady: make(chan struct{}),
		done:            make(chan struct{}),
		now:             time.Now,
	}

	if err := s.Send(ctx, StartWatching(opts.Reconnect, opts.Stream)); err != nil {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, fmt.Errorf("sending startWatching: %w", err)
	}

	return s, nil
}

// Frames returns the shared inbound frame channel.
func (s *Session) Frames() *stream.Channel[IncomingMessage] { return s.frames }

// Run reads inbound frames until the session ends. It returns nil on a
// clean END_PROGRAM disconnect, a *model.ReconnectRequest when the
// server requests migration, a *model.DisconnectError for errorful
// disconnect reasons, and a *model.NetworkError when the socket fails.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer func() {
		if s.ownFrames {
			s.frames.Close()
		}
	}()
	defer s.conn.Close(websocket.StatusNormalClosure, "session done")

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &model.NetworkError{Err: err}
		}

		msg, err := ParseIncoming(data)
		if err != nil {
			s.log.Warn("Dropping unparseable watch frame", "error", err)
			continue
		}

		terminal := s.handle(ctx, msg)
		s.frames.Enqueue(msg)
		if terminal != nil || isEndProgram(msg) {
			return terminal
		}
	}
}

func isEndProgram(msg IncomingMessage) bool {
	d, ok := msg.(*DisconnectMessage)
	return ok && d.Reason.IsNormal()
}

// handle performs the session-internal effect of a frame. A non-nil
// return ends the read loop with that error.
func (s *Session) handle(ctx context.Context, msg IncomingMessage) error {
	switch m := msg.(type) {
	case PingMessage:
		// Pong then keepSeat, in order, before the next read. Driving
		// keep-alive off server pings avoids client timers that stall
		// under background throttling.
		if err := s.Send(ctx, Pong()); err != nil {
			return err
		}
		if err := s.Send(ctx, KeepSeat()); err != nil {
			return err
		}

	case *ScheduleMessage:
		begin, errB := time.Parse(time.RFC3339, m.Begin)
		end, errE := time.Parse(time.RFC3339, m.End)
		if errB != nil || errE != nil {
			s.log.Warn("Ignoring schedule frame with bad timestamps",
				"begin", m.Begin, "end", m.End)
			return nil
		}
		s.mu.Lock()
		s.schedule = model.Schedule{Begin: begin, End: end}
		s.mu.Unlock()

	case *MessageServerMessage:
		base, err := time.Parse(time.RFC3339, m.VposBaseTime)
		if err != nil {
			return fmt.Errorf("parsing vposBaseTime %q: %w", m.VposBaseTime, err)
		}
		s.mu.Lock()
		s.serverData = &model.MessageServerData{
			ViewURI:      m.ViewURI,
			VposBaseTime: base,
			HashedUserID: m.HashedUserID,
		}
		s.mu.Unlock()
		s.readyOnce.Do(func() { close(s.serverDataReady) })

	case *ReconnectMessage:
		wait := time.Duration(m.WaitTimeSec) * time.Second
		return &model.ReconnectRequest{
			AudienceToken: m.AudienceToken,
			WaitTime:      wait,
			ReconnectAt:   s.now().Add(wait),
		}

	case *DisconnectMessage:
		if m.Reason.IsNormal() {
			return nil
		}
		return &model.DisconnectError{Reason: string(m.Reason)}
	}
	return nil
}

// Send JSON-serializes and transmits one frame. Frames are written in
// call order.
func (s *Session) Send(ctx context.Context, msg Outgoing) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := wsjson.Write(ctx, s.conn, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &model.NetworkError{Err: err}
	}
	return nil
}

// CommentOptions sets the optional presentation of a posted comment.
type CommentOptions struct {
	Color    CommentColor
	Size     CommentSize
	Position CommentPosition
	Font     CommentFont
}

// PostComment sends a viewer comment. The vpos is computed from the
// latched vposBaseTime: centiseconds from program start to now.
func (s *Session) PostComment(ctx context.Context, text string, isAnonymous bool, opts *CommentOptions) error {
	s.mu.Lock()
	data := s.serverData
	s.mu.Unlock()
	if data == nil {
		return errors.New("message server parameters not yet negotiated")
	}

	elapsed := s.now().Sub(data.VposBaseTime)
	vpos := int64(math.Round(float64(elapsed.Milliseconds()) / 10))

	payload := PostCommentData{
		Text:        text,
		Vpos:        vpos,
		IsAnonymous: isAnonymous,
	}
	if opts != nil {
		if opts.Color != "" && !opts.Color.Valid() {
			return fmt.Errorf("invalid comment color %q", opts.Color)
		}
		payload.Color = opts.Color
		payload.Size = opts.Size
		payload.Position = opts.Position
		payload.Font = opts.Font
	}
	return s.Send(ctx, PostComment(payload))
}

// MessageServer blocks until the server announces the message channel
// parameters, the session ends, or ctx is done.
func (s *Session) MessageServer(ctx context.Context) (*model.MessageServerData, error) {
	select {
	case <-s.serverDataReady:
	case <-s.done:
		// The frame may have raced the shutdown.
		select {
		case <-s.serverDataReady:
		default:
			return nil, ErrSessionEnded
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverData, nil
}

// MessageServerData returns the latched parameters, or nil before the
// messageServer frame arrived.
func (s *Session) MessageServerData() *model.MessageServerData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverData
}

// Schedule returns the current program window.
func (s *Session) Schedule() model.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule
}

// Close tears the socket down. Run returns shortly after.
func (s *Session) Close() {
	s.conn.Close(websocket.StatusNormalClosure, "closing")
}
