package watch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nicolive-tools/nicolive-go/internal/logger"
	"github.com/nicolive-tools/nicolive-go/internal/model"
	"github.com/nicolive-tools/nicolive-go/internal/stream"
)

// frame is the loose JSON shape the test server reads and writes.
type frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// startWatchServer runs fn against each accepted watch socket.
func startWatchServer(t *testing.T, fn func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		fn(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDialSendsStartWatching(t *testing.T) {
	got := make(chan frame, 1)
	url := startWatchServer(t, func(ctx context.Context, c *websocket.Conn) {
		var f frame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			return
		}
		got <- f
		wsjson.Write(ctx, c, frame{Type: "disconnect", Data: map[string]any{"reason": "END_PROGRAM"}})
	})

	ctx := testContext(t)
	sess, err := Dial(ctx, url, Options{
		Reconnect: true,
		Stream:    &StreamRequest{Quality: QualityAbr, Latency: LatencyLow},
		Log:       logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()
	go sess.Run(ctx)

	select {
	case f := <-got:
		if f.Type != "startWatching" {
			t.Fatalf("first frame type = %q, want startWatching", f.Type)
		}
		if f.Data["reconnect"] != true {
			t.Error("reconnect flag not set")
		}
		streamData, _ := f.Data["stream"].(map[string]any)
		if streamData["quality"] != "abr" || streamData["latency"] != "low" {
			t.Errorf("stream request = %v", f.Data["stream"])
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for startWatching")
	}
}

func TestPingTriggersPongThenKeepSeat(t *testing.T) {
	order := make(chan string, 2)
	url := startWatchServer(t, func(ctx context.Context, c *websocket.Conn) {
		var f frame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			return
		}
		wsjson.Write(ctx, c, frame{Type: "ping"})
		for i := 0; i < 2; i++ {
			if err := wsjson.Read(ctx, c, &f); err != nil {
				return
			}
			order <- f.Type
		}
		wsjson.Write(ctx, c, frame{Type: "disconnect", Data: map[string]any{"reason": "END_PROGRAM"}})
	})

	ctx := testContext(t)
	sess, err := Dial(ctx, url, Options{Log: logger.Discard()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := sess.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if first, second := <-order, <-order; first != "pong" || second != "keepSeat" {
		t.Errorf("reply order = %s, %s; want pong, keepSeat", first, second)
	}
}

func TestMessageServerLatch(t *testing.T) {
	url := startWatchServer(t, func(ctx context.Context, c *websocket.Conn) {
		var f frame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			return
		}
		wsjson.Write(ctx, c, frame{Type: "messageServer", Data: map[string]any{
			"viewUri":      "https://mpn.example.com/view",
			"vposBaseTime": "2026-08-24T12:00:00+09:00",
			"hashedUserId": "a:XYZ",
		}})
		// Keep the socket open until the client is done.
		wsjson.Read(ctx, c, &f)
	})

	ctx := testContext(t)
	sess, err := Dial(ctx, url, Options{Log: logger.Discard()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()
	go sess.Run(ctx)

	data, err := sess.MessageServer(ctx)
	if err != nil {
		t.Fatalf("MessageServer: %v", err)
	}
	if data.ViewURI != "https://mpn.example.com/view" {
		t.Errorf("ViewURI = %q", data.ViewURI)
	}
	if data.HashedUserID != "a:XYZ" {
		t.Errorf("HashedUserID = %q", data.HashedUserID)
	}
	wantBase := time.Date(2026, 8, 24, 12, 0, 0, 0, time.FixedZone("", 9*3600))
	if !data.VposBaseTime.Equal(wantBase) {
		t.Errorf("VposBaseTime = %v, want %v", data.VposBaseTime, wantBase)
	}
}

func TestReconnectRequestSurfaces(t *testing.T) {
	url := startWatchServer(t, func(ctx context.Context, c *websocket.Conn) {
		var f frame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			return
		}
		wsjson.Write(ctx, c, frame{Type: "reconnect", Data: map[string]any{
			"audienceToken": "fresh-token",
			"waitTimeSec":   10,
		}})
	})

	ctx := testContext(t)
	sess, err := Dial(ctx, url, Options{Log: logger.Discard()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	runErr := sess.Run(ctx)
	var req *model.ReconnectRequest
	if !errors.As(runErr, &req) {
		t.Fatalf("Run = %v, want ReconnectRequest", runErr)
	}
	if req.AudienceToken != "fresh-token" {
		t.Errorf("AudienceToken = %q", req.AudienceToken)
	}
	if req.WaitTime != 10*time.Second {
		t.Errorf("WaitTime = %v", req.WaitTime)
	}
}

func TestDisconnectReasons(t *testing.T) {
	run := func(t *testing.T, reason string) error {
		t.Helper()
		url := startWatchServer(t, func(ctx context.Context, c *websocket.Conn) {
			var f frame
			if err := wsjson.Read(ctx, c, &f); err != nil {
				return
			}
			wsjson.Write(ctx, c, frame{Type: "disconnect", Data: map[string]any{"reason": reason}})
		})

		ctx := testContext(t)
		sess, err := Dial(ctx, url, Options{Log: logger.Discard()})
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		return sess.Run(ctx)
	}

	t.Run("end program is clean", func(t *testing.T) {
		if err := run(t, "END_PROGRAM"); err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	})

	t.Run("crowded is an error", func(t *testing.T) {
		err := run(t, "CROWDED")
		var d *model.DisconnectError
		if !errors.As(err, &d) {
			t.Fatalf("Run = %v, want DisconnectError", err)
		}
		if d.Reason != "CROWDED" {
			t.Errorf("Reason = %q", d.Reason)
		}
	})
}

func TestSessionClosesOwnedFrames(t *testing.T) {
	url := startWatchServer(t, func(ctx context.Context, c *websocket.Conn) {
		var f frame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			return
		}
		wsjson.Write(ctx, c, frame{Type: "seat", Data: map[string]any{"keepIntervalSec": 30}})
		wsjson.Write(ctx, c, frame{Type: "disconnect", Data: map[string]any{"reason": "END_PROGRAM"}})
	})

	ctx := testContext(t)
	sess, err := Dial(ctx, url, Options{Log: logger.Discard()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := sess.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var types []string
	for {
		msg, err := sess.Frames().Recv(ctx)
		if errors.Is(err, stream.ErrClosed) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		types = append(types, msg.IncomingType())
	}
	if len(types) != 2 || types[0] != "seat" || types[1] != "disconnect" {
		t.Errorf("frame types = %v, want [seat disconnect]", types)
	}
}

func TestPostCommentVpos(t *testing.T) {
	got := make(chan frame, 1)
	url := startWatchServer(t, func(ctx context.Context, c *websocket.Conn) {
		var f frame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			return
		}
		if err := wsjson.Read(ctx, c, &f); err != nil {
			return
		}
		got <- f
	})

	ctx := testContext(t)
	sess, err := Dial(ctx, url, Options{Log: logger.Discard()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	now := time.Date(2026, 8, 24, 12, 0, 12, 345_000_000, time.UTC)
	sess.now = func() time.Time { return now }
	sess.serverData = &model.MessageServerData{
		ViewURI:      "https://mpn.example.com/view",
		VposBaseTime: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}

	if err := sess.PostComment(ctx, "hello", true, &CommentOptions{Color: "red"}); err != nil {
		t.Fatalf("PostComment: %v", err)
	}

	select {
	case f := <-got:
		if f.Type != "postComment" {
			t.Fatalf("frame type = %q", f.Type)
		}
		// 12.345s elapsed rounds to 1235 centiseconds.
		if vpos, _ := f.Data["vpos"].(float64); vpos != 1235 {
			t.Errorf("vpos = %v, want 1235", f.Data["vpos"])
		}
		if f.Data["isAnonymous"] != true {
			t.Error("isAnonymous not set")
		}
		if f.Data["color"] != "red" {
			t.Errorf("color = %v", f.Data["color"])
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for postComment")
	}
}

func TestPostCommentRejectsInvalidColor(t *testing.T) {
	sess := &Session{now: time.Now}
	sess.serverData = &model.MessageServerData{VposBaseTime: time.Now()}

	err := sess.PostComment(context.Background(), "x", false, &CommentOptions{Color: "magenta"})
	if err == nil {
		t.Error("PostComment accepted an invalid color")
	}
}

func TestPostCommentBeforeNegotiation(t *testing.T) {
	sess := &Session{now: time.Now}
	if err := sess.PostComment(context.Background(), "x", false, nil); err == nil {
		t.Error("PostComment succeeded without message server parameters")
	}
}
