package live

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nicolive-tools/nicolive-go/internal/constants"
	"github.com/nicolive-tools/nicolive-go/internal/logger"
	"github.com/nicolive-tools/nicolive-go/internal/model"
	"github.com/nicolive-tools/nicolive-go/internal/protocol"
	"github.com/nicolive-tools/nicolive-go/internal/stream"
	"github.com/nicolive-tools/nicolive-go/internal/watch"
)

type wsFrame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func chatMsg(id, content string) *protocol.ChunkedMessage {
	return &protocol.ChunkedMessage{
		Meta:    &protocol.Meta{ID: id},
		Message: &protocol.NicoliveMessage{Chat: &protocol.Chat{Content: content}},
	}
}

func endedMsg(id string) *protocol.ChunkedMessage {
	return &protocol.ChunkedMessage{
		Meta:  &protocol.Meta{ID: id},
		State: &protocol.NicoliveState{ProgramStatus: &protocol.ProgramStatus{State: protocol.ProgramStateEnded}},
	}
}

func frames(payloads ...interface{ Marshal() []byte }) []byte {
	var b []byte
	for _, p := range payloads {
		b = protocol.AppendFrame(b, p.Marshal())
	}
	return b
}

func testPage(wsURL string) *model.PageData {
	return &model.PageData{
		LiveID:       "lv123456",
		WebSocketURL: wsURL,
		Status:       model.StatusOnAir,
		Title:        "test program",
	}
}

// stateRecorder collects supervisor transitions thread-safely.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) has(want State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == want {
			return true
		}
	}
	return false
}

func messageServerFrame(viewURI string) wsFrame {
	return wsFrame{Type: "messageServer", Data: map[string]any{
		"viewUri":      viewURI,
		"vposBaseTime": "2026-08-24T12:00:00+09:00",
	}}
}

func TestClientHappyPath(t *testing.T) {
	mux := http.NewServeMux()
	var msgSrv *httptest.Server
	mux.HandleFunc("/entry", func(w http.ResponseWriter, r *http.Request) {
		if at := r.URL.Query().Get("at"); at != "now" {
			t.Errorf("entry at = %q, want now", at)
		}
		w.Write(frames(
			&protocol.ChunkedEntry{Backward: &protocol.BackwardSegment{
				Segment: &protocol.SegmentPointer{URI: msgSrv.URL + "/back"},
			}},
			&protocol.ChunkedEntry{Segment: &protocol.MessageSegment{URI: msgSrv.URL + "/seg1"}},
		))
	})
	mux.HandleFunc("/seg1", func(w http.ResponseWriter, r *http.Request) {
		w.Write(frames(chatMsg("a", "one"), chatMsg("b", "two"), endedMsg("end")))
	})
	mux.HandleFunc("/back", func(w http.ResponseWriter, r *http.Request) {
		w.Write((&protocol.PackedSegment{
			Messages: []*protocol.ChunkedMessage{chatMsg("h1", "history")},
		}).Marshal())
	})
	msgSrv = httptest.NewServer(mux)
	defer msgSrv.Close()

	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		var f wsFrame
		if err := wsjson.Read(ctx, c, &f); err != nil || f.Type != "startWatching" {
			return
		}
		wsjson.Write(ctx, c, messageServerFrame(msgSrv.URL+"/entry"))
		for wsjson.Read(ctx, c, &f) == nil {
		}
	}))
	defer wsSrv.Close()

	rec := new(stateRecorder)
	client := NewClient(testPage("ws"+strings.TrimPrefix(wsSrv.URL, "http")), Options{
		HTTPClient: msgSrv.Client(),
		Log:        logger.Discard(),
		OnState:    rec.record,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var ids []string
	for {
		msg, err := client.Messages().Recv(ctx)
		if errors.Is(err, stream.ErrClosed) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		ids = append(ids, msg.MetaID())
	}
	want := []string{"a", "b", "end"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}

	if !rec.has(StateOpened) {
		t.Error("never reached the opened state")
	}
	if client.State() != StateDisconnected {
		t.Errorf("final state = %v, want disconnected", client.State())
	}
	if client.MessageServerData() == nil {
		t.Error("message server data not latched")
	}

	// The backward pointer survived the connection; history is still
	// fetchable after the program ended.
	batch, err := client.GetBackwardMessages(ctx, 0, 0, false)
	if err != nil {
		t.Fatalf("GetBackwardMessages: %v", err)
	}
	if len(batch.Messages) != 1 || batch.Messages[0].MetaID() != "h1" {
		t.Errorf("history = %v", batch.Messages)
	}
}

func TestClientReconnectMigration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	at100Calls := new(atomic.Int32)
	at100Reached := make(chan struct{})
	triggerReconnect := make(chan struct{})

	mux := http.NewServeMux()
	var msgSrv *httptest.Server
	mux.HandleFunc("/entry", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("at") {
		case "now":
			w.Write(frames(
				&protocol.ChunkedEntry{Segment: &protocol.MessageSegment{URI: msgSrv.URL + "/seg1"}},
				&protocol.ChunkedEntry{Next: &protocol.ReadyForNext{At: 100}},
			))
		case "100":
			if at100Calls.Add(1) == 1 {
				// First connection: hold the stream open until the
				// migration tears it down.
				close(at100Reached)
				<-r.Context().Done()
				return
			}
			w.Write(frames(
				&protocol.ChunkedEntry{Segment: &protocol.MessageSegment{URI: msgSrv.URL + "/seg2"}},
			))
		default:
			t.Errorf("unexpected at = %q", r.URL.Query().Get("at"))
		}
	})
	mux.HandleFunc("/seg1", func(w http.ResponseWriter, r *http.Request) {
		w.Write(frames(chatMsg("a", "one"), chatMsg("b", "two")))
	})
	mux.HandleFunc("/seg2", func(w http.ResponseWriter, r *http.Request) {
		// The overlap with seg1 is deliberate: b must not be delivered twice.
		w.Write(frames(chatMsg("b", "two"), chatMsg("c", "three"), endedMsg("d")))
	})
	msgSrv = httptest.NewServer(mux)
	defer msgSrv.Close()

	conns := new(atomic.Int32)
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		wctx := r.Context()

		var f wsFrame
		if err := wsjson.Read(wctx, c, &f); err != nil || f.Type != "startWatching" {
			return
		}

		switch n {
		case 1:
			if f.Data["reconnect"] == true {
				t.Error("first handshake flagged as reconnect")
			}
			wsjson.Write(wctx, c, messageServerFrame(msgSrv.URL+"/entry"))
			select {
			case <-triggerReconnect:
			case <-wctx.Done():
				return
			}
			wsjson.Write(wctx, c, wsFrame{Type: "reconnect", Data: map[string]any{
				"audienceToken": "tok-2",
				"waitTimeSec":   0,
			}})
		case 2:
			if got := r.URL.Query().Get("audience_token"); got != "tok-2" {
				t.Errorf("audience_token = %q, want tok-2", got)
			}
			if f.Data["reconnect"] != true {
				t.Error("second handshake not flagged as reconnect")
			}
			wsjson.Write(wctx, c, messageServerFrame(msgSrv.URL+"/entry"))
		}
		for wsjson.Read(wctx, c, &f) == nil {
		}
	}))
	defer wsSrv.Close()

	rec := new(stateRecorder)
	client := NewClient(testPage("ws"+strings.TrimPrefix(wsSrv.URL, "http")), Options{
		HTTPClient: msgSrv.Client(),
		Log:        logger.Discard(),
		OnState:    rec.record,
	})

	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	// Drain the first connection's messages, then let the server migrate.
	for _, want := range []string{"a", "b"} {
		msg, err := client.Messages().Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if msg.MetaID() != want {
			t.Fatalf("MetaID = %q, want %q", msg.MetaID(), want)
		}
	}
	select {
	case <-at100Reached:
	case <-ctx.Done():
		t.Fatal("timed out waiting for the entry refetch")
	}
	close(triggerReconnect)

	// After migration: the duplicate b is skipped, the stream resumes at c.
	for _, want := range []string{"c", "d"} {
		msg, err := client.Messages().Recv(ctx)
		if err != nil {
			t.Fatalf("Recv after reconnect: %v", err)
		}
		if msg.MetaID() != want {
			t.Fatalf("MetaID = %q, want %q", msg.MetaID(), want)
		}
	}
	if _, err := client.Messages().Recv(ctx); !errors.Is(err, stream.ErrClosed) {
		t.Errorf("Recv = %v, want ErrClosed", err)
	}

	if err := <-runDone; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rec.has(StateReconnecting) {
		t.Error("never reached the reconnecting state")
	}
	if got := conns.Load(); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}
}

func TestClientReconnectBudgetExhausted(t *testing.T) {
	oldDelays := constants.ReconnectDelays
	constants.ReconnectDelays = make([]time.Duration, len(oldDelays))
	defer func() { constants.ReconnectDelays = oldDelays }()

	// Every entry fetch fails, so the first connection opens and then
	// loses the message channel.
	entrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer entrySrv.Close()

	conns := new(atomic.Int32)
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		if n > 1 {
			// Reconnect attempts die before the handshake completes.
			return
		}
		wctx := r.Context()
		var f wsFrame
		if err := wsjson.Read(wctx, c, &f); err != nil || f.Type != "startWatching" {
			return
		}
		wsjson.Write(wctx, c, messageServerFrame(entrySrv.URL))
		for wsjson.Read(wctx, c, &f) == nil {
		}
	}))
	defer wsSrv.Close()

	rec := new(stateRecorder)
	client := NewClient(testPage("ws"+strings.TrimPrefix(wsSrv.URL, "http")), Options{
		HTTPClient: entrySrv.Client(),
		Log:        logger.Discard(),
		OnState:    rec.record,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := client.Run(ctx)
	if err == nil {
		t.Fatal("Run succeeded with an unreachable message channel")
	}
	if !recoverable(err) {
		t.Errorf("Run = %v, want the last recoverable failure", err)
	}

	if client.State() != StateReconnectFailed {
		t.Errorf("final state = %v, want reconnect_failed", client.State())
	}
	if !rec.has(StateReconnecting) {
		t.Error("never reached the reconnecting state")
	}

	// One initial connection plus exactly five retries.
	if got := conns.Load(); got != 6 {
		t.Errorf("connections = %d, want 6", got)
	}

	// The terminal error surfaces to message consumers.
	if _, recvErr := client.Messages().Recv(ctx); !errors.Is(recvErr, err) {
		t.Errorf("Recv = %v, want the Run error %v", recvErr, err)
	}
}

func TestClientTerminalDisconnect(t *testing.T) {
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		var f wsFrame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			return
		}
		wsjson.Write(ctx, c, wsFrame{Type: "disconnect", Data: map[string]any{"reason": "CROWDED"}})
	}))
	defer wsSrv.Close()

	client := NewClient(testPage("ws"+strings.TrimPrefix(wsSrv.URL, "http")), Options{
		Log: logger.Discard(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := client.Run(ctx)
	var d *model.DisconnectError
	if !errors.As(err, &d) {
		t.Fatalf("Run = %v, want DisconnectError", err)
	}
	if d.Reason != "CROWDED" {
		t.Errorf("Reason = %q", d.Reason)
	}

	// The error surfaces to message consumers too.
	if _, recvErr := client.Messages().Recv(ctx); !errors.As(recvErr, &d) {
		t.Errorf("Recv = %v, want DisconnectError", recvErr)
	}
	if client.State() != StateDisconnected {
		t.Errorf("final state = %v", client.State())
	}
}

func TestClientOperationsRequireSession(t *testing.T) {
	client := NewClient(testPage("ws://unused"), Options{Log: logger.Discard()})
	ctx := context.Background()

	if err := client.PostComment(ctx, "hi", false, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PostComment = %v, want ErrNotConnected", err)
	}
	if err := client.Send(ctx, watch.KeepSeat()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestWithAudienceToken(t *testing.T) {
	got := withAudienceToken("wss://a.example.com/ws?audience_token=old&frontend_id=9", "new")
	if !strings.Contains(got, "audience_token=new") {
		t.Errorf("token not replaced: %q", got)
	}
	if strings.Contains(got, "old") {
		t.Errorf("old token survived: %q", got)
	}
	if !strings.Contains(got, "frontend_id=9") {
		t.Errorf("other parameters dropped: %q", got)
	}
}

func TestRecoverable(t *testing.T) {
	if !recoverable(&model.NetworkError{Err: errors.New("reset")}) {
		t.Error("NetworkError should be recoverable")
	}
	if !recoverable(&model.FetchError{URL: "u", Status: 500}) {
		t.Error("FetchError should be recoverable")
	}
	if !recoverable(watch.ErrSessionEnded) {
		t.Error("ErrSessionEnded should be recoverable")
	}
	if recoverable(&model.DisconnectError{Reason: "CROWDED"}) {
		t.Error("DisconnectError should not be recoverable")
	}
	if recoverable(errors.New("arbitrary")) {
		t.Error("arbitrary errors should not be recoverable")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateConnecting:      "connecting",
		StateOpened:          "opened",
		StateReconnecting:    "reconnecting",
		StateDisconnected:    "disconnected",
		StateReconnectFailed: "reconnect_failed",
		State(99):            "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
