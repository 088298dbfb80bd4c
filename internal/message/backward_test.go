package message

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nicolive-tools/nicolive-go/internal/logger"
	"github.com/nicolive-tools/nicolive-go/internal/model"
	"github.com/nicolive-tools/nicolive-go/internal/protocol"
)

// backwardServer serves a three page chain: p3 (newest) -> p2 -> p1
// (oldest), each page holding two chat messages.
func backwardServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	page := func(ids [2]string, next string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			p := &protocol.PackedSegment{
				Messages: []*protocol.ChunkedMessage{chatMsg(ids[0], ""), chatMsg(ids[1], "")},
			}
			if next != "" {
				p.Next = &protocol.SegmentPointer{URI: srv.URL + next}
			}
			w.Write(p.Marshal())
		}
	}

	mux.HandleFunc("/p3", page([2]string{"e", "f"}, "/p2"))
	mux.HandleFunc("/p2", page([2]string{"c", "d"}, "/p1"))
	mux.HandleFunc("/p1", page([2]string{"a", "b"}, ""))

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func batchIDs(batch *BackwardBatch) []string {
	ids := make([]string, 0, len(batch.Messages))
	for _, m := range batch.Messages {
		ids = append(ids, m.MetaID())
	}
	return ids
}

func TestBackwardFetcherWalksAllPages(t *testing.T) {
	srv := backwardServer(t)

	b := NewBackwardFetcher(srv.Client(), logger.Discard())
	b.SetPointers(srv.URL+"/p3", "")

	batch, err := b.Get(context.Background(), 0, 0, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	want := []string{"a", "b", "c", "d", "e", "f"}
	got := batchIDs(batch)
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}

	// The chain is exhausted.
	if batch.SegmentURI != "" {
		t.Errorf("SegmentURI = %q, want empty", batch.SegmentURI)
	}
	if !b.Empty() {
		t.Error("fetcher should have no pointers left")
	}
}

func TestBackwardFetcherRespectsMaxSegments(t *testing.T) {
	srv := backwardServer(t)

	b := NewBackwardFetcher(srv.Client(), logger.Discard())
	b.SetPointers(srv.URL+"/p3", "")

	batch, err := b.Get(context.Background(), 0, 2, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	want := []string{"c", "d", "e", "f"}
	got := batchIDs(batch)
	if len(got) != len(want) || got[0] != "c" || got[3] != "f" {
		t.Fatalf("ids = %v, want %v", got, want)
	}

	// The walk can resume from the oldest unfetched page.
	if batch.SegmentURI != srv.URL+"/p1" {
		t.Errorf("SegmentURI = %q, want %s/p1", batch.SegmentURI, srv.URL)
	}

	rest, err := b.Get(context.Background(), 0, 0, false)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if got := batchIDs(rest); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("resumed ids = %v, want [a b]", got)
	}
}

func TestBackwardFetcherSingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.Write((&protocol.PackedSegment{}).Marshal())
	}))
	defer srv.Close()

	b := NewBackwardFetcher(srv.Client(), logger.Discard())
	b.SetPointers(srv.URL, "")

	done := make(chan error, 1)
	go func() {
		_, err := b.Get(context.Background(), 0, 1, false)
		done <- err
	}()

	// The first walk holds the in-flight slot while its fetch is open.
	<-entered
	if _, err := b.Get(context.Background(), 0, 1, false); !errors.Is(err, ErrBackwardBusy) {
		t.Errorf("concurrent Get = %v, want ErrBackwardBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Get: %v", err)
	}
}

func TestBackwardFetcherNoPointer(t *testing.T) {
	b := NewBackwardFetcher(http.DefaultClient, logger.Discard())

	if _, err := b.Get(context.Background(), 0, 1, false); !errors.Is(err, ErrNoBackward) {
		t.Errorf("Get = %v, want ErrNoBackward", err)
	}
	if _, err := b.Get(context.Background(), 0, 1, true); !errors.Is(err, ErrNoBackward) {
		t.Errorf("snapshot Get = %v, want ErrNoBackward", err)
	}
}

func TestBackwardFetcherPartialWalkOnFailure(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/p2", func(w http.ResponseWriter, r *http.Request) {
		p := &protocol.PackedSegment{
			Messages: []*protocol.ChunkedMessage{chatMsg("c", "")},
			Next:     &protocol.SegmentPointer{URI: srv.URL + "/p1"},
		}
		w.Write(p.Marshal())
	})
	mux.HandleFunc("/p1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	b := NewBackwardFetcher(srv.Client(), logger.Discard())
	b.SetPointers(srv.URL+"/p2", "")

	batch, err := b.Get(context.Background(), 0, 0, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := batchIDs(batch); len(got) != 1 || got[0] != "c" {
		t.Errorf("ids = %v, want [c]", got)
	}
}

func TestBackwardFetcherFirstPageFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewBackwardFetcher(srv.Client(), logger.Discard())
	b.SetPointers(srv.URL, "")

	_, err := b.Get(context.Background(), 0, 0, false)
	var fetchErr *model.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("Get = %v, want FetchError", err)
	}
	if fetchErr.Status != http.StatusNotFound {
		t.Errorf("Status = %d", fetchErr.Status)
	}
}

func TestBackwardFetcherCorruptPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0xff, 0xff, 0xff})
	}))
	defer srv.Close()

	b := NewBackwardFetcher(srv.Client(), logger.Discard())
	b.SetPointers(srv.URL, "")

	_, err := b.Get(context.Background(), 0, 0, false)
	var fetchErr *model.FetchError
	if !errors.As(err, &fetchErr) || !fetchErr.Truncated {
		t.Errorf("Get = %v, want truncated FetchError", err)
	}
}
