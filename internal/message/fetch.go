// Package message implements the message channel: the entry stream that
// discovers segments, the segment fetcher that yields live messages, and
// the backward fetcher that walks program history.
package message

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/nicolive-tools/nicolive-go/internal/constants"
	"github.com/nicolive-tools/nicolive-go/internal/model"
)

// fetchStream opens an HTTP stream. Non-2xx responses become FetchError;
// transport failures become NetworkError, the supervisor's reconnect
// trigger.
func fetchStream(ctx context.Context, client *http.Client, uri string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &model.FetchError{URL: uri, Err: err}
	}
	req.Header.Set("User-Agent", constants.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &model.NetworkError{URL: uri, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &model.FetchError{URL: uri, Status: resp.StatusCode}
	}
	return resp.Body, nil
}

// sleepCtx waits for d, honoring cancellation.
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
