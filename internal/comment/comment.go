// Package comment wraps the broadcaster comment REST endpoint: the
// pinned comment shown above the player, settable and deletable by the
// broadcaster.
package comment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nicolive-tools/nicolive-go/internal/constants"
	"github.com/nicolive-tools/nicolive-go/internal/model"
)

// ErrNoToken is returned when page data carried no broadcaster comment
// token (the viewer is not the broadcaster or an operator).
var ErrNoToken = errors.New("no broadcaster comment token")

// Params describes the pinned comment.
type Params struct {
	Text        string
	Name        string
	IsPermanent bool
	// Color is a command such as "red"; empty for the default.
	Color string
}

// Put sets the pinned broadcaster comment.
func Put(ctx context.Context, client *http.Client, liveID, token string, p Params) error {
	form := url.Values{}
	form.Set("text", p.Text)
	if p.Name != "" {
		form.Set("name", p.Name)
	}
	form.Set("isPermanent", strconv.FormatBool(p.IsPermanent))
	if p.Color != "" {
		form.Set("command", p.Color)
	}
	return do(ctx, client, http.MethodPut, liveID, token, form.Encode())
}

// Delete removes the pinned broadcaster comment.
func Delete(ctx context.Context, client *http.Client, liveID, token string) error {
	return do(ctx, client, http.MethodDelete, liveID, token, "")
}

func do(ctx context.Context, client *http.Client, method, liveID, token, body string) error {
	if token == "" {
		return ErrNoToken
	}

	uri := fmt.Sprintf(constants.BroadcasterCommentURL, liveID)
	req, err := http.NewRequestWithContext(ctx, method, uri, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating broadcaster comment request: %w", err)
	}
	req.Header.Set("User-Agent", constants.UserAgent)
	req.Header.Set("x-public-api-token", token)
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := client.Do(req)
	if err != nil {
		return &model.NetworkError{URL: uri, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &model.FetchError{URL: uri, Status: resp.StatusCode}
	}
	return nil
}
