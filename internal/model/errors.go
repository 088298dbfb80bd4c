package model

import (
	"fmt"
	"time"
)

// LiveIDParseError reports an input that does not contain a live id.
type LiveIDParseError struct {
	Input string
}

func (e *LiveIDParseError) Error() string {
	return fmt.Sprintf("no live id (lv/ch/user) found in %q", e.Input)
}

// PageNotFoundError reports a non-2xx response from the watch page.
type PageNotFoundError struct {
	LiveID string
	Status int
}

func (e *PageNotFoundError) Error() string {
	return fmt.Sprintf("watch page for %s returned status %d", e.LiveID, e.Status)
}

// PageParseError reports a watch page whose embedded data is missing or
// unparseable.
type PageParseError struct {
	LiveID string
	Reason string
	Err    error
}

func (e *PageParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parsing watch page for %s: %s: %v", e.LiveID, e.Reason, e.Err)
	}
	return fmt.Sprintf("parsing watch page for %s: %s", e.LiveID, e.Reason)
}

func (e *PageParseError) Unwrap() error { return e.Err }

// AccessDeniedError reports a watch page that loaded but carries no
// websocket URL (private program or insufficient permission).
type AccessDeniedError struct {
	LiveID string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("no websocket url for %s (private or not permitted)", e.LiveID)
}

// FetchError reports a failed message channel fetch: a non-2xx status or
// a frame cut short by the server.
type FetchError struct {
	URL       string
	Status    int
	Truncated bool
	Err       error
}

func (e *FetchError) Error() string {
	switch {
	case e.Truncated:
		return fmt.Sprintf("fetching %s: truncated frame", e.URL)
	case e.Status != 0:
		return fmt.Sprintf("fetching %s: status %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// NetworkError reports a transport-layer failure (connection reset, DNS,
// broken socket). It is the trigger for supervisor reconnection.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("network failure on %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("network failure: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ReconnectRequest is the server-initiated migration signal: the watch
// channel must be reopened with the new audience token after the wait.
// It flows through error returns so teardown can be sequenced, but it is
// always recoverable.
type ReconnectRequest struct {
	AudienceToken string
	WaitTime      time.Duration
	ReconnectAt   time.Time
}

func (e *ReconnectRequest) Error() string {
	return fmt.Sprintf("server requested reconnect in %s", e.WaitTime)
}

// DisconnectError reports a server-initiated disconnect with an errorful
// reason. END_PROGRAM does not produce a DisconnectError; it is a clean
// termination.
type DisconnectError struct {
	Reason string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("server disconnected the session: %s", e.Reason)
}
