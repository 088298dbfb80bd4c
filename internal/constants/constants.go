// Package constants defines the Niconico live endpoints, user-agent string,
// and default timeout/backoff values used throughout the client.
package constants

import "time"

const (
	// WatchPageURL is the base URL of the live watch page. Append a live id.
	WatchPageURL = "https://live.nicovideo.jp/watch/"
	// BroadcasterCommentURL is the broadcaster comment endpoint format.
	// The single %s verb takes the live id.
	BroadcasterCommentURL = "https://live2.nicovideo.jp/unama/api/v3/programs/%s/broadcaster_comment"

	// UserSessionCookie is the cookie name carrying the login session.
	UserSessionCookie = "user_session"
)

// UserAgent is sent on every HTTP request the client makes.
const UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// ReconnectDelays is the fixed retry schedule applied between failed
// reconnect attempts. Once exhausted the supervisor gives up.
var ReconnectDelays = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
	30 * time.Second,
	30 * time.Second,
}

const (
	// BootstrapTimeout bounds the watch page fetch. Message channel
	// requests are not bounded; entry streams are long-lived.
	BootstrapTimeout = 30 * time.Second

	// ShutdownGrace is how long the CLI waits for a graceful stop
	// before forcing exit.
	ShutdownGrace = 10 * time.Second
)
