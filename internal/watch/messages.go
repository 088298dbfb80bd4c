// Package watch implements the watch channel: the WebSocket session that
// negotiates viewing parameters, answers keep-alive pings, and carries
// typed control frames in both directions.
package watch

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Outgoing is a frame sent to the watch server. Type is the protocol
// discriminator; Data is the type-specific payload, omitted when empty.
type Outgoing struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// StreamRequest describes the desired media stream, sent inside
// startWatching and changeStream frames.
type StreamRequest struct {
	Quality   StreamQuality `json:"quality"`
	Limit     *int          `json:"limit,omitempty"`
	Latency   Latency       `json:"latency"`
	ChasePlay bool          `json:"chasePlay,omitempty"`
}

// StartWatchingData is the startWatching payload.
type StartWatchingData struct {
	Reconnect bool           `json:"reconnect,omitempty"`
	Stream    *StreamRequest `json:"stream,omitempty"`
}

// PostCommentData is the postComment payload. Vpos is program-relative
// centiseconds.
type PostCommentData struct {
	Text        string          `json:"text"`
	Vpos        int64           `json:"vpos"`
	IsAnonymous bool            `json:"isAnonymous"`
	Color       CommentColor    `json:"color,omitempty"`
	Size        CommentSize     `json:"size,omitempty"`
	Position    CommentPosition `json:"position,omitempty"`
	Font        CommentFont     `json:"font,omitempty"`
}

// GetAkashicData is the getAkashic payload.
type GetAkashicData struct {
	ChasePlay bool `json:"chasePlay,omitempty"`
}

// AnswerEnqueteData is the answerEnquete payload. Answer is 0..8.
type AnswerEnqueteData struct {
	Answer int `json:"answer"`
}

// Outbound frame constructors.

func StartWatching(reconnect bool, stream *StreamRequest) Outgoing {
	return Outgoing{Type: "startWatching", Data: StartWatchingData{Reconnect: reconnect, Stream: stream}}
}

func KeepSeat() Outgoing { return Outgoing{Type: "keepSeat"} }

func Pong() Outgoing { return Outgoing{Type: "pong"} }

func PostComment(data PostCommentData) Outgoing {
	return Outgoing{Type: "postComment", Data: data}
}

func GetAkashic(chasePlay bool) Outgoing {
	return Outgoing{Type: "getAkashic", Data: GetAkashicData{ChasePlay: chasePlay}}
}

func ChangeStream(stream StreamRequest) Outgoing {
	return Outgoing{Type: "changeStream", Data: stream}
}

func AnswerEnquete(answer int) Outgoing {
	return Outgoing{Type: "answerEnquete", Data: AnswerEnqueteData{Answer: answer}}
}

func GetTaxonomy() Outgoing { return Outgoing{Type: "getTaxonomy"} }

func GetStreamQualities() Outgoing { return Outgoing{Type: "getStreamQualities"} }

// IncomingMessage is a parsed frame from the watch server. Callers type
// switch on the concrete type; IncomingType returns the wire
// discriminator.
type IncomingMessage interface {
	IncomingType() string
}

// MessageServerMessage announces the message channel parameters.
type MessageServerMessage struct {
	ViewURI      string `json:"viewUri"`
	VposBaseTime string `json:"vposBaseTime"`
	HashedUserID string `json:"hashedUserId,omitempty"`
}

// SeatMessage acknowledges the viewing seat. Keep-alive is piggybacked
// on ping frames, so the interval is informational.
type SeatMessage struct {
	KeepIntervalSec int `json:"keepIntervalSec"`
}

// ScheduleMessage updates the program begin/end window (ISO 8601).
type ScheduleMessage struct {
	Begin string `json:"begin"`
	End   string `json:"end"`
}

// PingMessage requests an immediate pong + keepSeat.
type PingMessage struct{}

// DisconnectMessage terminates the session with a reason.
type DisconnectMessage struct {
	Reason DisconnectReason `json:"reason"`
}

// ReconnectMessage requests a client migration to a new audience token.
type ReconnectMessage struct {
	AudienceToken string `json:"audienceToken"`
	WaitTimeSec   int    `json:"waitTimeSec"`
}

// ServerTimeMessage carries the server clock.
type ServerTimeMessage struct {
	CurrentMs string `json:"currentMs"`
}

// StatisticsMessage carries live counters.
type StatisticsMessage struct {
	Viewers    int64 `json:"viewers"`
	Comments   int64 `json:"comments"`
	AdPoints   int64 `json:"adPoints"`
	GiftPoints int64 `json:"giftPoints"`
}

// StreamMessage carries the negotiated media stream endpoints.
type StreamMessage struct {
	URI                string          `json:"uri"`
	SyncURI            string          `json:"syncUri,omitempty"`
	Quality            StreamQuality   `json:"quality"`
	AvailableQualities []StreamQuality `json:"availableQualities,omitempty"`
	Protocol           string          `json:"protocol,omitempty"`
}

// AkashicMessage carries the Akashic (interactive overlay) play session.
type AkashicMessage struct {
	ContentURL   string `json:"contentUrl"`
	LogServerURL string `json:"logServerUrl,omitempty"`
	PlayID       string `json:"playId"`
	PlayerID     string `json:"playerId,omitempty"`
	Status       string `json:"status"`
	Token        string `json:"token,omitempty"`
}

// PostCommentResultMessage echoes a successfully posted comment.
type PostCommentResultMessage struct {
	Chat struct {
		Mail      string `json:"mail,omitempty"`
		Anonymity int    `json:"anonymity,omitempty"`
		Content   string `json:"content"`
		Vpos      int64  `json:"vpos"`
	} `json:"chat"`
}

// The remaining inbound frames are surfaced with their raw payloads;
// nothing in the engine interprets them.

type TagUpdatedMessage struct {
	Data json.RawMessage
}

type TaxonomyMessage struct {
	Data json.RawMessage
}

type StreamQualitiesMessage struct {
	Data json.RawMessage
}

type EnqueteMessage struct {
	Data json.RawMessage
}

type EnqueteResultMessage struct {
	Data json.RawMessage
}

type ModeratorMessage struct {
	Data json.RawMessage
}

type RemoveModeratorMessage struct {
	Data json.RawMessage
}

// UnknownMessage preserves frames of types this client does not know.
type UnknownMessage struct {
	MessageType string
	Data        json.RawMessage
}

func (MessageServerMessage) IncomingType() string     { return "messageServer" }
func (SeatMessage) IncomingType() string              { return "seat" }
func (ScheduleMessage) IncomingType() string          { return "schedule" }
func (PingMessage) IncomingType() string              { return "ping" }
func (DisconnectMessage) IncomingType() string        { return "disconnect" }
func (ReconnectMessage) IncomingType() string         { return "reconnect" }
func (ServerTimeMessage) IncomingType() string        { return "serverTime" }
func (StatisticsMessage) IncomingType() string        { return "statistics" }
func (StreamMessage) IncomingType() string            { return "stream" }
func (AkashicMessage) IncomingType() string           { return "akashic" }
func (PostCommentResultMessage) IncomingType() string { return "postCommentResult" }
func (TagUpdatedMessage) IncomingType() string        { return "tagUpdated" }
func (TaxonomyMessage) IncomingType() string          { return "taxonomy" }
func (StreamQualitiesMessage) IncomingType() string   { return "streamQualities" }
func (EnqueteMessage) IncomingType() string           { return "enquete" }
func (EnqueteResultMessage) IncomingType() string     { return "enqueteresult" }
func (ModeratorMessage) IncomingType() string         { return "moderator" }
func (RemoveModeratorMessage) IncomingType() string   { return "removeModerator" }
func (m UnknownMessage) IncomingType() string         { return m.MessageType }

type incomingEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseIncoming decodes one inbound JSON frame into its typed form.
func ParseIncoming(raw []byte) (IncomingMessage, error) {
	var env incomingEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing watch frame: %w", err)
	}

	decode := func(v IncomingMessage) (IncomingMessage, error) {
		if len(env.Data) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(env.Data, v); err != nil {
			return nil, fmt.Errorf("parsing %s frame data: %w", env.Type, err)
		}
		return v, nil
	}

	switch env.Type {
	case "messageServer":
		return decode(&MessageServerMessage{})
	case "seat":
		return decode(&SeatMessage{})
	case "schedule":
		return decode(&ScheduleMessage{})
	case "ping":
		return PingMessage{}, nil
	case "disconnect":
		return decode(&DisconnectMessage{})
	case "reconnect":
		return decode(&ReconnectMessage{})
	case "serverTime":
		return decode(&ServerTimeMessage{})
	case "statistics":
		return decode(&StatisticsMessage{})
	case "stream":
		return decode(&StreamMessage{})
	case "akashic":
		return decode(&AkashicMessage{})
	case "postCommentResult":
		return decode(&PostCommentResultMessage{})
	case "tagUpdated":
		return TagUpdatedMessage{Data: env.Data}, nil
	case "taxonomy":
		return TaxonomyMessage{Data: env.Data}, nil
	case "streamQualities":
		return StreamQualitiesMessage{Data: env.Data}, nil
	case "enquete":
		return EnqueteMessage{Data: env.Data}, nil
	case "enqueteresult":
		return EnqueteResultMessage{Data: env.Data}, nil
	case "moderator":
		return ModeratorMessage{Data: env.Data}, nil
	case "removeModerator":
		return RemoveModeratorMessage{Data: env.Data}, nil
	}
	return UnknownMessage{MessageType: env.Type, Data: env.Data}, nil
}

// DisconnectReason enumerates server-initiated disconnects. Only
// ReasonEndProgram is a normal termination.
type DisconnectReason string

const (
	ReasonTakeover            DisconnectReason = "TAKEOVER"
	ReasonNoPermission        DisconnectReason = "NO_PERMISSION"
	ReasonEndProgram          DisconnectReason = "END_PROGRAM"
	ReasonPingTimeout         DisconnectReason = "PING_TIMEOUT"
	ReasonTooManyConnections  DisconnectReason = "TOO_MANY_CONNECTIONS"
	ReasonTooManyWatchings    DisconnectReason = "TOO_MANY_WATCHINGS"
	ReasonCrowded             DisconnectReason = "CROWDED"
	ReasonMaintenanceIn       DisconnectReason = "MAINTENANCE_IN"
	ReasonServiceUnavailable  DisconnectReason = "SERVICE_TEMPORARILY_UNAVAILABLE"
)

// IsNormal reports whether the reason is a clean program end.
func (r DisconnectReason) IsNormal() bool { return r == ReasonEndProgram }

// StreamQuality enumerates the selectable media qualities.
type StreamQuality string

const (
	QualityAbr             StreamQuality = "abr"
	QualitySuperHigh       StreamQuality = "super_high"
	QualityHigh            StreamQuality = "high"
	QualityNormal          StreamQuality = "normal"
	QualityLow             StreamQuality = "low"
	QualitySuperLow        StreamQuality = "super_low"
	QualityAudioOnly       StreamQuality = "audio_only"
	QualityAudioHigh       StreamQuality = "audio_high"
	QualityBroadcasterHigh StreamQuality = "broadcaster_high"
	QualityBroadcasterLow  StreamQuality = "broadcaster_low"
)

// Valid reports whether q is one of the known qualities.
func (q StreamQuality) Valid() bool {
	switch q {
	case QualityAbr, QualitySuperHigh, QualityHigh, QualityNormal,
		QualityLow, QualitySuperLow, QualityAudioOnly, QualityAudioHigh,
		QualityBroadcasterHigh, QualityBroadcasterLow:
		return true
	}
	return false
}

// Latency selects the delivery latency profile.
type Latency string

const (
	LatencyLow  Latency = "low"
	LatencyHigh Latency = "high"
)

// Valid reports whether l is a known latency profile.
func (l Latency) Valid() bool { return l == LatencyLow || l == LatencyHigh }

// Comment presentation enums.

type CommentColor string

type CommentSize string

type CommentPosition string

type CommentFont string

const (
	SizeBig    CommentSize = "big"
	SizeMedium CommentSize = "medium"
	SizeSmall  CommentSize = "small"

	PositionUe    CommentPosition = "ue"
	PositionNaka  CommentPosition = "naka"
	PositionShita CommentPosition = "shita"

	FontDefont CommentFont = "defont"
	FontMincho CommentFont = "mincho"
	FontGothic CommentFont = "gothic"
)

// commentPalette is the fixed color palette; premium accounts also get
// the *2 variants and free-form #RRGGBB.
var commentPalette = map[CommentColor]bool{
	"white": true, "red": true, "pink": true, "orange": true,
	"yellow": true, "green": true, "cyan": true, "blue": true,
	"purple": true, "black": true,
	"white2": true, "red2": true, "pink2": true, "orange2": true,
	"yellow2": true, "green2": true, "cyan2": true, "blue2": true,
	"purple2": true, "black2": true,
}

var hexColorRegex = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Valid reports whether c is a palette name or #RRGGBB.
func (c CommentColor) Valid() bool {
	return commentPalette[c] || hexColorRegex.MatchString(string(c))
}
