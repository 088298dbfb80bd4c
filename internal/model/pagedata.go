// Package model defines the domain records shared across the client:
// the bootstrap page data, message server parameters, program schedule,
// and the error taxonomy surfaced to callers.
package model

import "time"

// ProgramStatus is the lifecycle state of a live program.
type ProgramStatus string

const (
	StatusReleased      ProgramStatus = "RELEASED"
	StatusBeforeRelease ProgramStatus = "BEFORE_RELEASE"
	StatusOnAir         ProgramStatus = "ON_AIR"
	StatusEnded         ProgramStatus = "ENDED"
)

// ProviderType identifies who runs the program.
type ProviderType string

const (
	ProviderCommunity ProviderType = "community"
	ProviderChannel   ProviderType = "channel"
	ProviderOfficial  ProviderType = "official"
)

// Supplier is the broadcaster shown on the watch page.
type Supplier struct {
	Name       string
	ProviderID string
}

// SocialGroup is the community or channel hosting the program.
type SocialGroup struct {
	ID          string
	Name        string
	CompanyName string
}

// LoginUser describes the viewing user, when logged in.
type LoginUser struct {
	ID            string
	Nickname      string
	AccountType   string
	IsLoggedIn    bool
	IsBroadcaster bool
	IsOperator    bool
}

// PageData is the bootstrap record scraped from the live watch page.
// It carries everything needed to open the watch channel.
type PageData struct {
	LiveID       string
	WebSocketURL string
	CSRFToken    string

	Status    ProgramStatus
	Title     string
	Provider  ProviderType
	BeginTime time.Time
	EndTime   time.Time

	Supplier    *Supplier
	SocialGroup SocialGroup
	User        *LoginUser

	// BroadcasterCommentToken authorizes the broadcaster comment REST
	// endpoint. Empty unless the viewer is the broadcaster or an operator.
	BroadcasterCommentToken string

	IsSupportable bool
}

// MessageServerData holds the message channel parameters negotiated over
// the watch channel. Established once per watch session.
type MessageServerData struct {
	// ViewURI is the entry endpoint of the message channel.
	ViewURI string
	// VposBaseTime is the zero reference for vpos (program-relative
	// centiseconds).
	VposBaseTime time.Time
	// HashedUserID is set for logged-in viewers.
	HashedUserID string
}

// Schedule is the begin/end window of the program, updated by schedule
// frames from the watch channel.
type Schedule struct {
	Begin time.Time
	End   time.Time
}
