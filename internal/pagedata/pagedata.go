// Package pagedata bootstraps a connection by scraping the live watch
// page: the embedded JSON blob carries the websocket URL and program
// metadata the engine needs.
package pagedata

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/nicolive-tools/nicolive-go/internal/constants"
	"github.com/nicolive-tools/nicolive-go/internal/model"
)

var embeddedDataRegex = regexp.MustCompile(`id="embedded-data"[^>]*data-props="([^"]*)"`)

// watchPageURL is swapped out in tests.
var watchPageURL = constants.WatchPageURL

// Fetch loads the watch page for liveID and parses its embedded data.
// userSession, when non-empty, is sent as the login cookie; anonymous
// fetches work for public programs.
func Fetch(ctx context.Context, client *http.Client, liveID, userSession string) (*model.PageData, error) {
	id, err := model.ParseLiveID(liveID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, watchPageURL+id, nil)
	if err != nil {
		return nil, fmt.Errorf("creating watch page request: %w", err)
	}
	req.Header.Set("User-Agent", constants.UserAgent)
	if userSession != "" {
		req.AddCookie(&http.Cookie{Name: constants.UserSessionCookie, Value: userSession})
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &model.NetworkError{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &model.PageNotFoundError{LiveID: id, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &model.NetworkError{URL: req.URL.String(), Err: err}
	}

	return Parse(id, body)
}

// embeddedProps mirrors the subset of the data-props JSON the engine
// consumes.
type embeddedProps struct {
	Site struct {
		Relive struct {
			WebSocketURL string `json:"webSocketUrl"`
			CSRFToken    string `json:"csrfToken"`
		} `json:"relive"`
		FrontendPublicAPIToken string `json:"frontendPublicApiToken"`
	} `json:"site"`
	Program struct {
		NicoliveProgramID string `json:"nicoliveProgramId"`
		Title             string `json:"title"`
		BeginTime         int64  `json:"beginTime"`
		EndTime           int64  `json:"endTime"`
		Status            string `json:"status"`
		ProviderType      string `json:"providerType"`
		Supplier          *struct {
			Name              string      `json:"name"`
			ProgramProviderID json.Number `json:"programProviderId"`
		} `json:"supplier"`
	} `json:"program"`
	SocialGroup struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		CompanyName string `json:"companyName"`
	} `json:"socialGroup"`
	User *struct {
		IsLoggedIn    bool        `json:"isLoggedIn"`
		ID            json.Number `json:"id"`
		Nickname      string      `json:"nickname"`
		AccountType   string      `json:"accountType"`
		IsBroadcaster bool        `json:"isBroadcaster"`
		IsOperator    bool        `json:"isOperator"`
	} `json:"user"`
	CreatorCreatorSupportSummary *struct {
		IsSupportable bool `json:"isSupportable"`
	} `json:"creatorCreatorSupportSummary"`
}

// Parse extracts the embedded data blob from the watch page HTML.
func Parse(liveID string, body []byte) (*model.PageData, error) {
	m := embeddedDataRegex.FindSubmatch(body)
	if m == nil {
		return nil, &model.PageParseError{LiveID: liveID, Reason: "embedded-data props not found"}
	}

	var props embeddedProps
	if err := json.Unmarshal([]byte(html.UnescapeString(string(m[1]))), &props); err != nil {
		return nil, &model.PageParseError{LiveID: liveID, Reason: "embedded data is not valid JSON", Err: err}
	}

	if props.Program.NicoliveProgramID == "" || props.Program.Status == "" {
		return nil, &model.PageParseError{LiveID: liveID, Reason: "program fields missing"}
	}
	if props.Site.Relive.WebSocketURL == "" {
		return nil, &model.AccessDeniedError{LiveID: liveID}
	}

	page := &model.PageData{
		LiveID:                  liveID,
		WebSocketURL:            props.Site.Relive.WebSocketURL,
		CSRFToken:               props.Site.Relive.CSRFToken,
		Status:                  model.ProgramStatus(strings.ToUpper(props.Program.Status)),
		Title:                   props.Program.Title,
		Provider:                model.ProviderType(props.Program.ProviderType),
		BeginTime:               time.Unix(props.Program.BeginTime, 0),
		EndTime:                 time.Unix(props.Program.EndTime, 0),
		BroadcasterCommentToken: props.Site.FrontendPublicAPIToken,
		SocialGroup: model.SocialGroup{
			ID:          props.SocialGroup.ID,
			Name:        props.SocialGroup.Name,
			CompanyName: props.SocialGroup.CompanyName,
		},
	}

	if props.Program.Supplier != nil {
		page.Supplier = &model.Supplier{
			Name:       props.Program.Supplier.Name,
			ProviderID: props.Program.Supplier.ProgramProviderID.String(),
		}
	}
	if props.User != nil {
		page.User = &model.LoginUser{
			ID:            props.User.ID.String(),
			Nickname:      props.User.Nickname,
			AccountType:   props.User.AccountType,
			IsLoggedIn:    props.User.IsLoggedIn,
			IsBroadcaster: props.User.IsBroadcaster,
			IsOperator:    props.User.IsOperator,
		}
	}
	if props.CreatorCreatorSupportSummary != nil {
		page.IsSupportable = props.CreatorCreatorSupportSummary.IsSupportable
	}

	return page, nil
}
