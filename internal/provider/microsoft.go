package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	microsoftoauth "golang.org/x/oauth2/microsoft"

	"calfeed/internal/models"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"

	// Single-value extended properties marking events this application
	// manages. The GUID namespaces the properties to this application.
	graphPropGUID    = "c7a4dbce-31f5-4c05-a5e1-9cf80e04d722"
	graphManagedProp = "String {" + graphPropGUID + "} Name calfeedManaged"
	graphUIDProp     = "String {" + graphPropGUID + "} Name calfeedUid"
)

// graphAPI is the Microsoft vendor adapter, talking to the Graph calendar
// REST endpoints directly.
type graphAPI struct {
	app OAuthApp
}

func newGraphAPI(app OAuthApp) *graphAPI {
	return &graphAPI{app: app}
}

func (g *graphAPI) vendorName() string { return "Microsoft" }

func (g *graphAPI) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     g.app.ClientID,
		ClientSecret: g.app.ClientSecret,
		RedirectURL:  g.app.RedirectURL,
		Scopes:       []string{"offline_access", "Calendars.ReadWrite"},
		Endpoint:     microsoftoauth.AzureADEndpoint("common"),
	}
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphExtendedProperty struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type graphEvent struct {
	ID                           string                  `json:"id,omitempty"`
	Subject                      string                  `json:"subject"`
	Start                        graphDateTime           `json:"start"`
	End                          graphDateTime           `json:"end"`
	SingleValueExtendedProperty []graphExtendedProperty `json:"singleValueExtendedProperties,omitempty"`
}

type graphEventList struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

func (g *graphAPI) fetchEvents(ctx context.Context, client *http.Client, calendarID string) ([]models.Event, error) {
	now := time.Now().UTC()
	params := url.Values{}
	params.Set("startDateTime", now.Format(time.RFC3339))
	params.Set("endDateTime", now.AddDate(0, 0, fetchWindowDays).Format(time.RFC3339))
	params.Set("$top", "200")

	endpoint := graphBaseURL + "/me/calendarView"
	if calendarID != "" {
		endpoint = fmt.Sprintf("%s/me/calendars/%s/calendarView", graphBaseURL, url.PathEscape(calendarID))
	}
	endpoint += "?" + params.Encode()

	var events []models.Event
	for endpoint != "" {
		var page graphEventList
		if err := g.getJSON(ctx, client, endpoint, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			start, err := parseGraphTime(item.Start)
			if err != nil {
				continue
			}
			end, err := parseGraphTime(item.End)
			if err != nil {
				continue
			}
			events = append(events, models.Event{
				UID:       item.ID,
				StartTime: start,
				EndTime:   end,
			})
		}
		endpoint = page.NextLink
	}
	return events, nil
}

func (g *graphAPI) listPushed(ctx context.Context, client *http.Client, calendarID string) (map[string]string, error) {
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf(
		"singleValueExtendedProperties/Any(ep: ep/id eq '%s' and ep/value eq 'true')", graphManagedProp))
	params.Set("$expand", fmt.Sprintf(
		"singleValueExtendedProperties($filter=id eq '%s')", graphUIDProp))
	params.Set("$top", "200")

	endpoint := g.eventsURL(calendarID) + "?" + params.Encode()

	pushed := make(map[string]string)
	for endpoint != "" {
		var page graphEventList
		if err := g.getJSON(ctx, client, endpoint, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			for _, prop := range item.SingleValueExtendedProperty {
				if prop.ID == graphUIDProp && prop.Value != "" {
					pushed[prop.Value] = item.ID
				}
			}
		}
		endpoint = page.NextLink
	}
	return pushed, nil
}

func (g *graphAPI) addEvent(ctx context.Context, client *http.Client, calendarID string, event models.Event) error {
	payload := graphEvent{
		Subject: event.Title,
		Start:   graphDateTime{DateTime: event.StartTime.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"},
		End:     graphDateTime{DateTime: event.EndTime.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"},
		SingleValueExtendedProperty: []graphExtendedProperty{
			{ID: graphManagedProp, Value: "true"},
			{ID: graphUIDProp, Value: event.UID},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return &ProtocolError{Err: fmt.Errorf("encode event: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.eventsURL(calendarID), bytes.NewReader(body))
	if err != nil {
		return &ProtocolError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return classifyGraphStatus(resp)
	}
	return nil
}

func (g *graphAPI) removeEvent(ctx context.Context, client *http.Client, calendarID, nativeID string) error {
	endpoint := fmt.Sprintf("%s/me/events/%s", graphBaseURL, url.PathEscape(nativeID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return &ProtocolError{Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		return nil
	default:
		return classifyGraphStatus(resp)
	}
}

func (g *graphAPI) eventsURL(calendarID string) string {
	if calendarID == "" {
		return graphBaseURL + "/me/calendar/events"
	}
	return fmt.Sprintf("%s/me/calendars/%s/events", graphBaseURL, url.PathEscape(calendarID))
}

func (g *graphAPI) getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &ProtocolError{Err: err}
	}
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyGraphStatus(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProtocolError{Err: fmt.Errorf("decode graph response: %w", err)}
	}
	return nil
}

// parseGraphTime parses Graph's fractional local time plus time zone pair.
// Results are requested in UTC, so anything else is unexpected but still
// honored when the zone is resolvable.
func parseGraphTime(dt graphDateTime) (time.Time, error) {
	s := dt.DateTime
	if len(s) > 19 {
		s = s[:19]
	}
	loc := time.UTC
	if dt.TimeZone != "" && dt.TimeZone != "UTC" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	return time.ParseInLocation("2006-01-02T15:04:05", s, loc)
}

func classifyGraphStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("graph returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Err: err}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &NetworkError{Err: err}
	default:
		return &ProtocolError{Err: err}
	}
}
