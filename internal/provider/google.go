package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calfeed/internal/models"
)

const (
	// Private extended properties marking events this application manages.
	googleManagedProp = "calfeedManaged"
	googleUIDProp     = "calfeedUid"

	fetchWindowDays = 30
)

// googleColorIDs maps palette colors onto Google Calendar's fixed event
// color IDs.
var googleColorIDs = map[string]string{
	"blue":   "9",
	"green":  "10",
	"red":    "11",
	"purple": "3",
	"orange": "6",
	"teal":   "7",
	"pink":   "4",
	"yellow": "5",
}

// googleAPI is the Google Calendar vendor adapter, built on the official
// calendar/v3 client.
type googleAPI struct {
	app OAuthApp

	mu      sync.Mutex
	service *calendar.Service
}

func newGoogleAPI(app OAuthApp) *googleAPI {
	return &googleAPI{app: app}
}

func (g *googleAPI) vendorName() string { return "Google" }

func (g *googleAPI) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     g.app.ClientID,
		ClientSecret: g.app.ClientSecret,
		RedirectURL:  g.app.RedirectURL,
		Scopes:       []string{calendar.CalendarEventsScope},
		Endpoint:     googleoauth.Endpoint,
	}
}

func (g *googleAPI) calendarService(client *http.Client) (*calendar.Service, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.service != nil {
		return g.service, nil
	}
	service, err := calendar.NewService(context.Background(), option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	g.service = service
	return service, nil
}

func (g *googleAPI) fetchEvents(ctx context.Context, client *http.Client, calendarID string) ([]models.Event, error) {
	service, err := g.calendarService(client)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	list, err := service.Events.List(orPrimary(calendarID)).
		Context(ctx).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(now.Format(time.RFC3339)).
		TimeMax(now.AddDate(0, 0, fetchWindowDays).Format(time.RFC3339)).
		OrderBy("startTime").
		Do()
	if err != nil {
		return nil, classifyGoogleError(err)
	}

	var events []models.Event
	for _, item := range list.Items {
		// All-day events carry only a date; the anonymized feed deals in
		// concrete time spans, so they are skipped.
		if item.Start == nil || item.Start.DateTime == "" || item.End == nil {
			continue
		}
		start, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			continue
		}
		events = append(events, models.Event{
			UID:       item.Id,
			StartTime: start,
			EndTime:   end,
		})
	}
	return events, nil
}

func (g *googleAPI) listPushed(ctx context.Context, client *http.Client, calendarID string) (map[string]string, error) {
	service, err := g.calendarService(client)
	if err != nil {
		return nil, err
	}

	pushed := make(map[string]string)
	pageToken := ""
	for {
		call := service.Events.List(orPrimary(calendarID)).
			Context(ctx).
			ShowDeleted(false).
			PrivateExtendedProperty(googleManagedProp + "=true")
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, classifyGoogleError(err)
		}
		for _, item := range list.Items {
			if item.ExtendedProperties == nil {
				continue
			}
			uid := item.ExtendedProperties.Private[googleUIDProp]
			if uid != "" {
				pushed[uid] = item.Id
			}
		}
		if list.NextPageToken == "" {
			return pushed, nil
		}
		pageToken = list.NextPageToken
	}
}

func (g *googleAPI) addEvent(ctx context.Context, client *http.Client, calendarID string, event models.Event) error {
	service, err := g.calendarService(client)
	if err != nil {
		return err
	}

	item := &calendar.Event{
		Summary: event.Title,
		Start:   &calendar.EventDateTime{DateTime: event.StartTime.UTC().Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: event.EndTime.UTC().Format(time.RFC3339)},
		ColorId: googleColorIDs[event.Color],
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				googleManagedProp: "true",
				googleUIDProp:     event.UID,
			},
		},
	}
	if _, err := service.Events.Insert(orPrimary(calendarID), item).Context(ctx).Do(); err != nil {
		return classifyGoogleError(err)
	}
	return nil
}

func (g *googleAPI) removeEvent(ctx context.Context, client *http.Client, calendarID, nativeID string) error {
	service, err := g.calendarService(client)
	if err != nil {
		return err
	}
	if err := service.Events.Delete(orPrimary(calendarID), nativeID).Context(ctx).Do(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
			return nil
		}
		return classifyGoogleError(err)
	}
	return nil
}

func orPrimary(calendarID string) string {
	if calendarID == "" {
		return "primary"
	}
	return calendarID
}

// classifyGoogleError maps calendar API failures onto the provider
// taxonomy. Rate limiting arrives as 403 with a dedicated reason, so a 403
// is not automatically a dead credential.
func classifyGoogleError(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err // transport-level, classified by the shared layer
	}
	switch {
	case apiErr.Code == http.StatusUnauthorized:
		return &AuthError{Err: err}
	case apiErr.Code == http.StatusForbidden:
		for _, e := range apiErr.Errors {
			if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
				return &NetworkError{Err: err}
			}
		}
		return &AuthError{Err: err}
	case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
		return &NetworkError{Err: err}
	default:
		return &ProtocolError{Err: err}
	}
}
