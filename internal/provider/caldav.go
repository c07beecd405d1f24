package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"calfeed/internal/models"
)

const (
	userAgent = "calfeed/1.0"
	// prodID marks events pushed by this application so that
	// ListPushedEventIDs never claims events the user created themselves.
	prodID = "-//calfeed//EN"
	// propColor is the RFC 7986 COLOR property.
	propColor = "COLOR"
)

var errNotFound = errors.New("resource not found")

// davTransport adds Basic Auth and the application User-Agent to every
// CalDAV request, and turns auth rejections and server failures into typed
// errors. Classifying at the transport keeps the taxonomy intact no matter
// how the WebDAV client wraps the failure.
type davTransport struct {
	username  string
	password  string
	transport http.RoundTripper
}

func (t *davTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		discard(resp)
		return nil, &AuthError{Err: fmt.Errorf("server returned %s", resp.Status)}
	case resp.StatusCode == http.StatusNotFound:
		discard(resp)
		return nil, fmt.Errorf("%w: %s %s", errNotFound, req.Method, req.URL.Path)
	case resp.StatusCode >= 500:
		discard(resp)
		return nil, &NetworkError{Err: fmt.Errorf("server returned %s", resp.Status)}
	}
	return resp, nil
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// caldavProvider is both a Source and a Destination backed by a CalDAV
// server. One implementation serves every CalDAV vendor; a vendor only
// contributes its server URL and display name.
type caldavProvider struct {
	logger  *slog.Logger
	vendor  caldavVendor
	account models.Account

	mu           sync.Mutex
	caldavClient *caldav.Client
	webdavClient *webdav.Client
	calendarPath string
}

func newCalDAVProvider(logger *slog.Logger, vendor caldavVendor, account models.Account) *caldavProvider {
	if account.Settings.ServerURL != "" {
		vendor.serverURL = account.Settings.ServerURL
	}
	return &caldavProvider{
		logger:  logger.With("provider", account.Provider, "account", account.ID),
		vendor:  vendor,
		account: account,
	}
}

func (p *caldavProvider) ID() string { return p.account.ID }

// connect lazily builds the CalDAV and WebDAV clients and resolves the
// target calendar path through the discovery chain (current-user-principal,
// calendar-home-set, calendar listing).
func (p *caldavProvider) connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calendarPath != "" {
		return nil
	}

	httpClient := &http.Client{
		Transport: &davTransport{
			username:  p.account.Settings.Username,
			password:  p.account.Settings.Password,
			transport: http.DefaultTransport,
		},
		Timeout: 30 * time.Second,
	}

	caldavClient, err := caldav.NewClient(httpClient, p.vendor.serverURL)
	if err != nil {
		return &ProtocolError{Err: fmt.Errorf("create caldav client: %w", err)}
	}
	webdavClient, err := webdav.NewClient(httpClient, p.vendor.serverURL)
	if err != nil {
		return &ProtocolError{Err: fmt.Errorf("create webdav client: %w", err)}
	}

	principal, err := caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return classifyDAVError(fmt.Errorf("find principal: %w", err))
	}
	homeSet, err := caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return classifyDAVError(fmt.Errorf("find calendar home set: %w", err))
	}
	calendars, err := caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return classifyDAVError(fmt.Errorf("find calendars: %w", err))
	}

	name := p.account.Settings.CalendarName
	for _, cal := range calendars {
		if cal.Name == name {
			p.caldavClient = caldavClient
			p.webdavClient = webdavClient
			p.calendarPath = cal.Path
			p.logger.Debug("resolved calendar", "vendor", p.vendor.name, "path", cal.Path)
			return nil
		}
	}
	return &ProtocolError{Err: fmt.Errorf("no calendar named %q on %s", name, p.vendor.name)}
}

// FetchEvents pulls every VEVENT from the calendar via a calendar-query
// report.
func (p *caldavProvider) FetchEvents(ctx context.Context) ([]models.Event, error) {
	objects, err := p.queryObjects(ctx)
	if err != nil {
		return nil, err
	}

	var events []models.Event
	for _, obj := range objects {
		for _, ve := range obj.Data.Events() {
			uid, err := ve.Props.Text(ical.PropUID)
			if err != nil || uid == "" {
				continue
			}
			start, err := ve.DateTimeStart(time.UTC)
			if err != nil {
				continue
			}
			end, err := ve.DateTimeEnd(time.UTC)
			if err != nil {
				continue
			}
			events = append(events, models.Event{
				UID:       models.EventUID(p.account.ID, uid),
				StartTime: start,
				EndTime:   end,
				SourceID:  p.account.ID,
			})
		}
	}
	p.logger.Debug("fetched caldav events", "count", len(events))
	return events, nil
}

// ListPushedEventIDs returns the UIDs of calendar objects carrying this
// application's PRODID. Foreign events on the same calendar are invisible
// to the reconciler.
func (p *caldavProvider) ListPushedEventIDs(ctx context.Context) (map[string]struct{}, error) {
	objects, err := p.queryObjects(ctx)
	if err != nil {
		return nil, err
	}

	pushed := make(map[string]struct{})
	for _, obj := range objects {
		pid, err := obj.Data.Props.Text(ical.PropProductID)
		if err != nil || pid != prodID {
			continue
		}
		for _, ve := range obj.Data.Events() {
			uid, err := ve.Props.Text(ical.PropUID)
			if err != nil || uid == "" {
				continue
			}
			pushed[uid] = struct{}{}
		}
	}
	return pushed, nil
}

// AddEvent PUTs a single-event VCALENDAR named after the event UID.
func (p *caldavProvider) AddEvent(ctx context.Context, event models.Event) error {
	if err := p.connect(ctx); err != nil {
		return err
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Children = append(cal.Children, toVEvent(event))

	writer, err := p.webdavClient.Create(ctx, p.objectPath(event.UID))
	if err != nil {
		return classifyDAVError(fmt.Errorf("create calendar object: %w", err))
	}
	if err := ical.NewEncoder(writer).Encode(cal); err != nil {
		writer.Close()
		return &ProtocolError{Err: fmt.Errorf("encode calendar object: %w", err)}
	}
	if err := writer.Close(); err != nil {
		return classifyDAVError(fmt.Errorf("write calendar object: %w", err))
	}
	return nil
}

// RemoveEvent deletes the object previously created for uid. A missing
// object counts as success: the diff is recomputed every run, so there is
// simply nothing left to do.
func (p *caldavProvider) RemoveEvent(ctx context.Context, uid string) error {
	if err := p.connect(ctx); err != nil {
		return err
	}
	if err := p.webdavClient.RemoveAll(ctx, p.objectPath(uid)); err != nil {
		if errors.Is(err, errNotFound) {
			return nil
		}
		return classifyDAVError(fmt.Errorf("remove calendar object: %w", err))
	}
	return nil
}

func (p *caldavProvider) queryObjects(ctx context.Context) ([]caldav.CalendarObject, error) {
	if err := p.connect(ctx); err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			Comps: []caldav.CalendarCompRequest{{
				Name:     ical.CompEvent,
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent}},
		},
	}
	objects, err := p.caldavClient.QueryCalendar(ctx, p.calendarPath, query)
	if err != nil {
		return nil, classifyDAVError(fmt.Errorf("calendar query: %w", err))
	}
	return objects, nil
}

// objectPath builds the resource path for an event UID. UIDs embed a colon
// between source ID and native ID; flatten it so every server accepts the
// path segment.
func (p *caldavProvider) objectPath(uid string) string {
	name := strings.ReplaceAll(uid, ":", "_") + ".ics"
	return path.Join(p.calendarPath, name)
}

func toVEvent(event models.Event) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, event.UID)
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, event.StartTime)
	ve.Props.SetDateTime(ical.PropDateTimeEnd, event.EndTime)
	if event.Color != "" {
		ve.Props.SetText(propColor, event.Color)
	}
	return ve
}

// classifyDAVError maps WebDAV client failures onto the provider taxonomy.
// Typed errors injected by davTransport survive the client's wrapping and
// pass through unchanged; bare transport failures are transient; anything
// else means the server and this client disagree about the protocol.
func classifyDAVError(err error) error {
	switch {
	case IsAuth(err) || IsNetwork(err) || IsProtocol(err):
		return err
	case errors.Is(err, errNotFound):
		return &ProtocolError{Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// The request never produced a usable response; unless the
		// transport already classified it above, treat it as transient.
		return &NetworkError{Err: err}
	}
	return &ProtocolError{Err: err}
}
