package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/oauth2"

	"calfeed/internal/models"
)

// vendorAPI is the part of an OAuth calendar provider that actually differs
// between vendors: the REST calls. Token acquisition, refresh, persistence
// and the Source/Destination plumbing are shared by oauthProvider.
type vendorAPI interface {
	vendorName() string
	oauthConfig() *oauth2.Config
	// fetchEvents returns every upcoming event as unified events carrying
	// the vendor-native event ID in UID; the shared layer rewrites it into
	// the composite form and fills in SourceID.
	fetchEvents(ctx context.Context, client *http.Client, calendarID string) ([]models.Event, error)
	// listPushed maps application UIDs to the vendor's own event IDs for
	// every event this application created.
	listPushed(ctx context.Context, client *http.Client, calendarID string) (map[string]string, error)
	addEvent(ctx context.Context, client *http.Client, calendarID string, event models.Event) error
	removeEvent(ctx context.Context, client *http.Client, calendarID, nativeID string) error
}

// oauthProvider adapts a vendorAPI into the Source and Destination
// contracts. It owns the refresh-aware token source and writes refreshed
// tokens back through the factory's TokenSaver so the next run starts from
// a live credential.
type oauthProvider struct {
	logger     *slog.Logger
	account    models.Account
	api        vendorAPI
	tokenSrc   oauth2.TokenSource
	httpClient *http.Client
	tokenSaver TokenSaver
	lastToken  string

	mu     sync.Mutex
	pushed map[string]string // uid -> vendor event ID, from the last list
}

func (f *Factory) newOAuthProvider(account models.Account, api vendorAPI) (*oauthProvider, error) {
	config := api.oauthConfig()
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, fmt.Errorf("oauth app for %q is not configured", account.Provider)
	}

	token := &oauth2.Token{
		AccessToken:  account.Settings.AccessToken,
		RefreshToken: account.Settings.RefreshToken,
		Expiry:       account.Settings.TokenExpiry,
	}
	ts := config.TokenSource(context.Background(), token)

	return &oauthProvider{
		logger:     f.logger.With("provider", account.Provider, "vendor", api.vendorName(), "account", account.ID),
		account:    account,
		api:        api,
		tokenSrc:   ts,
		httpClient: oauth2.NewClient(context.Background(), ts),
		tokenSaver: f.tokenSaver,
		lastToken:  account.Settings.AccessToken,
	}, nil
}

func (p *oauthProvider) ID() string { return p.account.ID }

func (p *oauthProvider) FetchEvents(ctx context.Context) ([]models.Event, error) {
	events, err := p.api.fetchEvents(ctx, p.httpClient, p.account.Settings.CalendarID)
	p.persistRefreshedToken(ctx)
	if err != nil {
		return nil, classifyOAuthError(err)
	}
	for i := range events {
		events[i].UID = models.EventUID(p.account.ID, events[i].UID)
		events[i].SourceID = p.account.ID
	}
	return events, nil
}

func (p *oauthProvider) ListPushedEventIDs(ctx context.Context) (map[string]struct{}, error) {
	pushed, err := p.api.listPushed(ctx, p.httpClient, p.account.Settings.CalendarID)
	p.persistRefreshedToken(ctx)
	if err != nil {
		return nil, classifyOAuthError(err)
	}

	p.mu.Lock()
	p.pushed = pushed
	p.mu.Unlock()

	uids := make(map[string]struct{}, len(pushed))
	for uid := range pushed {
		uids[uid] = struct{}{}
	}
	return uids, nil
}

func (p *oauthProvider) AddEvent(ctx context.Context, event models.Event) error {
	err := p.api.addEvent(ctx, p.httpClient, p.account.Settings.CalendarID, event)
	p.persistRefreshedToken(ctx)
	if err != nil {
		return classifyOAuthError(err)
	}
	return nil
}

func (p *oauthProvider) RemoveEvent(ctx context.Context, uid string) error {
	nativeID, err := p.nativeID(ctx, uid)
	if err != nil {
		return err
	}
	if nativeID == "" {
		// Already gone; removal is idempotent.
		return nil
	}
	err = p.api.removeEvent(ctx, p.httpClient, p.account.Settings.CalendarID, nativeID)
	p.persistRefreshedToken(ctx)
	if err != nil {
		return classifyOAuthError(err)
	}
	return nil
}

// nativeID resolves an application UID to the vendor's event ID, using the
// mapping captured by the last ListPushedEventIDs and re-listing if the UID
// is unknown.
func (p *oauthProvider) nativeID(ctx context.Context, uid string) (string, error) {
	p.mu.Lock()
	cached := p.pushed
	p.mu.Unlock()

	if id, ok := cached[uid]; ok {
		return id, nil
	}
	if _, err := p.ListPushedEventIDs(ctx); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushed[uid], nil
}

// persistRefreshedToken writes the current token back to the account store
// when the transport refreshed it during the last call. Persistence
// failures are logged and ignored; the refresh will simply happen again.
func (p *oauthProvider) persistRefreshedToken(ctx context.Context) {
	token, err := p.tokenSrc.Token()
	if err != nil || token.AccessToken == p.lastToken {
		return
	}
	p.lastToken = token.AccessToken

	settings := p.account.Settings
	settings.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		settings.RefreshToken = token.RefreshToken
	}
	settings.TokenExpiry = token.Expiry
	p.account.Settings = settings

	if p.tokenSaver != nil {
		if err := p.tokenSaver.SaveToken(ctx, p.account.ID, settings); err != nil {
			p.logger.Debug("failed to persist refreshed token", "error", err)
		}
	}
}

// classifyOAuthError maps OAuth transport failures onto the provider
// taxonomy. Vendor adapters classify their own HTTP status codes; this
// catches what happens before a request reaches the vendor: a failed token
// refresh means the grant is dead, a bare transport error is transient.
func classifyOAuthError(err error) error {
	if IsAuth(err) || IsNetwork(err) || IsProtocol(err) {
		return err
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &AuthError{Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &NetworkError{Err: err}
	}
	return &ProtocolError{Err: err}
}
