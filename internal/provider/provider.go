// Package provider normalizes heterogeneous calendar backends (static ICS
// feeds, CalDAV servers, OAuth calendar APIs) into two small capability
// contracts: Source for pulling events and Destination for pushing them.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"calfeed/internal/models"
)

// Source pulls events from a calendar account or feed.
type Source interface {
	// ID returns the linked-account ID the source was built from.
	ID() string
	// FetchEvents pulls every upcoming event from the backend. A failed
	// pull returns no partial results; the next call starts from scratch.
	FetchEvents(ctx context.Context) ([]models.Event, error)
}

// Destination pushes events to a calendar account. All three operations are
// independently fallible with the same error taxonomy as Source.
type Destination interface {
	// ID returns the linked-account ID the destination was built from.
	ID() string
	// ListPushedEventIDs returns the UIDs of events this application has
	// previously pushed. Foreign events on the same calendar are ignored.
	ListPushedEventIDs(ctx context.Context) (map[string]struct{}, error)
	AddEvent(ctx context.Context, event models.Event) error
	RemoveEvent(ctx context.Context, uid string) error
}

// SnapshotSink receives raw ICS pulls for the diagnostics log. The ICS
// source writes every successful pull through it; failures to record a
// snapshot never fail the pull itself.
type SnapshotSink interface {
	InsertSnapshot(ctx context.Context, ical string) error
}

// OAuthApp holds the client registration for one OAuth vendor.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Factory builds Source and Destination providers from linked accounts.
// CalDAV vendors share one implementation and differ only in server URL;
// OAuth vendors share the token-refresh plumbing and differ in the API
// adapter behind it.
type Factory struct {
	logger    *slog.Logger
	snapshots SnapshotSink
	google    OAuthApp
	microsoft OAuthApp
	// tokenSaver persists refreshed OAuth tokens back to the account store.
	tokenSaver TokenSaver
	httpClient *http.Client
}

// TokenSaver writes refreshed OAuth credentials back to durable storage so
// the next sync run does not redo the refresh.
type TokenSaver interface {
	SaveToken(ctx context.Context, accountID string, settings models.Settings) error
}

// NewFactory creates a provider factory. snapshots and tokenSaver may be
// shared with the rest of the application; the factory only calls their
// narrow interfaces.
func NewFactory(logger *slog.Logger, snapshots SnapshotSink, tokenSaver TokenSaver, google, microsoft OAuthApp) *Factory {
	return &Factory{
		logger:     logger,
		snapshots:  snapshots,
		google:     google,
		microsoft:  microsoft,
		tokenSaver: tokenSaver,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Known provider IDs. The CalDAV family shares one implementation; adding a
// vendor here is a server URL and a display name, not new sync logic.
const (
	ProviderICS       = "ics"
	ProviderICloud    = "icloud"
	ProviderFastMail  = "fastmail"
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
)

type caldavVendor struct {
	name      string
	serverURL string
}

var caldavVendors = map[string]caldavVendor{
	ProviderICloud:   {name: "iCloud", serverURL: "https://caldav.icloud.com/"},
	ProviderFastMail: {name: "FastMail", serverURL: "https://caldav.fastmail.com/dav/"},
}

// Source builds a pull-side provider for a linked account.
func (f *Factory) Source(account models.Account) (Source, error) {
	switch account.Provider {
	case ProviderICS:
		return newICSSource(f.logger, f.httpClient, f.snapshots, account), nil
	case ProviderICloud, ProviderFastMail:
		v := caldavVendors[account.Provider]
		return newCalDAVProvider(f.logger, v, account), nil
	case ProviderGoogle:
		return f.newOAuthProvider(account, newGoogleAPI(f.google))
	case ProviderMicrosoft:
		return f.newOAuthProvider(account, newGraphAPI(f.microsoft))
	default:
		return nil, fmt.Errorf("unknown source provider %q", account.Provider)
	}
}

// Destination builds a push-side provider for a linked account. ICS feeds
// are read-only and cannot serve as destinations.
func (f *Factory) Destination(account models.Account) (Destination, error) {
	switch account.Provider {
	case ProviderICloud, ProviderFastMail:
		v := caldavVendors[account.Provider]
		return newCalDAVProvider(f.logger, v, account), nil
	case ProviderGoogle:
		return f.newOAuthProvider(account, newGoogleAPI(f.google))
	case ProviderMicrosoft:
		return f.newOAuthProvider(account, newGraphAPI(f.microsoft))
	default:
		return nil, fmt.Errorf("provider %q cannot be a destination", account.Provider)
	}
}

func (f *Factory) oauthVendor(providerID string) (vendorAPI, error) {
	switch providerID {
	case ProviderGoogle:
		return newGoogleAPI(f.google), nil
	case ProviderMicrosoft:
		return newGraphAPI(f.microsoft), nil
	default:
		return nil, fmt.Errorf("provider %q is not in the oauth family", providerID)
	}
}

// AuthCodeURL returns the vendor authorization URL for the linking flow,
// carrying the single-use CSRF state token.
func (f *Factory) AuthCodeURL(providerID, state string) (string, error) {
	api, err := f.oauthVendor(providerID)
	if err != nil {
		return "", err
	}
	config := api.oauthConfig()
	if config.ClientID == "" || config.ClientSecret == "" {
		return "", fmt.Errorf("oauth app for %q is not configured", providerID)
	}
	return config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades the callback authorization code for tokens and returns
// them as account settings ready to persist.
func (f *Factory) Exchange(ctx context.Context, providerID, code string) (models.Settings, error) {
	api, err := f.oauthVendor(providerID)
	if err != nil {
		return models.Settings{}, err
	}
	token, err := api.oauthConfig().Exchange(ctx, code)
	if err != nil {
		return models.Settings{}, classifyOAuthError(fmt.Errorf("exchange code: %w", err))
	}
	return models.Settings{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenExpiry:  token.Expiry,
	}, nil
}
