package provider

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/models"
)

func testFactory() *Factory {
	google := OAuthApp{ClientID: "gid", ClientSecret: "gsecret", RedirectURL: "https://example.com/oauth/callback"}
	microsoft := OAuthApp{ClientID: "mid", ClientSecret: "msecret", RedirectURL: "https://example.com/oauth/callback"}
	return NewFactory(testLogger(), &memorySnapshots{}, nil, google, microsoft)
}

func account(providerID string, role models.AccountRole) models.Account {
	return models.Account{
		ID:       "acct-1",
		UserID:   "u1",
		Role:     role,
		Provider: providerID,
		Settings: models.Settings{
			FeedURL:      "https://example.com/feed.ics",
			Username:     "me@example.com",
			Password:     "app-pass",
			RefreshToken: "rt",
		},
	}
}

func TestFactoryBuildsEverySourceProvider(t *testing.T) {
	f := testFactory()
	for _, providerID := range []string{ProviderICS, ProviderICloud, ProviderFastMail, ProviderGoogle, ProviderMicrosoft} {
		src, err := f.Source(account(providerID, models.RoleSource))
		require.NoError(t, err, providerID)
		assert.Equal(t, "acct-1", src.ID())
	}

	_, err := f.Source(account("carrier-pigeon", models.RoleSource))
	assert.Error(t, err)
}

func TestFactoryBuildsDestinationProviders(t *testing.T) {
	f := testFactory()
	for _, providerID := range []string{ProviderICloud, ProviderFastMail, ProviderGoogle, ProviderMicrosoft} {
		dst, err := f.Destination(account(providerID, models.RoleDestination))
		require.NoError(t, err, providerID)
		assert.Equal(t, "acct-1", dst.ID())
	}
}

func TestICSFeedCannotBeDestination(t *testing.T) {
	f := testFactory()
	_, err := f.Destination(account(ProviderICS, models.RoleDestination))
	assert.Error(t, err)
}

func TestAuthCodeURLCarriesState(t *testing.T) {
	f := testFactory()

	raw, err := f.AuthCodeURL(ProviderGoogle, "state-token")
	require.NoError(t, err)
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "state-token", parsed.Query().Get("state"))
	assert.Equal(t, "gid", parsed.Query().Get("client_id"))
	assert.Equal(t, "offline", parsed.Query().Get("access_type"))
}

func TestAuthCodeURLRejectsNonOAuthProviders(t *testing.T) {
	f := testFactory()
	_, err := f.AuthCodeURL(ProviderICS, "state-token")
	assert.Error(t, err)
}

func TestAuthCodeURLRequiresConfiguredApp(t *testing.T) {
	f := NewFactory(testLogger(), &memorySnapshots{}, nil, OAuthApp{}, OAuthApp{})
	_, err := f.AuthCodeURL(ProviderGoogle, "state-token")
	assert.Error(t, err)
}
