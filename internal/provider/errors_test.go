package provider

import (
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"
)

func TestErrorTaxonomySurvivesWrapping(t *testing.T) {
	base := errors.New("boom")
	wrapped := fmt.Errorf("fetch events: %w", &AuthError{Err: base})

	assert.True(t, IsAuth(wrapped))
	assert.False(t, IsNetwork(wrapped))
	assert.False(t, IsProtocol(wrapped))
	assert.ErrorIs(t, wrapped, base)
}

func TestClassifyOAuthError(t *testing.T) {
	auth := &AuthError{Err: errors.New("denied")}
	assert.Same(t, auth, classifyOAuthError(auth).(*AuthError))

	refresh := fmt.Errorf("refresh: %w", &oauth2.RetrieveError{})
	assert.True(t, IsAuth(classifyOAuthError(refresh)))

	transport := &url.Error{Op: "Post", URL: "https://oauth2.example.com/token", Err: errors.New("refused")}
	assert.True(t, IsNetwork(classifyOAuthError(transport)))

	assert.True(t, IsProtocol(classifyOAuthError(errors.New("truncated response"))))
}
