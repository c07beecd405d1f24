package provider

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGraphTime(t *testing.T) {
	got, err := parseGraphTime(graphDateTime{DateTime: "2026-03-01T09:30:00.0000000", TimeZone: "UTC"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC), got)

	got, err = parseGraphTime(graphDateTime{DateTime: "2026-03-01T09:30:00"})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, got.Location())

	_, err = parseGraphTime(graphDateTime{DateTime: "not a time"})
	assert.Error(t, err)
}

func graphResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestClassifyGraphStatus(t *testing.T) {
	assert.True(t, IsAuth(classifyGraphStatus(graphResponse(http.StatusUnauthorized, `{"error":"token expired"}`))))
	assert.True(t, IsAuth(classifyGraphStatus(graphResponse(http.StatusForbidden, ""))))
	assert.True(t, IsNetwork(classifyGraphStatus(graphResponse(http.StatusTooManyRequests, ""))))
	assert.True(t, IsNetwork(classifyGraphStatus(graphResponse(http.StatusServiceUnavailable, ""))))
	assert.True(t, IsProtocol(classifyGraphStatus(graphResponse(http.StatusBadRequest, `{"error":"bad filter"}`))))
}
