package models

import "time"

// Event is the unified calendar event representation, independent of any
// specific provider. Events carry no personal detail beyond their time span;
// the aggregator rewrites titles before anything leaves the process.
type Event struct {
	UID       string    // Composite of source ID and provider-native event ID
	Title     string    // Anonymized display title
	StartTime time.Time // Start time of the event
	EndTime   time.Time // End time of the event
	SourceID  string    // ID of the account the event was pulled from
	Color     string    // Display color, derived from the source identifier
}

// EventUID builds the stable composite identifier for an event. It embeds
// the source account ID so that UIDs from different sources can never
// collide, which makes the UID usable as the idempotence key when diffing
// against a destination.
func EventUID(sourceID, nativeID string) string {
	return sourceID + ":" + nativeID
}

// AccountRole distinguishes the pull side from the push side of a linked
// account.
type AccountRole string

const (
	RoleSource      AccountRole = "source"
	RoleDestination AccountRole = "destination"
)

// Account is a user-linked calendar account, either a Source (events are
// pulled from it) or a Destination (events are pushed to it).
type Account struct {
	ID          string
	UserID      string
	Role        AccountRole
	Provider    string // ics, icloud, fastmail, google, microsoft
	Settings    Settings
	NeedsReauth bool
	CreatedAt   time.Time
}

// Settings holds the per-account provider configuration. Which fields are
// populated depends on the provider family.
type Settings struct {
	// ICS feeds
	FeedURL string `json:"feedUrl,omitempty"`

	// CalDAV family
	ServerURL    string `json:"serverUrl,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	CalendarName string `json:"calendarName,omitempty"`

	// OAuth family; the token is refreshed in place and written back.
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenExpiry  time.Time `json:"tokenExpiry,omitempty"`
	CalendarID   string    `json:"calendarId,omitempty"`
}

// SyncResult accumulates the outcome of one sync run across all of a
// user's destinations.
type SyncResult struct {
	Added        int
	AddFailed    int
	Removed      int
	RemoveFailed int
}

// Merge folds another result into this one.
func (r *SyncResult) Merge(other SyncResult) {
	r.Added += other.Added
	r.AddFailed += other.AddFailed
	r.Removed += other.Removed
	r.RemoveFailed += other.RemoveFailed
}

// Snapshot is an append-only capture of a raw ICS pull, kept for
// diagnostics and replay.
type Snapshot struct {
	ID        string
	CreatedAt time.Time
	ICal      string
}
