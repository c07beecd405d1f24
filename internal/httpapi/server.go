// Package httpapi exposes the account-linking surface: the OAuth handshake
// endpoints, plain account management for ICS and CalDAV links, and the
// sync trigger.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"calfeed/internal/models"
	"calfeed/internal/oauthstate"
	"calfeed/internal/provider"
	"calfeed/internal/storage"
)

// AccountStore is the slice of the account table the HTTP layer needs.
type AccountStore interface {
	InsertAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id string) (models.Account, error)
	SaveToken(ctx context.Context, accountID string, settings models.Settings) error
	SetNeedsReauth(ctx context.Context, accountID string, needs bool) error
	DeleteAccount(ctx context.Context, accountID string) error
}

// Linker is the part of the provider factory the linking flow needs.
type Linker interface {
	AuthCodeURL(providerID, state string) (string, error)
	Exchange(ctx context.Context, providerID, code string) (models.Settings, error)
}

// TriggerFunc spawns a detached sync job for a user. The return value only
// says whether the job was accepted, never how it went.
type TriggerFunc func(userID string) bool

type Server struct {
	logger   *slog.Logger
	states   *oauthstate.Store
	accounts AccountStore
	linker   Linker
	trigger  TriggerFunc
	mux      *http.ServeMux
}

func NewServer(logger *slog.Logger, states *oauthstate.Store, accounts AccountStore, linker Linker, trigger TriggerFunc) *Server {
	s := &Server{
		logger:   logger,
		states:   states,
		accounts: accounts,
		linker:   linker,
		trigger:  trigger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /link/start", s.handleLinkStart)
	mux.HandleFunc("GET /oauth/callback", s.handleOAuthCallback)
	mux.HandleFunc("POST /accounts", s.handleCreateAccount)
	mux.HandleFunc("DELETE /accounts/{id}", s.handleDeleteAccount)
	mux.HandleFunc("POST /sync/trigger", s.handleSyncTrigger)
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLinkStart issues a single-use state token and redirects the
// browser to the vendor's consent screen.
func (s *Server) handleLinkStart(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	providerID := r.URL.Query().Get("provider")
	role := r.URL.Query().Get("role")
	destinationID := r.URL.Query().Get("destination")

	if userID == "" || providerID == "" {
		writeError(w, http.StatusBadRequest, "user and provider are required")
		return
	}
	if role == "" {
		role = string(models.RoleDestination)
	}
	if role != string(models.RoleSource) && role != string(models.RoleDestination) {
		writeError(w, http.StatusBadRequest, "role must be source or destination")
		return
	}

	state, err := s.states.Issue(oauthstate.Pending{
		UserID:        userID,
		Provider:      providerID,
		Role:          role,
		DestinationID: destinationID,
	})
	if err != nil {
		s.logger.Error("failed to issue oauth state", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	authURL, err := s.linker.AuthCodeURL(providerID, state)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleOAuthCallback consumes the state token, exchanges the code, and
// persists a new or re-authorized account. This is the one path where a
// failure is surfaced directly to an interactive user.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if vendorErr := q.Get("error"); vendorErr != "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("provider refused the link: %s", vendorErr))
		return
	}

	pending, err := s.states.Validate(q.Get("state"))
	if err != nil {
		// Unknown, expired and reused states read identically on purpose.
		writeError(w, http.StatusBadRequest, "invalid or expired link, please try again")
		return
	}

	settings, err := s.linker.Exchange(r.Context(), pending.Provider, q.Get("code"))
	if err != nil {
		s.logger.Warn("code exchange failed", "provider", pending.Provider, "error", err)
		writeError(w, http.StatusBadGateway, "could not complete the link, please try again")
		return
	}

	if pending.DestinationID != "" {
		accountID, err := s.relink(r.Context(), pending, settings)
		if err != nil {
			if errors.Is(err, errForeignAccount) {
				writeError(w, http.StatusBadRequest, "linked account does not belong to this user")
				return
			}
			s.logger.Error("relink failed", "account", pending.DestinationID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not update the linked account")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"linked": accountID})
		return
	}

	account := models.Account{
		UserID:   pending.UserID,
		Role:     models.AccountRole(pending.Role),
		Provider: pending.Provider,
		Settings: settings,
	}
	if err := s.accounts.InsertAccount(r.Context(), &account); err != nil {
		s.logger.Error("failed to persist linked account", "error", err)
		writeError(w, http.StatusInternalServerError, "could not save the linked account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"linked": account.ID})
}

// errForeignAccount rejects a relink aimed at an account the link
// initiator does not own.
var errForeignAccount = errors.New("account belongs to another user")

// relink refreshes the credentials of an existing account, keeping its
// non-credential settings, and clears the reauthentication flag.
func (s *Server) relink(ctx context.Context, pending oauthstate.Pending, settings models.Settings) (string, error) {
	account, err := s.accounts.GetAccount(ctx, pending.DestinationID)
	if err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}
	if account.UserID != pending.UserID {
		return "", errForeignAccount
	}
	merged := account.Settings
	merged.AccessToken = settings.AccessToken
	merged.TokenExpiry = settings.TokenExpiry
	if settings.RefreshToken != "" {
		merged.RefreshToken = settings.RefreshToken
	}
	if err := s.accounts.SaveToken(ctx, account.ID, merged); err != nil {
		return "", fmt.Errorf("save token: %w", err)
	}
	if err := s.accounts.SetNeedsReauth(ctx, account.ID, false); err != nil {
		return "", fmt.Errorf("clear reauth flag: %w", err)
	}
	return account.ID, nil
}

type createAccountRequest struct {
	UserID   string          `json:"userId"`
	Role     string          `json:"role"`
	Provider string          `json:"provider"`
	Settings models.Settings `json:"settings"`
}

// handleCreateAccount links accounts that need no OAuth handshake: ICS
// feeds and password-authenticated CalDAV accounts.
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Provider == "" {
		writeError(w, http.StatusBadRequest, "userId and provider are required")
		return
	}

	switch req.Provider {
	case provider.ProviderICS:
		if req.Role != "" && req.Role != string(models.RoleSource) {
			writeError(w, http.StatusBadRequest, "ics feeds can only be sources")
			return
		}
		req.Role = string(models.RoleSource)
		if req.Settings.FeedURL == "" {
			writeError(w, http.StatusBadRequest, "settings.feedUrl is required")
			return
		}
	case provider.ProviderICloud, provider.ProviderFastMail:
		if req.Role == "" {
			req.Role = string(models.RoleDestination)
		}
		if req.Settings.Username == "" || req.Settings.Password == "" {
			writeError(w, http.StatusBadRequest, "settings.username and settings.password are required")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "provider must be linked through /link/start")
		return
	}

	account := models.Account{
		UserID:   req.UserID,
		Role:     models.AccountRole(req.Role),
		Provider: req.Provider,
		Settings: req.Settings,
	}
	if err := s.accounts.InsertAccount(r.Context(), &account); err != nil {
		s.logger.Error("failed to create account", "error", err)
		writeError(w, http.StatusInternalServerError, "could not save the account")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": account.ID})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.accounts.DeleteAccount(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such account")
			return
		}
		s.logger.Error("failed to delete account", "account", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not delete the account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSyncTrigger spawns a detached sync job and answers immediately.
// The job's outcome is reported to logs only, never to this caller.
func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	queued := s.trigger(userID)
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
