package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/raybit/mailmate/internal/config"
	"github.com/raybit/mailmate/internal/pkg/logger"
	"github.com/raybit/mailmate/internal/store"
)

const userInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// Access tokens from Google live for an hour; refresh a little early so a
// token handed to a Gmail call does not expire mid-request.
const tokenRefreshAfter = 45 * time.Minute

// GoogleUserInfo is the profile returned by Google's userinfo endpoint.
type GoogleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
}

// Manager runs the Google OAuth flow and keeps linked account tokens fresh.
type Manager struct {
	oauth2Config *oauth2.Config
	users        store.UserStore
	frontendURL  string
	httpClient   *http.Client
}

// NewManager creates a new authentication manager. frontendURL is where the
// callback redirects after linking an account.
func NewManager(cfg config.GoogleConfig, frontendURL string, users store.UserStore) *Manager {
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			"openid",
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
			"https://www.googleapis.com/auth/gmail.modify",
		},
		Endpoint: google.Endpoint,
	}

	return &Manager{
		oauth2Config: oauth2Config,
		users:        users,
		frontendURL:  frontendURL,
		httpClient:   &http.Client{Timeout: cfg.Timeout()},
	}
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// HandleLogin initiates the Google OAuth flow. Offline access with forced
// consent so Google returns a refresh token even for a re-linked account.
func (m *Manager) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		http.Error(w, "Failed to generate state", http.StatusInternalServerError)
		return
	}

	// Store state in a cookie for verification
	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    state,
		Path:     "/",
		MaxAge:   300, // 5 minutes
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	authURL := m.oauth2Config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// HandleCallback processes the OAuth callback from Google: exchanges the
// code, fetches the profile, and persists the linked account.
func (m *Manager) HandleCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie("oauth_state")
	if err != nil {
		logger.Warn("auth: no state cookie on callback", "error", err.Error())
		m.redirectFailure(w, r, "invalid_state")
		return
	}

	if r.URL.Query().Get("state") != stateCookie.Value {
		logger.Warn("auth: state mismatch on callback")
		m.redirectFailure(w, r, "invalid_state")
		return
	}

	// Clear state cookie
	http.SetCookie(w, &http.Cookie{
		Name:   "oauth_state",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		logger.Warn("auth: google returned error", "error", errMsg)
		m.redirectFailure(w, r, errMsg)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		m.redirectFailure(w, r, "missing_code")
		return
	}

	ctx := context.WithValue(r.Context(), oauth2.HTTPClient, m.httpClient)
	token, err := m.oauth2Config.Exchange(ctx, code)
	if err != nil {
		logger.Error("auth: code exchange failed", "error", err.Error())
		m.redirectFailure(w, r, "exchange_failed")
		return
	}

	userInfo, err := m.getUserInfo(r.Context(), token.AccessToken)
	if err != nil {
		logger.Error("auth: fetching user info failed", "error", err.Error())
		m.redirectFailure(w, r, "userinfo_failed")
		return
	}

	user := &store.User{
		Email:         userInfo.Email,
		GoogleID:      userInfo.Sub,
		Name:          userInfo.Name,
		GivenName:     userInfo.GivenName,
		FamilyName:    userInfo.FamilyName,
		Picture:       userInfo.Picture,
		EmailVerified: userInfo.EmailVerified,
		AccessToken:   token.AccessToken,
		RefreshToken:  token.RefreshToken,
	}
	if err := m.users.UpsertUser(r.Context(), user); err != nil {
		logger.Error("auth: saving linked account failed", "email", userInfo.Email, "error", err.Error())
		m.redirectFailure(w, r, "storage_failed")
		return
	}

	logger.Info("auth: account linked", "email", userInfo.Email)
	http.Redirect(w, r, m.frontendURL+"/?auth=success&email="+url.QueryEscape(userInfo.Email), http.StatusTemporaryRedirect)
}

func (m *Manager) redirectFailure(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, m.frontendURL+"/?auth=failure&reason="+url.QueryEscape(reason), http.StatusTemporaryRedirect)
}

// AccessToken returns a usable access token for a linked account, refreshing
// through the stored refresh token when the current one is likely stale.
// Returns store.ErrNotFound for an unlinked email.
func (m *Manager) AccessToken(ctx context.Context, email string) (string, error) {
	user, err := m.users.GetUser(ctx, email)
	if err != nil {
		return "", err
	}

	if user.RefreshToken == "" || time.Since(user.UpdatedAt) < tokenRefreshAfter {
		return user.AccessToken, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	src := m.oauth2Config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: user.RefreshToken,
	})
	token, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("refreshing token for %s: %w", user.Email, err)
	}

	user.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		user.RefreshToken = token.RefreshToken
	}
	if err := m.users.UpsertUser(ctx, user); err != nil {
		// The refreshed token still works for this request; only the cache
		// write failed.
		logger.Warn("auth: persisting refreshed token failed", "email", user.Email, "error", err.Error())
	}

	return token.AccessToken, nil
}

// getUserInfo fetches the linked account's profile from Google.
func (m *Manager) getUserInfo(ctx context.Context, accessToken string) (*GoogleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching user info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading user info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google API error (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var userInfo GoogleUserInfo
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return nil, fmt.Errorf("parsing user info: %w", err)
	}

	return &userInfo, nil
}
