package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"corefacility/internal/core"
	"corefacility/internal/modules"
	"corefacility/pkg/domain"
)

const (
	oauthStatePurpose   = "oauth2_state"
	oauthStateLifetime  = 10 * time.Minute
	defaultOAuthTimeout = 10 * time.Second
)

// StateClaims is the payload of the OAuth2 state parameter.
type StateClaims struct {
	Session string `json:"session"`
	Module  string `json:"module"`
	Route   string `json:"route"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// OAuth2Config configures an external authorization module.
type OAuth2Config struct {
	// AppClass is the module class the implementation serves.
	AppClass string
	// Provider names the external accounts bound through this module.
	Provider    string
	OAuth       oauth2.Config
	UserInfoURL string
	Timeout     time.Duration
	// HTTPClient, when set, carries every call to the provider.
	HTTPClient *http.Client
}

// OAuth2 authorizes users through an external authorization-code flow. The
// provider's e-mail is mapped to a user through external accounts.
type OAuth2 struct {
	registry      *modules.Registry
	cfg           OAuth2Config
	key           []byte
	sessionCookie string
	logger        *zap.Logger
}

// NewOAuth2 returns an OAuth2 module. key signs the state parameter.
func NewOAuth2(registry *modules.Registry, cfg OAuth2Config, key []byte, logger *zap.Logger) *OAuth2 {
	if cfg.AppClass == "" {
		cfg.AppClass = modules.GoogleAuthClass
	}
	if cfg.Provider == "" {
		cfg.Provider = "google"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOAuthTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuth2{
		registry:      registry,
		cfg:           cfg,
		key:           key,
		sessionCookie: "corefacility_" + cfg.Provider + "_session",
		logger:        logger,
	}
}

func (m *OAuth2) AppClass() string { return m.cfg.AppClass }

func (m *OAuth2) alias() string {
	mod, err := m.registry.Module(m.cfg.AppClass)
	if err != nil {
		return m.cfg.Provider
	}
	return mod.Alias()
}

// oauthConfig returns the client configuration. Non-empty client_id and
// client_secret user settings override the configured ones.
func (m *OAuth2) oauthConfig() *oauth2.Config {
	cfg := m.cfg.OAuth
	cfg.Scopes = append([]string(nil), m.cfg.OAuth.Scopes...)
	mod, err := m.registry.Module(m.cfg.AppClass)
	if err != nil {
		return &cfg
	}
	settings := mod.UserSettings()
	if v, ok := settings["client_id"].(string); ok && v != "" {
		cfg.ClientID = v
	}
	if v, ok := settings["client_secret"].(string); ok && v != "" {
		cfg.ClientSecret = v
	}
	return &cfg
}

// ProcessAuxiliaryRequest starts the flow: it binds a fresh session to the
// client cookie and returns the provider's authorization URL. The route
// query parameter is where the client returns on failure.
func (m *OAuth2) ProcessAuxiliaryRequest(req *Request) (string, error) {
	route := req.URL.Query().Get("route")
	if route == "" {
		route = "/"
	}
	session := ksuid.New().String()
	now := time.Now()
	claims := StateClaims{
		Session: session,
		Module:  m.alias(),
		Route:   route,
		Purpose: oauthStatePurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(oauthStateLifetime)),
		},
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("sign oauth2 state: %w", err)
	}
	if req.Writer != nil {
		http.SetCookie(req.Writer, &http.Cookie{
			Name:     m.sessionCookie,
			Value:    session,
			Path:     "/",
			MaxAge:   int(oauthStateLifetime / time.Second),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return m.oauthConfig().AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

func (m *OAuth2) parseState(raw string) (*StateClaims, error) {
	claims := &StateClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.key, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("parse oauth2 state: %w", err)
	}
	if claims.Purpose != oauthStatePurpose || claims.Session == "" {
		return nil, errors.New("oauth2 state has no session")
	}
	return claims, nil
}

type userInfo struct {
	Email string `json:"email"`
}

// TryUIAuthorization completes the flow started by ProcessAuxiliaryRequest.
// Requests without code and state, or whose state names another module,
// are left to the next module.
func (m *OAuth2) TryUIAuthorization(req *Request) (*core.User, error) {
	q := req.URL.Query()
	code, rawState := q.Get("code"), q.Get("state")
	if code == "" || rawState == "" {
		return nil, nil
	}
	state, err := m.parseState(rawState)
	if err != nil {
		return nil, domain.AuthorizationError{Route: "/", Message: "the authorization state is invalid", Err: err}
	}
	if state.Module != m.alias() {
		return nil, nil
	}
	fail := func(msg string, err error) error {
		return domain.AuthorizationError{Route: state.Route, Message: msg, Err: err}
	}
	if c, err := req.Cookie(m.sessionCookie); err != nil || c.Value != state.Session {
		return nil, fail("the authorization session does not match", nil)
	}

	ctx, cancel := context.WithTimeout(req.Context(), m.cfg.Timeout)
	defer cancel()
	if m.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.cfg.HTTPClient)
	}
	cfg := m.oauthConfig()
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fail("the authorization code was not accepted", err)
	}
	info, err := m.fetchUserInfo(ctx, cfg.Client(ctx, tok))
	if err != nil {
		return nil, fail("the user profile is unavailable", err)
	}
	if info.Email == "" {
		return nil, fail("the e-mail scope was not granted", nil)
	}
	u, err := AccountUser(ctx, req.Session, m.cfg.Provider, info.Email)
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		return nil, fail("the e-mail "+info.Email+" is not linked to any account; ask the administrator to link it", nil)
	}
	if err != nil {
		return nil, err
	}
	if u.IsLocked() {
		return nil, fail("the account is locked", nil)
	}
	if req.Writer != nil {
		http.SetCookie(req.Writer, &http.Cookie{Name: m.sessionCookie, Value: "", Path: "/", MaxAge: -1})
	}
	m.logger.Info("external authorization", zap.String("provider", m.cfg.Provider), zap.Int64("user_id", u.ID()))
	return u, nil
}

func (m *OAuth2) fetchUserInfo(ctx context.Context, client *http.Client) (userInfo, error) {
	var info userInfo
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.UserInfoURL, nil)
	if err != nil {
		return info, err
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return info, fmt.Errorf("user info returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return info, fmt.Errorf("decode user info: %w", err)
	}
	return info, nil
}
