package auth

import (
	"errors"
	"net/http"
	"time"

	"corefacility/internal/config"
	"corefacility/internal/core"
	"corefacility/internal/modules"
)

// Cookie authorizes web interface requests by the token stored in a cookie.
type Cookie struct {
	tokens *Tokens
	cfg    config.Cookie
}

// NewCookie returns the cookie module.
func NewCookie(tokens *Tokens, cfg config.Cookie) *Cookie {
	if cfg.Name == "" {
		cfg.Name = "corefacility"
	}
	return &Cookie{tokens: tokens, cfg: cfg}
}

func (*Cookie) AppClass() string { return modules.CookieAuthClass }

// Name returns the cookie name.
func (m *Cookie) Name() string { return m.cfg.Name }

// TryUIAuthorization applies the token stored in the cookie. Stale cookies
// are removed.
func (m *Cookie) TryUIAuthorization(req *Request) (*core.User, error) {
	c, err := req.Cookie(m.cfg.Name)
	if err != nil || c.Value == "" {
		return nil, nil
	}
	u, err := m.tokens.Apply(req.Context(), req.Session, c.Value)
	if errors.Is(err, ErrTokenInvalid) {
		if req.Writer != nil {
			http.SetCookie(req.Writer, m.cookie("", -1))
		}
		return nil, nil
	}
	return u, err
}

// Store issues a token for u and writes it to the cookie.
func (m *Cookie) Store(req *Request, u *core.User) error {
	token, err := m.tokens.Issue(req.Context(), req.Session, u, 0)
	if err != nil {
		return err
	}
	http.SetCookie(req.Writer, m.cookie(token, int(m.tokens.lifetime/time.Second)))
	return nil
}

func (m *Cookie) cookie(value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     m.cfg.Name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   m.cfg.Features.Secure,
		HttpOnly: m.cfg.Features.HTTPOnly,
	}
	switch m.cfg.Features.SameSite {
	case "lax":
		c.SameSite = http.SameSiteLaxMode
	case "strict":
		c.SameSite = http.SameSiteStrictMode
	case "none":
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}
