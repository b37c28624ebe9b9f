package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"corefacility/internal/core"
	"corefacility/internal/entity"
	"corefacility/internal/modules"
	"corefacility/pkg/domain"
)

// ErrBadCredentials is returned for an unknown login, a wrong password or a
// locked account.
var ErrBadCredentials = errors.New("auth: login or password is incorrect")

// Standard is the login/password module. API requests are authorized by a
// bearer token issued at login.
type Standard struct {
	tokens   *Tokens
	throttle *Throttle
	logger   *zap.Logger
}

// NewStandard returns the login/password module.
func NewStandard(tokens *Tokens, throttle *Throttle, logger *zap.Logger) *Standard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Standard{tokens: tokens, throttle: throttle, logger: logger}
}

func (*Standard) AppClass() string { return modules.StandardAuthClass }

// Login checks the credentials of login and issues a token. Failures are
// recorded for throttling.
func (m *Standard) Login(ctx context.Context, s *entity.Session, ip, login, password string) (string, *core.User, error) {
	u, err := core.NewUserSet(s).Get(ctx, login)
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		if err := m.throttle.RecordFailure(ctx, s, ip, 0); err != nil {
			m.logger.Warn("failed login not recorded", zap.Error(err))
		}
		return "", nil, ErrBadCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if err := m.throttle.Check(ctx, s, u.ID()); err != nil {
		return "", nil, err
	}
	if u.IsLocked() || !u.CheckPassword(password) {
		if err := m.throttle.RecordFailure(ctx, s, ip, u.ID()); err != nil {
			m.logger.Warn("failed login not recorded", zap.Error(err))
		}
		return "", nil, ErrBadCredentials
	}
	m.throttle.Reset(ctx, u.ID())
	token, err := m.tokens.Issue(ctx, s, u, 0)
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// TryAPIAuthorization applies the bearer token of the request. A request
// without a bearer token is left to the next module.
func (m *Standard) TryAPIAuthorization(req *Request) (*core.User, error) {
	token, ok := BearerToken(req.Request)
	if !ok {
		return nil, nil
	}
	u, err := m.tokens.Apply(req.Context(), req.Session, token)
	if errors.Is(err, ErrTokenInvalid) {
		return nil, nil
	}
	return u, err
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
