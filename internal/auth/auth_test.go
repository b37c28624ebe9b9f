package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"corefacility/internal/config"
	"corefacility/internal/core"
	"corefacility/internal/entity"
	"corefacility/internal/infra/persistence"
	"corefacility/internal/modules"
	"corefacility/pkg/domain"
)

var testKey = []byte("test-secret-key")

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func openSession(t *testing.T, opts ...entity.Option) *entity.Session {
	t.Helper()
	core.PasswordCost = bcrypt.MinCost
	ctx := context.Background()
	db, err := persistence.Open(ctx, persistence.Config{Dialect: "sqlite", DSN: filepath.Join(t.TempDir(), "auth.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return entity.NewSession(db, opts...)
}

func installedRegistry(t *testing.T, s *entity.Session, env modules.Environment) *modules.Registry {
	t.Helper()
	ctx := context.Background()
	r, err := modules.NewRegistry(modules.DefaultCatalog(), modules.WithEnvironment(env))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if err := r.Autoload(ctx, s); err != nil {
		t.Fatalf("autoload: %v", err)
	}
	if _, err := r.InstallAll(ctx, s); err != nil {
		t.Fatalf("install: %v", err)
	}
	return r
}

func mustUser(t *testing.T, s *entity.Session, login, password string) *core.User {
	t.Helper()
	u := core.NewUser(login)
	if password != "" {
		if err := u.SetPassword(password); err != nil {
			t.Fatalf("set password: %v", err)
		}
	}
	if err := u.Create(context.Background(), s); err != nil {
		t.Fatalf("create user %s: %v", login, err)
	}
	return u
}

func TestSigner(t *testing.T) {
	s := NewSigner(testKey)
	signed, err := s.Sign("c2VjcmV0")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	mac := hmac.New(sha256.New, testKey)
	mac.Write([]byte("c2VjcmV0"))
	if want := "c2VjcmV0." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)); signed != want {
		t.Fatalf("expected an HMAC-SHA256 value.sig pair %q, got %q", want, signed)
	}
	value, err := s.Unsign(signed)
	if err != nil || value != "c2VjcmV0" {
		t.Fatalf("expected round trip, got %q (%v)", value, err)
	}
	cases := []string{"", "c2VjcmV0", "c2VjcmV1." + signed[len("c2VjcmV0."):], signed + ".x"}
	for _, c := range cases {
		if _, err := s.Unsign(c); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("expected bad signature for %q, got %v", c, err)
		}
	}
	if _, err := NewSigner([]byte("other")).Unsign(signed); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected other key to reject, got %v", err)
	}
}

func TestTokensIssueApplyExpire(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
	s := openSession(t, entity.WithClock(c.Now))
	u := mustUser(t, s, "ivanov", "")
	tokens := NewTokens(NewSigner(testKey), 10*time.Minute, nil)

	token, err := tokens.Issue(ctx, s, u, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c.now = c.now.Add(50 * time.Second)
	got, err := tokens.Apply(ctx, s, token)
	if err != nil || got.ID() != u.ID() {
		t.Fatalf("expected token of %d, got %v (%v)", u.ID(), got, err)
	}
	// The refresh extended the expiry to the manager lifetime.
	c.now = c.now.Add(5 * time.Minute)
	if _, err := tokens.Apply(ctx, s, token); err != nil {
		t.Fatalf("expected refreshed token to apply, got %v", err)
	}
	if _, err := tokens.Apply(ctx, s, token+"x"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected tampered token to fail, got %v", err)
	}

	c.now = c.now.Add(11 * time.Minute)
	if _, err := tokens.Apply(ctx, s, token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
	n, err := tokens.ClearExpired(ctx, s)
	if err != nil || n != 1 {
		t.Fatalf("expected one expired token cleared, got %d (%v)", n, err)
	}
}

func TestTokensRejectLockedUsers(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	u := mustUser(t, s, "petrov", "")
	tokens := NewTokens(NewSigner(testKey), 0, nil)
	token, err := tokens.Issue(ctx, s, u, 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := u.SetLocked(true); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := u.Update(ctx, s); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := tokens.Apply(ctx, s, token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected locked user token to fail, got %v", err)
	}
	if err := tokens.Revoke(ctx, s, token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	var n int
	if err := s.Get(ctx, &n, "SELECT COUNT(*) FROM core_authentication"); err != nil || n != 0 {
		t.Fatalf("expected revoked token to be removed, got %d (%v)", n, err)
	}
}

func TestThrottleWindow(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
	s := openSession(t, entity.WithClock(c.Now))
	u := mustUser(t, s, "sidorov", "")
	th := NewThrottle(10*time.Minute, 3)
	for i := 0; i < 3; i++ {
		if err := th.Check(ctx, s, u.ID()); err != nil {
			t.Fatalf("attempt %d: expected no throttling, got %v", i, err)
		}
		if err := th.RecordFailure(ctx, s, "10.0.0.1", u.ID()); err != nil {
			t.Fatalf("record: %v", err)
		}
		c.now = c.now.Add(time.Minute)
	}
	if err := th.Check(ctx, s, u.ID()); err != nil {
		t.Fatalf("expected failures equal to the ceiling to pass, got %v", err)
	}
	if err := th.RecordFailure(ctx, s, "10.0.0.1", u.ID()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := th.Check(ctx, s, u.ID()); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected throttling above the ceiling, got %v", err)
	}
	c.now = c.now.Add(10 * time.Minute)
	if err := th.Check(ctx, s, u.ID()); err != nil {
		t.Fatalf("expected failures to age out, got %v", err)
	}
	if err := NewThrottle(time.Minute, 0).Check(ctx, s, u.ID()); err != nil {
		t.Fatalf("expected disabled ceiling to pass, got %v", err)
	}
}

func TestStandardLoginAndBearer(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	registry := installedRegistry(t, s, modules.Environment{})
	u := mustUser(t, s, "ivanov", "secret-1")
	tokens := NewTokens(NewSigner(testKey), 0, nil)
	standard := NewStandard(tokens, NewThrottle(time.Hour, 5), nil)
	pipeline := NewPipeline(registry, nil, standard, NewCookie(tokens, config.Cookie{}))

	if _, _, err := standard.Login(ctx, s, "10.0.0.1", "ivanov", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected bad credentials, got %v", err)
	}
	if _, _, err := standard.Login(ctx, s, "10.0.0.1", "nobody", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected bad credentials for unknown login, got %v", err)
	}
	var anonymous int
	if err := s.Get(ctx, &anonymous, "SELECT COUNT(*) FROM core_failed_authorization WHERE user_id IS NULL"); err != nil || anonymous != 1 {
		t.Fatalf("expected one anonymous failure, got %d (%v)", anonymous, err)
	}
	token, got, err := standard.Login(ctx, s, "10.0.0.1", "ivanov", "secret-1")
	if err != nil || got.ID() != u.ID() {
		t.Fatalf("login: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/v1/groups/", nil)
	if user, err := pipeline.AuthorizeAPI(NewRequest(nil, r, s)); err != nil || user != nil {
		t.Fatalf("expected anonymous request, got %v (%v)", user, err)
	}
	r.Header.Set("Authorization", "Bearer "+token)
	user, err := pipeline.AuthorizeAPI(NewRequest(nil, r, s))
	if err != nil || user == nil || user.Login() != "ivanov" {
		t.Fatalf("expected bearer authorization, got %v (%v)", user, err)
	}

	mod, _ := registry.Module(modules.StandardAuthClass)
	if err := registry.SetEnabled(ctx, s, mod, false); err != nil {
		t.Fatalf("disable standard: %v", err)
	}
	if user, _ := pipeline.AuthorizeAPI(NewRequest(nil, r, s)); user != nil {
		t.Fatal("expected disabled module to be skipped")
	}
}

func TestPasswordRecoveryIsSingleUse(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	registry := installedRegistry(t, s, modules.Environment{EmailSupport: true})
	recoveryModule, _ := registry.Module(modules.PasswordRecoveryClass)
	if err := registry.SetEnabled(ctx, s, recoveryModule, true); err != nil {
		t.Fatalf("enable recovery: %v", err)
	}
	u := mustUser(t, s, "kuznetsov", "forgotten")
	tokens := NewTokens(NewSigner(testKey), 0, nil)
	standard := NewStandard(tokens, NewThrottle(time.Hour, 5), nil)
	recovery := NewPasswordRecovery(registry, testKey, time.Hour, nil)
	pipeline := NewPipeline(registry, nil, standard, recovery)

	code, err := recovery.IssueActivationCode(ctx, s, u)
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	req := NewRequest(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/?activation_code="+url.QueryEscape(code), nil), s)
	got, err := pipeline.AuthorizeUI(req)
	if err != nil || got == nil || got.ID() != u.ID() {
		t.Fatalf("expected recovery authorization, got %v (%v)", got, err)
	}
	password := req.Results[ResultPassword]
	if len(password) != 12 {
		t.Fatalf("expected a 12 symbol password, got %q", password)
	}
	if _, _, err := standard.Login(ctx, s, "10.0.0.2", "kuznetsov", "forgotten"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected old password to be replaced, got %v", err)
	}
	if _, _, err := standard.Login(ctx, s, "10.0.0.2", "kuznetsov", password); err != nil {
		t.Fatalf("login with recovered password: %v", err)
	}

	replay := NewRequest(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/?activation_code="+url.QueryEscape(code), nil), s)
	if got, err := pipeline.AuthorizeUI(replay); err != nil || got != nil {
		t.Fatalf("expected replayed code to be ignored, got %v (%v)", got, err)
	}
	forged := NewRequest(nil, httptest.NewRequest(http.MethodGet, "/?activation_code=garbage", nil), s)
	if got, err := pipeline.AuthorizeUI(forged); err != nil || got != nil {
		t.Fatalf("expected forged code to be ignored, got %v (%v)", got, err)
	}
}

func TestActivationCodeConsumedOnce(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	registry := installedRegistry(t, s, modules.Environment{EmailSupport: true})
	recoveryModule, _ := registry.Module(modules.PasswordRecoveryClass)
	if err := registry.SetEnabled(ctx, s, recoveryModule, true); err != nil {
		t.Fatalf("enable recovery: %v", err)
	}
	u := mustUser(t, s, "popov", "forgotten")
	recovery := NewPasswordRecovery(registry, testKey, time.Hour, nil)
	code, err := recovery.IssueActivationCode(ctx, s, u)
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	stale, err := core.NewUserSet(s).Get(ctx, u.ID())
	if err != nil {
		t.Fatalf("load user: %v", err)
	}

	req := NewRequest(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/?activation_code="+url.QueryEscape(code), nil), s)
	if got, err := recovery.TryUIAuthorization(req); err != nil || got == nil {
		t.Fatalf("expected recovery authorization, got %v (%v)", got, err)
	}
	err = s.RunInTransaction(ctx, func(tx *entity.Session) error {
		return recovery.consume(ctx, tx, stale)
	})
	if !errors.Is(err, errActivationCodeSpent) {
		t.Fatalf("expected a concurrent consumer to lose, got %v", err)
	}
	if stale.ActivationCodeHash() == "" {
		t.Fatal("expected the losing copy to keep its loaded state")
	}
}

func TestCookieModule(t *testing.T) {
	s := openSession(t)
	registry := installedRegistry(t, s, modules.Environment{})
	u := mustUser(t, s, "smirnov", "")
	tokens := NewTokens(NewSigner(testKey), 0, nil)
	cookie := NewCookie(tokens, config.Cookie{Name: "cf", Features: config.CookieFeatures{HTTPOnly: true, SameSite: "strict"}})
	pipeline := NewPipeline(registry, nil, cookie)

	rec := httptest.NewRecorder()
	if err := cookie.Store(NewRequest(rec, httptest.NewRequest(http.MethodPost, "/login", nil), s), u); err != nil {
		t.Fatalf("store: %v", err)
	}
	stored := rec.Result().Cookies()
	if len(stored) != 1 || stored[0].Name != "cf" || !stored[0].HttpOnly || stored[0].SameSite != http.SameSiteStrictMode {
		t.Fatalf("unexpected cookie %+v", stored)
	}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(stored[0])
	got, err := pipeline.AuthorizeUI(NewRequest(httptest.NewRecorder(), r, s))
	if err != nil || got == nil || got.ID() != u.ID() {
		t.Fatalf("expected cookie authorization, got %v (%v)", got, err)
	}

	stale := httptest.NewRequest(http.MethodGet, "/", nil)
	stale.AddCookie(&http.Cookie{Name: "cf", Value: "bogus.value"})
	staleRec := httptest.NewRecorder()
	if got, err := pipeline.AuthorizeUI(NewRequest(staleRec, stale, s)); err != nil || got != nil {
		t.Fatalf("expected stale cookie to be ignored, got %v (%v)", got, err)
	}
	if cleared := staleRec.Result().Cookies(); len(cleared) != 1 || cleared[0].MaxAge >= 0 {
		t.Fatalf("expected stale cookie to be cleared, got %+v", cleared)
	}
}

func newProvider(t *testing.T, email string, delay time.Duration) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "access-1", "token_type": "Bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"email": email})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func oauthModule(registry *modules.Registry, srv *httptest.Server, timeout time.Duration) *OAuth2 {
	return NewOAuth2(registry, OAuth2Config{
		OAuth: oauth2.Config{
			ClientID:     "client",
			ClientSecret: "secret",
			RedirectURL:  "http://corefacility.test/",
			Scopes:       []string{"openid", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   srv.URL + "/auth",
				TokenURL:  srv.URL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		UserInfoURL: srv.URL + "/userinfo",
		Timeout:     timeout,
	}, testKey, nil)
}

// startFlow runs the auxiliary request and returns the state and the
// session cookie handed to the client.
func startFlow(t *testing.T, pipeline *Pipeline, s *entity.Session, route string) (string, *http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	target, err := pipeline.ProcessAuxiliary(NewRequest(rec, httptest.NewRequest(http.MethodGet, "/auth/google/?route="+route, nil), s), "google")
	if err != nil {
		t.Fatalf("auxiliary: %v", err)
	}
	parsed, err := url.Parse(target)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if parsed.Query().Get("client_id") != "client" {
		t.Fatalf("unexpected redirect %s", target)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected the session cookie, got %+v", cookies)
	}
	return parsed.Query().Get("state"), cookies[0]
}

func callback(s *entity.Session, code, state string, session *http.Cookie) *Request {
	r := httptest.NewRequest(http.MethodGet, "/?code="+code+"&state="+url.QueryEscape(state), nil)
	if session != nil {
		r.AddCookie(session)
	}
	return NewRequest(httptest.NewRecorder(), r, s)
}

func TestOAuth2Flow(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	registry := installedRegistry(t, s, modules.Environment{})
	google, _ := registry.Module(modules.GoogleAuthClass)
	if err := registry.SetEnabled(ctx, s, google, true); err != nil {
		t.Fatalf("enable google: %v", err)
	}
	u := mustUser(t, s, "orlova", "")
	srv := newProvider(t, "Orlova@Example.com", 0)
	pipeline := NewPipeline(registry, nil, oauthModule(registry, srv, time.Second))

	if _, err := pipeline.ProcessAuxiliary(NewRequest(nil, httptest.NewRequest(http.MethodGet, "/", nil), s), "cookie"); err == nil {
		t.Fatal("expected modules without auxiliary requests to be rejected")
	}

	state, session := startFlow(t, pipeline, s, "/projects/")
	var authErr domain.AuthorizationError
	if _, err := pipeline.AuthorizeUI(callback(s, "good-code", state, session)); !errors.As(err, &authErr) || authErr.Route != "/projects/" {
		t.Fatalf("expected unlinked e-mail to fail with route, got %v", err)
	}
	if err := LinkAccount(ctx, s, "google", "orlova@example.com", u); err != nil {
		t.Fatalf("link: %v", err)
	}
	var dup domain.DuplicatedError
	if err := LinkAccount(ctx, s, "google", "ORLOVA@example.com", u); !errors.As(err, &dup) {
		t.Fatalf("expected duplicated link, got %v", err)
	}
	got, err := pipeline.AuthorizeUI(callback(s, "good-code", state, session))
	if err != nil || got == nil || got.ID() != u.ID() {
		t.Fatalf("expected external authorization, got %v (%v)", got, err)
	}

	if _, err := pipeline.AuthorizeUI(callback(s, "good-code", state, nil)); !errors.As(err, &authErr) {
		t.Fatalf("expected missing session to fail, got %v", err)
	}
	if _, err := pipeline.AuthorizeUI(callback(s, "bad-code", state, session)); !errors.As(err, &authErr) || authErr.Route != "/projects/" {
		t.Fatalf("expected rejected code to fail with route, got %v", err)
	}
	if got, err := pipeline.AuthorizeUI(NewRequest(nil, httptest.NewRequest(http.MethodGet, "/", nil), s)); err != nil || got != nil {
		t.Fatalf("expected plain request to pass through, got %v (%v)", got, err)
	}
}

func TestOAuth2Timeout(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	registry := installedRegistry(t, s, modules.Environment{})
	google, _ := registry.Module(modules.GoogleAuthClass)
	if err := registry.SetEnabled(ctx, s, google, true); err != nil {
		t.Fatalf("enable google: %v", err)
	}
	srv := newProvider(t, "slow@example.com", 300*time.Millisecond)
	pipeline := NewPipeline(registry, nil, oauthModule(registry, srv, 50*time.Millisecond))
	state, session := startFlow(t, pipeline, s, "/login/")
	var authErr domain.AuthorizationError
	_, err := pipeline.AuthorizeUI(callback(s, "good-code", state, session))
	if !errors.As(err, &authErr) || authErr.Route != "/login/" {
		t.Fatalf("expected timeout to surface as authorization error, got %v", err)
	}
}
