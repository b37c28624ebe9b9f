package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"corefacility/internal/core"
	"corefacility/internal/entity"
	"corefacility/internal/modules"
	"corefacility/pkg/domain"
)

const (
	activationCodePurpose   = "activation_code"
	activationCodeLength    = 32
	defaultPasswordSymbols  = 12
	defaultActivationWindow = 48 * time.Hour
)

// ActivationClaims is the payload of a signed activation code.
type ActivationClaims struct {
	UserID  int64  `json:"user_id"`
	Code    string `json:"user_activation_code"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// PasswordRecovery authorizes a user presenting a signed activation code
// and replaces the password with a generated one-time password.
type PasswordRecovery struct {
	registry *modules.Registry
	key      []byte
	lifetime time.Duration
	logger   *zap.Logger
}

// NewPasswordRecovery returns the password recovery module. Codes are
// signed with key and stay valid for lifetime.
func NewPasswordRecovery(registry *modules.Registry, key []byte, lifetime time.Duration, logger *zap.Logger) *PasswordRecovery {
	if lifetime <= 0 {
		lifetime = defaultActivationWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PasswordRecovery{registry: registry, key: key, lifetime: lifetime, logger: logger}
}

func (*PasswordRecovery) AppClass() string { return modules.PasswordRecoveryClass }

// IssueActivationCode stores a fresh activation code of u and returns it
// signed for delivery.
func (m *PasswordRecovery) IssueActivationCode(ctx context.Context, s *entity.Session, u *core.User) (string, error) {
	code, err := core.RandomString(activationCodeLength)
	if err != nil {
		return "", err
	}
	now := s.Now()
	expiry := now.Add(m.lifetime)
	if err := u.SetActivationCode(code, expiry); err != nil {
		return "", err
	}
	if err := u.Update(ctx, s); err != nil {
		return "", err
	}
	claims := ActivationClaims{
		UserID:  u.ID(),
		Code:    code,
		Purpose: activationCodePurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID(), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("sign activation code: %w", err)
	}
	return signed, nil
}

func (m *PasswordRecovery) parse(raw string) (*ActivationClaims, error) {
	claims := &ActivationClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.key, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("parse activation code: %w", err)
	}
	if claims.Purpose != activationCodePurpose || claims.UserID == 0 || claims.Code == "" {
		return nil, errors.New("activation code has no user")
	}
	return claims, nil
}

func (m *PasswordRecovery) passwordSymbols() int {
	mod, err := m.registry.Module(modules.PasswordRecoveryClass)
	if err != nil {
		return defaultPasswordSymbols
	}
	switch v := mod.UserSettings()["password_symbols"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return defaultPasswordSymbols
}

// TryUIAuthorization consumes the activation_code query parameter. A code
// is accepted once: the stored hash is cleared and a new password is put
// into req.Results under ResultPassword.
func (m *PasswordRecovery) TryUIAuthorization(req *Request) (*core.User, error) {
	raw := req.URL.Query().Get("activation_code")
	if raw == "" {
		return nil, nil
	}
	claims, err := m.parse(raw)
	if err != nil {
		m.logger.Info("activation code rejected", zap.Error(err))
		return nil, nil
	}
	ctx := req.Context()
	var (
		u        *core.User
		password string
	)
	err = req.Session.RunInTransaction(ctx, func(tx *entity.Session) error {
		var err error
		u, err = core.NewUserSet(tx).Get(ctx, claims.UserID)
		if err != nil {
			return err
		}
		if u.IsLocked() || !u.CheckActivationCode(claims.Code, tx.Now()) {
			return errActivationCodeSpent
		}
		if err := m.consume(ctx, tx, u); err != nil {
			return err
		}
		password, err = u.GeneratePassword(m.passwordSymbols())
		if err != nil {
			return err
		}
		return u.Update(ctx, tx)
	})
	var nf domain.NotFoundError
	switch {
	case errors.As(err, &nf):
		return nil, nil
	case errors.Is(err, errActivationCodeSpent):
		m.logger.Info("activation code does not match", zap.Int64("user_id", claims.UserID))
		return nil, nil
	case err != nil:
		return nil, err
	}
	req.Results[ResultPassword] = password
	m.logger.Info("password recovered", zap.Int64("user_id", u.ID()))
	return u, nil
}

var errActivationCodeSpent = errors.New("auth: activation code spent")

// consume clears the activation code of u only while the stored hash is
// still the one u was loaded with, so concurrent requests presenting the
// same code cannot both succeed.
func (m *PasswordRecovery) consume(ctx context.Context, tx *entity.Session, u *core.User) error {
	res, err := tx.Exec(ctx, "UPDATE core_user SET activation_code_hash = NULL, activation_code_expiry_date = NULL WHERE id = ? AND activation_code_hash = ?",
		u.ID(), u.ActivationCodeHash())
	if err != nil {
		return fmt.Errorf("consume activation code: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return errActivationCodeSpent
	}
	return u.ClearActivationCode()
}
