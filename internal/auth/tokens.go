package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"corefacility/internal/core"
	"corefacility/internal/entity"
	"corefacility/pkg/domain"
)

// ErrTokenInvalid is returned by Apply for unknown, tampered or expired
// tokens and for tokens of locked users.
var ErrTokenInvalid = errors.New("auth: token is invalid or expired")

const (
	defaultTokenLifetime = 30 * time.Minute
	tokenSecretBytes     = 24
)

// Tokens issues and applies authentication tokens. The raw secret of a
// token is "<authentication id>:<random>"; only a bcrypt hash of the random
// part is stored, and the base64 secret travels signed.
type Tokens struct {
	signer   *Signer
	lifetime time.Duration
	logger   *zap.Logger
}

// NewTokens returns a token manager. lifetime applies to Issue calls without
// an explicit lifetime and to every refresh.
func NewTokens(signer *Signer, lifetime time.Duration, logger *zap.Logger) *Tokens {
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tokens{signer: signer, lifetime: lifetime, logger: logger}
}

type authenticationRow struct {
	ID         int64          `db:"id"`
	UserID     int64          `db:"user_id"`
	TokenHash  sql.NullString `db:"token_hash"`
	Expiration sql.NullTime   `db:"expiration_date"`
}

// Issue clears expired tokens and creates a new one for u valid for
// lifetime, or for the default lifetime when lifetime is not positive.
func (t *Tokens) Issue(ctx context.Context, s *entity.Session, u *core.User, lifetime time.Duration) (string, error) {
	if u.ID() == 0 {
		return "", domain.OperationNotPermittedError{Entity: domain.EntityAuthentication, Operation: "issue", Reason: "the user is not saved"}
	}
	if lifetime <= 0 {
		lifetime = t.lifetime
	}
	if _, err := t.ClearExpired(ctx, s); err != nil {
		return "", err
	}
	buf := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	random := base64.RawURLEncoding.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(random), core.PasswordCost)
	if err != nil {
		return "", fmt.Errorf("hash token secret: %w", err)
	}
	id, err := s.Insert(ctx, "core_authentication", map[string]any{
		"user_id":         u.ID(),
		"token_hash":      string(hash),
		"expiration_date": s.Now().Add(lifetime),
	}, "id")
	if err != nil {
		return "", fmt.Errorf("store authentication: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(id, 10) + ":" + random))
	t.logger.Info("token issued", zap.Int64("user_id", u.ID()), zap.Int64("authentication_id", id))
	return t.signer.Sign(secret)
}

// Apply verifies a token, extends its expiry and returns its user.
func (t *Tokens) Apply(ctx context.Context, s *entity.Session, token string) (*core.User, error) {
	secret, err := t.signer.Unsign(token)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(secret)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	idPart, random, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, ErrTokenInvalid
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	var row authenticationRow
	err = s.Get(ctx, &row, "SELECT id, user_id, token_hash, expiration_date FROM core_authentication WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("load authentication: %w", err)
	}
	now := s.Now()
	if !row.TokenHash.Valid || !row.Expiration.Valid || !now.Before(row.Expiration.Time) {
		return nil, ErrTokenInvalid
	}
	if bcrypt.CompareHashAndPassword([]byte(row.TokenHash.String), []byte(random)) != nil {
		return nil, ErrTokenInvalid
	}
	u, err := core.NewUserSet(s).Get(ctx, row.UserID)
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	if u.IsLocked() {
		return nil, ErrTokenInvalid
	}
	if _, err := s.Exec(ctx, "UPDATE core_authentication SET expiration_date = ? WHERE id = ?", now.Add(t.lifetime), id); err != nil {
		return nil, fmt.Errorf("refresh authentication: %w", err)
	}
	return u, nil
}

// Revoke deletes the authentication behind token. Unknown tokens are ignored.
func (t *Tokens) Revoke(ctx context.Context, s *entity.Session, token string) error {
	secret, err := t.signer.Unsign(token)
	if err != nil {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(secret)
	if err != nil {
		return nil
	}
	idPart, _, _ := strings.Cut(string(raw), ":")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return nil
	}
	_, err = s.Exec(ctx, "DELETE FROM core_authentication WHERE id = ?", id)
	return err
}

// ClearExpired deletes every expired authentication and returns how many
// were removed.
func (t *Tokens) ClearExpired(ctx context.Context, s *entity.Session) (int64, error) {
	res, err := s.Exec(ctx, "DELETE FROM core_authentication WHERE expiration_date IS NULL OR expiration_date <= ?", s.Now())
	if err != nil {
		return 0, fmt.Errorf("clear expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if n > 0 {
		t.logger.Debug("expired tokens cleared", zap.Int64("count", n))
	}
	return n, nil
}
