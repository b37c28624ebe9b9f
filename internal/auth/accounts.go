package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"corefacility/internal/core"
	"corefacility/internal/entity"
	"corefacility/pkg/domain"
)

// LinkAccount binds the e-mail an external provider reports to u.
func LinkAccount(ctx context.Context, s *entity.Session, provider, email string, u *core.User) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := domain.ValidateName(domain.EntityExternalAccount, "email", email, 254); err != nil {
		return err
	}
	if u.ID() == 0 {
		return domain.Required(domain.EntityExternalAccount, "user")
	}
	_, err := s.Insert(ctx, "core_external_account", map[string]any{
		"provider": provider,
		"email":    email,
		"user_id":  u.ID(),
	}, "")
	if s.IsUniqueViolation(err) {
		return domain.DuplicatedError{Entity: domain.EntityExternalAccount, Fields: []string{"email"}}
	}
	if err != nil {
		return fmt.Errorf("link %s account: %w", provider, err)
	}
	return nil
}

// UnlinkAccount removes a binding. Missing bindings give NotFoundError.
func UnlinkAccount(ctx context.Context, s *entity.Session, provider, email string) error {
	res, err := s.Exec(ctx, "DELETE FROM core_external_account WHERE provider = ? AND email = ?",
		provider, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return fmt.Errorf("unlink %s account: %w", provider, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NotFoundError{Entity: domain.EntityExternalAccount, Key: email}
	}
	return nil
}

// AccountUser returns the user bound to an external e-mail.
func AccountUser(ctx context.Context, s *entity.Session, provider, email string) (*core.User, error) {
	var userID int64
	err := s.Get(ctx, &userID, "SELECT user_id FROM core_external_account WHERE provider = ? AND email = ?",
		provider, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundError{Entity: domain.EntityExternalAccount, Key: email}
	}
	if err != nil {
		return nil, fmt.Errorf("find %s account: %w", provider, err)
	}
	return core.NewUserSet(s).Get(ctx, userID)
}
