package core

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"corefacility/internal/entity"
	"corefacility/pkg/domain"
)

// PasswordCost is the bcrypt cost used for passwords and activation codes.
var PasswordCost = bcrypt.DefaultCost

const (
	maxLoginLength  = 100
	maxNameLength   = 100
	maxEmailLength  = 254
	maxPhoneLength  = 20
	passwordSymbols = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// SupportLogin is the login of the distinguished support account.
const SupportLogin = "support"

// User is a platform account.
type User struct {
	domain.Lifecycle
	id                 int64
	login              string
	name               string
	surname            string
	email              string
	phone              string
	passwordHash       string
	activationCodeHash string
	activationExpiry   *time.Time
	locked             bool
	superuser          bool
	support            bool
	avatar             string
	unixGroup          string
	homeDir            string
}

// NewUser returns a user in the creating state.
func NewUser(login string) *User {
	u := &User{Lifecycle: domain.NewLifecycle(domain.EntityUser)}
	u.login = login
	_ = u.Touch("login", true)
	return u
}

// NewSupportUser returns the support account in the creating state.
func NewSupportUser() *User {
	u := NewUser(SupportLogin)
	u.support = true
	_ = u.Touch("is_support", false)
	return u
}

func (u *User) Life() *domain.Lifecycle { return &u.Lifecycle }

func (u *User) ID() int64                    { return u.id }
func (u *User) Login() string                { return u.login }
func (u *User) Name() string                 { return u.name }
func (u *User) Surname() string              { return u.surname }
func (u *User) Email() string                { return u.email }
func (u *User) Phone() string                { return u.phone }
func (u *User) IsLocked() bool               { return u.locked }
func (u *User) IsSuperuser() bool            { return u.superuser }
func (u *User) IsSupport() bool              { return u.support }
func (u *User) Avatar() string               { return u.avatar }
func (u *User) UnixGroup() string            { return u.unixGroup }
func (u *User) HomeDir() string              { return u.homeDir }
func (u *User) HasPassword() bool            { return u.passwordHash != "" }
func (u *User) ActivationExpiry() *time.Time { return u.activationExpiry }
func (u *User) ActivationCodeHash() string   { return u.activationCodeHash }

// touch guards every write: the support account is frozen once stored.
func (u *User) touch(field string, editable bool) error {
	if u.support && u.State() != domain.StateCreating {
		return domain.OperationNotPermittedError{Entity: domain.EntityUser, Operation: "set " + field, Reason: "the support user cannot be modified"}
	}
	return u.Touch(field, editable)
}

func (u *User) SetLogin(v string) error {
	if err := u.touch("login", true); err != nil {
		return err
	}
	u.login = v
	return nil
}

func (u *User) SetName(v string) error {
	if err := u.touch("name", true); err != nil {
		return err
	}
	u.name = v
	return nil
}

func (u *User) SetSurname(v string) error {
	if err := u.touch("surname", true); err != nil {
		return err
	}
	u.surname = v
	return nil
}

func (u *User) SetEmail(v string) error {
	if err := u.touch("email", true); err != nil {
		return err
	}
	u.email = v
	return nil
}

func (u *User) SetPhone(v string) error {
	if err := u.touch("phone", true); err != nil {
		return err
	}
	u.phone = v
	return nil
}

func (u *User) SetLocked(v bool) error {
	if err := u.touch("is_locked", true); err != nil {
		return err
	}
	u.locked = v
	return nil
}

func (u *User) SetSuperuser(v bool) error {
	if err := u.touch("is_superuser", true); err != nil {
		return err
	}
	u.superuser = v
	return nil
}

// SetPassword stores the bcrypt hash of raw.
func (u *User) SetPassword(raw string) error {
	if err := u.touch("password_hash", true); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), PasswordCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.passwordHash = string(hash)
	return nil
}

// CheckPassword reports whether raw matches the stored hash. Users without a
// password never match.
func (u *User) CheckPassword(raw string) bool {
	if u.passwordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(raw)) == nil
}

// GeneratePassword sets a random password of n symbols and returns it.
func (u *User) GeneratePassword(n int) (string, error) {
	raw, err := RandomString(n)
	if err != nil {
		return "", err
	}
	if err := u.SetPassword(raw); err != nil {
		return "", err
	}
	return raw, nil
}

// SetActivationCode stores the hash of code valid until expiry.
func (u *User) SetActivationCode(code string, expiry time.Time) error {
	if err := u.touch("activation_code", true); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), PasswordCost)
	if err != nil {
		return fmt.Errorf("hash activation code: %w", err)
	}
	u.activationCodeHash = string(hash)
	exp := expiry.UTC()
	u.activationExpiry = &exp
	return nil
}

// CheckActivationCode reports whether code matches an unexpired stored code.
func (u *User) CheckActivationCode(code string, now time.Time) bool {
	if u.activationCodeHash == "" || u.activationExpiry == nil || !now.Before(*u.activationExpiry) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.activationCodeHash), []byte(code)) == nil
}

// ClearActivationCode drops the stored activation code.
func (u *User) ClearActivationCode() error {
	if err := u.touch("activation_code", true); err != nil {
		return err
	}
	u.activationCodeHash = ""
	u.activationExpiry = nil
	return nil
}

// Validate implements entity.Entity.
func (u *User) Validate() error {
	if err := domain.ValidateSlug(domain.EntityUser, "login", u.login, maxLoginLength); err != nil {
		return err
	}
	checks := []struct {
		field, value string
		max          int
	}{
		{"name", u.name, maxNameLength},
		{"surname", u.surname, maxNameLength},
		{"email", u.email, maxEmailLength},
		{"phone", u.phone, maxPhoneLength},
	}
	for _, c := range checks {
		if err := domain.ValidateMaxLength(domain.EntityUser, c.field, c.value, c.max); err != nil {
			return err
		}
	}
	return nil
}

// RandomString returns n symbols drawn from an unambiguous alphabet.
func RandomString(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("random string length must be positive")
	}
	out := make([]byte, n)
	limit := big.NewInt(int64(len(passwordSymbols)))
	for i := range out {
		k, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate random string: %w", err)
		}
		out[i] = passwordSymbols[k.Int64()]
	}
	return string(out), nil
}

type userRow struct {
	ID                 int64          `db:"id"`
	Login              string         `db:"login"`
	Name               sql.NullString `db:"name"`
	Surname            sql.NullString `db:"surname"`
	Email              sql.NullString `db:"email"`
	Phone              sql.NullString `db:"phone"`
	PasswordHash       sql.NullString `db:"password_hash"`
	ActivationCodeHash sql.NullString `db:"activation_code_hash"`
	ActivationExpiry   sql.NullTime   `db:"activation_code_expiry_date"`
	IsLocked           bool           `db:"is_locked"`
	IsSuperuser        bool           `db:"is_superuser"`
	IsSupport          bool           `db:"is_support"`
	Avatar             sql.NullString `db:"avatar"`
	UnixGroup          sql.NullString `db:"unix_group"`
	HomeDir            sql.NullString `db:"home_dir"`
}

func wrapUser(row userRow) (*User, error) {
	u := &User{
		Lifecycle:          domain.LoadedLifecycle(domain.EntityUser, row),
		id:                 row.ID,
		login:              row.Login,
		name:               row.Name.String,
		surname:            row.Surname.String,
		email:              row.Email.String,
		phone:              row.Phone.String,
		passwordHash:       row.PasswordHash.String,
		activationCodeHash: row.ActivationCodeHash.String,
		locked:             row.IsLocked,
		superuser:          row.IsSuperuser,
		support:            row.IsSupport,
		avatar:             row.Avatar.String,
		unixGroup:          row.UnixGroup.String,
		homeDir:            row.HomeDir.String,
	}
	if row.ActivationExpiry.Valid {
		t := row.ActivationExpiry.Time.UTC()
		u.activationExpiry = &t
	}
	return u, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var userProvider = &entity.ModelProvider[*User, userRow]{
	Kind:      domain.EntityUser,
	Table:     "core_user",
	Key:       func(u *User) any { return u.id },
	AssignKey: func(u *User, id int64) { u.id = id },
	Columns: func(u *User) map[string]any {
		return map[string]any{
			"login":                       u.login,
			"name":                        nullable(u.name),
			"surname":                     nullable(u.surname),
			"email":                       nullable(u.email),
			"phone":                       nullable(u.phone),
			"password_hash":               nullable(u.passwordHash),
			"activation_code_hash":        nullable(u.activationCodeHash),
			"activation_code_expiry_date": nullableTime(u.activationExpiry),
			"is_locked":                   u.locked,
			"is_superuser":                u.superuser,
			"is_support":                  u.support,
			"avatar":                      nullable(u.avatar),
			"unix_group":                  nullable(u.unixGroup),
			"home_dir":                    nullable(u.homeDir),
		}
	},
	Fields: map[string][]string{
		"login":           {"login"},
		"name":            {"name"},
		"surname":         {"surname"},
		"email":           {"email"},
		"phone":           {"phone"},
		"password_hash":   {"password_hash"},
		"activation_code": {"activation_code_hash", "activation_code_expiry_date"},
		"is_locked":       {"is_locked"},
		"is_superuser":    {"is_superuser"},
	},
	Unique: [][]string{{"login"}},
	Wrap:   wrapUser,
	Files: map[string]entity.FileField[*User]{
		"avatar": {
			Column: "avatar",
			Get:    func(u *User) string { return u.avatar },
			Set:    func(u *User, v string) { u.avatar = v },
		},
	},
}

// Create stores a new user.
func (u *User) Create(ctx context.Context, s *entity.Session) error {
	return entity.Create(ctx, s, u, userProvider)
}

// Update writes the edited fields.
func (u *User) Update(ctx context.Context, s *entity.Session) error {
	return entity.Update(ctx, s, u, userProvider)
}

// Delete removes the user. A user governing any group is only removed with
// force, which also removes the governed groups and their projects.
func (u *User) Delete(ctx context.Context, s *entity.Session, force bool) error {
	if err := u.CheckDelete(); err != nil {
		return err
	}
	if u.support {
		return domain.OperationNotPermittedError{Entity: domain.EntityUser, Operation: "delete", Reason: "the support user cannot be deleted"}
	}
	return s.RunInTransaction(ctx, func(tx *entity.Session) error {
		governed, err := NewGroupSet(tx).MustFilter("governor", u.id).All(ctx)
		if err != nil {
			return err
		}
		if len(governed) > 0 && !force {
			return domain.GroupGovernorConstraintError{UserID: u.id}
		}
		for _, g := range governed {
			if err := g.Delete(ctx, tx, true); err != nil {
				return err
			}
		}
		return entity.Delete(ctx, tx, u, userProvider)
	})
}

// AttachAvatar stores the avatar image of a saved user.
func (u *User) AttachAvatar(ctx context.Context, s *entity.Session, filename string, r io.Reader) error {
	return userProvider.AttachFile(ctx, s, u, "avatar", filename, r)
}

// DetachAvatar removes the avatar image.
func (u *User) DetachAvatar(ctx context.Context, s *entity.Session) error {
	return userProvider.DetachFile(ctx, s, u, "avatar")
}
