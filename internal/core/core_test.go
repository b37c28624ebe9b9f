package core

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"corefacility/internal/entity"
	"corefacility/internal/infra/blob/memory"
	"corefacility/internal/infra/persistence"
	"corefacility/pkg/domain"
)

func openSession(t *testing.T) *entity.Session {
	t.Helper()
	PasswordCost = bcrypt.MinCost
	ctx := context.Background()
	db, err := persistence.Open(ctx, persistence.Config{Dialect: "sqlite", DSN: filepath.Join(t.TempDir(), "core.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return entity.NewSession(db, entity.WithBlobStore(memory.New()))
}

func mustUser(t *testing.T, s *entity.Session, login string) *User {
	t.Helper()
	u := NewUser(login)
	if err := u.Create(context.Background(), s); err != nil {
		t.Fatalf("create user %s: %v", login, err)
	}
	return u
}

func mustGroup(t *testing.T, s *entity.Session, name string, governor *User) *Group {
	t.Helper()
	g := NewGroup(name, governor)
	if err := g.Create(context.Background(), s); err != nil {
		t.Fatalf("create group %s: %v", name, err)
	}
	return g
}

func TestUserPasswordAndActivationCode(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	u := mustUser(t, s, "ivanov")
	if u.CheckPassword("") {
		t.Fatal("user without password must not authenticate")
	}
	raw, err := u.GeneratePassword(12)
	if err != nil || len(raw) != 12 {
		t.Fatalf("expected 12 symbol password, got %q (%v)", raw, err)
	}
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := u.SetActivationCode("secret-code", now.Add(time.Hour)); err != nil {
		t.Fatalf("activation code: %v", err)
	}
	if err := u.Update(ctx, s); err != nil {
		t.Fatalf("update: %v", err)
	}

	loaded, err := NewUserSet(s).Get(ctx, "ivanov")
	if err != nil {
		t.Fatalf("get by login: %v", err)
	}
	if !loaded.CheckPassword(raw) || loaded.CheckPassword(raw+"x") {
		t.Fatal("expected stored password hash to verify")
	}
	if !loaded.CheckActivationCode("secret-code", now) {
		t.Fatal("expected activation code to verify before expiry")
	}
	if loaded.CheckActivationCode("secret-code", now.Add(2*time.Hour)) {
		t.Fatal("expected expired activation code to be rejected")
	}
	if err := loaded.ClearActivationCode(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := loaded.Update(ctx, s); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ := NewUserSet(s).Get(ctx, loaded.ID())
	if again.CheckActivationCode("secret-code", now) || again.ActivationExpiry() != nil {
		t.Fatal("expected activation code to be cleared")
	}
}

func TestUserValidation(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	cases := []struct {
		login string
		field string
	}{
		{"", "login"},
		{"ivanov.ivan", "login"},
		{strings.Repeat("a", 101), "login"},
	}
	for _, tc := range cases {
		err := NewUser(tc.login).Create(ctx, s)
		var fe domain.FieldError
		if !errors.As(err, &fe) || fe.Field != tc.field {
			t.Fatalf("expected field error on %s for %q, got %v", tc.field, tc.login, err)
		}
	}
	mustUser(t, s, "petrov")
	var dup domain.DuplicatedError
	if err := NewUser("petrov").Create(ctx, s); !errors.As(err, &dup) {
		t.Fatalf("expected duplicated login, got %v", err)
	}
}

func TestSupportUserIsFrozen(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	support, err := SupportUser(ctx, s)
	if err != nil {
		t.Fatalf("support user: %v", err)
	}
	again, err := SupportUser(ctx, s)
	if err != nil || again.ID() != support.ID() {
		t.Fatalf("expected the same support user, got %v (%v)", again, err)
	}
	var op domain.OperationNotPermittedError
	if err := again.SetName("Support"); !errors.As(err, &op) {
		t.Fatalf("expected support user to be immutable, got %v", err)
	}
	if err := again.Delete(ctx, s, true); !errors.As(err, &op) {
		t.Fatalf("expected support user deletion to be refused, got %v", err)
	}
	g := mustGroup(t, s, "Lab", mustUser(t, s, "head"))
	if err := g.Users().Add(ctx, s, again); !errors.As(err, &op) {
		t.Fatalf("expected support user to be kept out of groups, got %v", err)
	}
	if err := NewGroup("Support group", again).Create(ctx, s); err == nil {
		t.Fatal("expected support user to be refused as governor")
	}
}

func TestGroupMembers(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	head := mustUser(t, s, "head")
	member := mustUser(t, s, "member")
	g := mustGroup(t, s, "Оптическое картирование", head)

	var dup domain.DuplicatedError
	if err := NewGroup("Оптическое картирование", head).Create(ctx, s); !errors.As(err, &dup) || dup.Fields[0] != "name" {
		t.Fatalf("expected duplicated group name, got %v", err)
	}
	if err := g.Users().Add(ctx, s, member); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := g.Users().Add(ctx, s, member); !errors.As(err, &dup) {
		t.Fatalf("expected duplicated membership, got %v", err)
	}
	users, err := g.Users().All(ctx, s)
	if err != nil || len(users) != 2 {
		t.Fatalf("expected two members, got %d (%v)", len(users), err)
	}
	var op domain.OperationNotPermittedError
	if err := g.Users().Remove(ctx, s, head); !errors.As(err, &op) {
		t.Fatalf("expected governor removal to be refused, got %v", err)
	}
	if err := g.Users().SetGovernor(ctx, s, member); err != nil {
		t.Fatalf("set governor: %v", err)
	}
	loaded, err := NewGroupSet(s).Get(ctx, g.ID())
	if err != nil || loaded.GovernorID() != member.ID() {
		t.Fatalf("expected member to govern, got %+v (%v)", loaded, err)
	}
	if err := loaded.Users().Remove(ctx, s, head); err != nil {
		t.Fatalf("remove former governor: %v", err)
	}
	if ok, _ := loaded.Users().Contains(ctx, s, head); ok {
		t.Fatal("expected former governor to be removed")
	}
	mine, err := NewGroupSet(s).MustFilter("user", member.ID()).Len(ctx)
	if err != nil || mine != 1 {
		t.Fatalf("expected one group for member, got %d (%v)", mine, err)
	}
	if err := NewGroup("Unsaved", nil).Users().Add(ctx, s, member); !errors.As(err, &op) {
		t.Fatalf("expected membership on unsaved group to be refused, got %v", err)
	}
}

func TestProjectAliasAndAccess(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	head := mustUser(t, s, "head")
	root := mustGroup(t, s, "Root group", head)
	guest := mustGroup(t, s, "Guests", mustUser(t, s, "guest"))

	var fe domain.FieldError
	if err := NewProject("ivanov.ivan", "Ivanov", root).Create(ctx, s); !errors.As(err, &fe) || fe.Field != "alias" {
		t.Fatalf("expected alias to be rejected, got %v", err)
	}
	p := NewProject("ivanov-ivan", "Ivanov", root)
	if err := p.Create(ctx, s); err != nil {
		t.Fatalf("create project: %v", err)
	}
	gov, err := p.Governor(ctx, s)
	if err != nil || gov.ID() != head.ID() {
		t.Fatalf("expected project governor to be the root group governor, got %v (%v)", gov, err)
	}

	perms := p.Permissions()
	var op domain.OperationNotPermittedError
	if err := perms.Set(ctx, s, root, AccessDataView); !errors.As(err, &op) {
		t.Fatalf("expected root group downgrade to be refused, got %v", err)
	}
	if err := perms.Remove(ctx, s, root); !errors.As(err, &op) {
		t.Fatalf("expected root group removal to be refused, got %v", err)
	}
	if lvl, _ := perms.Level(ctx, s, guest); lvl != AccessNoAccess {
		t.Fatalf("expected no access before grant, got %s", lvl)
	}
	if err := perms.Set(ctx, s, guest, AccessDataAdd); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := perms.Set(ctx, s, guest, AccessDataView); err != nil {
		t.Fatalf("regrant: %v", err)
	}
	if lvl, _ := perms.Level(ctx, s, guest); lvl != AccessDataView {
		t.Fatalf("expected data_view, got %s", lvl)
	}
	if err := perms.Set(ctx, s, guest, AccessLevel("admin")); !errors.As(err, &fe) {
		t.Fatalf("expected unknown level to be rejected, got %v", err)
	}
	all, err := perms.All(ctx, s)
	if err != nil || len(all) != 2 || all[0].GroupID != root.ID() || all[0].Level != AccessFull {
		t.Fatalf("unexpected access matrix %+v (%v)", all, err)
	}
	guestUser, _ := NewUserSet(s).Get(ctx, "guest")
	if lvl, _ := perms.UserLevel(ctx, s, guestUser); lvl != AccessDataView {
		t.Fatalf("expected guest user level data_view, got %s", lvl)
	}
	visible, _ := NewProjectSet(s).MustFilter("user", guestUser.ID()).Len(ctx)
	if visible != 1 {
		t.Fatalf("expected project visible to guest, got %d", visible)
	}

	if err := p.SetRootGroup(guest); err != nil {
		t.Fatalf("set root group: %v", err)
	}
	if err := p.Update(ctx, s); err != nil {
		t.Fatalf("update: %v", err)
	}
	if lvl, _ := perms.Level(ctx, s, guest); lvl != AccessFull {
		t.Fatalf("expected new root group to have full access, got %s", lvl)
	}
	if all, _ := perms.All(ctx, s); len(all) != 1 {
		t.Fatalf("expected explicit row of the new root group to be dropped, got %+v", all)
	}
}

func TestForcedDeleteRolledBack(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	head := mustUser(t, s, "head")
	g := mustGroup(t, s, "Lab", head)
	rollback := errors.New("rollback")

	err := s.RunInTransaction(ctx, func(tx *entity.Session) error {
		if err := head.Delete(ctx, tx, true); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		t.Fatalf("expected the rollback error, got %v", err)
	}
	if head.State() == domain.StateDeleted {
		t.Fatal("expected the user to stay loaded after a rollback")
	}
	if n, err := NewGroupSet(s).Len(ctx); err != nil || n != 1 {
		t.Fatalf("expected the governed group to survive, got %d (%v)", n, err)
	}

	if err := head.Delete(ctx, s, true); err != nil {
		t.Fatalf("delete after rollback: %v", err)
	}
	if head.State() != domain.StateDeleted {
		t.Fatalf("expected the user to be deleted, got %s", head.State())
	}
	if _, err := NewGroupSet(s).Get(ctx, g.ID()); err == nil {
		t.Fatal("expected the governed group to be removed")
	}
}

func TestDeleteConstraints(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	head := mustUser(t, s, "head")
	g := mustGroup(t, s, "Lab", head)
	p := NewProject("lab", "Lab project", g)
	if err := p.Create(ctx, s); err != nil {
		t.Fatalf("create project: %v", err)
	}

	var govErr domain.GroupGovernorConstraintError
	if err := head.Delete(ctx, s, false); !errors.As(err, &govErr) {
		t.Fatalf("expected governor constraint, got %v", err)
	}
	var rootErr domain.ProjectRootGroupConstraintError
	if err := g.Delete(ctx, s, false); !errors.As(err, &rootErr) {
		t.Fatalf("expected root group constraint, got %v", err)
	}
	if head.State() == domain.StateDeleted || g.State() == domain.StateDeleted {
		t.Fatal("refused deletes must not change state")
	}
	if err := head.Delete(ctx, s, true); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	for name, set := range map[string]func() (int, error){
		"users":    func() (int, error) { return NewUserSet(s).Len(ctx) },
		"groups":   func() (int, error) { return NewGroupSet(s).Len(ctx) },
		"projects": func() (int, error) { return NewProjectSet(s).Len(ctx) },
	} {
		if n, err := set(); err != nil || n != 0 {
			t.Fatalf("expected cascade to remove all %s, got %d (%v)", name, n, err)
		}
	}
	var op domain.OperationNotPermittedError
	if err := head.Delete(ctx, s, true); !errors.As(err, &op) {
		t.Fatalf("expected double delete to be refused, got %v", err)
	}
}

func TestProjectAvatar(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	g := mustGroup(t, s, "Lab", mustUser(t, s, "head"))
	p := NewProject("lab", "Lab project", g)
	if err := p.Create(ctx, s); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := p.AttachAvatar(ctx, s, "logo.png", strings.NewReader("png")); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if p.Avatar() != "project_1_avatar.png" {
		t.Fatalf("expected deterministic avatar key, got %s", p.Avatar())
	}
	loaded, err := NewProjectSet(s).Get(ctx, "lab")
	if err != nil || loaded.Avatar() != p.Avatar() {
		t.Fatalf("expected stored avatar, got %+v (%v)", loaded, err)
	}
	if err := loaded.DetachAvatar(ctx, s); err != nil || loaded.Avatar() != "" {
		t.Fatalf("detach: %v", err)
	}
}
