package modules

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"corefacility/internal/entity"
	"corefacility/internal/infra/persistence"
	"corefacility/pkg/domain"
)

func openSession(t *testing.T) *entity.Session {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.Open(ctx, persistence.Config{Dialect: "sqlite", DSN: filepath.Join(t.TempDir(), "modules.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return entity.NewSession(db)
}

func newLoadedRegistry(t *testing.T, s *entity.Session, catalog *Catalog, opts ...Option) *Registry {
	t.Helper()
	r, err := NewRegistry(catalog, opts...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if err := r.Autoload(context.Background(), s); err != nil {
		t.Fatalf("autoload: %v", err)
	}
	return r
}

func testCatalog() *Catalog {
	return NewCatalog().MustRegister(
		ModuleClass{
			AppClass: "test",
			Alias:    "test",
			Name:     "Test root",
			EntryPoints: []EntryPointClass{
				{Class: "test.drivers", Alias: "drivers", Name: "Drivers", Type: Select},
				{Class: "test.plugins", Alias: "plugins", Name: "Plugins", Type: List},
			},
			DefaultEnabled: true,
		},
		ModuleClass{AppClass: "test.drivers.a", Alias: "a", Name: "Driver A", Parent: "test.drivers", DefaultEnabled: true},
		ModuleClass{AppClass: "test.drivers.b", Alias: "b", Name: "Driver B", Parent: "test.drivers"},
		ModuleClass{
			AppClass:       "test.plugins.host",
			Alias:          "host",
			Name:           "Host",
			Parent:         "test.plugins",
			DefaultEnabled: true,
			EntryPoints:    []EntryPointClass{{Class: "test.plugins.host.addons", Alias: "addons", Name: "Add-ons", Type: List}},
		},
		ModuleClass{AppClass: "test.plugins.host.addon", Alias: "addon", Name: "Add-on", Parent: "test.plugins.host.addons", IsApplication: true, DefaultEnabled: true},
		ModuleClass{AppClass: "test.plugins.bad", Alias: "bad.alias", Name: "Bad", Parent: "test.plugins"},
	)
}

func TestSingletonsAndAutoload(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	r, err := NewRegistry(DefaultCatalog())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	first, _ := r.Module(StandardAuthClass)
	second, _ := r.Module(StandardAuthClass)
	if first != second {
		t.Fatal("expected a single instance per module class")
	}
	if first.State() != StateFound {
		t.Fatalf("expected found before autoload, got %s", first.State())
	}
	if _, err := r.Module("core.unknown"); err == nil {
		t.Fatal("expected unknown class lookup to fail")
	}
	if err := r.Autoload(ctx, s); err != nil {
		t.Fatalf("autoload: %v", err)
	}
	if r.Root().State() != StateUninstalled || first.State() != StateUninstalled {
		t.Fatal("expected empty storage to leave every module uninstalled")
	}
	installed, err := r.InstallAll(ctx, s)
	if err != nil {
		t.Fatalf("install all: %v", err)
	}
	if len(installed) != len(r.Modules()) || installed[0] != RootClass {
		t.Fatalf("expected every module installed root first, got %v", installed)
	}

	restarted := newLoadedRegistry(t, s, DefaultCatalog())
	for _, m := range r.Modules() {
		again, _ := restarted.Module(m.AppClass())
		if again.State() != StateLoaded || again.UUID() != m.UUID() || again.IsEnabled() != m.IsEnabled() {
			t.Fatalf("expected %s to reload with the same identity", m.AppClass())
		}
	}
	auth, _ := restarted.EntryPoint(AuthorizationsClass)
	names := []string{}
	for _, m := range auth.Modules(true) {
		names = append(names, m.Alias())
	}
	if len(names) != 2 || names[0] != "standard" || names[1] != "cookie" {
		t.Fatalf("expected enabled authorization modules in catalog order, got %v", names)
	}
	if m, ok := auth.Module("google"); !ok || m.IsEnabled() {
		t.Fatal("expected google module installed and disabled")
	}
}

func TestInstallRules(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	r := newLoadedRegistry(t, s, testCatalog())

	var ie domain.InstallationError
	if err := r.Install(ctx, s, "test.drivers.a"); !errors.As(err, &ie) {
		t.Fatalf("expected child install before parent to fail, got %v", err)
	}
	if err := r.Install(ctx, s, "test"); err != nil {
		t.Fatalf("install root: %v", err)
	}
	if err := r.Install(ctx, s, "test"); !errors.As(err, &ie) {
		t.Fatalf("expected second install to fail, got %v", err)
	}
	var fe domain.FieldError
	if err := r.Install(ctx, s, "test.plugins.bad"); !errors.As(err, &fe) || fe.Field != "alias" {
		t.Fatalf("expected alias validation failure, got %v", err)
	}
	bad, _ := r.Module("test.plugins.bad")
	if bad.State() != StateUninstalled {
		t.Fatalf("failed install must leave the module uninstalled, got %s", bad.State())
	}
	ep, _ := r.EntryPoint("test.drivers")
	if ep.State() != StateLoaded || ep.ID() == 0 {
		t.Fatal("expected root entry points to be installed with the root")
	}
}

func TestInstallRollsBackPartialWrites(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	r := newLoadedRegistry(t, s, testCatalog())
	if err := r.Install(ctx, s, "test"); err != nil {
		t.Fatalf("install root: %v", err)
	}
	if err := r.Install(ctx, s, "test.plugins.host"); err != nil {
		t.Fatalf("install host: %v", err)
	}
	host, _ := r.Module("test.plugins.host")
	if err := r.Delete(ctx, s, host); err != nil {
		t.Fatalf("delete host: %v", err)
	}
	// Occupy the entry point class so that the second insert of the
	// reinstall fails after the module row was written.
	if _, err := s.Exec(ctx, "INSERT INTO core_module (uuid, alias, name, app_class, user_settings, is_application, is_enabled) VALUES (?, ?, ?, ?, ?, ?, ?)",
		"00000000-0000-0000-0000-000000000001", "other", "Other", "other.module", "{}", false, true); err != nil {
		t.Fatalf("seed module: %v", err)
	}
	if _, err := s.Exec(ctx, "INSERT INTO core_entry_point (alias, name, type, entry_point_class, belonging_module_uuid) VALUES (?, ?, ?, ?, ?)",
		"addons", "Add-ons", "lst", "test.plugins.host.addons", "00000000-0000-0000-0000-000000000001"); err != nil {
		t.Fatalf("seed entry point: %v", err)
	}
	if err := r.Install(ctx, s, "test.plugins.host"); err == nil {
		t.Fatal("expected install to fail on the occupied entry point class")
	}
	var n int
	if err := s.Get(ctx, &n, "SELECT COUNT(*) FROM core_module WHERE app_class = ?", "test.plugins.host"); err != nil || n != 0 {
		t.Fatalf("expected no orphan module row, got %d (%v)", n, err)
	}
	if host.State() != StateUninstalled {
		t.Fatalf("expected host to stay uninstalled, got %s", host.State())
	}
}

func TestAuthorizationModulesKeepOneEnabled(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	r := newLoadedRegistry(t, s, DefaultCatalog())
	if _, err := r.InstallAll(ctx, s); err != nil {
		t.Fatalf("install all: %v", err)
	}
	standard, _ := r.Module(StandardAuthClass)
	cookie, _ := r.Module(CookieAuthClass)
	if err := r.SetEnabled(ctx, s, standard, false); err != nil {
		t.Fatalf("disable standard: %v", err)
	}
	err := r.SetEnabled(ctx, s, cookie, false)
	var ve domain.ValidationError
	if !errors.As(err, &ve) || len(ve.Fields["is_enabled"]) != 1 {
		t.Fatalf("expected validation error on is_enabled, got %v", err)
	}
	if !cookie.IsEnabled() {
		t.Fatal("rejected change must leave the module enabled")
	}
	if err := r.SetEnabled(ctx, s, r.Root(), false); !errors.As(err, &ve) {
		t.Fatalf("expected root disable to be rejected, got %v", err)
	}

	recovery, _ := r.Module(PasswordRecoveryClass)
	if err := r.SetEnabled(ctx, s, recovery, true); !errors.As(err, &ve) {
		t.Fatalf("expected password recovery to require email support, got %v", err)
	}
	withEmail := newLoadedRegistry(t, s, DefaultCatalog(), WithEnvironment(Environment{EmailSupport: true}))
	recovery, _ = withEmail.Module(PasswordRecoveryClass)
	if reasons := withEmail.IsEnableable(recovery, true); reasons != nil {
		t.Fatalf("expected no reasons with email support, got %v", reasons)
	}
	if err := withEmail.SetEnabled(ctx, s, recovery, true); err != nil {
		t.Fatalf("enable password recovery: %v", err)
	}
}

func TestSelectEntryPointIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	r := newLoadedRegistry(t, s, testCatalog())
	for _, class := range []string{"test", "test.drivers.a", "test.drivers.b"} {
		if err := r.Install(ctx, s, class); err != nil {
			t.Fatalf("install %s: %v", class, err)
		}
	}
	a, _ := r.Module("test.drivers.a")
	b, _ := r.Module("test.drivers.b")
	if !a.IsEnabled() || b.IsEnabled() {
		t.Fatal("expected only driver A enabled after install")
	}
	if err := r.SetEnabled(ctx, s, b, true); err != nil {
		t.Fatalf("enable b: %v", err)
	}
	if a.IsEnabled() || !b.IsEnabled() {
		t.Fatal("expected enabling B to disable A")
	}
	reloaded := newLoadedRegistry(t, s, testCatalog())
	ra, _ := reloaded.Module("test.drivers.a")
	rb, _ := reloaded.Module("test.drivers.b")
	if ra.IsEnabled() || !rb.IsEnabled() {
		t.Fatal("expected the exclusive switch to be stored")
	}
}

func TestDeleteRules(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	r := newLoadedRegistry(t, s, testCatalog())
	for _, class := range []string{"test", "test.plugins.host", "test.plugins.host.addon"} {
		if err := r.Install(ctx, s, class); err != nil {
			t.Fatalf("install %s: %v", class, err)
		}
	}
	var rootErr domain.RootModuleDeleteError
	if err := r.Delete(ctx, s, r.Root()); !errors.As(err, &rootErr) {
		t.Fatalf("expected root delete to be refused, got %v", err)
	}
	host, _ := r.Module("test.plugins.host")
	addon, _ := r.Module("test.plugins.host.addon")
	var constraint domain.ModuleConstraintError
	if err := r.Delete(ctx, s, host); !errors.As(err, &constraint) || constraint.Child != "test.plugins.host.addon" {
		t.Fatalf("expected module constraint, got %v", err)
	}
	oldID := addon.UUID()
	if err := r.Delete(ctx, s, addon); err != nil {
		t.Fatalf("delete addon: %v", err)
	}
	if addon.State() != StateUninstalled {
		t.Fatalf("expected deleted module to be uninstalled, got %s", addon.State())
	}
	if err := r.Install(ctx, s, "test.plugins.host.addon"); err != nil {
		t.Fatalf("reinstall addon: %v", err)
	}
	if addon.UUID() == oldID {
		t.Fatal("expected a fresh uuid on reinstall")
	}
}

func TestUserSettingsAndModuleSet(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	r := newLoadedRegistry(t, s, DefaultCatalog())
	if _, err := r.InstallAll(ctx, s); err != nil {
		t.Fatalf("install all: %v", err)
	}
	google, _ := r.Module(GoogleAuthClass)
	if err := r.SetUserSettings(ctx, s, google, map[string]any{"client_id": "abc", "timeout": 5}); err != nil {
		t.Fatalf("set settings: %v", err)
	}
	reloaded := newLoadedRegistry(t, s, DefaultCatalog())
	again, _ := reloaded.Module(GoogleAuthClass)
	settings := reloaded.GetUserSettings(again)
	if settings["client_id"] != "abc" || settings["timeout"] != float64(5) {
		t.Fatalf("unexpected stored settings %v", settings)
	}

	active, err := s.Insert(ctx, "core_user", map[string]any{"login": "ivanov"}, "id")
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	locked, err := s.Insert(ctx, "core_user", map[string]any{"login": "petrov", "is_locked": true}, "id")
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	set := r.ModuleSet(s)
	if err := set.Filter("user", active); err != nil {
		t.Fatalf("user filter: %v", err)
	}
	if v, ok := set.FilterValue("is_application"); !ok || v != true {
		t.Fatal("expected user filter to imply is_application")
	}
	apps, err := set.All(ctx)
	if err != nil || len(apps) != 1 || apps[0].AppClass() != LabjournalClass {
		t.Fatalf("expected the labjournal application, got %v (%v)", apps, err)
	}
	for _, id := range []int64{locked, 999} {
		n, err := r.ModuleSet(s).MustFilter("user", id).Len(ctx)
		if err != nil || n != 0 {
			t.Fatalf("expected no applications for user %d, got %d (%v)", id, n, err)
		}
	}
	var notFound domain.NotFoundError
	if _, err := r.ModuleSet(s).Get(ctx, int64(1)); !errors.As(err, &notFound) {
		t.Fatalf("expected integer lookups to miss, got %v", err)
	}
	byClass, err := r.ModuleSet(s).Get(ctx, StandardAuthClass)
	if err != nil || byClass != r.modules[StandardAuthClass] {
		t.Fatalf("expected lookup to return the singleton, got %v (%v)", byClass, err)
	}
	auth, _ := r.EntryPoint(AuthorizationsClass)
	n, err := r.ModuleSet(s).MustFilter("entry_point", auth.ID()).Len(ctx)
	if err != nil || n != 4 {
		t.Fatalf("expected four authorization modules, got %d (%v)", n, err)
	}
}
