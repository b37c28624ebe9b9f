package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"corefacility/internal/entity"
	"corefacility/pkg/domain"
)

const (
	maxModuleAliasLength = 64
	maxModuleNameLength  = 128
)

// Install stores an UNINSTALLED module together with its entry points. The
// parent entry point must already be installed. A failure leaves neither
// storage rows nor in-memory changes behind.
func (r *Registry) Install(ctx context.Context, s *entity.Session, appClass string) error {
	m, err := r.Module(appClass)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.install(ctx, s, m)
}

// InstallAll installs every UNINSTALLED module whose parent is installed,
// breadth-first from the root. It returns the installed app classes.
func (r *Registry) InstallAll(ctx context.Context, s *entity.Session) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var installed []string
	queue := []*Module{r.root}
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		if m.state == StateUninstalled {
			if err := r.install(ctx, s, m); err != nil {
				return installed, err
			}
			installed = append(installed, m.class.AppClass)
		}
		if m.state != StateLoaded {
			continue
		}
		for _, ep := range m.entryPoints {
			queue = append(queue, ep.modules...)
		}
	}
	return installed, nil
}

func (r *Registry) install(ctx context.Context, s *entity.Session, m *Module) error {
	fail := func(reason string, err error) error {
		return domain.InstallationError{AppClass: m.class.AppClass, Reason: reason, Err: err}
	}
	if m.state != StateUninstalled {
		return fail("module is "+m.state.String(), nil)
	}
	ep := m.parentEntryPoint
	if ep != nil && ep.state != StateLoaded {
		return fail("parent entry point "+ep.class.Class+" is not installed", nil)
	}
	if err := validateModule(m.class); err != nil {
		return fail("invalid module", err)
	}
	if err := validateEntryPoints(m.class); err != nil {
		return fail("invalid entry point", err)
	}

	var parentID any
	var taken int
	var err error
	if ep != nil {
		parentID = ep.id
		err = s.Get(ctx, &taken, "SELECT COUNT(*) FROM core_module WHERE parent_entry_point_id = ? AND alias = ?", ep.id, m.class.Alias)
	} else {
		err = s.Get(ctx, &taken, "SELECT COUNT(*) FROM core_module WHERE parent_entry_point_id IS NULL AND alias = ?", m.class.Alias)
	}
	if err != nil {
		return fail("check alias", err)
	}
	if taken > 0 {
		return fail("alias is taken", domain.DuplicatedError{Entity: domain.EntityModule, Fields: []string{"alias"}})
	}

	settings := maps.Clone(m.class.DefaultSettings)
	if settings == nil {
		settings = map[string]any{}
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return fail("encode user settings", err)
	}
	id := uuid.New()
	epIDs := make([]int64, len(m.entryPoints))
	err = s.RunInTransaction(ctx, func(tx *entity.Session) error {
		_, err := tx.Insert(ctx, "core_module", map[string]any{
			"uuid":                  id.String(),
			"parent_entry_point_id": parentID,
			"alias":                 m.class.Alias,
			"name":                  m.class.Name,
			"html_code":             nullable(m.class.HTMLCode),
			"app_class":             m.class.AppClass,
			"user_settings":         string(data),
			"is_application":        m.class.IsApplication,
			"is_enabled":            m.class.DefaultEnabled,
		}, "")
		if err != nil {
			return fmt.Errorf("insert module: %w", err)
		}
		for i, child := range m.entryPoints {
			epID, err := tx.Insert(ctx, "core_entry_point", map[string]any{
				"alias":                 child.class.Alias,
				"name":                  child.class.Name,
				"type":                  string(child.class.Type),
				"entry_point_class":     child.class.Class,
				"belonging_module_uuid": id.String(),
			}, "id")
			if err != nil {
				return fmt.Errorf("insert entry point %s: %w", child.class.Class, err)
			}
			epIDs[i] = epID
		}
		return nil
	})
	if err != nil {
		if s.IsUniqueViolation(err) {
			return fail("duplicated storage row", domain.DuplicatedError{Entity: domain.EntityModule})
		}
		return fail("store module", err)
	}

	m.reset()
	m.state = StateLoaded
	m.uuid = id
	m.userSettings = settings
	for i, child := range m.entryPoints {
		child.state = StateLoaded
		child.id = epIDs[i]
	}
	r.logger.Info("module installed", zap.String("app_class", m.class.AppClass), zap.String("uuid", id.String()))
	return nil
}

func validateModule(class ModuleClass) error {
	if err := domain.ValidateSlug(domain.EntityModule, "alias", class.Alias, maxModuleAliasLength); err != nil {
		return err
	}
	if err := domain.ValidateName(domain.EntityModule, "name", class.Name, maxModuleNameLength); err != nil {
		return err
	}
	if class.IsApplication && class.HTMLCode != "" {
		return domain.Invalid(domain.EntityModule, "html_code", "applications carry no html code")
	}
	return nil
}

func validateEntryPoints(class ModuleClass) error {
	seen := make(map[string]struct{}, len(class.EntryPoints))
	for _, ep := range class.EntryPoints {
		if err := domain.ValidateSlug(domain.EntityEntryPoint, "alias", ep.Alias, maxModuleAliasLength); err != nil {
			return err
		}
		if err := domain.ValidateName(domain.EntityEntryPoint, "name", ep.Name, maxModuleNameLength); err != nil {
			return err
		}
		if !ep.Type.Valid() {
			return domain.Invalid(domain.EntityEntryPoint, "type", fmt.Sprintf("unknown entry point type %q", ep.Type))
		}
		if _, dup := seen[ep.Alias]; dup {
			return domain.DuplicatedError{Entity: domain.EntityEntryPoint, Fields: []string{"alias"}}
		}
		seen[ep.Alias] = struct{}{}
	}
	return nil
}

// SetEnabled enables or disables a loaded module. Enabling a module under a
// "sel" entry point disables its siblings in the same transaction.
func (r *Registry) SetEnabled(ctx context.Context, s *entity.Session, m *Module, enable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.state != StateLoaded {
		return domain.OperationNotPermittedError{Entity: domain.EntityModule, Operation: "set is_enabled", Reason: "module is " + m.state.String()}
	}
	if m.isEnabled == enable {
		return nil
	}
	if reasons := r.enableable(m, enable); len(reasons) > 0 {
		return domain.ValidationError{Fields: reasons}
	}
	ep := m.parentEntryPoint
	exclusive := enable && ep != nil && ep.class.Type == Select
	err := s.RunInTransaction(ctx, func(tx *entity.Session) error {
		if exclusive {
			if _, err := tx.Exec(ctx, "UPDATE core_module SET is_enabled = ? WHERE parent_entry_point_id = ? AND uuid <> ?", false, ep.id, m.uuid.String()); err != nil {
				return fmt.Errorf("disable siblings: %w", err)
			}
		}
		_, err := tx.Exec(ctx, "UPDATE core_module SET is_enabled = ? WHERE uuid = ?", enable, m.uuid.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("set is_enabled of %s: %w", m.class.AppClass, err)
	}
	if exclusive {
		for _, sibling := range ep.modules {
			if sibling != m && sibling.state == StateLoaded {
				sibling.isEnabled = false
			}
		}
	}
	m.isEnabled = enable
	r.logger.Info("module state changed", zap.String("app_class", m.class.AppClass), zap.Bool("enabled", enable))
	return nil
}

// IsEnableable returns the reasons that forbid setting is_enabled of m to
// enable. An empty result means the change is allowed.
func (r *Registry) IsEnableable(m *Module, enable bool) map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enableable(m, enable)
}

func (r *Registry) enableable(m *Module, enable bool) map[string][]string {
	reasons := map[string][]string{}
	if !enable && m.parentEntryPoint == nil {
		reasons["is_enabled"] = append(reasons["is_enabled"], "the root module cannot be disabled")
	}
	if ep := m.parentEntryPoint; !enable && ep != nil && ep.class.MinEnabled > 0 {
		remaining := 0
		for _, sibling := range ep.modules {
			if sibling != m && sibling.state == StateLoaded && sibling.isEnabled {
				remaining++
			}
		}
		if remaining < ep.class.MinEnabled {
			reasons["is_enabled"] = append(reasons["is_enabled"],
				fmt.Sprintf("at least %d module(s) under %s must remain enabled", ep.class.MinEnabled, ep.class.Alias))
		}
	}
	if m.class.Enableable != nil {
		for field, list := range m.class.Enableable(r.env, enable) {
			reasons[field] = append(reasons[field], list...)
		}
	}
	for field := range reasons {
		slices.Sort(reasons[field])
	}
	if len(reasons) == 0 {
		return nil
	}
	return reasons
}

// Delete removes a loaded module and its entry points from storage. The
// singleton returns to UNINSTALLED and may be installed again.
func (r *Registry) Delete(ctx context.Context, s *entity.Session, m *Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.parentEntryPoint == nil {
		return domain.RootModuleDeleteError{}
	}
	if m.state != StateLoaded {
		return domain.OperationNotPermittedError{Entity: domain.EntityModule, Operation: "delete", Reason: "module is " + m.state.String()}
	}
	for _, ep := range m.entryPoints {
		for _, child := range ep.modules {
			if child.state == StateLoaded {
				return domain.ModuleConstraintError{AppClass: m.class.AppClass, Child: child.class.AppClass}
			}
		}
	}
	err := s.RunInTransaction(ctx, func(tx *entity.Session) error {
		if _, err := tx.Exec(ctx, "DELETE FROM core_entry_point WHERE belonging_module_uuid = ?", m.uuid.String()); err != nil {
			return err
		}
		res, err := tx.Exec(ctx, "DELETE FROM core_module WHERE uuid = ?", m.uuid.String())
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return domain.NotFoundError{Entity: domain.EntityModule, Key: m.uuid.String()}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete module %s: %w", m.class.AppClass, err)
	}
	r.logger.Info("module deleted", zap.String("app_class", m.class.AppClass), zap.String("uuid", m.uuid.String()))
	r.markUninstalled(m)
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
