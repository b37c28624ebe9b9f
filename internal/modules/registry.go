package modules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"corefacility/internal/entity"
	"corefacility/pkg/domain"
)

// Registry owns the module and entry point singletons. Storage mutations
// run under the registry write lock, which serializes install, delete and
// enable changes within the process.
type Registry struct {
	mu          sync.RWMutex
	catalog     *Catalog
	env         Environment
	logger      *zap.Logger
	root        *Module
	order       []*Module
	modules     map[string]*Module
	entryPoints map[string]*EntryPoint
}

// Option configures a Registry.
type Option func(*Registry)

// WithEnvironment sets the switches consulted by enable checks.
func WithEnvironment(env Environment) Option {
	return func(r *Registry) { r.env = env }
}

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry builds one singleton per catalog class and links the graph.
// Every class is FOUND until Autoload runs.
func NewRegistry(catalog *Catalog, opts ...Option) (*Registry, error) {
	r := &Registry{
		catalog:     catalog,
		logger:      zap.NewNop(),
		modules:     make(map[string]*Module),
		entryPoints: make(map[string]*EntryPoint),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, class := range catalog.Classes() {
		m := newModule(&r.mu, class)
		r.modules[class.AppClass] = m
		r.order = append(r.order, m)
		for _, epc := range class.EntryPoints {
			if _, dup := r.entryPoints[epc.Class]; dup {
				return nil, domain.ModuleDamagedError{AppClass: class.AppClass, Reason: "entry point " + epc.Class + " declared twice"}
			}
			ep := &EntryPoint{mu: &r.mu, class: epc, module: m}
			m.entryPoints = append(m.entryPoints, ep)
			r.entryPoints[epc.Class] = ep
		}
		if class.Parent == "" {
			if r.root != nil {
				return nil, domain.ModuleDamagedError{AppClass: class.AppClass, Reason: "a second root module"}
			}
			r.root = m
		}
	}
	if r.root == nil {
		return nil, domain.ModuleDamagedError{AppClass: "", Reason: "the catalog has no root module"}
	}
	for _, m := range r.order {
		if m.class.Parent == "" {
			continue
		}
		ep, ok := r.entryPoints[m.class.Parent]
		if !ok {
			return nil, domain.ModuleDamagedError{AppClass: m.class.AppClass, Reason: "unknown parent entry point " + m.class.Parent}
		}
		m.parentEntryPoint = ep
		ep.modules = append(ep.modules, m)
	}
	return r, nil
}

// Environment returns the configured switches.
func (r *Registry) Environment() Environment { return r.env }

// Root returns the root module.
func (r *Registry) Root() *Module { return r.root }

// Module returns the singleton of appClass.
func (r *Registry) Module(appClass string) (*Module, error) {
	m, ok := r.modules[appClass]
	if !ok {
		return nil, domain.NotFoundError{Entity: domain.EntityModule, Key: appClass}
	}
	return m, nil
}

// EntryPoint returns the singleton of an entry point class.
func (r *Registry) EntryPoint(class string) (*EntryPoint, error) {
	ep, ok := r.entryPoints[class]
	if !ok {
		return nil, domain.NotFoundError{Entity: domain.EntityEntryPoint, Key: class}
	}
	return ep, nil
}

// Modules returns every singleton in catalog order.
func (r *Registry) Modules() []*Module {
	return append([]*Module(nil), r.order...)
}

type moduleRow struct {
	UUID               string         `db:"uuid"`
	ParentEntryPointID sql.NullInt64  `db:"parent_entry_point_id"`
	Alias              string         `db:"alias"`
	Name               string         `db:"name"`
	HTMLCode           sql.NullString `db:"html_code"`
	AppClass           string         `db:"app_class"`
	UserSettings       string         `db:"user_settings"`
	IsApplication      bool           `db:"is_application"`
	IsEnabled          bool           `db:"is_enabled"`
}

type entryPointRow struct {
	ID              int64  `db:"id"`
	Alias           string `db:"alias"`
	Name            string `db:"name"`
	Type            string `db:"type"`
	EntryPointClass string `db:"entry_point_class"`
	BelongingModule string `db:"belonging_module_uuid"`
}

const moduleColumns = "uuid, parent_entry_point_id, alias, name, html_code, app_class, user_settings, is_application, is_enabled"

// Autoload refreshes every singleton from storage, walking the graph
// breadth-first from the root. Classes without a stored row become
// UNINSTALLED together with their descendants.
func (r *Registry) Autoload(ctx context.Context, s *entity.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rows []moduleRow
	if err := s.Select(ctx, &rows, "SELECT "+moduleColumns+" FROM core_module"); err != nil {
		return domain.AutoloadError{AppClass: r.root.class.AppClass, Err: err}
	}
	var epRows []entryPointRow
	if err := s.Select(ctx, &epRows, "SELECT id, alias, name, type, entry_point_class, belonging_module_uuid FROM core_entry_point"); err != nil {
		return domain.AutoloadError{AppClass: r.root.class.AppClass, Err: err}
	}
	byClass := make(map[string]moduleRow, len(rows))
	for _, row := range rows {
		if _, known := r.modules[row.AppClass]; !known {
			r.logger.Warn("stored module has no registered class", zap.String("app_class", row.AppClass), zap.String("uuid", row.UUID))
			continue
		}
		byClass[row.AppClass] = row
	}
	epByClass := make(map[string]entryPointRow, len(epRows))
	for _, row := range epRows {
		epByClass[row.EntryPointClass] = row
	}

	queue := []*Module{r.root}
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		row, found := byClass[m.class.AppClass]
		parentLoaded := m.parentEntryPoint == nil || m.parentEntryPoint.state == StateLoaded
		if !found || !parentLoaded {
			r.markUninstalled(m)
			continue
		}
		if err := m.load(row); err != nil {
			return domain.AutoloadError{AppClass: m.class.AppClass, Err: err}
		}
		if ep := m.parentEntryPoint; ep != nil && (!row.ParentEntryPointID.Valid || row.ParentEntryPointID.Int64 != ep.id) {
			return domain.ModuleDamagedError{AppClass: m.class.AppClass, Reason: "stored parent entry point does not match the declared one"}
		}
		for _, ep := range m.entryPoints {
			epRow, ok := epByClass[ep.class.Class]
			if !ok || epRow.BelongingModule != row.UUID {
				ep.state = StateUninstalled
				ep.id = 0
			} else {
				ep.state = StateLoaded
				ep.id = epRow.ID
			}
			queue = append(queue, ep.modules...)
		}
	}
	r.logger.Debug("modules autoloaded", zap.Int("stored", len(byClass)))
	return nil
}

func (m *Module) load(row moduleRow) error {
	id, err := uuid.Parse(row.UUID)
	if err != nil {
		return fmt.Errorf("parse module uuid: %w", err)
	}
	settings := map[string]any{}
	if row.UserSettings != "" {
		if err := json.Unmarshal([]byte(row.UserSettings), &settings); err != nil {
			return fmt.Errorf("decode user settings: %w", err)
		}
	}
	m.state = StateLoaded
	m.uuid = id
	m.alias = row.Alias
	m.name = row.Name
	m.htmlCode = row.HTMLCode.String
	m.isApplication = row.IsApplication
	m.isEnabled = row.IsEnabled
	m.userSettings = settings
	return nil
}

// markUninstalled resets m and its subtree to UNINSTALLED.
func (r *Registry) markUninstalled(m *Module) {
	m.reset()
	m.state = StateUninstalled
	for _, ep := range m.entryPoints {
		ep.state = StateUninstalled
		ep.id = 0
		for _, child := range ep.modules {
			r.markUninstalled(child)
		}
	}
}

// SetUserSettings stores settings as the module's user settings.
func (r *Registry) SetUserSettings(ctx context.Context, s *entity.Session, m *Module, settings map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.state != StateLoaded {
		return domain.OperationNotPermittedError{Entity: domain.EntityModule, Operation: "set user settings", Reason: "module is " + m.state.String()}
	}
	if settings == nil {
		settings = map[string]any{}
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return domain.Invalid(domain.EntityModule, "user_settings", err.Error())
	}
	if _, err := s.Exec(ctx, "UPDATE core_module SET user_settings = ? WHERE uuid = ?", string(data), m.uuid.String()); err != nil {
		return fmt.Errorf("store user settings of %s: %w", m.class.AppClass, err)
	}
	// Mirror the stored JSON: numbers come back as float64.
	var stored map[string]any
	_ = json.Unmarshal(data, &stored)
	m.userSettings = stored
	return nil
}

// GetUserSettings returns the module's user settings.
func (r *Registry) GetUserSettings(m *Module) map[string]any {
	return m.UserSettings()
}
