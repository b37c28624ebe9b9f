package modules

import (
	"maps"
	"sync"

	"github.com/google/uuid"
)

// State is the lifecycle state of a module or entry point singleton.
type State int

// Singleton states. A class starts FOUND, autoload moves it to UNINSTALLED
// or LOADED, install moves UNINSTALLED to LOADED and delete moves it back to
// UNINSTALLED.
const (
	StateFound State = iota
	StateUninstalled
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateFound:
		return "found"
	case StateUninstalled:
		return "uninstalled"
	case StateLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Module is the singleton of one module class.
type Module struct {
	mu    *sync.RWMutex
	class ModuleClass

	state            State
	uuid             uuid.UUID
	alias            string
	name             string
	htmlCode         string
	isApplication    bool
	isEnabled        bool
	userSettings     map[string]any
	parentEntryPoint *EntryPoint
	entryPoints      []*EntryPoint
}

func newModule(mu *sync.RWMutex, class ModuleClass) *Module {
	m := &Module{mu: mu, class: class}
	m.reset()
	return m
}

// reset restores the declared attributes and forgets storage state.
func (m *Module) reset() {
	m.state = StateFound
	m.uuid = uuid.Nil
	m.alias = m.class.Alias
	m.name = m.class.Name
	m.htmlCode = m.class.HTMLCode
	m.isApplication = m.class.IsApplication
	m.isEnabled = m.class.DefaultEnabled
	m.userSettings = maps.Clone(m.class.DefaultSettings)
	if m.userSettings == nil {
		m.userSettings = map[string]any{}
	}
}

func (m *Module) AppClass() string   { return m.class.AppClass }
func (m *Module) Class() ModuleClass { return m.class }

func (m *Module) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Module) UUID() uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uuid
}

func (m *Module) Alias() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alias
}

func (m *Module) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

func (m *Module) HTMLCode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.htmlCode
}

func (m *Module) IsApplication() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isApplication
}

func (m *Module) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isEnabled
}

// IsRoot reports whether m is the root of the module tree.
func (m *Module) IsRoot() bool { return m.class.Parent == "" }

// ParentEntryPoint returns the entry point m is attached to, nil for root.
func (m *Module) ParentEntryPoint() *EntryPoint { return m.parentEntryPoint }

// EntryPoints returns the entry points m declares.
func (m *Module) EntryPoints() []*EntryPoint {
	return append([]*EntryPoint(nil), m.entryPoints...)
}

// EntryPoint returns the entry point of m with the given alias.
func (m *Module) EntryPoint(alias string) (*EntryPoint, bool) {
	for _, ep := range m.entryPoints {
		if ep.class.Alias == alias {
			return ep, true
		}
	}
	return nil, false
}

// UserSettings returns a copy of the stored settings.
func (m *Module) UserSettings() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.userSettings)
}

// EntryPoint is the singleton of one entry point class.
type EntryPoint struct {
	mu     *sync.RWMutex
	class  EntryPointClass
	state  State
	id     int64
	module *Module
	// modules lists the attached module classes in catalog order.
	modules []*Module
}

func (ep *EntryPoint) Class() string            { return ep.class.Class }
func (ep *EntryPoint) Alias() string            { return ep.class.Alias }
func (ep *EntryPoint) Name() string             { return ep.class.Name }
func (ep *EntryPoint) Type() EntryPointType     { return ep.class.Type }
func (ep *EntryPoint) BelongingModule() *Module { return ep.module }

func (ep *EntryPoint) State() State {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.state
}

func (ep *EntryPoint) ID() int64 {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.id
}

// Modules lists the loaded modules attached to ep in catalog order. With
// enabledOnly only enabled ones are returned.
func (ep *EntryPoint) Modules(enabledOnly bool) []*Module {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	var out []*Module
	for _, m := range ep.modules {
		if m.state != StateLoaded || (enabledOnly && !m.isEnabled) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Module returns the loaded module attached to ep under alias.
func (ep *EntryPoint) Module(alias string) (*Module, bool) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, m := range ep.modules {
		if m.state == StateLoaded && m.alias == alias {
			return m, true
		}
	}
	return nil, false
}
