// Package modules keeps the module and entry-point graph: a static catalog
// of module classes, one in-process singleton per class, and the storage
// operations that install, enable, disable and delete them.
package modules

import (
	"fmt"
	"sync"
)

// EntryPointType tells how many modules of an entry point may be enabled.
type EntryPointType string

// Entry point types.
const (
	// List allows any number of enabled modules.
	List EntryPointType = "lst"
	// Select allows at most one enabled module.
	Select EntryPointType = "sel"
)

// Valid reports whether t is a known type.
func (t EntryPointType) Valid() bool { return t == List || t == Select }

// Environment carries deployment switches consulted when a module is
// enabled.
type Environment struct {
	EmailSupport bool
}

// EntryPointClass declares an attachment site of a module.
type EntryPointClass struct {
	Class string
	Alias string
	Name  string
	Type  EntryPointType
	// MinEnabled is the number of modules that must stay enabled.
	MinEnabled int
}

// ModuleClass declares a module.
type ModuleClass struct {
	AppClass      string
	Alias         string
	Name          string
	HTMLCode      string
	IsApplication bool
	// Parent is the entry point class the module attaches to. Empty for the
	// root module.
	Parent          string
	EntryPoints     []EntryPointClass
	DefaultEnabled  bool
	DefaultSettings map[string]any
	// Enableable may veto a change of is_enabled. It returns field reasons.
	Enableable func(env Environment, enable bool) map[string][]string
}

// Catalog is the static table of known module classes, in registration
// order.
type Catalog struct {
	mu      sync.RWMutex
	order   []string
	classes map[string]ModuleClass
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{classes: make(map[string]ModuleClass)}
}

// Register adds a class. Registering the same app class twice is an error.
func (c *Catalog) Register(class ModuleClass) error {
	if class.AppClass == "" {
		return fmt.Errorf("module class without app class")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.classes[class.AppClass]; ok {
		return fmt.Errorf("module class %s already registered", class.AppClass)
	}
	c.classes[class.AppClass] = class
	c.order = append(c.order, class.AppClass)
	return nil
}

// MustRegister is Register for package initialization.
func (c *Catalog) MustRegister(classes ...ModuleClass) *Catalog {
	for _, class := range classes {
		if err := c.Register(class); err != nil {
			panic(err)
		}
	}
	return c
}

// Class returns the class registered under appClass.
func (c *Catalog) Class(appClass string) (ModuleClass, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	class, ok := c.classes[appClass]
	return class, ok
}

// Classes returns every class in registration order.
func (c *Catalog) Classes() []ModuleClass {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModuleClass, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.classes[name])
	}
	return out
}

// Entry point and module classes of the production tree.
const (
	RootClass             = "core"
	AuthorizationsClass   = "core.authorizations"
	SynchronizationsClass = "core.synchronizations"
	ProjectsClass         = "core.projects"

	StandardAuthClass     = "core.authorizations.standard"
	PasswordRecoveryClass = "core.authorizations.password_recovery"
	CookieAuthClass       = "core.authorizations.cookie"
	GoogleAuthClass       = "core.authorizations.google"
	IhnaSyncClass         = "core.synchronizations.ihna_employees"
	LabjournalClass       = "core.projects.labjournal"
)

func requireEmail(env Environment, enable bool) map[string][]string {
	if enable && !env.EmailSupport {
		return map[string][]string{"is_enabled": {"email support is required to enable password recovery"}}
	}
	return nil
}

// DefaultCatalog returns the production module tree.
func DefaultCatalog() *Catalog {
	return NewCatalog().MustRegister(
		ModuleClass{
			AppClass: RootClass,
			Alias:    "core",
			Name:     "Core functionality",
			HTMLCode: "<core-settings></core-settings>",
			EntryPoints: []EntryPointClass{
				{Class: AuthorizationsClass, Alias: "authorizations", Name: "Authorization methods", Type: List, MinEnabled: 1},
				{Class: SynchronizationsClass, Alias: "synchronizations", Name: "Account synchronization", Type: Select},
				{Class: ProjectsClass, Alias: "projects", Name: "Project applications", Type: List},
			},
			DefaultEnabled: true,
		},
		ModuleClass{
			AppClass:       StandardAuthClass,
			Alias:          "standard",
			Name:           "Password authorization",
			HTMLCode:       "<standard-authorization></standard-authorization>",
			Parent:         AuthorizationsClass,
			DefaultEnabled: true,
			DefaultSettings: map[string]any{
				"password_recovery_route": "/password-recovery/",
			},
		},
		ModuleClass{
			AppClass:        PasswordRecoveryClass,
			Alias:           "password_recovery",
			Name:            "Password recovery",
			HTMLCode:        "<password-recovery></password-recovery>",
			Parent:          AuthorizationsClass,
			DefaultEnabled:  false,
			DefaultSettings: map[string]any{"password_symbols": 12},
			Enableable:      requireEmail,
		},
		ModuleClass{
			AppClass:       CookieAuthClass,
			Alias:          "cookie",
			Name:           "Cookie authorization",
			Parent:         AuthorizationsClass,
			DefaultEnabled: true,
			HTMLCode:       "<cookie-authorization></cookie-authorization>",
		},
		ModuleClass{
			AppClass:        GoogleAuthClass,
			Alias:           "google",
			Name:            "Google",
			HTMLCode:        "<google-authorization></google-authorization>",
			Parent:          AuthorizationsClass,
			DefaultEnabled:  false,
			DefaultSettings: map[string]any{"client_id": "", "client_secret": ""},
		},
		ModuleClass{
			AppClass:       IhnaSyncClass,
			Alias:          "ihna",
			Name:           "IHNA employees",
			HTMLCode:       "<ihna-synchronization></ihna-synchronization>",
			Parent:         SynchronizationsClass,
			DefaultEnabled: true,
		},
		ModuleClass{
			AppClass:       LabjournalClass,
			Alias:          "labjournal",
			Name:           "Laboratory journal",
			IsApplication:  true,
			Parent:         ProjectsClass,
			DefaultEnabled: true,
		},
	)
}
