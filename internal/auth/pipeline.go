package auth

import (
	"net/http"

	"go.uber.org/zap"

	"corefacility/internal/core"
	"corefacility/internal/entity"
	"corefacility/internal/modules"
	"corefacility/pkg/domain"
)

// Request is an authorization attempt. Modules read the HTTP request, may
// write cookies to Writer and hand values back through Results.
type Request struct {
	*http.Request
	Writer  http.ResponseWriter
	Session *entity.Session
	Results map[string]string
}

// NewRequest wraps an HTTP exchange bound to s.
func NewRequest(w http.ResponseWriter, r *http.Request, s *entity.Session) *Request {
	return &Request{Request: r, Writer: w, Session: s, Results: make(map[string]string)}
}

// ResultPassword is the Results key of a one-time password generated while
// authorizing.
const ResultPassword = "password"

// Module is an authorization module implementation bound to a module class.
type Module interface {
	AppClass() string
}

// UIAuthorizer authorizes requests of the web interface.
type UIAuthorizer interface {
	TryUIAuthorization(req *Request) (*core.User, error)
}

// APIAuthorizer authorizes API requests.
type APIAuthorizer interface {
	TryAPIAuthorization(req *Request) (*core.User, error)
}

// AuxiliaryProcessor serves the auxiliary requests of external flows and
// returns the URL to redirect the client to.
type AuxiliaryProcessor interface {
	ProcessAuxiliaryRequest(req *Request) (string, error)
}

// Pipeline offers authorization attempts to the enabled modules under the
// authorizations entry point, in catalog order.
type Pipeline struct {
	registry *modules.Registry
	impls    map[string]Module
	logger   *zap.Logger
}

// NewPipeline binds module implementations to their registry singletons.
func NewPipeline(registry *modules.Registry, logger *zap.Logger, impls ...Module) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{registry: registry, impls: make(map[string]Module, len(impls)), logger: logger}
	for _, impl := range impls {
		p.impls[impl.AppClass()] = impl
	}
	return p
}

// Enabled returns the implementations of the enabled authorization modules.
func (p *Pipeline) Enabled() []Module {
	ep, err := p.registry.EntryPoint(modules.AuthorizationsClass)
	if err != nil {
		return nil
	}
	var out []Module
	for _, m := range ep.Modules(true) {
		if impl, ok := p.impls[m.AppClass()]; ok {
			out = append(out, impl)
		}
	}
	return out
}

// AuthorizeUI returns the first user a module recognizes, or nil.
func (p *Pipeline) AuthorizeUI(req *Request) (*core.User, error) {
	for _, impl := range p.Enabled() {
		a, ok := impl.(UIAuthorizer)
		if !ok {
			continue
		}
		u, err := a.TryUIAuthorization(req)
		if err != nil {
			p.logger.Info("ui authorization failed", zap.String("module", impl.AppClass()), zap.Error(err))
			return nil, err
		}
		if u != nil {
			return u, nil
		}
	}
	return nil, nil
}

// AuthorizeAPI returns the first user a module recognizes, or nil.
func (p *Pipeline) AuthorizeAPI(req *Request) (*core.User, error) {
	for _, impl := range p.Enabled() {
		a, ok := impl.(APIAuthorizer)
		if !ok {
			continue
		}
		u, err := a.TryAPIAuthorization(req)
		if err != nil {
			return nil, err
		}
		if u != nil {
			return u, nil
		}
	}
	return nil, nil
}

// ProcessAuxiliary routes an auxiliary request to the enabled module with
// the given alias.
func (p *Pipeline) ProcessAuxiliary(req *Request, alias string) (string, error) {
	ep, err := p.registry.EntryPoint(modules.AuthorizationsClass)
	if err != nil {
		return "", err
	}
	m, ok := ep.Module(alias)
	if !ok || !m.IsEnabled() {
		return "", domain.NotFoundError{Entity: domain.EntityModule, Key: alias}
	}
	proc, ok := p.impls[m.AppClass()].(AuxiliaryProcessor)
	if !ok {
		return "", domain.NotFoundError{Entity: domain.EntityModule, Key: alias}
	}
	return proc.ProcessAuxiliaryRequest(req)
}
