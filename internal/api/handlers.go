package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"corefacility/internal/audit"
	"corefacility/internal/auth"
	"corefacility/internal/core"
	"corefacility/internal/modules"
	"corefacility/pkg/domain"
)

type userView struct {
	ID          int64  `json:"id"`
	Login       string `json:"login"`
	Name        string `json:"name,omitempty"`
	Surname     string `json:"surname,omitempty"`
	IsSuperuser bool   `json:"is_superuser"`
}

func newUserView(u *core.User) userView {
	return userView{ID: u.ID(), Login: u.Login(), Name: u.Name(), Surname: u.Surname(), IsSuperuser: u.IsSuperuser()}
}

type groupView struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	GovernorID int64  `json:"governor_id"`
}

func newGroupView(g *core.Group) groupView {
	return groupView{ID: g.ID(), Name: g.Name(), GovernorID: g.GovernorID()}
}

type projectView struct {
	ID          int64  `json:"id"`
	Alias       string `json:"alias"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	RootGroupID int64  `json:"root_group_id"`
}

func newProjectView(p *core.Project) projectView {
	return projectView{ID: p.ID(), Alias: p.Alias(), Name: p.Name(), Description: p.Description(), RootGroupID: p.RootGroupID()}
}

type moduleView struct {
	UUID          string `json:"uuid"`
	Alias         string `json:"alias"`
	Name          string `json:"name"`
	AppClass      string `json:"app_class"`
	IsApplication bool   `json:"is_application"`
	IsEnabled     bool   `json:"is_enabled"`
}

func newModuleView(m *modules.Module) moduleView {
	return moduleView{
		UUID:          m.UUID().String(),
		Alias:         m.Alias(),
		Name:          m.Name(),
		AppClass:      m.AppClass(),
		IsApplication: m.IsApplication(),
		IsEnabled:     m.IsEnabled(),
	}
}

// decode reads a JSON body into dst. Unknown fields are rejected.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "ParseError", "malformed request body: "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "EntityNotFoundException", "not found")
		return 0, false
	}
	return id, true
}

func describe(r *http.Request, operation string) {
	if l, err := audit.FromContext(r.Context()); err == nil {
		l.SetDescription(operation)
	}
}

// authorizeUI serves GET /. The web interface modules run in order; the
// first one that recognizes the request signs the browser in.
func (a *API) authorizeUI(w http.ResponseWriter, r *http.Request) {
	s := a.sessions()
	req := auth.NewRequest(w, r, s)
	u, err := a.pipeline.AuthorizeUI(req)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	if u == nil {
		writeJSON(w, http.StatusOK, map[string]any{"authorized": false})
		return
	}
	if a.cookie != nil {
		if err := a.cookie.Store(req, u); err != nil {
			a.writeFailure(w, r, err)
			return
		}
	}
	resp := map[string]any{"authorized": true, "user": newUserView(u)}
	if password, ok := req.Results[auth.ResultPassword]; ok {
		resp["password"] = password
	}
	writeJSON(w, http.StatusOK, resp)
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// login exchanges a login and password for a bearer token.
func (a *API) login(w http.ResponseWriter, r *http.Request) {
	describe(r, "login")
	m, err := a.registry.Module(modules.StandardAuthClass)
	if a.standard == nil || err != nil || !m.IsEnabled() {
		writeError(w, http.StatusNotFound, "EntityNotFoundException", "password authorization is not enabled")
		return
	}
	var body loginRequest
	if !decode(w, r, &body) {
		return
	}
	token, u, err := a.standard.Login(r.Context(), a.sessions(), auth.ClientIP(r), body.Login, body.Password)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	if l, err := audit.FromContext(r.Context()); err == nil {
		l.SetUser(u)
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": newUserView(u)})
}

// auxiliary starts the external flow of the authorization module alias.
func (a *API) auxiliary(w http.ResponseWriter, r *http.Request) {
	target, err := a.pipeline.ProcessAuxiliary(auth.NewRequest(w, r, a.sessions()), chi.URLParam(r, "alias"))
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

type groupRequest struct {
	Name string `json:"name"`
}

// createGroup creates a group governed by the current user.
func (a *API) createGroup(w http.ResponseWriter, r *http.Request) {
	describe(r, "create group")
	var body groupRequest
	if !decode(w, r, &body) {
		return
	}
	g := core.NewGroup(body.Name, CurrentUser(r.Context()))
	if err := g.Create(r.Context(), a.session(r)); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	a.logger.Info("group created", zap.Int64("group_id", g.ID()), zap.String("name", g.Name()))
	writeJSON(w, http.StatusCreated, newGroupView(g))
}

func (a *API) getGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	g, err := core.NewGroupSet(a.session(r)).Get(r.Context(), id)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newGroupView(g))
}

type projectRequest struct {
	Alias       string `json:"alias"`
	Name        string `json:"name"`
	Description string `json:"description"`
	RootGroupID int64  `json:"root_group_id"`
}

// createProject creates a project owned by a group the current user
// governs. Superusers may pick any group.
func (a *API) createProject(w http.ResponseWriter, r *http.Request) {
	describe(r, "create project")
	var body projectRequest
	if !decode(w, r, &body) {
		return
	}
	ctx := r.Context()
	s := a.session(r)
	u := CurrentUser(ctx)
	if body.RootGroupID == 0 {
		a.writeFailure(w, r, domain.Required(domain.EntityProject, "root_group_id"))
		return
	}
	g, err := core.NewGroupSet(s).Get(ctx, body.RootGroupID)
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		a.writeFailure(w, r, domain.Invalid(domain.EntityProject, "root_group_id", "no such group"))
		return
	}
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	if !u.IsSuperuser() && g.GovernorID() != u.ID() {
		writeError(w, http.StatusForbidden, "PermissionDenied", "only the governor of the group may create its projects")
		return
	}
	p := core.NewProject(body.Alias, body.Name, g)
	if body.Description != "" {
		if err := p.SetDescription(body.Description); err != nil {
			a.writeFailure(w, r, err)
			return
		}
	}
	if a.baseDir != "" && body.Alias != "" {
		_ = p.SetProjectDir(filepath.Join(a.baseDir, body.Alias))
	}
	if err := p.Create(ctx, s); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	a.logger.Info("project created", zap.Int64("project_id", p.ID()), zap.String("alias", p.Alias()))
	writeJSON(w, http.StatusCreated, newProjectView(p))
}

func (a *API) getProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := core.NewProjectSet(a.session(r)).Get(r.Context(), id)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProjectView(p))
}

func (a *API) listModules(w http.ResponseWriter, r *http.Request) {
	items, err := a.registry.ModuleSet(a.session(r)).All(r.Context())
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	out := make([]moduleView, 0, len(items))
	for _, m := range items {
		out = append(out, newModuleView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": out})
}

type moduleRequest struct {
	IsEnabled *bool `json:"is_enabled"`
}

// setModuleEnabled switches a module on or off. Superusers only.
func (a *API) setModuleEnabled(w http.ResponseWriter, r *http.Request) {
	describe(r, "set module state")
	if !CurrentUser(r.Context()).IsSuperuser() {
		writeError(w, http.StatusForbidden, "PermissionDenied", "only superusers may change module settings")
		return
	}
	m, err := a.registry.Module(chi.URLParam(r, "app_class"))
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	var body moduleRequest
	if !decode(w, r, &body) {
		return
	}
	if body.IsEnabled == nil {
		a.writeFailure(w, r, domain.NewValidationError("is_enabled", "this field is required"))
		return
	}
	if err := a.registry.SetEnabled(r.Context(), a.session(r), m, *body.IsEnabled); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newModuleView(m))
}
