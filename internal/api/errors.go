package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"corefacility/internal/auth"
	"corefacility/pkg/domain"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "detail": message})
}

// writeFailure maps err to a response. Field-level failures put the reasons
// under the field name next to the error code.
func (a *API) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	body := map[string]any{"detail": err.Error()}
	status := http.StatusBadRequest

	var (
		notFound  domain.NotFoundError
		dup       domain.DuplicatedError
		field     domain.FieldError
		invalid   domain.ValidationError
		forbidden domain.OperationNotPermittedError
		authz     domain.AuthorizationError
		coded     domain.CodedError
	)
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &dup):
		for _, f := range dup.Fields {
			body[f] = []string{dup.Error()}
		}
	case errors.As(err, &field):
		body[field.Field] = []string{field.Error()}
	case errors.As(err, &invalid):
		for f, reasons := range invalid.Fields {
			body[f] = reasons
		}
	case errors.As(err, &forbidden):
	case errors.As(err, &authz):
		status = http.StatusUnauthorized
		if authz.Route != "" {
			body["route"] = authz.Route
		}
	case errors.Is(err, auth.ErrBadCredentials):
		writeError(w, http.StatusUnauthorized, "AuthenticationFailed", err.Error())
		return
	case errors.Is(err, auth.ErrThrottled):
		writeError(w, http.StatusTooManyRequests, "Throttled", err.Error())
		return
	case errors.As(err, &coded):
		switch coded.(type) {
		case domain.GroupGovernorConstraintError, domain.ProjectRootGroupConstraintError,
			domain.ModuleConstraintError, domain.RootModuleDeleteError:
		default:
			status = http.StatusInternalServerError
		}
	default:
		status = http.StatusInternalServerError
	}

	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	} else {
		body["code"] = "InternalServerError"
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		body["detail"] = http.StatusText(status)
	}
	writeJSON(w, status, body)
}
