package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"rostersync.org/internal/integrations"
	"rostersync.org/internal/jobqueue"
	"rostersync.org/internal/obs"
	"rostersync.org/internal/roster"
)

// Integrations is the lifecycle service behind the routes.
type Integrations interface {
	AuthorizeURL(organizationID string) (string, error)
	Connect(ctx context.Context, code, state string) (roster.Integration, error)
	Get(ctx context.Context, id string) (roster.Integration, error)
	Disconnect(ctx context.Context, id string) error
	UpdateSettings(ctx context.Context, id string, settings roster.IntegrationSettings) (roster.Integration, error)
	RequestSync(ctx context.Context, id string) (*jobqueue.Handle, error)
	CancelSchedule(ctx context.Context, id string) (int, error)
	TestConnection(ctx context.Context, id string) (bool, error)
	SyncLogs(ctx context.Context, id string, limit int) ([]roster.SyncLog, error)
	Mappings(ctx context.Context, id string) ([]roster.GroupMapping, error)
	LinkMapping(ctx context.Context, mappingID string, req integrations.LinkRequest) (roster.GroupMapping, error)
}

var _ Integrations = (*integrations.Service)(nil)

type settingsRequest struct {
	SyncEnabled   *bool   `json:"sync_enabled"`
	SyncFrequency *string `json:"sync_frequency"`
}

type linkRequest struct {
	InternalGroupID *string `json:"internal_group_id"`
	SyncMembers     *bool   `json:"sync_members"`
	SyncLeaders     bool    `json:"sync_leaders"`
}

func (a *API) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	orgID := strings.TrimSpace(r.URL.Query().Get("organization_id"))
	target, err := a.svc.AuthorizeURL(orgID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *API) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		writeError(w, r, http.StatusBadRequest, "authorization denied: "+denied)
		return
	}
	code, state := strings.TrimSpace(q.Get("code")), strings.TrimSpace(q.Get("state"))
	if code == "" || state == "" {
		writeError(w, r, http.StatusBadRequest, "code and state are required")
		return
	}
	in, err := a.svc.Connect(r.Context(), code, state)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

// handleIntegrationResource routes /v1/integrations/{id}[/action].
func (a *API) handleIntegrationResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/integrations/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			a.getIntegration(w, r, id)
		case http.MethodDelete:
			a.disconnect(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
		return
	}

	switch parts[1] {
	case "settings":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w, r, http.MethodPatch)
			return
		}
		a.updateSettings(w, r, id)
	case "sync":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.requestSync(w, r, id)
	case "schedule":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.cancelSchedule(w, r, id)
	case "test":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.testConnection(w, r, id)
	case "sync-logs":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listSyncLogs(w, r, id)
	case "mappings":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listMappings(w, r, id)
	case "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.streamEvents(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getIntegration(w http.ResponseWriter, r *http.Request, id string) {
	in, err := a.svc.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (a *API) disconnect(w http.ResponseWriter, r *http.Request, id string) {
	if !a.ensureOperator(w, r) {
		return
	}
	if err := a.svc.Disconnect(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) updateSettings(w http.ResponseWriter, r *http.Request, id string) {
	if !a.ensureOperator(w, r) {
		return
	}
	var req settingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.SyncEnabled == nil && req.SyncFrequency == nil {
		writeError(w, r, http.StatusBadRequest, "sync_enabled or sync_frequency is required")
		return
	}
	settings := roster.IntegrationSettings{SyncEnabled: req.SyncEnabled}
	if req.SyncFrequency != nil {
		f := roster.Frequency(strings.ToUpper(strings.TrimSpace(*req.SyncFrequency)))
		settings.SyncFrequency = &f
	}
	in, err := a.svc.UpdateSettings(r.Context(), id, settings)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (a *API) requestSync(w http.ResponseWriter, r *http.Request, id string) {
	if !a.ensureOperator(w, r) {
		return
	}
	h, err := a.svc.RequestSync(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"integration_id": id,
		"job_id":         h.JobID,
	})
}

func (a *API) cancelSchedule(w http.ResponseWriter, r *http.Request, id string) {
	if !a.ensureOperator(w, r) {
		return
	}
	n, err := a.svc.CancelSchedule(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"integration_id": id,
		"cancelled":      n,
	})
}

func (a *API) testConnection(w http.ResponseWriter, r *http.Request, id string) {
	if !a.ensureOperator(w, r) {
		return
	}
	ok, err := a.svc.TestConnection(r.Context(), id)
	if err != nil {
		var reauth *roster.ReauthorizationRequiredError
		if !errors.As(err, &reauth) {
			handleServiceError(w, r, err)
			return
		}
		ok = false
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"integration_id": id,
		"connected":      ok,
	})
}

func (a *API) listSyncLogs(w http.ResponseWriter, r *http.Request, id string) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 0, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := a.svc.SyncLogs(r.Context(), id, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if logs == nil {
		logs = []roster.SyncLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (a *API) listMappings(w http.ResponseWriter, r *http.Request, id string) {
	mappings, err := a.svc.Mappings(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if mappings == nil {
		mappings = []roster.GroupMapping{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mappings})
}

// handleMappingResource routes /v1/mappings/{id}/link.
func (a *API) handleMappingResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/mappings/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "link" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req linkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	syncMembers := true
	if req.SyncMembers != nil {
		syncMembers = *req.SyncMembers
	}
	m, err := a.svc.LinkMapping(r.Context(), parts[0], integrations.LinkRequest{
		InternalGroupID: req.InternalGroupID,
		SyncMembers:     syncMembers,
		SyncLeaders:     req.SyncLeaders,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, fmt.Errorf("limit must be between %d and %d", min, max)
	}
	return val, nil
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		exchange *roster.AuthExchangeError
		reauth   *roster.ReauthorizationRequiredError
	)
	switch {
	case errors.Is(err, roster.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, roster.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, roster.ErrConflict), errors.Is(err, roster.ErrSyncInProgress):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.As(err, &exchange):
		writeError(w, r, http.StatusBadGateway, "authorization code exchange failed")
	case errors.As(err, &reauth):
		writeError(w, r, http.StatusConflict, "integration requires reauthorization")
	default:
		obs.Logger().Error().Err(err).Str("request_id", RequestIDFromContext(r)).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
