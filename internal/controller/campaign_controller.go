// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dashboard/internal/errors"
	"github.com/unclebandit/campaign-dashboard/internal/model"
	"github.com/unclebandit/campaign-dashboard/internal/service"
	"github.com/unclebandit/campaign-dashboard/internal/session"
)

const dateLayout = "2006-01-02"

// Sessions hands out the active company scope.
type Sessions interface {
	Activate(ctx context.Context, companyID string) (*session.Scope, error)
}

// NoticeBoard exposes the notice currently shown.
type NoticeBoard interface {
	Current() (model.Notice, bool)
	Dismiss(id string) bool
}

type CampaignController struct {
	Sessions Sessions
	Notices  NoticeBoard
	Logger   zerolog.Logger
}

// Routes mounts the campaign API on r.
func (c *CampaignController) Routes(r chi.Router) {
	r.Get("/healthz", c.Health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/notices/current", c.CurrentNotice)
		r.Delete("/notices/{id}", c.DismissNotice)

		r.Route("/{campaign}", func(r chi.Router) {
			r.Get("/records", c.ListRecords)
			r.Patch("/records/{id}", c.EditRecord)
			r.Delete("/records/{id}", c.DeleteRecord)
			r.Post("/records/delete", c.DeleteRecords)
			r.Post("/search", c.Search)
			r.Post("/select/{id}", c.ToggleSelect)
			r.Post("/select-all", c.ToggleSelectAll)
			r.Post("/dispatch", c.Dispatch)
			r.Post("/collect", c.Collect)
		})
	})
}

func (c *CampaignController) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// campaign resolves the service for the {campaign} path segment under the
// company named by the company query parameter.
func (c *CampaignController) campaign(r *http.Request) (*service.CampaignService, error) {
	scope, err := c.Sessions.Activate(r.Context(), r.URL.Query().Get("company"))
	if err != nil {
		return nil, err
	}
	return scope.Campaign(model.CampaignKind(chi.URLParam(r, "campaign")))
}

func (c *CampaignController) ListRecords(w http.ResponseWriter, r *http.Request) {
	svc, err := c.campaign(r)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc.View())
}

func (c *CampaignController) Search(w http.ResponseWriter, r *http.Request) {
	svc, err := c.campaign(r)
	if err != nil {
		c.writeError(w, err)
		return
	}

	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	svc.SetSearch(body.Query)
	writeJSON(w, http.StatusOK, svc.View())
}

func (c *CampaignController) ToggleSelect(w http.ResponseWriter, r *http.Request) {
	svc, err := c.campaign(r)
	if err != nil {
		c.writeError(w, err)
		return
	}

	selected, err := svc.ToggleSelect(model.RecordID(chi.URLParam(r, "id")))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"selected": selected, "stats": svc.Stats()})
}

func (c *CampaignController) ToggleSelectAll(w http.ResponseWriter, r *http.Request) {
	svc, err := c.campaign(r)
	if err != nil {
		c.writeError(w, err)
		return
	}

	selected := svc.ToggleSelectAllVisible()
	writeJSON(w, http.StatusOK, map[string]any{"all_selected": selected, "stats": svc.Stats()})
}

// EditRecord applies a keystroke, or persists the value when save is set.
func (c *CampaignController) EditRecord(w http.ResponseWriter, r *http.Request) {
	svc, err := c.campaign(r)
	if err != nil {
		c.writeError(w, err)
		return
	}

	var body struct {
		Field model.Field `json:"field"`
		Value string      `json:"value"`
		Save  bool        `json:"save"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !body.Field.Editable() {
		http.Error(w, fmt.Sprintf("field %q is not editable", body.Field), http.StatusBadRequest)
		return
	}

	id := model.RecordID(chi.URLParam(r, "id"))
	if body.Save {
		err = svc.SaveField(r.Context(), id, body.Field, body.Value)
	} else {
		err = svc.EditField(id, body.Field, body.Value)
	}
	if err != nil {
		c.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	svc, err := c.campaign(r)
	if err != nil {
		c.writeError(w, err)
		return
	}

	if err := svc.DeleteRecord(r.Context(), model.RecordID(chi.URLParam(r, "id"))); err != nil {
		c.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteRecords removes the given ids, or the selection. Without confirm it
// answers 409 with the number of entries that would go.
func (c *CampaignController) DeleteRecords(w http.ResponseWriter, r *http.Request) {
	svc, err := c.campaign(r)
	if err != nil {
		c.writeError(w, err)
		return
	}

	var body struct {
		IDs     []model.RecordID `json:"ids"`
		Confirm bool             `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	n, err := svc.DeleteSelected(r.Context(), body.IDs, body.Confirm)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (c *CampaignController) Dispatch(w http.ResponseWriter, r *http.Request) {
	svc, err := c.campaign(r)
	if err != nil {
		c.writeError(w, err)
		return
	}

	var body struct {
		IDs []model.RecordID `json:"ids"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}

	result, err := svc.Dispatch(r.Context(), body.IDs)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *CampaignController) Collect(w http.ResponseWriter, r *http.Request) {
	svc, err := c.campaign(r)
	if err != nil {
		c.writeError(w, err)
		return
	}

	var body struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	from, err := time.Parse(dateLayout, body.From)
	if err != nil {
		http.Error(w, "invalid from date", http.StatusBadRequest)
		return
	}
	to, err := time.Parse(dateLayout, body.To)
	if err != nil {
		http.Error(w, "invalid to date", http.StatusBadRequest)
		return
	}
	if to.Before(from) {
		http.Error(w, "to date is before from date", http.StatusBadRequest)
		return
	}

	if err := svc.Collect(r.Context(), from, to); err != nil {
		c.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (c *CampaignController) CurrentNotice(w http.ResponseWriter, r *http.Request) {
	n, ok := c.Notices.Current()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (c *CampaignController) DismissNotice(w http.ResponseWriter, r *http.Request) {
	if !c.Notices.Dismiss(chi.URLParam(r, "id")) {
		http.Error(w, "notice not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) writeError(w http.ResponseWriter, err error) {
	var (
		notFound *appErrors.ErrRecordNotFound
		confirm  *appErrors.ErrConfirmationRequired
		remote   *appErrors.ErrRemoteStatus
		unknown  *appErrors.ErrUnknownCampaign
	)
	switch {
	case errors.As(err, &confirm):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "count": confirm.Count})
	case errors.As(err, &notFound), errors.As(err, &unknown):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &remote):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	case errors.Is(err, appErrors.ErrScopeClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		c.Logger.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
