// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

type CampaignController struct {
	Dispatch        *service.DispatchService
	CampaignService *service.CampaignService
	Logger          *zap.Logger
}

// WriteJSON encodes body with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError maps err onto a status code and an {"error": ...} body.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := appErrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", zap.Error(err))
	}
	WriteJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

// StartDispatch runs a campaign in the background, or inline with ?wait=true.
func (c *CampaignController) StartDispatch(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		// a client hanging up does not cancel the run; use the cancel endpoint
		outcome, err := c.Dispatch.Run(context.WithoutCancel(r.Context()), campaignID)
		if err != nil {
			WriteError(w, c.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, outcome)
		return
	}

	if _, err := c.Dispatch.Dispatch(r.Context(), campaignID); err != nil {
		WriteError(w, c.Logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"campaign_id": campaignID,
		"status":      "running",
	})
}

func (c *CampaignController) CancelDispatch(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	if !c.Dispatch.Cancel(campaignID) {
		WriteError(w, c.Logger, appErrors.ErrNotRunning)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"campaign_id": campaignID,
		"status":      "cancelling",
	})
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, c.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) GetProgress(w http.ResponseWriter, r *http.Request) {
	report, err := c.CampaignService.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, c.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

func (c *CampaignController) ListLogs(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	logs, err := c.CampaignService.ListLogs(r.Context(), campaignID, r.URL.Query().Get("status"))
	if err != nil {
		WriteError(w, c.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"campaign_id": campaignID,
		"data":        logs,
		"count":       len(logs),
	})
}
