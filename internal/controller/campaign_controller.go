// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/groupcast/internal/handler"
	"github.com/unclebandit/groupcast/internal/logger"
	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/service"
)

type CampaignService interface {
	Start(ctx context.Context, accountID string, content model.Content) (*service.StartResult, error)
	Stop(ctx context.Context, accountID string) (*model.Report, error)
	Pause(ctx context.Context, accountID string) (*model.Campaign, error)
	Resume(ctx context.Context, campaignID string) (*model.Campaign, error)
	ResumeAccount(ctx context.Context, accountID string) (*model.Campaign, error)
	Status(accountID string) (*model.Campaign, error)
	Campaign(ctx context.Context, campaignID string) (*model.Campaign, error)
	Report(ctx context.Context, campaignID string) (*model.Report, error)
}

type CampaignController struct {
	CampaignService CampaignService
	Logger          *slog.Logger
}

func NewCampaignController(svc CampaignService, log *slog.Logger) *CampaignController {
	if log == nil {
		log = logger.Discard()
	}
	return &CampaignController{CampaignService: svc, Logger: log.With(logger.Component("http"))}
}

func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/accounts/{id}/campaigns", c.StartCampaign)
	r.Get("/accounts/{id}/campaign", c.AccountCampaign)
	r.Post("/accounts/{id}/campaign/stop", c.StopCampaign)
	r.Post("/accounts/{id}/campaign/pause", c.PauseCampaign)
	r.Post("/accounts/{id}/campaign/resume", c.ResumeAccountCampaign)
	r.Get("/campaigns/{id}", c.GetCampaignDetails)
	r.Get("/campaigns/{id}/report", c.GetCampaignReport)
	r.Post("/campaigns/{id}/resume", c.ResumeCampaign)
}

// StartCampaign accepts the content either bare or wrapped in {"content": ...}.
func (c *CampaignController) StartCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		model.Content
		Wrapped *model.Content `json:"content"`
	}
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	content := body.Content
	if body.Wrapped != nil {
		content = *body.Wrapped
	}

	res, err := c.CampaignService.Start(r.Context(), chi.URLParam(r, "id"), content)
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.WriteJSON(w, http.StatusAccepted, res)
}

func (c *CampaignController) AccountCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.Status(chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) StopCampaign(w http.ResponseWriter, r *http.Request) {
	report, err := c.CampaignService.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, report)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) ResumeAccountCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.ResumeAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.Campaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) GetCampaignReport(w http.ResponseWriter, r *http.Request) {
	report, err := c.CampaignService.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, report)
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, c.Logger, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, campaign)
}
