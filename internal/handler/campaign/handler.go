// Package campaign exposes campaign lifecycle operations and the provider
// status-update webhook over HTTP.
package campaign

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/relaydesk/dispatch/internal/handler"
	"github.com/relaydesk/dispatch/internal/model"
	campaignsvc "github.com/relaydesk/dispatch/internal/service/campaign"
	apperrors "github.com/relaydesk/dispatch/pkg/errors"
	"github.com/relaydesk/dispatch/pkg/logger"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("message_status", func(fl validator.FieldLevel) bool {
			return model.MessageStatus(fl.Field().String()).Valid()
		})
	}
}

type Handler struct {
	svc    *campaignsvc.Service
	logger *logger.Logger
}

func NewHandler(svc *campaignsvc.Service, log *logger.Logger) *Handler {
	return &Handler{svc: svc, logger: log.WithComponent("campaign_handler")}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	campaigns := r.Group("/campaigns")
	{
		campaigns.GET("/:id", h.Get)
		campaigns.POST("/:id/start", h.Start)
		campaigns.POST("/:id/pause", h.Pause)
		campaigns.POST("/:id/resume", h.Resume)
		campaigns.POST("/:id/cancel", h.Cancel)
		campaigns.POST("/:id/resend-failed", h.ResendFailed)
	}
	r.POST("/messages/:id/resend", h.ResendMessage)
	r.POST("/status-updates", h.StatusUpdate)
}

func campaignID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperrors.BadRequest("invalid id", err)
	}
	return id, nil
}

func (h *Handler) Get(c *gin.Context) {
	id, err := campaignID(c)
	if err != nil {
		handler.Error(c, err)
		return
	}
	campaign, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(campaign))
}

func (h *Handler) Start(c *gin.Context) {
	h.lifecycle(c, h.svc.Start)
}

func (h *Handler) Pause(c *gin.Context) {
	h.lifecycle(c, h.svc.Pause)
}

func (h *Handler) Resume(c *gin.Context) {
	h.lifecycle(c, h.svc.Resume)
}

func (h *Handler) Cancel(c *gin.Context) {
	h.lifecycle(c, h.svc.Cancel)
}

func (h *Handler) lifecycle(c *gin.Context, op func(ctx context.Context, id uuid.UUID) error) {
	id, err := campaignID(c)
	if err != nil {
		handler.Error(c, err)
		return
	}
	if err := op(c.Request.Context(), id); err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

func (h *Handler) ResendFailed(c *gin.Context) {
	id, err := campaignID(c)
	if err != nil {
		handler.Error(c, err)
		return
	}
	n, err := h.svc.ResendFailed(c.Request.Context(), id)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"requeued": n}))
}

func (h *Handler) ResendMessage(c *gin.Context) {
	id, err := campaignID(c)
	if err != nil {
		handler.Error(c, err)
		return
	}
	if err := h.svc.ResendOne(c.Request.Context(), id); err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

type statusUpdateRequest struct {
	ProviderMessageID string `json:"provider_message_id" binding:"required"`
	Status            string `json:"status" binding:"required,message_status"`
	Detail            string `json:"detail"`
}

// StatusUpdate ingests provider delivery receipts. Malformed or out-of-order
// updates are dropped server-side; the endpoint still returns 202 so the
// provider does not retry them.
func (h *Handler) StatusUpdate(c *gin.Context) {
	var req statusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("dropping malformed status update", "error", err.Error())
		c.JSON(http.StatusAccepted, handler.NewSuccessResponse(nil))
		return
	}

	if err := h.svc.ApplyStatusUpdate(c.Request.Context(),
		req.ProviderMessageID, req.Status, req.Detail); err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handler.NewSuccessResponse(nil))
}
