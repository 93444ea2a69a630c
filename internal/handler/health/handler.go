// Package health exposes liveness/readiness probes and the operational
// views of the queue and channel health.
package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/relaydesk/dispatch/internal/handler"
	"github.com/relaydesk/dispatch/internal/repository"
	"github.com/relaydesk/dispatch/pkg/queue"
)

type Handler struct {
	db       *sqlx.DB
	broker   queue.Broker
	channels repository.ChannelRepository
}

func NewHandler(db *sqlx.DB, broker queue.Broker, channels repository.ChannelRepository) *Handler {
	return &Handler{db: db, broker: broker, channels: channels}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	health := r.Group("/health")
	{
		health.GET("/live", h.LivenessCheck)
		health.GET("/ready", h.ReadinessCheck)
		health.GET("/queue", h.QueueDepths)
		health.GET("/channels/:id", h.ChannelHealth)
	}
}

func (h *Handler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func (h *Handler) ReadinessCheck(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "DOWN",
			"reason": "Database connection failed",
		})
		return
	}
	if _, err := h.broker.Depths(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "DOWN",
			"reason": "Queue broker unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func (h *Handler) QueueDepths(c *gin.Context) {
	depths, err := h.broker.Depths(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, handler.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(depths))
}

// ChannelHealth serves the health fields the monitor persists on the
// channel record.
func (h *Handler) ChannelHealth(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid channel id"))
		return
	}

	ch, err := h.channels.Get(c.Request.Context(), id)
	if err != nil {
		if err == repository.ErrNotFound {
			c.JSON(http.StatusNotFound, handler.NewErrorResponse("channel not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"channel_id": ch.ID,
		"status":     ch.Status,
		"health":     ch.Health,
	}))
}
