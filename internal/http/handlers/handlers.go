package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/wtf-ops/backend/internal/db"
	"github.com/wtf-ops/backend/internal/escalation"
	"github.com/wtf-ops/backend/internal/events"
	"github.com/wtf-ops/backend/internal/guard"
	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
	"github.com/wtf-ops/backend/internal/service"
)

type Handler struct {
	Store      *db.Store
	Service    *service.RoutingService
	Catalog    *registry.Catalog
	Categories *registry.CategoryRegistry
	Channels   *registry.ChannelRegistry
	Rules      *registry.RuleTable
	Guard      *guard.Guard
	Escalation *escalation.Machine
	Events     *events.Bus
	Queue      chan<- models.ClassifiedMessage
	Validator  *validator.Validate
	Logger     zerolog.Logger
}

// Healthz reports the configuration version and, when a database is
// configured, whether it answers.
func (h *Handler) Healthz(c *gin.Context) {
	resp := gin.H{"status": "ok", "config_version": h.Catalog.Snapshot().Version}
	if h.Store == nil {
		resp["db"] = "disabled"
		c.JSON(http.StatusOK, resp)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	resp["db"] = "ok"
	c.JSON(http.StatusOK, resp)
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

// writeDomainError maps the engine's reason codes onto HTTP statuses.
func writeDomainError(c *gin.Context, err error, details any) {
	code := models.CodeOf(err)
	if details == nil {
		if d := models.DetailsOf(err); len(d) > 0 {
			details = d
		}
	}
	switch code {
	case models.CodeNotFound:
		writeError(c, http.StatusNotFound, code, err.Error(), details)
	case models.CodeConfigInvalid, models.CodeUnresolvedMessage:
		writeError(c, http.StatusUnprocessableEntity, code, err.Error(), details)
	case models.CodeEscalationExhausted:
		writeError(c, http.StatusConflict, code, err.Error(), details)
	case models.CodeChannelUnavailable, models.CodeDeliveryTransientFailure:
		writeError(c, http.StatusServiceUnavailable, code, err.Error(), details)
	default:
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), details)
	}
}

func (h *Handler) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return false
	}
	return true
}

func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 || limit > 500 {
		return def
	}
	return limit
}
