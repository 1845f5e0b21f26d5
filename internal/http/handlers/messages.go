package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wtf-ops/backend/internal/ai"
	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/service"
)

// @Summary Route a classified message
// @Tags messages
// @Accept json
// @Produce json
// @Param message body models.ClassifiedMessage true "classified message"
// @Param async query bool false "enqueue instead of routing inline"
// @Success 200 {object} service.Outcome
// @Success 202 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Failure 422 {object} map[string]any
// @Failure 503 {object} map[string]any
// @Router /api/messages [post]
func (h *Handler) MessagesRoute(c *gin.Context) {
	var msg models.ClassifiedMessage
	if !h.bindJSON(c, &msg) {
		return
	}
	if c.Query("async") == "true" {
		h.enqueue(c, msg)
		return
	}
	out, err := h.Service.Process(c.Request.Context(), msg)
	h.writeOutcome(c, out, err)
}

// @Summary Classify and route a raw group message
// @Tags messages
// @Accept json
// @Produce json
// @Param message body models.RawMessage true "raw message"
// @Success 200 {object} service.Outcome
// @Router /api/messages/raw [post]
func (h *Handler) MessagesRouteRaw(c *gin.Context) {
	var raw models.RawMessage
	if !h.bindJSON(c, &raw) {
		return
	}
	if err := h.Validator.Struct(raw); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	if raw.ID == "" {
		raw.ID = ai.MessageID(raw)
	}
	out, err := h.Service.ProcessRaw(c.Request.Context(), raw)
	if err != nil && out.ReasonCode == "AI_ERROR" {
		writeError(c, http.StatusBadGateway, "AI_ERROR", "Classification failed", err.Error())
		return
	}
	h.writeOutcome(c, out, err)
}

type batchRequest struct {
	Messages []models.ClassifiedMessage `json:"messages" validate:"required,min=1"`
}

// @Summary Route a batch of classified messages
// @Tags messages
// @Accept json
// @Produce json
// @Success 200 {object} service.RunSummary
// @Router /api/messages/batch [post]
func (h *Handler) MessagesBatch(c *gin.Context) {
	var req batchRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, h.Service.ProcessBatch(c.Request.Context(), req.Messages))
}

type ackRequest struct {
	MessageID string `json:"message_id" validate:"required"`
}

// @Summary Acknowledge every open dispatch of a message
// @Tags dispatches
// @Accept json
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/messages/ack [post]
func (h *Handler) MessagesAck(c *gin.Context) {
	var req ackRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	recs, err := h.Escalation.Ack(req.MessageID)
	if err != nil {
		writeDomainError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": recs})
}

// @Summary Explain routing for a message without dispatching
// @Tags debug
// @Accept json
// @Produce json
// @Param message body models.ClassifiedMessage true "classified message"
// @Success 200 {object} routing.Resolution
// @Router /api/debug/resolve [post]
func (h *Handler) DebugResolve(c *gin.Context) {
	var msg models.ClassifiedMessage
	if !h.bindJSON(c, &msg) {
		return
	}
	c.JSON(http.StatusOK, h.Service.Explain(msg))
}

func (h *Handler) enqueue(c *gin.Context, msg models.ClassifiedMessage) {
	if h.Queue == nil {
		writeError(c, http.StatusServiceUnavailable, "QUEUE_DISABLED", "Inbound queue not configured", nil)
		return
	}
	msg = ai.Normalize(msg)
	if err := h.Validator.Struct(msg); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	select {
	case h.Queue <- msg:
		c.JSON(http.StatusAccepted, gin.H{"message_id": msg.ID, "status": "QUEUED"})
	default:
		writeError(c, http.StatusServiceUnavailable, "QUEUE_FULL", "Inbound queue is full", nil)
	}
}

func (h *Handler) writeOutcome(c *gin.Context, out service.Outcome, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, out)
	case errors.Is(err, service.ErrInvalidMessage):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", out.ReasonText)
	default:
		h.Logger.Warn().Err(err).Str("message_id", out.MessageID).Str("status", out.Status).Msg("message not routed")
		writeDomainError(c, err, out)
	}
}
