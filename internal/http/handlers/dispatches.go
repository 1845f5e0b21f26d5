package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wtf-ops/backend/internal/models"
)

// @Summary List dispatch records
// @Tags dispatches
// @Produce json
// @Param state query string false "routed|acknowledged|timed_out|escalated|abandoned|failed"
// @Param message_id query string false "message id"
// @Param source query string false "memory (default) or db"
// @Success 200 {object} map[string]any
// @Router /api/dispatches [get]
func (h *Handler) DispatchesList(c *gin.Context) {
	state := c.Query("state")
	messageID := c.Query("message_id")
	limit := queryLimit(c, 100)

	if c.Query("source") == "db" {
		if h.Store == nil {
			writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database not configured", nil)
			return
		}
		items, err := h.Store.ListDispatchRecords(c.Request.Context(), messageID, state, limit)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list dispatch records", err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit})
		return
	}

	var items []models.DispatchRecord
	if messageID != "" {
		for _, rec := range h.Escalation.ForMessage(messageID) {
			if state == "" || string(rec.State) == state {
				items = append(items, rec)
			}
		}
	} else {
		items = h.Escalation.List(models.DispatchState(state), limit)
	}
	if items == nil {
		items = []models.DispatchRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit})
}

// DispatchGet looks in memory first and falls back to the audit table for
// records from earlier runs.
func (h *Handler) DispatchGet(c *gin.Context) {
	id := c.Param("id")
	if rec, ok := h.Escalation.Get(id); ok {
		c.JSON(http.StatusOK, rec)
		return
	}
	if h.Store == nil {
		writeError(c, http.StatusNotFound, models.CodeNotFound, "Dispatch record not found", nil)
		return
	}
	rec, err := h.Store.GetDispatchRecord(c.Request.Context(), id)
	if err != nil {
		if models.CodeOf(err) == models.CodeNotFound {
			writeError(c, http.StatusNotFound, models.CodeNotFound, "Dispatch record not found", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to get dispatch record", err.Error())
		return
	}
	c.JSON(http.StatusOK, rec)
}

// @Summary Acknowledge one dispatch record
// @Tags dispatches
// @Produce json
// @Param id path string true "record id"
// @Success 200 {object} models.DispatchRecord
// @Failure 404 {object} map[string]any
// @Router /api/dispatches/{id}/ack [post]
func (h *Handler) DispatchAck(c *gin.Context) {
	rec, err := h.Escalation.AckRecord(c.Param("id"))
	if err != nil {
		writeDomainError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// @Summary Operator events
// @Tags events
// @Produce json
// @Param type query string false "event type"
// @Param since query string false "RFC3339, database only"
// @Success 200 {object} map[string]any
// @Router /api/events [get]
func (h *Handler) EventsList(c *gin.Context) {
	eventType := c.Query("type")
	limit := queryLimit(c, 100)

	if h.Store == nil || c.Query("source") == "memory" {
		c.JSON(http.StatusOK, gin.H{"items": h.Events.Recent(eventType, limit), "limit": limit})
		return
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "since must be RFC3339", err.Error())
			return
		}
		since = t
	}
	items, err := h.Store.ListEvents(c.Request.Context(), eventType, since, limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list events", err.Error())
		return
	}
	if items == nil {
		items = []models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit})
}
