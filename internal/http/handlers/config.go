package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wtf-ops/backend/internal/guard"
	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/seed"
)

// @Summary List categories
// @Tags config
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/categories [get]
func (h *Handler) CategoriesList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.Categories.LoadAll()})
}

// @Summary Replace all categories
// @Description Rules that reference removed categories are deleted in the same version.
// @Tags config
// @Accept json
// @Produce json
// @Param categories body []models.Category true "complete category set"
// @Success 200 {object} guard.Report
// @Failure 422 {object} map[string]any
// @Router /api/categories [put]
func (h *Handler) CategoriesReplace(c *gin.Context) {
	var batch []models.Category
	if !h.bindJSON(c, &batch) {
		return
	}
	rep, err := h.Guard.ReplaceCategories(c.Request.Context(), batch)
	if err != nil {
		writeDomainError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rep)
}

type channelView struct {
	models.Channel
	Ready bool `json:"ready"`
}

// @Summary List channels with live readiness
// @Tags config
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/channels [get]
func (h *Handler) ChannelsList(c *gin.Context) {
	chans := h.Channels.LoadAll()
	items := make([]channelView, 0, len(chans))
	for _, ch := range chans {
		items = append(items, channelView{Channel: ch, Ready: h.Channels.IsDeliveryReady(c.Request.Context(), ch.ID)})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// @Summary Replace all channels
// @Tags config
// @Accept json
// @Produce json
// @Param channels body []models.Channel true "complete channel set"
// @Success 200 {object} guard.Report
// @Router /api/channels [put]
func (h *Handler) ChannelsReplace(c *gin.Context) {
	var batch []models.Channel
	if !h.bindJSON(c, &batch) {
		return
	}
	rep, err := h.Guard.ReplaceChannels(c.Request.Context(), batch)
	if err != nil {
		writeDomainError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) RulesList(c *gin.Context) {
	if c.Query("active") == "true" {
		c.JSON(http.StatusOK, gin.H{"items": h.Rules.LoadActive()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": h.Rules.LoadAll()})
}

func (h *Handler) RuleGet(c *gin.Context) {
	r, err := h.Rules.Get(c.Param("id"))
	if err != nil {
		writeDomainError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, r)
}

// @Summary Create or update a rule
// @Tags config
// @Accept json
// @Produce json
// @Param rule body models.RoutingRule true "rule"
// @Success 200 {object} models.RoutingRule
// @Failure 422 {object} map[string]any
// @Router /api/rules [post]
func (h *Handler) RuleUpsert(c *gin.Context) {
	var rule models.RoutingRule
	if !h.bindJSON(c, &rule) {
		return
	}
	if err := h.Validator.Struct(rule); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	if err := h.Rules.Upsert(c.Request.Context(), rule); err != nil {
		writeDomainError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) RulesReplace(c *gin.Context) {
	var batch []models.RoutingRule
	if !h.bindJSON(c, &batch) {
		return
	}
	rep, err := h.Guard.ReplaceRules(c.Request.Context(), batch)
	if err != nil {
		writeDomainError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) RuleDelete(c *gin.Context) {
	if err := h.Rules.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeDomainError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary Current configuration snapshot
// @Tags config
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/config [get]
func (h *Handler) ConfigGet(c *gin.Context) {
	snap := h.Catalog.Snapshot()
	if c.Query("format") == "yaml" {
		out, err := seed.Dump(guard.Bundle{Categories: snap.Categories, Channels: snap.Channels, Rules: snap.Rules})
		if err != nil {
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to encode configuration", err.Error())
			return
		}
		c.Data(http.StatusOK, "application/yaml", out)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// @Summary Reseed configuration
// @Description Installs a complete bundle (JSON or YAML body) or, with default=true, the built-in seed.
// @Tags config
// @Accept json
// @Produce json
// @Param default query bool false "apply the built-in seed"
// @Success 200 {object} guard.Report
// @Failure 422 {object} map[string]any
// @Router /api/config/reseed [post]
func (h *Handler) Reseed(c *gin.Context) {
	var (
		b   guard.Bundle
		err error
	)
	switch {
	case c.Query("default") == "true":
		b, err = seed.Default()
	case strings.Contains(c.ContentType(), "yaml"):
		var body []byte
		body, err = io.ReadAll(c.Request.Body)
		if err == nil {
			b, err = seed.Parse(body)
		}
	default:
		if !h.bindJSON(c, &b) {
			return
		}
	}
	if err != nil {
		writeDomainError(c, err, nil)
		return
	}

	rep, err := h.Guard.Reseed(c.Request.Context(), b)
	if err != nil {
		writeDomainError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rep)
}
