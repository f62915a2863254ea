package api

import (
	"net/http"

	"StoryBeat-server/models"

	"github.com/gin-gonic/gin"
)

// 生成构图计划（不落库、不预留额度）
func (h *Handler) CreatePlan(c *gin.Context) {
	var req struct {
		TemplateID   string                    `json:"template_id" binding:"required"`
		CharacterIDs []string                  `json:"character_ids"`
		Settings     models.GenerationSettings `json:"settings"`
		Beat         models.StoryBeat          `json:"beat"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Beat.ID = c.Param("beat_id")

	tpl, err := h.Catalog.Get(req.TemplateID)
	if err != nil {
		writeError(c, err)
		return
	}
	plan, err := h.Planner.Plan(req.Beat, tpl, req.CharacterIDs, req.Settings)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}

// GET /v1/api/templates?category=dialogue
func (h *Handler) ListTemplates(c *gin.Context) {
	list := h.Catalog.List(c.Query("category"))
	c.JSON(http.StatusOK, gin.H{"templates": list, "total": len(list)})
}
