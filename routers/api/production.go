package api

import (
	"net/http"
	"strconv"

	"StoryBeat-server/models"

	"github.com/gin-gonic/gin"
)

func clipIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid clip index: " + c.Param("index")})
		return 0, false
	}
	return index, true
}

// 开始生产：POST /v1/api/beats/:beat_id/productions
func (h *Handler) StartProduction(c *gin.Context) {
	var req struct {
		AccountID string                 `json:"account_id" binding:"required"`
		Plan      models.CompositionPlan `json:"plan"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	beatID := c.Param("beat_id")
	if req.Plan.BeatID == "" {
		req.Plan.BeatID = beatID
	}
	if req.Plan.BeatID != beatID {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "plan belongs to beat " + req.Plan.BeatID})
		return
	}

	id, err := h.Orchestrator.StartProduction(c.Request.Context(), req.AccountID, req.Plan)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"production_id": id,
		"message":       "生产任务已创建",
	})
}

// 某个 beat 的全部生产记录，最新的在前
func (h *Handler) ListProductions(c *gin.Context) {
	beatID := c.Param("beat_id")
	list, err := h.Store.ListForBeat(c.Request.Context(), beatID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"beat_id":     beatID,
		"productions": list,
		"total":       len(list),
	})
}

// GET /v1/api/productions/:id
func (h *Handler) GetProduction(c *gin.Context) {
	p, err := h.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"production":    p,
		"failed_clips":  p.FailedClips(),
		"total_retries": p.TotalRetries(),
	})
}

// 重新生成某个永久失败的分镜
func (h *Handler) RegenerateClip(c *gin.Context) {
	index, ok := clipIndex(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := h.Orchestrator.RegenerateClip(c.Request.Context(), id, index); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"production_id": id, "clip_index": index})
}

func (h *Handler) RateClip(c *gin.Context) {
	index, ok := clipIndex(c)
	if !ok {
		return
	}
	var req struct {
		Rating            int  `json:"rating"`
		NeedsRegeneration bool `json:"needs_regeneration"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Rating < 0 || req.Rating > 5 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rating must be between 0 and 5"})
		return
	}
	p, err := h.Orchestrator.RateClip(c.Request.Context(), c.Param("id"), index, req.Rating, req.NeedsRegeneration)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"production": p})
}

func (h *Handler) CancelProduction(c *gin.Context) {
	id := c.Param("id")
	if err := h.Orchestrator.CancelProduction(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	p, err := h.Store.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"production": p})
}

func (h *Handler) AddToTimeline(c *gin.Context) {
	p, err := h.Orchestrator.AddToTimeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"production": p})
}

func (h *Handler) CompleteProduction(c *gin.Context) {
	p, err := h.Orchestrator.CompleteProduction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"production": p})
}
