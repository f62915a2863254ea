package api

import (
	"net/http"

	"StoryBeat-server/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 注册角色，必须带 base 参考图
func (h *Handler) RegisterCharacter(c *gin.Context) {
	var req struct {
		ID            string                    `json:"id"`
		Name          string                    `json:"name" binding:"required"`
		StyleTag      string                    `json:"style_tag"`
		VisualCues    []string                  `json:"visual_cues"`
		BaseReference models.CharacterReference `json:"base_reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.BaseReference.ID == "" {
		req.BaseReference.ID = uuid.NewString()
	}
	req.BaseReference.Type = models.ReferenceTypeBase

	profile, err := models.NewCharacterProfile(req.ID, req.Name, req.StyleTag, req.BaseReference)
	if err != nil {
		writeError(c, err)
		return
	}
	profile.VisualCues = req.VisualCues
	if err := h.Library.Register(c.Request.Context(), profile); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"character": profile})
}

func (h *Handler) GetCharacter(c *gin.Context) {
	p, err := h.Library.Profile(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"character": p})
}

// 追加参考图；已有参考图不可修改
func (h *Handler) AddReference(c *gin.Context) {
	var ref models.CharacterReference
	if err := c.ShouldBindJSON(&ref); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	p, err := h.Library.AddReference(c.Request.Context(), c.Param("id"), ref)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"character": p, "reference_id": ref.ID})
}

// GET /v1/api/characters/:id/resolve?type=angle&tag=front
func (h *Handler) ResolveReference(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Library.Profile(id); err != nil {
		writeError(c, err)
		return
	}
	view := models.View{Type: models.ReferenceType(c.Query("type")), Tag: c.Query("tag")}
	c.JSON(http.StatusOK, gin.H{"resolution": h.Library.Resolve(id, view)})
}
