package api

import (
	"errors"
	"net/http"

	"StoryBeat-server/ledger"
	"StoryBeat-server/library"
	"StoryBeat-server/models"
	"StoryBeat-server/planner"
	"StoryBeat-server/service"
	"StoryBeat-server/store"

	"github.com/gin-gonic/gin"
)

// Handler HTTP 接口依赖的组件
type Handler struct {
	Orchestrator *service.Orchestrator
	Store        *store.Store
	Ledger       ledger.Ledger
	Library      *library.Library
	Planner      *planner.Planner
	Catalog      *planner.Catalog
}

// writeError 把领域错误映射为 HTTP 状态码
func writeError(c *gin.Context, err error) {
	var (
		ice *models.InsufficientCreditsError
		ite *models.InvalidTemplateError
		ire *models.InvalidReferenceError
		ppe *models.ProviderPermanentError
	)
	switch {
	case errors.As(err, &ice):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     err.Error(),
			"kind":      models.ErrorKindInsufficientCredits,
			"available": ice.Available,
			"required":  ice.Required,
		})
	case errors.As(err, &ite), errors.As(err, &ire):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &ppe) && ppe.Kind == models.ErrorKindInvalidRequest:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrClipBusy),
		errors.Is(err, models.ErrClipNotRegenerable),
		errors.Is(err, models.ErrChainPredecessor),
		errors.Is(err, models.ErrProductionCancelled),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrAllocationClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
