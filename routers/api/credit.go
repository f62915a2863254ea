package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) GetCredits(c *gin.Context) {
	acc, err := h.Ledger.Account(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"account": acc}
	if c.Query("entries") == "true" {
		entries, err := h.Ledger.Entries(c.Request.Context(), acc.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		resp["entries"] = entries
	}
	c.JSON(http.StatusOK, resp)
}

// 充值
func (h *Handler) DepositCredits(c *gin.Context) {
	var req struct {
		Amount int64 `json:"amount" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if err := h.Ledger.Deposit(c.Request.Context(), id, req.Amount); err != nil {
		writeError(c, err)
		return
	}
	acc, err := h.Ledger.Account(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acc})
}
