package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) ListWorkers(c *gin.Context) {
	workers, err := h.workers.ListAll(c.Request.Context())
	if err != nil {
		sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, workers)
}

func (h *Handler) ListAliveWorkers(c *gin.Context) {
	workers, err := h.workers.ListAlive(c.Request.Context(), 0)
	if err != nil {
		sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, workers)
}

// CheckHealth reports 503 when the health check fails
func (h *Handler) CheckHealth(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Code: "UNAVAILABLE", Message: err.Error()})
			return
		}
	}
	sendJSON(c, http.StatusOK, gin.H{"status": "ok"})
}
