package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"jobmatch/src/core/matching"
)

// JobMatches godoc
// @Summary Top non-expired matches of a job
// @Tags matches
// @Param id path string true "Job ID"
// @Param limit query int false "Max results"
// @Produce json
// @Success 200 {array} matching.MatchRecord
// @Router /jobs/{id}/matches [get]
func (h *Handler) JobMatches(c *gin.Context) {
	limit, err := intQuery(c, "limit", 10)
	if err != nil {
		sendError(c, err)
		return
	}
	matches, err := h.matches.GetTopMatches(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		sendError(c, err)
		return
	}
	if matches == nil {
		matches = []matching.MatchRecord{}
	}
	sendJSON(c, http.StatusOK, matches)
}

func (h *Handler) CandidateMatches(c *gin.Context) {
	limit, err := intQuery(c, "limit", 10)
	if err != nil {
		sendError(c, err)
		return
	}
	matches, err := h.matches.GetTopMatchesForCandidate(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		sendError(c, err)
		return
	}
	if matches == nil {
		matches = []matching.MatchRecord{}
	}
	sendJSON(c, http.StatusOK, matches)
}

type ContactRequest struct {
	Method string `json:"method"`
}

// RecordContact godoc
// @Summary Mark a match as contacted
// @Tags matches
// @Accept json
// @Param id path string true "Job ID"
// @Param candidateId path string true "Candidate ID"
// @Param request body ContactRequest true "Contact method"
// @Success 204 "No Content"
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /jobs/{id}/matches/{candidateId}/contact [post]
func (h *Handler) RecordContact(c *gin.Context) {
	var req ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Method) == "" {
		sendError(c, invalid("contact method is required"))
		return
	}
	if err := h.matches.RecordContact(c.Request.Context(), c.Param("id"), c.Param("candidateId"), req.Method); err != nil {
		sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
