package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"igniteme/internal/service/coach"
	"igniteme/internal/session"
)

type goalRequest struct {
	Goal string `json:"goal"`
}

type obstaclesRequest struct {
	Goal      string   `json:"goal"`
	Obstacles []string `json:"obstacles"`
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (h *Handler) commitGoal(c *gin.Context) {
	var req goalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	st := session.FromContext(c)
	res, err := h.coach.CommitGoal(c.Request.Context(), st, req.Goal)
	h.outcome(c, st, res, err)
}

func (h *Handler) submitObstacles(c *gin.Context) {
	var req obstaclesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	st := session.FromContext(c)
	res, err := h.coach.SubmitObstacles(c.Request.Context(), st, req.Goal, req.Obstacles)
	h.outcome(c, st, res, err)
}

func (h *Handler) submitAnswer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	st := session.FromContext(c)
	res, err := h.coach.SubmitAnswer(c.Request.Context(), st, req.Answer)
	h.outcome(c, st, res, err)
}

func (h *Handler) publish(c *gin.Context) {
	st := session.FromContext(c)
	res, err := h.coach.Publish(c.Request.Context(), st)
	h.outcome(c, st, res, err)
}

func (h *Handler) closeDialogue(c *gin.Context) {
	st := session.FromContext(c)
	res := h.coach.Close(c.Request.Context(), st)
	h.outcome(c, st, res, nil)
}

func (h *Handler) outcome(c *gin.Context, st *session.State, res coach.Outcome, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if res.Status == coach.StatusPublished {
		status = http.StatusCreated
	}
	h.reply(c, status, gin.H{"outcome": res, "session": viewOf(st)})
}
