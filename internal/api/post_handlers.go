package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"igniteme/internal/session"
)

func (h *Handler) listPosts(c *gin.Context) {
	limit := h.pageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	posts, next, err := h.board.ListPosts(c.Request.Context(), limit, c.Query("cursor"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.reply(c, http.StatusOK, gin.H{"posts": posts, "next_cursor": next})
}

func (h *Handler) getPost(c *gin.Context) {
	ctx := c.Request.Context()
	postID := c.Param("post_id")
	post, err := h.board.GetPost(ctx, postID)
	if err != nil {
		h.fail(c, err)
		return
	}
	obstacles, err := h.board.ListObstacles(ctx, postID)
	if err != nil {
		h.fail(c, err)
		return
	}
	st := session.FromContext(c)
	if st.ViewPost != postID {
		_ = st.Set(session.KeyViewPost, postID)
		_ = st.Reset(session.KeyViewObstacle)
	}
	h.reply(c, http.StatusOK, gin.H{"post": post, "obstacles": obstacles})
}

func (h *Handler) listObstacles(c *gin.Context) {
	obstacles, err := h.board.ListObstacles(c.Request.Context(), c.Param("post_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.reply(c, http.StatusOK, gin.H{"obstacles": obstacles})
}

func (h *Handler) listMessages(c *gin.Context) {
	ctx := c.Request.Context()
	postID, obstacleID := c.Param("post_id"), c.Param("obstacle_id")
	obstacle, err := h.board.GetObstacle(ctx, postID, obstacleID)
	if err != nil {
		h.fail(c, err)
		return
	}
	messages, err := h.board.ListMessages(ctx, postID, obstacleID)
	if err != nil {
		h.fail(c, err)
		return
	}
	st := session.FromContext(c)
	_ = st.Set(session.KeyViewPost, postID)
	_ = st.Set(session.KeyViewObstacle, obstacleID)
	h.reply(c, http.StatusOK, gin.H{"obstacle": obstacle, "messages": messages})
}

type messageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	postID, obstacleID := c.Param("post_id"), c.Param("obstacle_id")
	if _, err := h.board.GetObstacle(ctx, postID, obstacleID); err != nil {
		h.fail(c, err)
		return
	}
	st := session.FromContext(c)
	res, err := h.coach.PostMessage(ctx, st, postID, obstacleID, req.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.reply(c, http.StatusCreated, gin.H{"message": res.Message})
}
