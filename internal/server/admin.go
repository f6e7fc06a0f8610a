package server

import (
	"net/http"

	"github.com/User159951/intellipm/internal/events"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// SetGlobalAIEnabled flips the platform-wide kill switch. Organization flags
// are left untouched and take effect again once the platform is re-enabled.
func (s *Server) SetGlobalAIEnabled(c *gin.Context) {
	var req setAIEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.killSwitch.SetGlobal(c.Request.Context(), *req.Enabled); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

func (s *Server) ListDeadLetters(c *gin.Context) {
	var req events.ListDeadLettersRequest
	req.EventType = c.Query("event_type")
	req.PageToken = c.Query("page_token")

	if raw := c.Query("org_id"); raw != "" {
		orgID, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		req.OrgID = orgID
	}

	resp, err := s.dlqSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) RetryDeadLetter(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.dlqSvc.Retry(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "requeued"})
}

func (s *Server) DiscardDeadLetter(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.dlqSvc.Discard(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
