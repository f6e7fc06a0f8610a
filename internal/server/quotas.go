package server

import (
	"net/http"

	"github.com/User159951/intellipm/internal/orgcontext"
	quotadomain "github.com/User159951/intellipm/internal/quota/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) UpsertOrganizationQuota(c *gin.Context) {
	var req quotadomain.UpsertOrganizationQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	quota, err := s.quotaSvc.UpsertOrganizationQuota(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, quota)
}

func (s *Server) UpsertUserOverride(c *gin.Context) {
	var req quotadomain.UpsertUserOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	override, err := s.quotaSvc.UpsertUserOverride(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, override)
}

func (s *Server) DeleteUserOverride(c *gin.Context) {
	if err := s.quotaSvc.DeleteUserOverride(c.Request.Context(), c.Param("user_id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type setAIEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetOrgAIEnabled flips the organization-level kill switch. It never touches
// the global switch, so re-enabling here has no effect while the platform is
// disabled.
func (s *Server) SetOrgAIEnabled(c *gin.Context) {
	var req setAIEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.killSwitch.SetOrgEnabled(c.Request.Context(), orgID, *req.Enabled); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}
