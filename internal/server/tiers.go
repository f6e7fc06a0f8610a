package server

import (
	"net/http"

	quotadomain "github.com/User159951/intellipm/internal/quota/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListTiers(c *gin.Context) {
	tiers, err := s.quotaSvc.ListTiers(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tiers": tiers})
}

func (s *Server) CreateTier(c *gin.Context) {
	var req quotadomain.CreateTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	tier, err := s.quotaSvc.CreateTier(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, tier)
}

func (s *Server) UpdateTier(c *gin.Context) {
	var req quotadomain.UpdateTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.ID = c.Param("id")

	tier, err := s.quotaSvc.UpdateTier(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, tier)
}

func (s *Server) DeleteTier(c *gin.Context) {
	if err := s.quotaSvc.DeleteTier(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
