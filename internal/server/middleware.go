package server

import (
	"strings"

	"github.com/User159951/intellipm/internal/orgcontext"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const (
	HeaderOrg  = "X-Org-ID"
	HeaderUser = "X-User-ID"
)

// OrgContext resolves the organization from the request header and injects
// it into the request context. Tenant resolution normally happens in the
// authentication layer above this subsystem; the header is its contract.
func OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderOrg))
		if raw == "" {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		orgID, err := snowflake.ParseString(raw)
		if err != nil || orgID == 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), orgID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// userID reads the optional acting-user header. Zero when absent.
func userID(c *gin.Context) snowflake.ID {
	raw := strings.TrimSpace(c.GetHeader(HeaderUser))
	if raw == "" {
		return 0
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0
	}
	return id
}
