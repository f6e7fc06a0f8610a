package server

import (
	"net/http"

	"github.com/User159951/intellipm/internal/notification"
	"github.com/User159951/intellipm/internal/orgcontext"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListNotifications(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var page struct {
		PageToken string `form:"page_token"`
		PageSize  int32  `form:"page_size"`
		Unread    bool   `form:"unread"`
	}
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.notifySvc.List(c.Request.Context(), notification.ListRequest{
		OrgID:      orgID,
		UnreadOnly: page.Unread,
		PageToken:  page.PageToken,
		PageSize:   page.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) MarkNotificationRead(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.notifySvc.MarkRead(c.Request.Context(), orgID, id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
