package server

import (
	"net/http"

	decisiondomain "github.com/User159951/intellipm/internal/decision/domain"
	"github.com/User159951/intellipm/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type listDecisionsResponse struct {
	pagination.PageInfo
	Decisions []decisiondomain.AIDecisionLog `json:"decisions"`
}

func (s *Server) ListDecisions(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	filter := decisiondomain.ListFilter{
		Status:       decisiondomain.Status(c.Query("status")),
		AgentType:    c.Query("agent_type"),
		DecisionType: c.Query("decision_type"),
	}

	rows, pageInfo, err := s.decisionSvc.List(c.Request.Context(), filter, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := listDecisionsResponse{Decisions: rows}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetDecision(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	row, err := s.decisionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, row)
}

func (s *Server) ApproveDecision(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.decisionSvc.Approve(c.Request.Context(), id, userID(c)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(decisiondomain.StatusApproved)})
}

type rejectDecisionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) RejectDecision(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req rejectDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.decisionSvc.Reject(c.Request.Context(), id, userID(c), req.Reason); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(decisiondomain.StatusRejected)})
}
