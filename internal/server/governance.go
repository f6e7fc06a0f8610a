package server

import (
	"net/http"

	"github.com/User159951/intellipm/internal/pipeline"
	quotadomain "github.com/User159951/intellipm/internal/quota/domain"
	"github.com/gin-gonic/gin"
)

type executeAIRequest struct {
	AgentType        string         `json:"agent_type" binding:"required"`
	DecisionType     string         `json:"decision_type" binding:"required"`
	EntityType       string         `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	SystemPrompt     string         `json:"system_prompt"`
	Prompt           string         `json:"prompt" binding:"required"`
	MaxTokens        int64          `json:"max_tokens"`
	EstimatedTokens  int64          `json:"estimated_tokens"`
	RequiresApproval bool           `json:"requires_approval"`
	InputContext     map[string]any `json:"input_context"`
}

type executeAIResponse struct {
	DecisionID    string `json:"decision_id"`
	CorrelationID string `json:"correlation_id"`
	Completion    string `json:"completion"`
	Model         string `json:"model"`
	PromptTokens  int64  `json:"prompt_tokens"`
	OutputTokens  int64  `json:"completion_tokens"`
}

func (s *Server) ExecuteAI(c *gin.Context) {
	var req executeAIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.executor.Execute(c.Request.Context(), pipeline.ExecuteRequest{
		UserID:           userID(c),
		AgentType:        req.AgentType,
		DecisionType:     req.DecisionType,
		EntityType:       req.EntityType,
		EntityID:         req.EntityID,
		SystemPrompt:     req.SystemPrompt,
		Prompt:           req.Prompt,
		MaxTokens:        req.MaxTokens,
		EstimatedTokens:  req.EstimatedTokens,
		RequiresApproval: req.RequiresApproval,
		InputContext:     req.InputContext,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, executeAIResponse{
		DecisionID:    result.DecisionID.String(),
		CorrelationID: result.CorrelationID,
		Completion:    result.Completion.Text,
		Model:         result.Completion.Model,
		PromptTokens:  result.Completion.PromptTokens,
		OutputTokens:  result.Completion.CompletionTokens,
	})
}

type validateAIRequest struct {
	QuotaType string `json:"quota_type" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
}

func (s *Server) ValidateAI(c *gin.Context) {
	var req validateAIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err := s.executor.ValidateAIExecution(
		c.Request.Context(),
		userID(c),
		quotadomain.QuotaType(req.QuotaType),
		req.Amount,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"allowed": true})
}

func (s *Server) GetQuotaStatus(c *gin.Context) {
	status, err := s.executor.GetQuotaStatus(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}
