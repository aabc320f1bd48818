package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/token-monitor/token-monitor/internal/storage"
	"github.com/token-monitor/token-monitor/pkg/models"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateProviderRequest registers a new provider integration. Config is the
// plaintext connection config; it is encrypted before it touches the store.
type CreateProviderRequest struct {
	Type        string          `json:"type" binding:"required"`
	Name        string          `json:"name" binding:"required"`
	Config      json.RawMessage `json:"config,omitempty"`
	IsEstimated bool            `json:"is_estimated,omitempty"`
}

// CreateBudgetRequest defines a spend rule
type CreateBudgetRequest struct {
	Name       string    `json:"name" binding:"required"`
	ProviderID string    `json:"provider_id,omitempty"`
	Period     string    `json:"period" binding:"required,oneof=daily weekly monthly"`
	LimitUSD   float64   `json:"limit_usd" binding:"required,gt=0"`
	Thresholds []float64 `json:"thresholds,omitempty" binding:"omitempty,dive,gt=0,lte=100"`
	IsHardCap  bool      `json:"is_hard_cap,omitempty"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now().UTC()})
}

func (s *Server) handleListProviders(c *gin.Context) {
	providers, err := s.providers.List(c.Request.Context(), false)
	if err != nil {
		s.internalError(c, "failed to list providers", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers, "count": len(providers)})
}

func (s *Server) handleCreateProvider(c *gin.Context) {
	var req CreateProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	providerType := models.ProviderType(req.Type)
	if !models.KnownType(providerType) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("unknown provider type: %s", req.Type),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	p := &models.Provider{
		Type:        providerType,
		Name:        req.Name,
		IsEstimated: req.IsEstimated,
	}
	if len(req.Config) > 0 {
		sealed, err := s.box.Seal(req.Config)
		if err != nil {
			s.internalError(c, "failed to encrypt provider config", err)
			return
		}
		p.Config = sealed
	}

	if err := s.engine.AddProvider(c.Request.Context(), p); err != nil {
		s.internalError(c, "failed to create provider", err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleGetProvider(c *gin.Context) {
	p, err := s.providers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrProviderNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "provider not found"})
			return
		}
		s.internalError(c, "failed to get provider", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleDeleteProvider(c *gin.Context) {
	err := s.engine.RemoveProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrProviderNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "provider not found"})
			return
		}
		s.internalError(c, "failed to delete provider", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) handleTestProvider(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := s.providers.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrProviderNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "provider not found"})
			return
		}
		s.internalError(c, "failed to get provider", err)
		return
	}

	var config string
	if p.Config != "" {
		plaintext, err := s.box.Open(p.Config)
		if err != nil {
			s.internalError(c, "failed to decrypt provider config", err)
			return
		}
		config = string(plaintext)
	}

	c.JSON(http.StatusOK, s.engine.TestConnection(ctx, p.Type, config))
}

func (s *Server) handleListInstances(c *gin.Context) {
	instances := s.engine.GetInstances()
	c.JSON(http.StatusOK, gin.H{"instances": instances, "count": len(instances)})
}

func (s *Server) handleUsageToday(c *gin.Context) {
	stats, err := s.usage.TodayStats(c.Request.Context(), c.Query("provider_id"), time.Now())
	if err != nil {
		s.internalError(c, "failed to query today's usage", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleUsageSummary(c *gin.Context) {
	now := time.Now().UTC()
	var from time.Time
	period := c.DefaultQuery("period", "daily")
	switch period {
	case "daily":
		y, m, d := now.Date()
		from = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	case "weekly":
		from = now.AddDate(0, 0, -7)
	case "monthly":
		y, m, _ := now.Date()
		from = time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid period: %s (expected daily, weekly, or monthly)", period),
		})
		return
	}

	rows, err := s.usage.SummarySince(c.Request.Context(), from)
	if err != nil {
		s.internalError(c, "failed to query usage summary", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"period": period, "from": from, "rows": rows})
}

func (s *Server) handleListBudgets(c *gin.Context) {
	budgets, err := s.budgets.List(c.Request.Context())
	if err != nil {
		s.internalError(c, "failed to list budgets", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"budgets": budgets, "count": len(budgets)})
}

func (s *Server) handleCreateBudget(c *gin.Context) {
	var req CreateBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	b := &models.Budget{
		Name:       req.Name,
		ProviderID: req.ProviderID,
		Period:     models.BudgetPeriod(req.Period),
		LimitUSD:   req.LimitUSD,
		Thresholds: req.Thresholds,
		IsHardCap:  req.IsHardCap,
	}
	if err := s.budgets.Create(c.Request.Context(), b); err != nil {
		s.internalError(c, "failed to create budget", err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (s *Server) handleDeleteBudget(c *gin.Context) {
	err := s.budgets.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrBudgetNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "budget not found"})
			return
		}
		s.internalError(c, "failed to delete budget", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	// The request context carries the request id for handler enrichment
	s.logger.ErrorContext(c.Request.Context(), msg, slog.Any("error", err))
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:     msg,
		RequestID: c.GetString("request_id"),
	})
}

// sanitizeValidationError converts internal field names to JSON field names
// in validation error messages so responses never leak struct internals.
func sanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return "invalid request body"
	}

	var messages []string
	for _, fe := range validationErrs {
		field := toSnakeCase(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		case "gt":
			messages = append(messages, fmt.Sprintf("%s must be greater than %s", field, fe.Param()))
		case "lte":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", field, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

var camelBoundary = regexp.MustCompile("([a-z0-9])([A-Z])")

func toSnakeCase(s string) string {
	fieldMappings := map[string]string{
		"ProviderID":  "provider_id",
		"LimitUSD":    "limit_usd",
		"IsEstimated": "is_estimated",
		"IsHardCap":   "is_hard_cap",
	}
	if mapped, ok := fieldMappings[s]; ok {
		return mapped
	}
	return strings.ToLower(camelBoundary.ReplaceAllString(s, "${1}_${2}"))
}
