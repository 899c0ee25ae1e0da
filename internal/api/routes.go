package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/adapter"
	"github.com/satriahrh/callbridge/internal/audio"
	"github.com/satriahrh/callbridge/internal/auth"
	"github.com/satriahrh/callbridge/internal/registry"
)

// SessionStore is the read side of the session registry
type SessionStore interface {
	ActiveSessions() []entities.Session
	History() []entities.Session
	FindSession(id string) (entities.Session, bool)
	GlobalStats() registry.GlobalStats
}

// CallHub accepts call legs and reports live calls
type CallHub interface {
	HandleWebSocket(c echo.Context, callID string) error
	ActiveCalls() []adapter.Stats
	Count() int
}

// HealthCheck probes one external dependency
type HealthCheck func(ctx context.Context) error

const healthCheckTimeout = 2 * time.Second

// Dependencies are the collaborators behind the HTTP surface
type Dependencies struct {
	Sessions SessionStore
	Hub      CallHub
	// Archive serves sessions that left the registry history. Nil limits lookups to the registry.
	Archive  repositories.SessionArchive
	Pipeline *audio.Pipeline
	// Tokens validates call-leg tokens. Nil leaves /ws unauthenticated.
	Tokens *auth.TokenIssuer
	// APIKey guards token issuance. Empty disables the endpoint.
	APIKey   string
	Gatherer prometheus.Gatherer
	// Checks are run by /health, keyed by dependency name.
	Checks map[string]HealthCheck
	Logger *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "api"))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		status, code := "ok", http.StatusOK
		checks := make(map[string]string, len(deps.Checks))
		for name, check := range deps.Checks {
			ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
			err := check(ctx)
			cancel()
			if err != nil {
				logger.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
				checks[name] = err.Error()
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		return c.JSON(code, HealthResponse{
			Status:         status,
			Service:        "callbridge",
			ActiveSessions: len(deps.Sessions.ActiveSessions()),
			Checks:         checks,
		})
	})

	if deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.GET("/sessions", func(c echo.Context) error {
		return c.JSON(http.StatusOK, sessionsResponse(deps.Sessions.ActiveSessions()))
	})
	v1.GET("/sessions/history", func(c echo.Context) error {
		return c.JSON(http.StatusOK, sessionsResponse(deps.Sessions.History()))
	})
	v1.GET("/sessions/:id", func(c echo.Context) error {
		return getSession(c, deps, logger)
	})
	v1.GET("/stats", func(c echo.Context) error {
		resp := StatsResponse{
			Sessions:    deps.Sessions.GlobalStats(),
			CallLegs:    deps.Hub.Count(),
			ActiveCalls: deps.Hub.ActiveCalls(),
		}
		if deps.Pipeline != nil {
			resp.Audio = deps.Pipeline.Stats()
		}
		if resp.ActiveCalls == nil {
			resp.ActiveCalls = []adapter.Stats{}
		}
		return c.JSON(http.StatusOK, resp)
	})

	v1.POST("/calls/token", func(c echo.Context) error {
		return issueCallToken(c, deps, logger)
	})
	v1.GET("/calls/:callId/sessions", func(c echo.Context) error {
		return listCallSessions(c, deps, logger)
	})

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(c, deps, logger)
	})
}

func sessionsResponse(sessions []entities.Session) SessionsResponse {
	if sessions == nil {
		sessions = []entities.Session{}
	}
	return SessionsResponse{Sessions: sessions, Count: len(sessions)}
}

func archiveUnavailable(c echo.Context) error {
	return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error:   "archive_unavailable",
		Message: "The session archive could not be queried",
	})
}

// getSession looks in the registry first and falls back to the archive.
func getSession(c echo.Context, deps Dependencies, logger *zap.Logger) error {
	id := c.Param("id")
	if session, ok := deps.Sessions.FindSession(id); ok {
		return c.JSON(http.StatusOK, session)
	}

	if deps.Archive != nil {
		archived, err := deps.Archive.GetByID(c.Request().Context(), id)
		if err != nil {
			logger.Error("Failed to read session archive", zap.String("sessionID", id), zap.Error(err))
			return archiveUnavailable(c)
		}
		if archived != nil {
			return c.JSON(http.StatusOK, archived)
		}
	}

	return c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "session_not_found",
		Message: "No session with this id",
	})
}

// listCallSessions returns every session of one call, newest start first.
// Registry copies win over archived ones with the same id.
func listCallSessions(c echo.Context, deps Dependencies, logger *zap.Logger) error {
	callID := c.Param("callId")

	seen := make(map[string]bool)
	var sessions []entities.Session
	for _, group := range [][]entities.Session{deps.Sessions.ActiveSessions(), deps.Sessions.History()} {
		for _, s := range group {
			if s.CallID == callID && !seen[s.ID] {
				seen[s.ID] = true
				sessions = append(sessions, s)
			}
		}
	}

	if deps.Archive != nil {
		archived, err := deps.Archive.ListByCallID(c.Request().Context(), callID)
		if err != nil {
			logger.Error("Failed to list archived sessions", zap.String("callID", callID), zap.Error(err))
			return archiveUnavailable(c)
		}
		for _, s := range archived {
			if !seen[s.ID] {
				seen[s.ID] = true
				sessions = append(sessions, s)
			}
		}
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	return c.JSON(http.StatusOK, sessionsResponse(sessions))
}

func issueCallToken(c echo.Context, deps Dependencies, logger *zap.Logger) error {
	if deps.APIKey == "" || deps.Tokens == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "token_issuance_disabled",
			Message: "Call tokens are not configured on this bridge",
		})
	}

	key := c.Request().Header.Get("X-API-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(deps.APIKey)) != 1 {
		logger.Warn("Call token rejected: bad API key", zap.String("remoteIP", c.RealIP()))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_api_key",
			Message: "A valid X-API-Key header is required",
		})
	}

	var req CallTokenRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind call token request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	token, expiresAt, err := deps.Tokens.GenerateCallToken(req.CallID)
	if err != nil {
		logger.Error("Failed to generate call token", zap.String("callID", req.CallID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate call token",
		})
	}

	logger.Info("Call token issued", zap.String("callID", req.CallID))
	return c.JSON(http.StatusOK, CallTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		CallID:    req.CallID,
	})
}

// websocketWithAuth handles call-leg connections with JWT authentication
func websocketWithAuth(c echo.Context, deps Dependencies, logger *zap.Logger) error {
	if deps.Tokens == nil {
		return deps.Hub.HandleWebSocket(c, c.QueryParam("call_id"))
	}

	// Extract JWT token from Authorization header only
	token, ok := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		logger.Warn("Call leg rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in Authorization header",
		})
	}

	claims, err := deps.Tokens.ValidateToken(token)
	if err != nil {
		logger.Warn("Call leg rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	logger.Debug("Call leg authenticated", zap.String("callID", claims.CallID))
	return deps.Hub.HandleWebSocket(c, claims.CallID)
}
