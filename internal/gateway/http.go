package gateway

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terminal-bench/agentworld/internal/address"
	"github.com/terminal-bench/agentworld/internal/auth"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/registry"
)

const (
	headerCorrelationID = "X-Correlation-ID"
	// headerAgent identifies the caller when no token service is configured.
	headerAgent = "X-Agent-Address"

	ctxAgent    = "agent"
	ctxOperator = "operator"
)

// Server is the HTTP surface of the gateway.
type Server struct {
	gw     *Gateway
	auth   *auth.Service
	hub    *Hub
	router *gin.Engine
	logger *log.Logger
	probe  HealthProbe
}

// HealthProbe reports dependency state for /health and whether the service
// can serve traffic.
type HealthProbe func(ctx context.Context) (details interface{}, healthy bool)

// NewServer builds the router. authSvc may be nil, in which case callers
// identify themselves with the X-Agent-Address header.
func NewServer(gw *Gateway, authSvc *auth.Service, hub *Hub, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		gw:     gw,
		auth:   authSvc,
		hub:    hub,
		router: gin.New(),
		logger: logger,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.correlationMiddleware())

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/agents", s.register)
		v1.POST("/tokens/refresh", s.refreshToken)
		v1.GET("/agents/:address", s.getAgent)
		v1.GET("/leaderboard", s.leaderboard)

		v1.GET("/proposals", s.listProposals)
		v1.GET("/proposals/:id", s.getProposal)
		v1.POST("/proposals", s.authMiddleware(), s.createProposal)
		v1.POST("/proposals/:id/votes", s.authMiddleware(), s.castVote)
		v1.POST("/proposals/:id/execute", s.authMiddleware(), s.operatorOnly(), s.executeProposal)

		v1.GET("/lottery/current", s.currentRound)
		v1.GET("/lottery/rounds/:id", s.getRound)
		v1.POST("/lottery/tickets", s.authMiddleware(), s.buyTickets)
		v1.POST("/lottery/draw", s.authMiddleware(), s.drawLottery)

		v1.PUT("/appreciation/:subject", s.authMiddleware(), s.appreciate)
		v1.GET("/breeding/:a/:b", s.authMiddleware(), s.checkBreeding)

		v1.POST("/decisions", s.authMiddleware(), s.decide)

		v1.GET("/ws", s.authMiddleware(), s.handleWebSocket)
	}
}

// Middleware

func (s *Server) correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(headerCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Header(headerCorrelationID, correlationID)
		c.Request = c.Request.WithContext(WithCorrelationID(c.Request.Context(), correlationID))
		c.Next()
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.auth == nil {
			agent, err := address.Canonicalize(c.GetHeader(headerAgent))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing agent address"})
				return
			}
			c.Set(ctxAgent, agent)
			c.Next()
			return
		}

		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		claims, err := s.auth.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ctxAgent, claims.Address())
		c.Set(ctxOperator, claims.IsOperator())
		c.Next()
	}
}

func (s *Server) operatorOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ctxOperator) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "operator role required"})
			return
		}
		c.Next()
	}
}

func writeResult(c *gin.Context, okStatus int, res Result) {
	if res.Success {
		c.JSON(okStatus, res)
		return
	}
	if res.RetryAfter > 0 {
		c.Header("Retry-After", strconv.FormatInt(res.RetryAfter, 10))
	}
	c.JSON(res.Kind.HTTPStatus(), res)
}

func badRequest(c *gin.Context, err error) {
	writeResult(c, http.StatusOK, failed(apperrors.Validation(apperrors.CodeInvalidInput, "invalid request: %v", err)))
}

// Handlers

// SetHealth attaches a dependency probe to /health.
func (s *Server) SetHealth(probe HealthProbe) {
	s.probe = probe
}

func (s *Server) healthCheck(c *gin.Context) {
	if s.probe == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	details, ok := s.probe(c.Request.Context())
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "dependencies": details})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "dependencies": details})
}

type registerResponse struct {
	Result
	Token string `json:"token,omitempty"`
}

func (s *Server) register(c *gin.Context) {
	var req registry.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res := s.gw.Register(c.Request.Context(), req)
	if !res.Success || s.auth == nil {
		writeResult(c, http.StatusCreated, res)
		return
	}
	token, err := s.auth.Issue(req.Address, auth.RoleAgent)
	if err != nil {
		s.logger.Printf("gateway: token for %s not issued: %v", req.Address, err)
	}
	c.JSON(http.StatusCreated, registerResponse{Result: res, Token: token})
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// refreshToken exchanges a valid or recently expired token for a new one.
func (s *Server) refreshToken(c *gin.Context) {
	if s.auth == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tokens are not issued"})
		return
	}
	token, claims, err := s.auth.Refresh(c.GetHeader("Authorization"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	s.logger.Printf("gateway: token refreshed for %s", claims.Address())
	c.JSON(http.StatusOK, tokenResponse{Token: token, ExpiresAt: s.auth.ExpiresAt().UTC()})
}

func (s *Server) getAgent(c *gin.Context) {
	writeResult(c, http.StatusOK, s.gw.Agent(c.Request.Context(), c.Param("address")))
}

func queryInt(c *gin.Context, name string, def int) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return n
}

func (s *Server) leaderboard(c *gin.Context) {
	writeResult(c, http.StatusOK, s.gw.Leaderboard(c.Request.Context(), queryInt(c, "limit", 10)))
}

func (s *Server) listProposals(c *gin.Context) {
	res := s.gw.Proposals(c.Request.Context(), queryInt(c, "offset", 0), queryInt(c, "limit", 20))
	writeResult(c, http.StatusOK, res)
}

func (s *Server) getProposal(c *gin.Context) {
	writeResult(c, http.StatusOK, s.gw.Proposal(c.Request.Context(), c.Param("id")))
}

type proposalRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

func (s *Server) createProposal(c *gin.Context) {
	var req proposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res := s.gw.CreateProposal(c.Request.Context(), c.GetString(ctxAgent), req.Title, req.Description)
	writeResult(c, http.StatusCreated, res)
}

type voteRequest struct {
	Support *bool `json:"support" binding:"required"`
}

func (s *Server) castVote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res := s.gw.CastVote(c.Request.Context(), c.GetString(ctxAgent), c.Param("id"), *req.Support)
	writeResult(c, http.StatusCreated, res)
}

func (s *Server) executeProposal(c *gin.Context) {
	writeResult(c, http.StatusOK, s.gw.ExecuteProposal(c.Request.Context(), c.GetString(ctxAgent), c.Param("id")))
}

func (s *Server) currentRound(c *gin.Context) {
	writeResult(c, http.StatusOK, s.gw.CurrentRound(c.Request.Context()))
}

func (s *Server) getRound(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeResult(c, http.StatusOK, failed(apperrors.Validation(apperrors.CodeInvalidInput, "invalid round id %q", c.Param("id"))))
		return
	}
	writeResult(c, http.StatusOK, s.gw.Round(c.Request.Context(), id))
}

type ticketsRequest struct {
	Count int64 `json:"count"`
}

func (s *Server) buyTickets(c *gin.Context) {
	var req ticketsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	writeResult(c, http.StatusOK, s.gw.BuyTickets(c.Request.Context(), c.GetString(ctxAgent), req.Count))
}

type drawRequest struct {
	RoundID int64 `json:"round_id"`
}

func (s *Server) drawLottery(c *gin.Context) {
	var req drawRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	writeResult(c, http.StatusOK, s.gw.DrawLottery(c.Request.Context(), c.GetString(ctxAgent), req.RoundID))
}

type appreciationRequest struct {
	Score int `json:"score"`
}

func (s *Server) appreciate(c *gin.Context) {
	var req appreciationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res := s.gw.Appreciate(c.Request.Context(), c.GetString(ctxAgent), c.Param("subject"), req.Score)
	writeResult(c, http.StatusOK, res)
}

// checkBreeding evaluates the pair from the caller's side. The caller must
// be one of the two agents.
func (s *Server) checkBreeding(c *gin.Context) {
	agent := c.GetString(ctxAgent)
	a, errA := address.Canonicalize(c.Param("a"))
	b, errB := address.Canonicalize(c.Param("b"))
	if errA != nil || errB != nil {
		writeResult(c, http.StatusOK, failed(apperrors.Validation(apperrors.CodeInvalidAddress, "invalid pair %s/%s", c.Param("a"), c.Param("b"))))
		return
	}
	var partner string
	switch agent {
	case a:
		partner = b
	case b:
		partner = a
	default:
		c.JSON(http.StatusForbidden, gin.H{"error": "caller is not part of the pair"})
		return
	}
	writeResult(c, http.StatusOK, s.gw.CheckBreeding(c.Request.Context(), agent, partner))
}

func (s *Server) decide(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		badRequest(c, err)
		return
	}
	writeResult(c, http.StatusOK, s.gw.ExecuteDecision(c.Request.Context(), c.GetString(ctxAgent), raw))
}

func (s *Server) handleWebSocket(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream disabled"})
		return
	}
	s.hub.Serve(c.Writer, c.Request, c.GetString(ctxAgent))
}
