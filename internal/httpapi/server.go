// Package httpapi exposes the casino command façade over HTTP. It carries
// no game logic: handlers bind a request body, call one façade command, and
// translate the error code onto an HTTP status.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/casino/internal/casino"
	"github.com/MarkoPoloResearchLab/casino/pkg/games/blackjack"
)

// Server serves the casino HTTP API.
type Server struct {
	cfg    Config
	casino *casino.Casino
	logger *zap.Logger
}

// New validates the configuration and builds a Server.
func New(cfg Config, facade *casino.Casino, logger *zap.Logger) (*Server, error) {
	if facade == nil {
		return nil, fmt.Errorf("casino façade is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, casino: facade, logger: logger}, nil
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router builds the gin handler tree.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/register", server.handleRegister)
	api.GET("/balance/:identity", server.handleBalance)
	api.GET("/history/:identity", server.handleHistory)
	api.GET("/leaderboard", server.handleLeaderboard)
	api.GET("/rank/:identity", server.handleRank)
	api.GET("/stats/:identity", server.handleGameStats)

	api.POST("/claim/daily", server.handleClaimDaily)
	api.POST("/claim/hourly", server.handleClaimHourly)
	api.POST("/claim/insurance", server.handleInsurance)

	api.POST("/duel/challenge", server.handleDuelChallenge)
	api.POST("/duel/accept", server.handleDuelAccept)
	api.POST("/duel/decline", server.handleDuelDecline)
	api.POST("/duel/cancel", server.handleDuelCancel)

	api.POST("/pot/open", server.handlePotOpen)
	api.POST("/pot/join", server.handlePotJoin)
	api.POST("/pot/leave", server.handlePotLeave)
	api.POST("/pot/roll", server.handlePotRoll)

	api.POST("/blackjack/deal", server.handleBlackjackDeal)
	api.POST("/blackjack/join", server.handleBlackjackJoin)
	api.POST("/blackjack/begin", server.handleBlackjackBegin)
	api.POST("/blackjack/hit", server.handleBlackjackHit)
	api.POST("/blackjack/stand", server.handleBlackjackStand)
	api.POST("/blackjack/double", server.handleBlackjackDouble)

	api.POST("/race/open", server.handleRaceOpen)
	api.POST("/race/join", server.handleRaceJoin)
	api.POST("/race/run", server.handleRaceRun)

	api.POST("/slots/spin", server.handleSlotsSpin)
	api.POST("/roulette/spin", server.handleRouletteSpin)

	admin := api.Group("/admin")
	admin.Use(bearerAuth([]byte(server.cfg.AdminJWTKey)))
	admin.POST("/adjust", server.handleAdminAdjust)
	admin.POST("/reset", server.handleAdminReset)

	return router
}

// bearerAuth validates an HS256 bearer token on every request.
func bearerAuth(signingKey []byte) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		parsed, err := jwt.Parse(token, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return signingKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !parsed.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Next()
	}
}

type identityRequest struct {
	Identity string `json:"identity"`
	Scope    string `json:"scope"`
}

type registerRequest struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
}

type betRequest struct {
	Identity string `json:"identity"`
	Bet      int64  `json:"bet"`
	Scope    string `json:"scope"`
}

type insuranceRequest struct {
	Identity string `json:"identity"`
	Track    string `json:"track"`
}

type challengeRequest struct {
	Challenger string `json:"challenger"`
	Opponent   string `json:"opponent"`
	Bet        int64  `json:"bet"`
	Scope      string `json:"scope"`
}

type dealRequest struct {
	Identity string `json:"identity"`
	Bet      int64  `json:"bet"`
	Mode     string `json:"mode"`
	Scope    string `json:"scope"`
}

type raceJoinRequest struct {
	Identity   string `json:"identity"`
	Competitor string `json:"competitor"`
	Scope      string `json:"scope"`
}

type rouletteRequest struct {
	Identity string `json:"identity"`
	Bet      int64  `json:"bet"`
	Choice   string `json:"choice"`
}

type adjustRequest struct {
	Identity string `json:"identity"`
	Amount   int64  `json:"amount"`
}

func (server *Server) handleRegister(ctx *gin.Context) {
	var request registerRequest
	if !server.bind(ctx, &request) {
		return
	}
	user, created, err := server.casino.Register(ctx.Request.Context(), request.Identity, request.Name)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ctx.JSON(status, gin.H{"user": user, "created": created})
}

func (server *Server) handleBalance(ctx *gin.Context) {
	user, err := server.casino.Balance(ctx.Request.Context(), ctx.Param("identity"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user": user})
}

func (server *Server) handleHistory(ctx *gin.Context) {
	before, _ := strconv.ParseInt(ctx.Query("before"), 10, 64)
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	transactions, err := server.casino.History(ctx.Request.Context(), ctx.Param("identity"), before, limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": transactions})
}

func (server *Server) handleLeaderboard(ctx *gin.Context) {
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "10"))
	if err != nil || limit <= 0 {
		limit = 10
	}
	entries, err := server.casino.Leaderboard(ctx.Request.Context(), limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (server *Server) handleRank(ctx *gin.Context) {
	entry, err := server.casino.Rank(ctx.Request.Context(), ctx.Param("identity"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": entry})
}

func (server *Server) handleGameStats(ctx *gin.Context) {
	records, err := server.casino.GameStats(ctx.Request.Context(), ctx.Param("identity"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"records": records})
}

func (server *Server) handleClaimDaily(ctx *gin.Context) {
	server.handleClaim(ctx, server.casino.ClaimDaily)
}

func (server *Server) handleClaimHourly(ctx *gin.Context) {
	server.handleClaim(ctx, server.casino.ClaimHourly)
}

func (server *Server) handleClaim(ctx *gin.Context, claim func(context.Context, string) (casino.ClaimResult, error)) {
	var request identityRequest
	if !server.bind(ctx, &request) {
		return
	}
	result, err := claim(ctx.Request.Context(), request.Identity)
	if err != nil {
		server.respondClaimError(ctx, err, result)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user":   result.User,
		"reward": result.Reward,
		"streak": result.Streak,
		"broken": result.Broken,
	})
}

func (server *Server) handleInsurance(ctx *gin.Context) {
	var request insuranceRequest
	if !server.bind(ctx, &request) {
		return
	}
	result, err := server.casino.BuyStreakInsurance(ctx.Request.Context(), request.Identity, casino.Track(request.Track))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user":   result.User,
		"cost":   result.Cost,
		"streak": result.Streak,
	})
}

func (server *Server) handleDuelChallenge(ctx *gin.Context) {
	var request challengeRequest
	if !server.bind(ctx, &request) {
		return
	}
	opened, err := server.casino.DuelChallenge(ctx.Request.Context(), request.Challenger, request.Opponent, request.Bet, request.Scope)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"session": opened})
}

func (server *Server) handleDuelAccept(ctx *gin.Context) {
	var request identityRequest
	if !server.bind(ctx, &request) {
		return
	}
	outcome, err := server.casino.DuelAccept(ctx.Request.Context(), request.Identity, request.Scope)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (server *Server) handleDuelDecline(ctx *gin.Context) {
	server.handleScopedAction(ctx, server.casino.DuelDecline)
}

func (server *Server) handleDuelCancel(ctx *gin.Context) {
	server.handleScopedAction(ctx, server.casino.DuelCancel)
}

func (server *Server) handleScopedAction(ctx *gin.Context, action func(context.Context, string, string) error) {
	var request identityRequest
	if !server.bind(ctx, &request) {
		return
	}
	if err := action(ctx.Request.Context(), request.Identity, request.Scope); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) handlePotOpen(ctx *gin.Context) {
	var request betRequest
	if !server.bind(ctx, &request) {
		return
	}
	opened, err := server.casino.PotOpen(ctx.Request.Context(), request.Identity, request.Bet, request.Scope)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"session": opened})
}

func (server *Server) handlePotJoin(ctx *gin.Context) {
	var request identityRequest
	if !server.bind(ctx, &request) {
		return
	}
	joined, err := server.casino.PotJoin(ctx.Request.Context(), request.Identity, request.Scope)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": joined})
}

func (server *Server) handlePotLeave(ctx *gin.Context) {
	server.handleScopedAction(ctx, server.casino.PotLeave)
}

func (server *Server) handlePotRoll(ctx *gin.Context) {
	var request identityRequest
	if !server.bind(ctx, &request) {
		return
	}
	outcome, err := server.casino.PotRoll(ctx.Request.Context(), request.Identity, request.Scope)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (server *Server) handleBlackjackDeal(ctx *gin.Context) {
	var request dealRequest
	if !server.bind(ctx, &request) {
		return
	}
	mode := blackjack.ModeSolo
	if request.Mode != "" {
		mode = blackjack.Mode(request.Mode)
	}
	view, err := server.casino.BlackjackDeal(ctx.Request.Context(), request.Identity, request.Bet, mode, request.Scope)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"table": view})
}

func (server *Server) handleBlackjackJoin(ctx *gin.Context) {
	server.handleTableAction(ctx, server.casino.BlackjackJoin)
}

func (server *Server) handleBlackjackBegin(ctx *gin.Context) {
	server.handleTableAction(ctx, server.casino.BlackjackBegin)
}

func (server *Server) handleBlackjackHit(ctx *gin.Context) {
	server.handleTableAction(ctx, server.casino.BlackjackHit)
}

func (server *Server) handleBlackjackStand(ctx *gin.Context) {
	server.handleTableAction(ctx, server.casino.BlackjackStand)
}

func (server *Server) handleBlackjackDouble(ctx *gin.Context) {
	server.handleTableAction(ctx, server.casino.BlackjackDouble)
}

func (server *Server) handleTableAction(ctx *gin.Context, action func(context.Context, string, string) (blackjack.View, error)) {
	var request identityRequest
	if !server.bind(ctx, &request) {
		return
	}
	view, err := action(ctx.Request.Context(), request.Identity, request.Scope)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"table": view})
}

func (server *Server) handleRaceOpen(ctx *gin.Context) {
	var request betRequest
	if !server.bind(ctx, &request) {
		return
	}
	opened, err := server.casino.RaceOpen(ctx.Request.Context(), request.Identity, request.Bet, request.Scope)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"session": opened})
}

func (server *Server) handleRaceJoin(ctx *gin.Context) {
	var request raceJoinRequest
	if !server.bind(ctx, &request) {
		return
	}
	joined, err := server.casino.RaceJoin(ctx.Request.Context(), request.Identity, request.Competitor, request.Scope)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": joined})
}

func (server *Server) handleRaceRun(ctx *gin.Context) {
	var request identityRequest
	if !server.bind(ctx, &request) {
		return
	}
	outcome, err := server.casino.RaceRun(ctx.Request.Context(), request.Identity, request.Scope)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (server *Server) handleSlotsSpin(ctx *gin.Context) {
	var request betRequest
	if !server.bind(ctx, &request) {
		return
	}
	outcome, err := server.casino.SlotsSpin(ctx.Request.Context(), request.Identity, request.Bet)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (server *Server) handleRouletteSpin(ctx *gin.Context) {
	var request rouletteRequest
	if !server.bind(ctx, &request) {
		return
	}
	outcome, err := server.casino.RouletteSpin(ctx.Request.Context(), request.Identity, request.Bet, request.Choice)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (server *Server) handleAdminAdjust(ctx *gin.Context) {
	var request adjustRequest
	if !server.bind(ctx, &request) {
		return
	}
	user, err := server.casino.AdminAdjust(ctx.Request.Context(), request.Identity, request.Amount)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user": user})
}

func (server *Server) handleAdminReset(ctx *gin.Context) {
	var request identityRequest
	if !server.bind(ctx, &request) {
		return
	}
	user, err := server.casino.AdminReset(ctx.Request.Context(), request.Identity)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user": user})
}

func (server *Server) bind(ctx *gin.Context, request any) bool {
	if err := ctx.ShouldBindJSON(request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return false
	}
	return true
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	code := casino.CodeOf(err)
	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		server.logger.Error("command failed",
			zap.String("path", ctx.FullPath()),
			zap.Error(err))
	}
	ctx.JSON(status, errorResponse(string(code), err.Error()))
}

// respondClaimError keeps the retry hint on cooldown responses.
func (server *Server) respondClaimError(ctx *gin.Context, err error, result casino.ClaimResult) {
	code := casino.CodeOf(err)
	if code != casino.CodeOnCooldown {
		server.respondError(ctx, err)
		return
	}
	body := errorResponse(string(code), err.Error())
	body["retry_at_unix_utc"] = result.RetryAtUnixUTC
	ctx.JSON(statusOf(code), body)
}

func statusOf(code casino.Code) int {
	switch code {
	case casino.CodeOK:
		return http.StatusOK
	case casino.CodeInvalidUser, casino.CodeInvalidBet, casino.CodeUnknownTrack,
		casino.CodeUnknownCompetitor, casino.CodeSelfChallenge, casino.CodeUnknownColor:
		return http.StatusBadRequest
	case casino.CodeNotRegistered, casino.CodeNoActiveGame:
		return http.StatusNotFound
	case casino.CodeInsufficientFunds, casino.CodeAlreadyRegistered,
		casino.CodeGameAlreadyActive, casino.CodeAlreadyJoined, casino.CodeNotJoined,
		casino.CodeStateConflict, casino.CodeActionTimeout, casino.CodeNotYourTurn,
		casino.CodeNotCreator, casino.CodeNotChallenged, casino.CodeNotEnoughPlayers,
		casino.CodeNoBackers, casino.CodeDoubleUnavailable, casino.CodeTableFull,
		casino.CodeOnCooldown, casino.CodeStreakNotBroken:
		return http.StatusConflict
	case casino.CodeLockTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
