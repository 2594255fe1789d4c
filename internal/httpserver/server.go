package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/6829nkhpas/Credit-Based-SaaS/internal/chain"
	"github.com/6829nkhpas/Credit-Based-SaaS/pkg/credits"
)

// Config configures the HTTP façade.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
}

// Server exposes the credit service over HTTP. Authentication happens
// upstream; the server only checks the session signature and hands the
// subject to the domain layer.
type Server struct {
	logger  *zap.Logger
	service *credits.Service
	mirror  *chain.Mirror
	cfg     Config
	router  *gin.Engine
}

// New wires a Server. The mirror may be nil when the deployment runs
// without chain mirroring; the status endpoint then reports unavailable.
func New(logger *zap.Logger, service *credits.Service, mirror *chain.Mirror, cfg Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{logger: logger, service: service, mirror: mirror, cfg: cfg}
	server.router = server.setupRouter()
	return server
}

// Router returns the configured gin engine.
func (server *Server) Router() *gin.Engine {
	return server.router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("credit api listening", zap.String("addr", server.cfg.ListenAddr))
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

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(bearerSubject([]byte(server.cfg.SessionSigningKey)))

	api.GET("/credits/balance", server.handleBalance)
	api.POST("/credits/deduct", server.handleDeduct)
	api.POST("/credits/add", server.handleAddCredits)
	api.POST("/credits/purchase", server.handlePurchase)
	api.GET("/credits/history", server.handleHistory)
	api.GET("/credits/statistics", server.handleStatistics)
	api.GET("/transactions/:hash", server.handleTransactionStatus)

	return router
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, err := credits.NewUserID(authenticatedUserID(ctx))
	if err != nil {
		respondError(ctx, err)
		return
	}
	balance, err := server.service.GetBalance(ctx.Request.Context(), userID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance})
}

type deductRequest struct {
	Action   string `json:"action"`
	Metadata string `json:"metadata"`
}

func (server *Server) handleDeduct(ctx *gin.Context) {
	userID, err := credits.NewUserID(authenticatedUserID(ctx))
	if err != nil {
		respondError(ctx, err)
		return
	}
	var request deductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	action, err := credits.ParseActionKind(request.Action)
	if err != nil {
		respondError(ctx, err)
		return
	}
	metadata, err := credits.NewMetadataJSON(request.Metadata)
	if err != nil {
		respondError(ctx, err)
		return
	}
	receipt, err := server.service.DeductForAction(ctx.Request.Context(), userID, action, metadata, credits.RequestContext{
		IPAddress: ctx.ClientIP(),
		UserAgent: ctx.Request.UserAgent(),
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"remaining_balance": receipt.RemainingBalance,
		"entry_id":          receipt.EntryID,
	})
}

type addCreditsRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (server *Server) handleAddCredits(ctx *gin.Context) {
	if !isAdmin(ctx) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "admin scope required"))
		return
	}
	var request addCreditsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	amount, err := credits.NewCreditAmount(request.Amount)
	if err != nil {
		respondError(ctx, err)
		return
	}
	newBalance, err := server.service.AddCredits(ctx.Request.Context(), userID, amount, authenticatedUserID(ctx), request.Reason)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"new_balance": newBalance})
}

type purchaseRequest struct {
	Amount                string `json:"amount"`
	Currency              string `json:"currency"`
	Credits               int64  `json:"credits"`
	Provider              string `json:"provider"`
	ProviderTransactionID string `json:"provider_transaction_id"`
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	userID, err := credits.NewUserID(authenticatedUserID(ctx))
	if err != nil {
		respondError(ctx, err)
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	fiatAmount, err := decimal.NewFromString(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	amount, err := credits.NewCreditAmount(request.Credits)
	if err != nil {
		respondError(ctx, err)
		return
	}
	newBalance, err := server.service.PurchaseCredits(ctx.Request.Context(), userID, fiatAmount, request.Currency, amount, request.ProviderTransactionID, request.Provider)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"new_balance": newBalance})
}

func (server *Server) handleHistory(ctx *gin.Context) {
	userID, err := credits.NewUserID(authenticatedUserID(ctx))
	if err != nil {
		respondError(ctx, err)
		return
	}
	limit := intQuery(ctx, "limit", 0)
	offset := intQuery(ctx, "offset", 0)
	history, err := server.service.GetHistory(ctx.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(ctx, err)
		return
	}
	entries := make([]gin.H, 0, len(history.Entries))
	for _, entry := range history.Entries {
		entries = append(entries, auditEntryJSON(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   history.Total,
		"summary": summaryJSON(history.Summary),
	})
}

func (server *Server) handleStatistics(ctx *gin.Context) {
	userID, err := credits.NewUserID(authenticatedUserID(ctx))
	if err != nil {
		respondError(ctx, err)
		return
	}
	statistics, err := server.service.GetStatistics(ctx.Request.Context(), userID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	breakdown := make(map[string]gin.H, len(statistics.Breakdown))
	for action, stats := range statistics.Breakdown {
		breakdown[action.String()] = gin.H{"count": stats.Count, "total_cost": stats.TotalCost}
	}
	ctx.JSON(http.StatusOK, gin.H{
		"summary":   summaryJSON(statistics.Summary),
		"breakdown": breakdown,
	})
}

func (server *Server) handleTransactionStatus(ctx *gin.Context) {
	if server.mirror == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("mirror_unavailable", "blockchain mirroring is not enabled"))
		return
	}
	view, err := server.mirror.Status(ctx.Request.Context(), ctx.Param("hash"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	response := gin.H{
		"tx_hash":       view.TxHash,
		"status":        view.Status.String(),
		"confirmations": view.Confirmations,
	}
	if view.BlockNumber != nil {
		response["block_number"] = *view.BlockNumber
	}
	ctx.JSON(http.StatusOK, response)
}

func auditEntryJSON(entry credits.AuditEntry) gin.H {
	return gin.H{
		"entry_id":         entry.EntryID,
		"action":           entry.Action.String(),
		"cost":             entry.Cost,
		"balance_after":    entry.BalanceAfter,
		"tx_ref":           entry.TxRef,
		"metadata":         entry.MetadataJSON,
		"created_unix_utc": entry.CreatedUnixUTC,
	}
}

func summaryJSON(summary credits.Summary) gin.H {
	return gin.H{
		"total_spent":     summary.TotalSpent,
		"total_purchased": summary.TotalPurchased,
		"current_balance": summary.CurrentBalance,
	}
}

func intQuery(ctx *gin.Context, name string, fallback int) int {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}

func respondError(ctx *gin.Context, err error) {
	status, code := mapError(err)
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func mapError(source error) (int, string) {
	switch {
	case errors.Is(source, credits.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(source, credits.ErrUnknownAction):
		return http.StatusBadRequest, "unknown_action"
	case errors.Is(source, credits.ErrInvalidUserID):
		return http.StatusBadRequest, "invalid_user_id"
	case errors.Is(source, credits.ErrInvalidCreditAmount):
		return http.StatusBadRequest, "invalid_credit_amount"
	case errors.Is(source, credits.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, "invalid_metadata_json"
	case errors.Is(source, credits.ErrInvalidHistoryLimit):
		return http.StatusBadRequest, "invalid_history_limit"
	case errors.Is(source, credits.ErrInvalidPaymentAmount):
		return http.StatusBadRequest, "invalid_payment_amount"
	case errors.Is(source, credits.ErrInvalidPaymentProvider):
		return http.StatusBadRequest, "invalid_payment_provider"
	case errors.Is(source, credits.ErrDuplicatePayment):
		return http.StatusConflict, "duplicate_payment"
	case errors.Is(source, credits.ErrAccountNotFound):
		return http.StatusInternalServerError, "account_not_found"
	case errors.Is(source, credits.ErrUnknownTransaction):
		return http.StatusNotFound, "unknown_transaction"
	case errors.Is(source, credits.ErrLedgerTimeout):
		return http.StatusServiceUnavailable, "ledger_timeout"
	}
	return http.StatusInternalServerError, "internal_error"
}
