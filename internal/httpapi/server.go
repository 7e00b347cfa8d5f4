package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/smilecredit/pkg/smilecredit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Run boots the session API using the supplied configuration.
func Run(ctx context.Context, cfg Config, logger *zap.Logger, manager *Manager, receipts smilecredit.ReceiptStore) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		logger:   logger,
		cfg:      cfg,
		manager:  manager,
		receipts: receipts,
	}
	router := setupRouter(cfg, handler, manager)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("smiled listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		manager.CloseAll()
		return nil
	case err := <-errCh:
		manager.CloseAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, manager *Manager) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/api/connect", handler.handleConnect)

	api := router.Group("/api")
	api.Use(sessionMiddleware(cfg, manager))
	api.GET("/session", handler.handleSession)
	api.POST("/capture", handler.handleCapture)
	api.POST("/retake", handler.handleRetake)
	api.POST("/submit", handler.handleSubmit)
	api.POST("/donate", handler.handleDonate)
	api.GET("/pool", handler.handlePool)
	api.GET("/receipts", handler.handleReceipts)
	api.DELETE("/error", handler.handleClearError)
	api.DELETE("/session", handler.handleCloseSession)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	cfg      Config
	manager  *Manager
	receipts smilecredit.ReceiptStore
}

func (handler *httpHandler) handleConnect(ctx *gin.Context) {
	sessionID, session, err := handler.manager.Create()
	if err != nil {
		handler.logger.Error("session create failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("session_error", "could not create session"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	identity, connectErr := session.Connect(requestCtx)
	if connectErr != nil {
		handler.manager.Close(sessionID)
		handler.respondError(ctx, connectErr)
		return
	}
	token, tokenErr := issueSessionToken(handler.cfg, sessionID, identity.String())
	if tokenErr != nil {
		handler.manager.Close(sessionID)
		handler.logger.Error("token issue failed", zap.Error(tokenErr))
		ctx.JSON(http.StatusInternalServerError, errorResponse("session_error", "could not issue session token"))
		return
	}
	ctx.JSON(http.StatusOK, ConnectEnvelope{
		Token:   token,
		Session: sessionPayloadFrom(session.Snapshot()),
	})
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	session := handler.currentSession(ctx)
	if session == nil {
		return
	}
	ctx.JSON(http.StatusOK, SessionEnvelope{Session: sessionPayloadFrom(session.Snapshot())})
}

func (handler *httpHandler) handleCapture(ctx *gin.Context) {
	session := handler.currentSession(ctx)
	if session == nil {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if err := session.CapturePhoto(requestCtx); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, SessionEnvelope{Session: sessionPayloadFrom(session.Snapshot())})
}

func (handler *httpHandler) handleRetake(ctx *gin.Context) {
	session := handler.currentSession(ctx)
	if session == nil {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if err := session.Retake(requestCtx); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, SessionEnvelope{Session: sessionPayloadFrom(session.Snapshot())})
}

func (handler *httpHandler) handleSubmit(ctx *gin.Context) {
	session := handler.currentSession(ctx)
	if session == nil {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if err := session.Submit(requestCtx); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, SessionEnvelope{Session: sessionPayloadFrom(session.Snapshot())})
}

func (handler *httpHandler) handleDonate(ctx *gin.Context) {
	session := handler.currentSession(ctx)
	if session == nil {
		return
	}
	var request DonateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, amountErr := smilecredit.NewDonationAmount(request.Amount)
	if amountErr != nil {
		handler.respondError(ctx, amountErr)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if err := session.Donate(requestCtx, amount); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, SessionEnvelope{Session: sessionPayloadFrom(session.Snapshot())})
}

func (handler *httpHandler) handlePool(ctx *gin.Context) {
	session := handler.currentSession(ctx)
	if session == nil {
		return
	}
	snapshot := session.Snapshot()
	ctx.JSON(http.StatusOK, gin.H{"pool_balance": snapshot.PoolBalance})
}

func (handler *httpHandler) handleReceipts(ctx *gin.Context) {
	session := handler.currentSession(ctx)
	if session == nil {
		return
	}
	if handler.receipts == nil {
		ctx.JSON(http.StatusOK, ReceiptsEnvelope{Receipts: []ReceiptPayload{}})
		return
	}
	address := ctx.GetString(contextKeyAddress)
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	receipts, err := handler.receipts.ListReceipts(requestCtx, address, ReceiptHistoryLimit())
	if err != nil {
		handler.logger.Error("receipt list failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "receipts unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, ReceiptsEnvelope{Receipts: receiptPayloadsFrom(receipts)})
}

func (handler *httpHandler) handleClearError(ctx *gin.Context) {
	session := handler.currentSession(ctx)
	if session == nil {
		return
	}
	session.ClearError()
	ctx.JSON(http.StatusOK, SessionEnvelope{Session: sessionPayloadFrom(session.Snapshot())})
}

func (handler *httpHandler) handleCloseSession(ctx *gin.Context) {
	sessionID := ctx.GetString(contextKeySessionID)
	handler.manager.Close(sessionID)
	ctx.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func (handler *httpHandler) currentSession(ctx *gin.Context) *smilecredit.Session {
	sessionID := ctx.GetString(contextKeySessionID)
	session, ok := handler.manager.Get(sessionID)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "unknown session"))
		return nil
	}
	return session
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("operation failed", zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

// classifyError maps the domain taxonomy to stable codes. A face that
// cannot be found is not a non-smile: the two outcomes carry distinct
// codes so the UI can render them differently.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, smilecredit.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, smilecredit.ErrUserRejected):
		return http.StatusBadRequest, "user_rejected"
	case errors.Is(err, smilecredit.ErrProviderUnavailable):
		return http.StatusBadGateway, "provider_unavailable"
	case errors.Is(err, smilecredit.ErrDeviceUnavailable):
		return http.StatusConflict, "device_unavailable"
	case errors.Is(err, smilecredit.ErrCaptureFailed):
		return http.StatusConflict, "capture_failed"
	case errors.Is(err, smilecredit.ErrModelUnavailable):
		return http.StatusServiceUnavailable, "model_unavailable"
	case errors.Is(err, smilecredit.ErrNoFaceDetected):
		return http.StatusUnprocessableEntity, "no_face_detected"
	case errors.Is(err, smilecredit.ErrLedgerRejected):
		return http.StatusConflict, "ledger_rejected"
	case errors.Is(err, smilecredit.ErrTransportFailure):
		return http.StatusBadGateway, "transport_failure"
	case errors.Is(err, smilecredit.ErrOperationInFlight):
		return http.StatusConflict, "busy"
	case errors.Is(err, smilecredit.ErrInvalidPhase):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, smilecredit.ErrIdentityRequired), errors.Is(err, smilecredit.ErrSessionClosed):
		return http.StatusUnauthorized, "unauthorized"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func errorResponse(code string, message string) ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorPayload{Code: code, Message: message}}
}
