package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/metadata"
	"returnshield/backend/internal/metrics"
	"returnshield/backend/internal/service"
	"returnshield/backend/internal/store"
)

const (
	actorKey          = "actor"
	maxBodyBytes      = 1 << 20
	idempotencyHeader = "Idempotency-Key"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	metrics       *metrics.Metrics
	logger        *zap.Logger
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, m *metrics.Metrics, logger *zap.Logger, allowedOrigin string) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		metrics:       m,
		logger:        logger,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	router := gin.New()
	router.Use(a.customRecovery())
	router.Use(a.securityHeaders())
	router.Use(a.loggingMiddleware())

	router.GET("/healthz", a.handleHealth)
	router.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/auth/login", a.handleLogin)

	staff := v1.Group("")
	staff.Use(a.requireAuth(domain.RoleOperator, domain.RoleAdmin))
	{
		staff.GET("/inventory", a.handleListInventory)
		staff.GET("/coupons", a.handleListCoupons)
		staff.GET("/coupons/:code", a.handleGetCoupon)

		staff.GET("/cart", a.handleGetCart)
		staff.POST("/cart/items", a.handleAddCartItem)
		staff.PATCH("/cart/items/:id", a.handleUpdateCartItem)
		staff.DELETE("/cart/items/:id", a.handleRemoveCartItem)
		staff.POST("/cart/coupon", a.handleApplyCoupon)
		staff.DELETE("/cart/coupon", a.handleClearCoupon)
		staff.POST("/cart/checkout", a.handleCartCheckout)

		staff.POST("/checkout", a.handleCheckout)
		staff.POST("/checkout/quote", a.handleQuote)

		staff.GET("/sales", a.handleListSales)
		staff.GET("/sales/:billNo", a.handleGetSale)

		staff.POST("/returns", a.handleSubmitReturn)
		staff.GET("/returns", a.handleListReturns)
		staff.GET("/returns/:billNo", a.handleGetReturn)
		staff.POST("/returns/:billNo/mint", a.handleRetryReturnMint)
		staff.POST("/returns/:billNo/coupon", a.handleReissueCoupon)

		staff.GET("/dashboard", a.handleDashboard)
	}

	admin := v1.Group("")
	admin.Use(a.requireAuth(domain.RoleAdmin))
	{
		admin.POST("/inventory", a.handleUpsertInventory)
		admin.PATCH("/inventory/:id", a.handleUpdateInventory)
		admin.POST("/coupons", a.handleMintCoupon)

		admin.GET("/intents", a.handleListIntents)
		admin.GET("/intents/:id", a.handleGetIntent)
		admin.POST("/intents/:id/resume", a.handleResumeIntent)
		admin.POST("/reconcile", a.handleReconcile)

		admin.GET("/audit-logs", a.handleAuditLogs)
		admin.GET("/users/operators", a.handleListOperators)
		admin.POST("/users/operators", a.handleCreateOperator)
	}

	return router
}

func (a *API) customRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		a.logger.Error("panic recovered",
			zap.Any("error", recovered),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func (a *API) securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Access-Control-Allow-Origin", a.allowedOrigin)
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		h.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		h.Set("Vary", "Origin")

		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (a *API) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		a.logger.Info("http request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(startedAt)),
		)
	}
}

func (a *API) requireAuth(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authorization := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(c, http.StatusUnauthorized, errors.New("missing bearer token"))
			c.Abort()
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			a.writeError(c, http.StatusUnauthorized, err)
			c.Abort()
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(c, http.StatusForbidden, errors.New("forbidden role"))
			c.Abort()
			return
		}

		c.Set(actorKey, actor)
		c.Request = c.Request.WithContext(service.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func actorFrom(c *gin.Context) domain.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(domain.Actor); ok {
			return actor
		}
	}
	return domain.Actor{}
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(c *gin.Context) {
	if !a.loginLimiter.Allow(clientKey(c.Request)) {
		a.writeError(c, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidWallet):
			a.writeError(c, http.StatusBadRequest, err)
		case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrAccountInactive):
			a.writeError(c, http.StatusUnauthorized, err)
		default:
			a.writeError(c, http.StatusInternalServerError, err)
		}
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleListInventory(c *gin.Context) {
	items, err := a.service.ListInventory(c.Request.Context())
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (a *API) handleUpsertInventory(c *gin.Context) {
	var req domain.InventoryUpsertRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	item, err := a.service.UpsertInventory(c.Request.Context(), req)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

func (a *API) handleUpdateInventory(c *gin.Context) {
	var req domain.InventoryUpdateRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	item, err := a.service.UpdateInventory(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

func (a *API) handleListCoupons(c *gin.Context) {
	coupons, err := a.service.ListCoupons(c.Request.Context())
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"coupons": coupons})
}

func (a *API) handleGetCoupon(c *gin.Context) {
	coupon, err := a.service.GetCoupon(c.Request.Context(), c.Param("code"))
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"coupon": coupon})
}

func (a *API) handleMintCoupon(c *gin.Context) {
	var req domain.CouponMintRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	coupon, err := a.service.MintCoupon(c.Request.Context(), req)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"coupon": coupon})
}

func (a *API) handleGetCart(c *gin.Context) {
	view, err := a.service.GetCart(c.Request.Context(), actorFrom(c).SessionID)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *API) handleAddCartItem(c *gin.Context) {
	var req domain.CartAddRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.AddToCart(c.Request.Context(), actorFrom(c).SessionID, req)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *API) handleUpdateCartItem(c *gin.Context) {
	var req domain.CartQtyRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.UpdateCartQty(c.Request.Context(), actorFrom(c).SessionID, c.Param("id"), req.Qty)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *API) handleRemoveCartItem(c *gin.Context) {
	view, err := a.service.RemoveFromCart(c.Request.Context(), actorFrom(c).SessionID, c.Param("id"))
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *API) handleApplyCoupon(c *gin.Context) {
	var req domain.CartCouponRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.ApplyCoupon(c.Request.Context(), actorFrom(c).SessionID, req.CouponCode)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *API) handleClearCoupon(c *gin.Context) {
	view, err := a.service.ClearCoupon(c.Request.Context(), actorFrom(c).SessionID)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *API) handleCartCheckout(c *gin.Context) {
	var req domain.CartCheckoutRequest
	if err := decodeOptionalJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(c.GetHeader(idempotencyHeader))
	}
	resp, err := a.service.CheckoutCart(c.Request.Context(), actorFrom(c).SessionID, req)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(checkoutStatus(resp), resp)
}

func (a *API) handleCheckout(c *gin.Context) {
	var req domain.CheckoutRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(c.GetHeader(idempotencyHeader))
	}
	resp, err := a.service.Checkout(c.Request.Context(), req)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(checkoutStatus(resp), resp)
}

func checkoutStatus(resp domain.CheckoutResponse) int {
	if resp.Duplicate {
		return http.StatusOK
	}
	return http.StatusCreated
}

func (a *API) handleQuote(c *gin.Context) {
	var req domain.CheckoutRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	quote, err := a.service.Quote(c.Request.Context(), req)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (a *API) handleListSales(c *gin.Context) {
	sales, err := a.service.ListSales(c.Request.Context(), parsePositiveLimit(c.Query("limit"), 50, 500))
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sales": sales})
}

func (a *API) handleGetSale(c *gin.Context) {
	sale, err := a.service.GetSale(c.Request.Context(), c.Param("billNo"))
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sale": sale})
}

func (a *API) handleSubmitReturn(c *gin.Context) {
	var req domain.ReturnRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.SubmitReturn(c.Request.Context(), req)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a *API) handleListReturns(c *gin.Context) {
	returns, err := a.service.ListReturns(c.Request.Context(), parsePositiveLimit(c.Query("limit"), 50, 500))
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"returns": returns})
}

func (a *API) handleGetReturn(c *gin.Context) {
	ret, err := a.service.GetReturn(c.Request.Context(), c.Param("billNo"))
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"return": ret})
}

func (a *API) handleRetryReturnMint(c *gin.Context) {
	ret, err := a.service.RetryReturnMint(c.Request.Context(), c.Param("billNo"))
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"return": ret})
}

func (a *API) handleReissueCoupon(c *gin.Context) {
	var req domain.ReturnCouponRequest
	if err := decodeOptionalJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	coupon, err := a.service.ReissueCoupon(c.Request.Context(), c.Param("billNo"), req.OwnerAddress)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"coupon": coupon})
}

func (a *API) handleListIntents(c *gin.Context) {
	var statuses []string
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, status := range strings.Split(raw, ",") {
			if status = strings.TrimSpace(status); status != "" {
				statuses = append(statuses, status)
			}
		}
	}
	intents, err := a.service.ListIntents(c.Request.Context(), statuses)
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": intents})
}

func (a *API) handleGetIntent(c *gin.Context) {
	intent, err := a.service.GetIntent(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": intent})
}

func (a *API) handleResumeIntent(c *gin.Context) {
	intent, err := a.service.ResumeIntent(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": intent})
}

func (a *API) handleReconcile(c *gin.Context) {
	report, err := a.service.ReconcileOnce(c.Request.Context(), time.Now().UTC())
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) handleDashboard(c *gin.Context) {
	dash, err := a.service.Dashboard(c.Request.Context())
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dash)
}

func (a *API) handleAuditLogs(c *gin.Context) {
	logs, err := a.service.ListAuditLogs(c.Request.Context(), parsePositiveLimit(c.Query("limit"), 50, 500))
	if err != nil {
		a.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit_logs": logs})
}

func (a *API) handleListOperators(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"operators": a.auth.ListOperators(c.Request.Context())})
}

func (a *API) handleCreateOperator(c *gin.Context) {
	var req domain.OperatorCreateRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	user, err := a.auth.CreateOperator(c.Request.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, store.ErrConflict) {
			status = http.StatusConflict
		}
		a.writeError(c, status, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"operator": user})
}

// writeServiceError maps workflow errors onto HTTP statuses. Mint and
// ledger failures carry the intent id so an operator can resume.
func (a *API) writeServiceError(c *gin.Context, err error) {
	var (
		validation *service.ValidationError
		shortage   *service.InsufficientStockError
		workflow   *service.WorkflowError
	)
	hasWorkflow := errors.As(err, &workflow)

	switch {
	case errors.As(err, &validation):
		body := gin.H{"error": validation.Message}
		if len(validation.Fields) > 0 {
			body["fields"] = validation.Fields
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &shortage):
		c.JSON(http.StatusConflict, gin.H{
			"error":     err.Error(),
			"item_id":   shortage.ItemID,
			"requested": shortage.Requested,
			"available": shortage.Available,
		})
	case errors.Is(err, service.ErrPaymentFailed):
		body := gin.H{"error": service.ErrPaymentFailed.Error()}
		if hasWorkflow {
			body["intent_id"] = workflow.IntentID
			body["payment_captured"] = workflow.PaymentCaptured()
			if workflow.PaymentTxID != "" {
				body["payment_tx_id"] = workflow.PaymentTxID
			}
		}
		a.logger.Warn("payment failed", zap.Error(err))
		c.JSON(http.StatusPaymentRequired, body)
	case errors.Is(err, service.ErrWalletNotAvailable), errors.Is(err, metadata.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrMintFailed):
		body := gin.H{"error": service.ErrMintFailed.Error()}
		if hasWorkflow {
			body["intent_id"] = workflow.IntentID
			body["payment_tx_id"] = workflow.PaymentTxID
			body["payment_captured"] = workflow.PaymentCaptured()
		}
		a.logger.Error("mint failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, body)
	case errors.Is(err, service.ErrLedgerWriteFailed):
		body := gin.H{"error": service.ErrLedgerWriteFailed.Error()}
		if hasWorkflow {
			body["intent_id"] = workflow.IntentID
		}
		a.logger.Error("ledger write failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, body)
	case errors.Is(err, service.ErrCouponInvalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		a.writeError(c, http.StatusInternalServerError, err)
	}
}

func decodeJSON(c *gin.Context, dest any) error {
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// decodeOptionalJSON accepts an empty body as the zero request.
func decodeOptionalJSON(c *gin.Context, dest any) error {
	if err := decodeJSON(c, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func (a *API) writeError(c *gin.Context, status int, err error) {
	// 5xx bodies stay generic; the cause goes to the log.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("internal error", zap.Int("status", status), zap.String("path", c.Request.URL.Path), zap.Error(err))
		msg = "internal server error"
	}
	c.JSON(status, gin.H{"error": msg})
}
