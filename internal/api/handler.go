package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"marketplace-order-service/internal/models"
	"marketplace-order-service/internal/payment"
	"marketplace-order-service/internal/realtime"
	"marketplace-order-service/internal/service"
	"marketplace-order-service/internal/store"
	"marketplace-order-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	orders   *service.OrderService
	payments service.PaymentCoordinator
	sse      *realtime.SSEHandler
}

// NewHandler creates a new HTTP handler
func NewHandler(orders *service.OrderService, payments service.PaymentCoordinator, sse *realtime.SSEHandler) *Handler {
	return &Handler{
		orders:   orders,
		payments: payments,
		sse:      sse,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.checkout)
		v1.GET("/cart/count", h.cartCount)

		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/sync-tracking", h.syncTracking)
		v1.POST("/orders/:id/generate-label", h.generateLabel)
		v1.DELETE("/orders/:id/cancel-pending", h.cancelPending)
		v1.POST("/orders/:id/transition", h.requestTransition)

		v1.GET("/orders/:id/can-retry-payment", h.canRetryPayment)
		v1.POST("/orders/:id/retry-payment", h.retryPayment)
		v1.POST("/orders/:id/abort-payment", h.abortPayment)
		v1.POST("/orders/verify-payment", h.verifyPayment)

		v1.GET("/realtime/stream", h.sse.Stream)
		v1.POST("/realtime/:clientID/join", h.sse.Join)
		v1.POST("/realtime/:clientID/leave", h.sse.Leave)
	}
}

// identity reads the caller's id and role from the gateway headers. The
// gateway authenticates; this service only scopes data by the asserted
// identity.
func identity(c *gin.Context) (string, string, bool) {
	userID := c.GetHeader("X-User-ID")
	role := c.GetHeader("X-User-Role")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return "", "", false
	}
	if role != models.RoleSeller {
		role = models.RoleBuyer
	}
	return userID, role, true
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// checkout converts the buyer's cart into a payment-pending order
func (h *Handler) checkout(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}

	resp, err := h.orders.Checkout(c.Request.Context(), userID, c.GetHeader("Idempotency-Key"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// cartCount returns the number of lines in the buyer's cart
func (h *Handler) cartCount(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	count, err := h.orders.CartCount(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// listOrders returns one page of the caller's orders in their role
func (h *Handler) listOrders(c *gin.Context) {
	userID, role, ok := identity(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}

	orders, err := h.orders.ListOrders(c.Request.Context(), userID, role, page)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"page":   page,
	})
}

// getOrder returns the full order snapshot
func (h *Handler) getOrder(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if order.BuyerID != userID && order.SellerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your order"})
		return
	}
	c.JSON(http.StatusOK, order)
}

// syncTracking reconciles the order against the carrier on demand
func (h *Handler) syncTracking(c *gin.Context) {
	if _, _, ok := identity(c); !ok {
		return
	}
	order, err := h.orders.SyncTracking(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// generateLabel books the shipment and moves the order to packed
func (h *Handler) generateLabel(c *gin.Context) {
	userID, role, ok := identity(c)
	if !ok {
		return
	}
	if role != models.RoleSeller {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the seller can generate a label"})
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if order.SellerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your order"})
		return
	}

	updated, err := h.orders.GenerateLabel(c.Request.Context(), order.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// cancelPending cancels an unpaid order and restores the cart
func (h *Handler) cancelPending(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if order.BuyerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your order"})
		return
	}

	updated, err := h.orders.CancelPending(c.Request.Context(), order.ID, models.CancelReasonBuyerRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// requestTransition applies an actor-initiated status change
func (h *Handler) requestTransition(c *gin.Context) {
	userID, role, ok := identity(c)
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status" binding:"required"`
		Note   string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}

	order, err := h.orders.RequestTransition(c.Request.Context(),
		c.Param("id"), userID, role, models.OrderStatus(req.Status), req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// canRetryPayment reports retry eligibility; ineligibility is an answer with
// a reason, not an error status
func (h *Handler) canRetryPayment(c *gin.Context) {
	if _, _, ok := identity(c); !ok {
		return
	}
	eligible, reason, err := h.payments.CanRetry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"canRetry": eligible}
	if reason != "" {
		resp["message"] = reason
	}
	c.JSON(http.StatusOK, resp)
}

// retryPayment opens a fresh payment session for an eligible order
func (h *Handler) retryPayment(c *gin.Context) {
	if _, _, ok := identity(c); !ok {
		return
	}
	session, err := h.payments.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// abortPayment handles the buyer dismissing the payment UI
func (h *Handler) abortPayment(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if order.BuyerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your order"})
		return
	}

	updated, err := h.orders.AbortPayment(c.Request.Context(), order.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// verifyPayment confirms the order once the gateway signature checks out
func (h *Handler) verifyPayment(c *gin.Context) {
	if _, _, ok := identity(c); !ok {
		return
	}

	var req struct {
		OrderID   string `json:"order_id" binding:"required"`
		PaymentID string `json:"payment_id" binding:"required"`
		Signature string `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id, payment_id and signature are required"})
		return
	}

	order, err := h.orders.VerifyPayment(c.Request.Context(), req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// writeError maps domain errors onto HTTP statuses
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, models.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, payment.ErrNotEligible),
		errors.Is(err, payment.ErrPaidAfterCancel),
		errors.Is(err, service.ErrDuplicateRequest):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, payment.ErrVerificationFailed):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrMixedSellers),
		errors.Is(err, service.ErrInsufficientStock):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
