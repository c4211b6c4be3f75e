package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"escrow-order-service/internal/models"
	"escrow-order-service/internal/service"
	"escrow-order-service/internal/util"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	orders   *service.OrderService
	payments *service.PaymentService
	disputes *service.DisputeResolver
	checks   map[string]HealthCheck
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. checks are run by the readiness probe.
func NewHandler(
	orders *service.OrderService,
	payments *service.PaymentService,
	disputes *service.DisputeResolver,
	checks map[string]HealthCheck,
) *Handler {
	return &Handler{
		orders:   orders,
		payments: payments,
		disputes: disputes,
		checks:   checks,
		logger:   util.ComponentLogger("http"),
	}
}

// SetupRoutes sets up HTTP routes. A rateLimit of 0 disables rate limiting.
func (h *Handler) SetupRoutes(router *gin.Engine, tokens *TokenManager, rateLimit int64) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(AuthMiddleware(tokens))
	if rateLimit > 0 {
		v1.Use(rateLimitMiddleware(rateLimit))
	}
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/by-conversation/:conversationId", h.getOrderByConversation)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/accept", h.acceptOrder)
		v1.POST("/orders/:id/pay", h.payOrder)
		v1.POST("/orders/:id/checkout", h.startCheckout)
		v1.GET("/orders/:id/payment", h.getPayment)
		v1.POST("/orders/:id/ship", h.shipOrder)
		v1.POST("/orders/:id/complete", h.completeOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/dispute", h.raiseDispute)
		v1.GET("/payments", h.listPayments)
	}

	admin := v1.Group("/admin")
	admin.Use(AdminOnly())
	{
		admin.GET("/disputes", h.listDisputes)
		admin.POST("/disputes/:id/resolve", h.resolveDispute)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// respondError maps service errors to their status; anything untyped is a 500
func (h *Handler) respondError(c *gin.Context, err error) {
	if svcErr, ok := service.AsError(err); ok {
		c.JSON(svcErr.HTTPStatus(), gin.H{
			"error": svcErr.Message,
			"code":  svcErr.Code,
		})
		return
	}

	h.logger.Error("Request error",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "internal server error",
		"code":  service.CodeInternal,
	})
}

func badRequest(c *gin.Context, message string, err error) {
	body := gin.H{"error": message, "code": service.CodeInvalidArgument}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}

// pathOrderID parses the :id parameter, answering 400 when it is not a positive integer
func pathOrderID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "Invalid order ID", nil)
		return 0, false
	}
	return id, true
}

// bindOptional binds a JSON body when one was sent
func bindOptional(c *gin.Context, req interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		badRequest(c, "Invalid request body", err)
		return false
	}
	return true
}

// actor is set by AuthMiddleware for every /api/v1 route
func actor(c *gin.Context) service.Actor {
	a, _ := currentActor(c)
	return a
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), actor(c), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// listOrders lists the caller's orders, optionally filtered by ?role=buyer|seller
func (h *Handler) listOrders(c *gin.Context) {
	party := models.PartyNone
	if role := c.Query("role"); role != "" {
		party = models.Party(role)
	}

	orders, err := h.orders.ListOrders(c.Request.Context(), actor(c), party)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathOrderID(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), actor(c), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// getOrderByConversation finds the open order of a chat conversation
func (h *Handler) getOrderByConversation(c *gin.Context) {
	conversationID, err := strconv.ParseInt(c.Param("conversationId"), 10, 64)
	if err != nil || conversationID <= 0 {
		badRequest(c, "Invalid conversation ID", nil)
		return
	}

	order, err := h.orders.GetActiveOrderByConversation(c.Request.Context(), actor(c), conversationID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) acceptOrder(c *gin.Context) {
	orderID, ok := pathOrderID(c)
	if !ok {
		return
	}

	order, err := h.orders.AcceptOrder(c.Request.Context(), actor(c), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) payOrder(c *gin.Context) {
	orderID, ok := pathOrderID(c)
	if !ok {
		return
	}

	var req service.PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	payment, order, err := h.payments.Pay(c.Request.Context(), actor(c), orderID, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":   order,
		"payment": payment,
	})
}

// startCheckout answers 202; the result arrives later through the gateway
func (h *Handler) startCheckout(c *gin.Context) {
	orderID, ok := pathOrderID(c)
	if !ok {
		return
	}

	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	session, err := h.payments.StartCheckout(c.Request.Context(), actor(c), orderID, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, session)
}

func (h *Handler) getPayment(c *gin.Context) {
	orderID, ok := pathOrderID(c)
	if !ok {
		return
	}

	payment, err := h.orders.GetPayment(c.Request.Context(), actor(c), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

// listPayments lists the caller's payments as buyer or seller
func (h *Handler) listPayments(c *gin.Context) {
	payments, err := h.orders.ListPayments(c.Request.Context(), actor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

type shipRequest struct {
	Proof string `json:"proof"`
}

func (h *Handler) shipOrder(c *gin.Context) {
	orderID, ok := pathOrderID(c)
	if !ok {
		return
	}

	var req shipRequest
	if !bindOptional(c, &req) {
		return
	}

	order, err := h.orders.ShipOrder(c.Request.Context(), actor(c), orderID, req.Proof)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) completeOrder(c *gin.Context) {
	orderID, ok := pathOrderID(c)
	if !ok {
		return
	}

	order, err := h.orders.CompleteOrder(c.Request.Context(), actor(c), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathOrderID(c)
	if !ok {
		return
	}

	var req reasonRequest
	if !bindOptional(c, &req) {
		return
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), actor(c), orderID, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) raiseDispute(c *gin.Context) {
	orderID, ok := pathOrderID(c)
	if !ok {
		return
	}

	var req reasonRequest
	if !bindOptional(c, &req) {
		return
	}

	order, err := h.disputes.RaiseDispute(c.Request.Context(), actor(c), orderID, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// listDisputes lists disputes, ?open=true keeps only unresolved ones
func (h *Handler) listDisputes(c *gin.Context) {
	openOnly, _ := strconv.ParseBool(c.DefaultQuery("open", "false"))

	disputes, err := h.disputes.ListDisputes(c.Request.Context(), actor(c), openOnly)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

type resolveRequest struct {
	Winner     models.Party `json:"winner" binding:"required"`
	Resolution string       `json:"resolution" binding:"required"`
}

func (h *Handler) resolveDispute(c *gin.Context) {
	orderID, ok := pathOrderID(c)
	if !ok {
		return
	}

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	order, payment, err := h.disputes.ResolveDispute(c.Request.Context(), actor(c), orderID, req.Winner, req.Resolution)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":   order,
		"payment": payment,
	})
}
