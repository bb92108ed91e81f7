// Package server exposes the REST surface consumed by the edge layer.
// Authentication lives at the edge; identity arrives via the X-User-Id header.
package server

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"sync"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ordexlabs/ordex/internal/order"
	"github.com/ordexlabs/ordex/internal/risk"
	"github.com/ordexlabs/ordex/internal/trade"
	"github.com/ordexlabs/ordex/pkg/errors"
	"github.com/ordexlabs/ordex/pkg/idgen"
)

const (
	headerUserID  = "X-User-Id"
	headerTraceID = "X-Trace-Id"

	ctxTraceID = "trace_id"
)

// RiskAPI is the risk service surface the server exposes.
type RiskAPI interface {
	CheckRisk(ctx context.Context, req risk.CheckRequest) (*risk.Decision, error)
}

// Server routes HTTP requests to the admission and risk services.
type Server struct {
	logger   *zap.Logger
	orderSvc *order.Service
	riskSvc  RiskAPI
	trades   trade.Store
}

// New creates the HTTP server.
func New(logger *zap.Logger, orderSvc *order.Service, riskSvc RiskAPI, trades trade.Store) *Server {
	return &Server{
		logger:   logger,
		orderSvc: orderSvc,
		riskSvc:  riskSvc,
		trades:   trades,
	}
}

var (
	symbolRx         = regexp.MustCompile(`^[A-Z]{1,10}$`)
	registerBindings sync.Once
)

// registerValidations installs custom rules on gin's binding engine.
func registerValidations() {
	registerBindings.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("symbol", func(fl validator.FieldLevel) bool {
				return symbolRx.MatchString(fl.Field().String())
			})
		}
	})
}

// Router builds the gin engine with middleware and routes.
func (s *Server) Router() *gin.Engine {
	registerValidations()
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.Default())
	router.Use(traceMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/orders", s.handleCreateOrder)
	router.GET("/orders/:orderId", s.handleGetOrder)
	router.GET("/orders/:orderId/trades", s.handleGetOrderTrades)
	router.GET("/orders", s.handleListOrders)
	router.POST("/risk/check", s.handleRiskCheck)

	return router
}

// traceMiddleware honors an inbound correlation id or mints one.
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(headerTraceID)
		if traceID == "" {
			traceID = idgen.TraceID()
		}
		c.Set(ctxTraceID, traceID)
		c.Header(headerTraceID, traceID)
		c.Next()
	}
}

// CreateOrderRequest is the POST /orders body.
type CreateOrderRequest struct {
	ClientOrderID *string          `json:"clientOrderId"`
	Symbol        string           `json:"symbol" binding:"required,symbol"`
	Side          string           `json:"side" binding:"required,oneof=BUY SELL"`
	Type          string           `json:"type" binding:"required,oneof=LIMIT MARKET"`
	Quantity      decimal.Decimal  `json:"quantity" binding:"required"`
	Price         *decimal.Decimal `json:"price"`
	TimeInForce   string           `json:"timeInForce" binding:"required,oneof=GTC IOC FOK"`
	AccountID     string           `json:"accountId" binding:"required"`
	UserID        string           `json:"userId"`
}

func (s *Server) handleCreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation(errors.CodeInvalidRequest, "invalid request body: %v", err))
		return
	}
	// The edge normally injects the identity header; the body field is a
	// fallback for internal callers.
	if userID := c.GetHeader(headerUserID); userID != "" {
		req.UserID = userID
	}

	o, created, err := s.orderSvc.CreateOrder(c.Request.Context(), order.CreateRequest{
		ClientOrderID: req.ClientOrderID,
		UserID:        req.UserID,
		AccountID:     req.AccountID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		TimeInForce:   req.TimeInForce,
		TraceID:       c.GetString(ctxTraceID),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !created {
		// Duplicate resolved to the original submission's record.
		c.JSON(http.StatusConflict, o)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	o, err := s.orderSvc.GetOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleGetOrderTrades(c *gin.Context) {
	t, err := s.trades.GetByOrderID(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, []trade.Trade{*t})
}

// ListOrdersResponse pages orders newest first.
type ListOrdersResponse struct {
	Items []order.Order `json:"items"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
	Total int64         `json:"total"`
}

func (s *Server) handleListOrders(c *gin.Context) {
	userID := c.GetHeader(headerUserID)
	if userID == "" {
		s.writeError(c, errors.Validation(errors.CodeInvalidRequest, "%s header is required", headerUserID))
		return
	}

	page := intQuery(c, "page", 0)
	size := intQuery(c, "size", 20)
	status := c.Query("status")

	items, total, err := s.orderSvc.ListOrders(c.Request.Context(), userID, status, page, size)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListOrdersResponse{Items: items, Page: page, Size: size, Total: total})
}

// RiskCheckRequest is the POST /risk/check body.
type RiskCheckRequest struct {
	OrderID   string           `json:"orderId" binding:"required"`
	UserID    string           `json:"userId" binding:"required"`
	AccountID string           `json:"accountId" binding:"required"`
	Symbol    string           `json:"symbol" binding:"required,symbol"`
	Side      string           `json:"side" binding:"required,oneof=BUY SELL"`
	Quantity  decimal.Decimal  `json:"quantity" binding:"required"`
	Price     *decimal.Decimal `json:"price"`
}

func (s *Server) handleRiskCheck(c *gin.Context) {
	var req RiskCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation(errors.CodeInvalidRequest, "invalid request body: %v", err))
		return
	}

	decision, err := s.riskSvc.CheckRisk(c.Request.Context(), risk.CheckRequest{
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     req.Price,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"traceId"`
}

func (s *Server) writeError(c *gin.Context, err error) {
	traceID := c.GetString(ctxTraceID)

	var e *errors.Error
	if !errors.As(err, &e) {
		e = errors.Internal("1000", err, "internal server error")
	}

	status := http.StatusInternalServerError
	switch e.Kind {
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindConcurrency:
		status = http.StatusConflict
	case errors.KindDependency:
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("trace_id", traceID),
			zap.Error(err))
	}
	c.JSON(status, errorResponse{Code: e.Code, Message: e.Message, TraceID: traceID})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
