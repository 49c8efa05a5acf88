// Package handler содержит HTTP-обработчики API сервиса шопмарт.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/shopmart-system/internal/coupon"
	"github.com/mmeshcher/shopmart-system/internal/model"
	"github.com/mmeshcher/shopmart-system/internal/repository"
	"github.com/mmeshcher/shopmart-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ValidateCoupon(ctx context.Context, code string, cartTotal decimal.Decimal, region string) (decimal.Decimal, string, error)
	PlaceOrder(ctx context.Context, req service.PlaceOrderRequest) (*model.Order, decimal.Decimal, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	CancelOrder(ctx context.Context, id string) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus) (*model.Order, error)
	CompleteDelivery(ctx context.Context, id, code string) (*model.Order, error)
}

// Handler реализует HTTP-обработчики API сервиса шопмарт.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, messageResponse{Message: message})
}

// writeError транслирует доменные ошибки в HTTP-статусы с JSON-конвертом.
// Неожиданные ошибки логируются и возвращаются без деталей.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrProductNotFound),
		errors.Is(err, repository.ErrCouponNotFound),
		errors.Is(err, repository.ErrOrderNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())

	case errors.Is(err, repository.ErrInsufficientStock),
		errors.Is(err, repository.ErrInsufficientBalance),
		errors.Is(err, repository.ErrCouponLimitExceeded),
		errors.Is(err, repository.ErrOrderNotCancellable),
		errors.Is(err, repository.ErrStatusConflict),
		errors.Is(err, repository.ErrDeliveryCodeMismatch),
		errors.Is(err, service.ErrPriceMismatch),
		errors.Is(err, service.ErrEmptyOrder),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrUnknownStatus),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, coupon.ErrInactive),
		errors.Is(err, coupon.ErrExpired),
		errors.Is(err, coupon.ErrLimitExceeded),
		errors.Is(err, coupon.ErrBelowMinimum),
		errors.Is(err, coupon.ErrRegionNotAllowed):
		writeMessage(w, http.StatusBadRequest, err.Error())

	default:
		h.logger.Error("internal error", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

type orderItemResponse struct {
	ProductID int64   `json:"productId"`
	SellerID  int64   `json:"sellerId"`
	Name      string  `json:"name"`
	ImageURL  string  `json:"image,omitempty"`
	UnitPrice float64 `json:"unitPrice"`
	Quantity  int     `json:"quantity"`
}

type orderResponse struct {
	ID              string              `json:"id"`
	UserID          int64               `json:"userId"`
	Items           []orderItemResponse `json:"items"`
	TotalAmount     float64             `json:"totalAmount"`
	CouponCode      string              `json:"couponCode,omitempty"`
	DiscountAmount  float64             `json:"discountAmount"`
	ShippingAddress model.Address       `json:"shippingAddress"`
	PaymentMethod   string              `json:"paymentMethod"`
	PaymentID       string              `json:"paymentId,omitempty"`
	Status          string              `json:"status"`
	CreatedAt       string              `json:"createdAt"`
}

// Код подтверждения доставки в ответы не включается: это одноразовый
// секрет, передаваемый покупателю отдельным каналом.
func toOrderResponse(o *model.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, orderItemResponse{
			ProductID: item.ProductID,
			SellerID:  item.SellerID,
			Name:      item.Name,
			ImageURL:  item.ImageURL,
			UnitPrice: item.UnitPrice.InexactFloat64(),
			Quantity:  item.Quantity,
		})
	}

	return orderResponse{
		ID:              o.ID,
		UserID:          o.UserID,
		Items:           items,
		TotalAmount:     o.TotalAmount.InexactFloat64(),
		CouponCode:      o.CouponCode,
		DiscountAmount:  o.DiscountAmount.InexactFloat64(),
		ShippingAddress: o.ShippingAddress,
		PaymentMethod:   o.PaymentMethod,
		PaymentID:       o.PaymentID,
		Status:          string(o.Status),
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
	}
}

type validateCouponRequest struct {
	Code      string  `json:"code"`
	CartTotal float64 `json:"cartTotal"`
	Region    string  `json:"region"`
}

type validateCouponResponse struct {
	Valid          bool    `json:"valid"`
	CouponCode     string  `json:"couponCode"`
	DiscountAmount float64 `json:"discountAmount"`
	Message        string  `json:"message"`
}

// ValidateCoupon выполняет предварительную проверку купона без его погашения.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.Code) == "" {
		writeMessage(w, http.StatusBadRequest, "coupon code is required")
		return
	}
	if req.CartTotal < 0 {
		writeMessage(w, http.StatusBadRequest, "cart total must not be negative")
		return
	}

	discount, code, err := h.service.ValidateCoupon(r.Context(), req.Code, decimal.NewFromFloat(req.CartTotal), req.Region)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, validateCouponResponse{
		Valid:          true,
		CouponCode:     code,
		DiscountAmount: discount.InexactFloat64(),
		Message:        "coupon applied",
	})
}

type orderProductRequest struct {
	ProductID int64   `json:"productId"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	Name      string  `json:"name"`
}

type createOrderRequest struct {
	UserID          int64                 `json:"userId"`
	Products        []orderProductRequest `json:"products"`
	TotalAmount     float64               `json:"totalAmount"`
	ShippingAddress model.Address         `json:"shippingAddress"`
	PaymentMethod   string                `json:"paymentMethod"`
	PaymentID       string                `json:"paymentId"`
	CouponCode      string                `json:"couponCode"`
}

type createOrderResponse struct {
	Order         orderResponse `json:"order"`
	WalletBalance float64       `json:"walletBalance"`
}

// CreateOrder оформляет заказ.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == 0 {
		writeMessage(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.PaymentMethod == "" {
		writeMessage(w, http.StatusBadRequest, "paymentMethod is required")
		return
	}

	items := make([]service.OrderItemRequest, 0, len(req.Products))
	for _, p := range req.Products {
		items = append(items, service.OrderItemRequest{
			ProductID: p.ProductID,
			Quantity:  p.Quantity,
			UnitPrice: decimal.NewFromFloat(p.Price),
			Name:      p.Name,
		})
	}

	order, balance, err := h.service.PlaceOrder(r.Context(), service.PlaceOrderRequest{
		UserID:          req.UserID,
		Items:           items,
		TotalAmount:     decimal.NewFromFloat(req.TotalAmount),
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		PaymentID:       req.PaymentID,
		CouponCode:      req.CouponCode,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		Order:         toOrderResponse(order),
		WalletBalance: balance.InexactFloat64(),
	})
}

// GetOrder возвращает заказ по идентификатору.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]orderResponse{"order": toOrderResponse(order)})
}

type cancelOrderRequest struct {
	OrderID string `json:"orderId"`
}

// CancelOrder отменяет заказ с возвратом средств.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.OrderID == "" {
		writeMessage(w, http.StatusBadRequest, "orderId is required")
		return
	}

	order, err := h.service.CancelOrder(r.Context(), req.OrderID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]orderResponse{"order": toOrderResponse(order)})
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateOrderStatus переводит заказ в новый статус.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Status == "" {
		writeMessage(w, http.StatusBadRequest, "status is required")
		return
	}

	order, err := h.service.UpdateOrderStatus(r.Context(), orderID, model.OrderStatus(req.Status))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]orderResponse{"order": toOrderResponse(order)})
}

type completeDeliveryRequest struct {
	OrderID string `json:"orderId"`
	OTP     string `json:"otp"`
}

// CompleteDelivery завершает доставку по коду подтверждения.
func (h *Handler) CompleteDelivery(w http.ResponseWriter, r *http.Request) {
	var req completeDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.OrderID == "" || req.OTP == "" {
		writeMessage(w, http.StatusBadRequest, "orderId and otp are required")
		return
	}

	order, err := h.service.CompleteDelivery(r.Context(), req.OrderID, strings.TrimSpace(req.OTP))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]orderResponse{"order": toOrderResponse(order)})
}
