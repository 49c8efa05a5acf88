// Package service реализует бизнес-логику сервиса шопмарт.
package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/shopmart-system/internal/cart"
	"github.com/mmeshcher/shopmart-system/internal/coupon"
	"github.com/mmeshcher/shopmart-system/internal/model"
	"github.com/mmeshcher/shopmart-system/internal/notification"
	"github.com/mmeshcher/shopmart-system/internal/repository"
)

// ErrEmptyOrder возвращается для заказа без позиций.
var (
	ErrEmptyOrder = errors.New("order must contain at least one item")
	// ErrInvalidQuantity возвращается для позиции с неположительным количеством.
	ErrInvalidQuantity = errors.New("quantity must be positive")
	// ErrPriceMismatch возвращается, если присланная клиентом сумма ниже рассчитанной сервером.
	ErrPriceMismatch = errors.New("submitted total does not match expected amount")
	// ErrUnknownStatus возвращается для статуса вне перечня допустимых.
	ErrUnknownStatus = errors.New("unknown order status")
	// ErrInvalidTransition возвращается для недопустимого перехода статуса заказа.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Допустимое расхождение клиентской суммы с расчётной. Суммы сравниваются
// с точностью до целой единицы валюты: клиент может переплатить, но не может
// занизить округлённую сумму больше чем на единицу.
var priceTolerance = decimal.NewFromInt(1)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error)
	CreateOrder(ctx context.Context, order *model.Order, couponID *int64, debitWallet bool) (decimal.Decimal, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, from, to model.OrderStatus) (*model.Order, error)
	CancelOrder(ctx context.Context, id string) (*model.Order, error)
	CompleteDelivery(ctx context.Context, id, code string) (*model.Order, error)
}

// CartStore описывает хранилище корзин покупателей.
type CartStore interface {
	Get(ctx context.Context, userID int64) (*model.Cart, error)
	Save(ctx context.Context, c *model.Cart) error
	Delete(ctx context.Context, userID int64) error
}

// Notifier описывает диспетчер уведомлений.
type Notifier interface {
	Dispatch(event notification.Event)
}

// Service содержит бизнес-логику сервиса шопмарт.
type Service struct {
	repo     Repository
	carts    CartStore
	notifier Notifier
	logger   *zap.Logger
}

// NewService создаёт новый сервис. Хранилище корзин и диспетчер уведомлений
// необязательны: nil отключает соответствующий шаг.
func NewService(repo Repository, carts CartStore, notifier Notifier, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		carts:    carts,
		notifier: notifier,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// ValidateCoupon проверяет применимость купона к указанной сумме без
// увеличения счётчика использований. Возвращает размер скидки и
// канонический код купона.
func (s *Service) ValidateCoupon(ctx context.Context, code string, cartTotal decimal.Decimal, region string) (decimal.Decimal, string, error) {
	canonical := coupon.Canonical(code)

	c, err := s.repo.GetCouponByCode(ctx, canonical)
	if err != nil {
		return decimal.Zero, "", err
	}

	discount, err := coupon.Evaluate(c, cartTotal, region, time.Now())
	if err != nil {
		return decimal.Zero, "", err
	}

	return discount, c.Code, nil
}

// OrderItemRequest описывает запрошенную позицию заказа.
type OrderItemRequest struct {
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
	Name      string
}

// PlaceOrderRequest описывает запрос на оформление заказа.
type PlaceOrderRequest struct {
	UserID          int64
	Items           []OrderItemRequest
	TotalAmount     decimal.Decimal
	ShippingAddress model.Address
	PaymentMethod   string
	PaymentID       string
	CouponCode      string
}

// PlaceOrder оформляет заказ: проверяет покупателя, товары и купон,
// сверяет присланную сумму с расчётной и фиксирует заказ в одной
// транзакции репозитория. Возвращает заказ и актуальный баланс кошелька.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, decimal.Decimal, error) {
	if len(req.Items) == 0 {
		return nil, decimal.Zero, ErrEmptyOrder
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, decimal.Zero, ErrInvalidQuantity
		}
	}

	if _, err := s.repo.GetUserByID(ctx, req.UserID); err != nil {
		return nil, decimal.Zero, err
	}

	// Сумма считается по присланным клиентом ценам; остатки проверяются
	// по каталогу. Итоговая проверка остатка выполняется условным
	// списанием внутри транзакции.
	baseTotal := decimal.Zero
	items := make([]model.OrderItem, 0, len(req.Items))
	for _, reqItem := range req.Items {
		product, err := s.repo.GetProduct(ctx, reqItem.ProductID)
		if err != nil {
			if errors.Is(err, repository.ErrProductNotFound) {
				return nil, decimal.Zero, fmt.Errorf("%w: %s", repository.ErrProductNotFound, itemName(reqItem))
			}
			return nil, decimal.Zero, err
		}

		if product.Stock < reqItem.Quantity {
			return nil, decimal.Zero, fmt.Errorf("%w: %s", repository.ErrInsufficientStock, product.Name)
		}

		name := reqItem.Name
		if name == "" {
			name = product.Name
		}

		items = append(items, model.OrderItem{
			ProductID: product.ID,
			SellerID:  product.SellerID,
			Name:      name,
			ImageURL:  product.ImageURL,
			UnitPrice: reqItem.UnitPrice,
			Quantity:  reqItem.Quantity,
		})

		baseTotal = baseTotal.Add(reqItem.UnitPrice.Mul(decimal.NewFromInt(int64(reqItem.Quantity))))
	}

	// Любая неудача проверки купона отклоняет заказ целиком,
	// как и на эндпоинте предварительной проверки.
	discount := decimal.Zero
	couponCode := ""
	var couponID *int64
	if req.CouponCode != "" {
		canonical := coupon.Canonical(req.CouponCode)

		c, err := s.repo.GetCouponByCode(ctx, canonical)
		if err != nil {
			return nil, decimal.Zero, err
		}

		discount, err = coupon.Evaluate(c, baseTotal, req.ShippingAddress.Region, time.Now())
		if err != nil {
			return nil, decimal.Zero, err
		}

		couponCode = c.Code
		couponID = &c.ID
	}

	expected := baseTotal.Sub(discount)
	shortfall := expected.Round(0).Sub(req.TotalAmount.Round(0))
	if shortfall.GreaterThan(priceTolerance) {
		return nil, decimal.Zero, fmt.Errorf("%w: expected %s", ErrPriceMismatch, expected.String())
	}

	debitWallet := req.PaymentMethod == model.PaymentMethodWallet

	status := model.OrderStatusProcessing
	if debitWallet || req.PaymentID != "" {
		status = model.OrderStatusPaid
	}

	order := &model.Order{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		Items:           items,
		TotalAmount:     req.TotalAmount,
		CouponCode:      couponCode,
		DiscountAmount:  discount,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		PaymentID:       req.PaymentID,
		Status:          status,
		DeliveryCode:    generateDeliveryCode(),
	}

	balance, err := s.repo.CreateOrder(ctx, order, couponID, debitWallet)
	if err != nil {
		return nil, decimal.Zero, err
	}

	s.pruneCart(ctx, req.UserID, items)
	s.notifyOrderPlaced(order)

	return order, balance, nil
}

func itemName(item OrderItemRequest) string {
	if item.Name != "" {
		return item.Name
	}
	return fmt.Sprintf("product %d", item.ProductID)
}

// pruneCart убирает купленные позиции из корзины покупателя. Корзина
// обновляется вне транзакции заказа: сбой здесь не отменяет заказ.
func (s *Service) pruneCart(ctx context.Context, userID int64, purchased []model.OrderItem) {
	if s.carts == nil {
		return
	}

	c, err := s.carts.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, cart.ErrCartNotFound) && s.logger != nil {
			s.logger.Warn("get cart failed", zap.Error(err), zap.Int64("userID", userID))
		}
		return
	}

	bought := make(map[int64]bool, len(purchased))
	for _, item := range purchased {
		bought[item.ProductID] = true
	}

	remaining := c.Items[:0]
	for _, item := range c.Items {
		if !bought[item.ProductID] {
			remaining = append(remaining, item)
		}
	}
	c.Items = remaining

	if len(c.Items) == 0 {
		err = s.carts.Delete(ctx, userID)
	} else {
		err = s.carts.Save(ctx, c)
	}
	if err != nil && s.logger != nil {
		s.logger.Warn("prune cart failed", zap.Error(err), zap.Int64("userID", userID))
	}
}

func (s *Service) notifyOrderPlaced(order *model.Order) {
	if s.notifier == nil {
		return
	}

	s.notifier.Dispatch(notification.Event{
		Type:        notification.EventOrderConfirmed,
		Audience:    notification.AudienceBuyer,
		RecipientID: order.UserID,
		OrderID:     order.ID,
		Message:     fmt.Sprintf("Order %s has been placed", order.ID),
	})

	for _, sellerID := range sellerIDs(order.Items) {
		s.notifier.Dispatch(notification.Event{
			Type:        notification.EventOrderCreated,
			Audience:    notification.AudienceSeller,
			RecipientID: sellerID,
			OrderID:     order.ID,
			Message:     fmt.Sprintf("New order %s contains your products", order.ID),
		})
	}

	s.notifier.Dispatch(notification.Event{
		Type:     notification.EventOrderCreated,
		Audience: notification.AudienceAdmin,
		OrderID:  order.ID,
		Message:  fmt.Sprintf("Order %s has been created", order.ID),
	})
}

// sellerIDs возвращает отсортированный по первому вхождению список
// уникальных продавцов по позициям заказа.
func sellerIDs(items []model.OrderItem) []int64 {
	seen := make(map[int64]bool, len(items))
	var ids []int64
	for _, item := range items {
		if !seen[item.SellerID] {
			seen[item.SellerID] = true
			ids = append(ids, item.SellerID)
		}
	}
	return ids
}

// GetOrder возвращает заказ по идентификатору.
func (s *Service) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// CancelOrder отменяет заказ с полным возвратом средств на кошелёк,
// если заказ был оплачен. Остаток товара не восстанавливается.
func (s *Service) CancelOrder(ctx context.Context, id string) (*model.Order, error) {
	order, err := s.repo.CancelOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.Dispatch(notification.Event{
			Type:        notification.EventOrderCancelled,
			Audience:    notification.AudienceBuyer,
			RecipientID: order.UserID,
			OrderID:     order.ID,
			Message:     fmt.Sprintf("Order %s has been cancelled", order.ID),
		})
		for _, sellerID := range sellerIDs(order.Items) {
			s.notifier.Dispatch(notification.Event{
				Type:        notification.EventOrderCancelled,
				Audience:    notification.AudienceSeller,
				RecipientID: sellerID,
				OrderID:     order.ID,
				Message:     fmt.Sprintf("Order %s has been cancelled", order.ID),
			})
		}
	}

	return order, nil
}

// Разрешённые переходы статусов. Отмена выполняется только через
// CancelOrder, доставка завершается через CompleteDelivery; перевод
// Out for Delivery -> Delivered оставлен оператору как ручной обход.
var allowedTransitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusPending:        {model.OrderStatusProcessing},
	model.OrderStatusPaid:           {model.OrderStatusProcessing, model.OrderStatusShipped},
	model.OrderStatusProcessing:     {model.OrderStatusShipped},
	model.OrderStatusShipped:        {model.OrderStatusOutForDelivery},
	model.OrderStatusOutForDelivery: {model.OrderStatusDelivered},
}

func validStatus(status model.OrderStatus) bool {
	switch status {
	case model.OrderStatusPending, model.OrderStatusPaid, model.OrderStatusProcessing,
		model.OrderStatusShipped, model.OrderStatusOutForDelivery,
		model.OrderStatusDelivered, model.OrderStatusCancelled:
		return true
	}
	return false
}

// UpdateOrderStatus переводит заказ в новый статус, если переход допустим.
func (s *Service) UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus) (*model.Order, error) {
	if !validStatus(status) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStatus, status)
	}

	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, next := range allowedTransitions[order.Status] {
		if next == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, status)
	}

	return s.repo.UpdateOrderStatus(ctx, id, order.Status, status)
}

// CompleteDelivery завершает доставку по одноразовому коду подтверждения.
func (s *Service) CompleteDelivery(ctx context.Context, id, code string) (*model.Order, error) {
	order, err := s.repo.CompleteDelivery(ctx, id, code)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.Dispatch(notification.Event{
			Type:        notification.EventOrderDelivered,
			Audience:    notification.AudienceBuyer,
			RecipientID: order.UserID,
			OrderID:     order.ID,
			Message:     fmt.Sprintf("Order %s has been delivered", order.ID),
		})
	}

	return order, nil
}

// generateDeliveryCode возвращает случайный шестизначный код подтверждения
// доставки. Код одноразовый и не является криптографической границей.
func generateDeliveryCode() string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%06d", time.Now().UnixNano()%1000000)
	}
	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(buf[:])%1000000)
}
