// Package model содержит доменные сущности сервиса шопмарт.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет покупателя с внутренним балансом (кошельком).
type User struct {
	ID            int64
	Name          string
	Email         string
	WalletBalance decimal.Decimal
	CreatedAt     time.Time
}

// Product описывает товар каталога.
type Product struct {
	ID       int64
	Name     string
	ImageURL string
	Price    decimal.Decimal
	Stock    int
	Views    int64
	SellerID int64
}

// DiscountType определяет способ расчёта скидки купона.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Coupon описывает купон на скидку и счётчик его использований.
type Coupon struct {
	ID            int64
	Code          string
	Type          DiscountType
	Value         decimal.Decimal
	MinOrderValue decimal.Decimal
	ExpiryDate    time.Time
	IsActive      bool
	// UsageLimit равный nil означает отсутствие ограничения.
	UsageLimit *int
	UsedCount  int
	// Regions: пустой список означает действие купона во всех регионах.
	Regions []string
}

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "Pending"
	OrderStatusPaid           OrderStatus = "Paid"
	OrderStatusProcessing     OrderStatus = "Processing"
	OrderStatusShipped        OrderStatus = "Shipped"
	OrderStatusOutForDelivery OrderStatus = "Out for Delivery"
	OrderStatusDelivered      OrderStatus = "Delivered"
	OrderStatusCancelled      OrderStatus = "Cancelled"
)

// PaymentMethodWallet — оплата внутренним балансом покупателя.
const PaymentMethodWallet = "wallet"

// Address содержит снимок адреса доставки на момент оформления заказа.
type Address struct {
	FullName   string `json:"fullName"`
	Street     string `json:"street"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postalCode"`
	Phone      string `json:"phone"`
}

// OrderItem содержит снимок позиции заказа: после создания заказа
// позиция не ссылается на актуальные данные товара.
type OrderItem struct {
	ProductID int64
	SellerID  int64
	Name      string
	ImageURL  string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Order описывает оформленный заказ.
type Order struct {
	ID              string
	UserID          int64
	Items           []OrderItem
	TotalAmount     decimal.Decimal
	CouponCode      string
	DiscountAmount  decimal.Decimal
	ShippingAddress Address
	PaymentMethod   string
	PaymentID       string
	Status          OrderStatus
	// DeliveryCode — одноразовый код подтверждения доставки.
	// Пустая строка означает, что код уже погашен.
	DeliveryCode string
	CreatedAt    time.Time
}

// CartItem описывает позицию корзины.
type CartItem struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

// Cart описывает корзину покупателя.
type Cart struct {
	UserID int64      `json:"userId"`
	Items  []CartItem `json:"items"`
}
