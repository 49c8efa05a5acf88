// Package notification реализует отправку уведомлений о событиях заказов.
// Отправка выполняется асинхронно и никогда не влияет на результат
// породившей событие операции.
package notification

import "time"

// EventType определяет тип события уведомления.
type EventType string

const (
	EventOrderCreated   EventType = "order_created"
	EventOrderConfirmed EventType = "order_confirmed"
	EventOrderCancelled EventType = "order_cancelled"
	EventOrderDelivered EventType = "order_delivered"
)

// Audience определяет получателя уведомления.
type Audience string

const (
	AudienceBuyer  Audience = "buyer"
	AudienceSeller Audience = "seller"
	AudienceAdmin  Audience = "admin"
)

// Event описывает одно событие уведомления.
type Event struct {
	Type     EventType `json:"type"`
	Audience Audience  `json:"audience"`
	// RecipientID — идентификатор покупателя или продавца; 0 для администратора.
	RecipientID int64     `json:"recipientId,omitempty"`
	OrderID     string    `json:"orderId"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"createdAt"`
}
