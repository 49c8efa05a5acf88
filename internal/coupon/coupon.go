// Package coupon содержит правила проверки купонов и расчёта скидки.
package coupon

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/shopmart-system/internal/model"
)

// RegionGlobal — значение-маркер в списке регионов купона, действующее как wildcard.
const RegionGlobal = "Global"

// ErrInactive возвращается для деактивированного купона.
var (
	ErrInactive = errors.New("coupon is not active")
	// ErrExpired возвращается для купона с истёкшим сроком действия.
	ErrExpired = errors.New("coupon has expired")
	// ErrLimitExceeded возвращается, если лимит использований купона исчерпан.
	ErrLimitExceeded = errors.New("coupon usage limit exceeded")
	// ErrBelowMinimum возвращается, если сумма заказа меньше минимальной для купона.
	ErrBelowMinimum = errors.New("minimum order value not met")
	// ErrRegionNotAllowed возвращается, если купон не действует в регионе покупателя.
	ErrRegionNotAllowed = errors.New("coupon is not applicable in this region")
)

var hundred = decimal.NewFromInt(100)

// Canonical приводит код купона к каноническому виду: верхний регистр без пробелов.
func Canonical(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Evaluate проверяет применимость купона к заказу и возвращает размер скидки.
// Проверки выполняются по порядку, первая неудачная прерывает оценку.
// Функция чистая: увеличение счётчика использований выполняется только
// при фиксации заказа, внутри транзакции репозитория.
func Evaluate(c *model.Coupon, total decimal.Decimal, region string, now time.Time) (decimal.Decimal, error) {
	if !c.IsActive {
		return decimal.Zero, ErrInactive
	}

	if now.After(c.ExpiryDate) {
		return decimal.Zero, ErrExpired
	}

	if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
		return decimal.Zero, ErrLimitExceeded
	}

	if total.LessThan(c.MinOrderValue) {
		return decimal.Zero, fmt.Errorf("%w: minimum order value is %s", ErrBelowMinimum, c.MinOrderValue.String())
	}

	if len(c.Regions) > 0 && region != "" && !regionAllowed(c.Regions, region) {
		return decimal.Zero, ErrRegionNotAllowed
	}

	return Discount(c, total), nil
}

// Discount вычисляет размер скидки купона для указанной суммы заказа.
// Скидка никогда не превышает сумму заказа.
func Discount(c *model.Coupon, total decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal

	switch c.Type {
	case model.DiscountPercentage:
		discount = total.Mul(c.Value).Div(hundred)
	case model.DiscountFixed:
		discount = c.Value
	default:
		return decimal.Zero
	}

	if discount.GreaterThan(total) {
		return total
	}
	if discount.IsNegative() {
		return decimal.Zero
	}
	return discount
}

func regionAllowed(regions []string, region string) bool {
	for _, r := range regions {
		if strings.EqualFold(r, RegionGlobal) || strings.EqualFold(r, region) {
			return true
		}
	}
	return false
}
