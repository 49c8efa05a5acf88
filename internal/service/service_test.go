package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/shopmart-system/internal/cart"
	"github.com/mmeshcher/shopmart-system/internal/coupon"
	"github.com/mmeshcher/shopmart-system/internal/model"
	"github.com/mmeshcher/shopmart-system/internal/notification"
	"github.com/mmeshcher/shopmart-system/internal/repository"
)

// fakeRepo повторяет контракт репозитория в памяти, включая условные
// проверки остатков, лимита купона и баланса внутри CreateOrder.
type fakeRepo struct {
	users    map[int64]*model.User
	products map[int64]*model.Product
	coupons  map[string]*model.Coupon
	orders   map[string]*model.Order

	createOrderCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:    make(map[int64]*model.User),
		products: make(map[int64]*model.Product),
		coupons:  make(map[string]*model.Coupon),
		orders:   make(map[string]*model.Order),
	}
}

func (f *fakeRepo) Close() error { return nil }

func (f *fakeRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *fakeRepo) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	p, ok := f.products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakeRepo) GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	c, ok := f.coupons[code]
	if !ok {
		return nil, repository.ErrCouponNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *fakeRepo) CreateOrder(ctx context.Context, order *model.Order, couponID *int64, debitWallet bool) (decimal.Decimal, error) {
	f.createOrderCalls++

	user, ok := f.users[order.UserID]
	if !ok {
		return decimal.Zero, repository.ErrUserNotFound
	}

	// Сначала все проверки, затем мутации: как в транзакции.
	for _, item := range order.Items {
		p, ok := f.products[item.ProductID]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s", repository.ErrProductNotFound, item.Name)
		}
		if p.Stock < item.Quantity {
			return decimal.Zero, fmt.Errorf("%w: %s", repository.ErrInsufficientStock, item.Name)
		}
	}

	var cpn *model.Coupon
	if couponID != nil {
		for _, c := range f.coupons {
			if c.ID == *couponID {
				cpn = c
				break
			}
		}
		if cpn == nil {
			return decimal.Zero, repository.ErrCouponNotFound
		}
		if cpn.UsageLimit != nil && cpn.UsedCount >= *cpn.UsageLimit {
			return decimal.Zero, repository.ErrCouponLimitExceeded
		}
	}

	if debitWallet && user.WalletBalance.LessThan(order.TotalAmount) {
		return decimal.Zero, repository.ErrInsufficientBalance
	}

	for _, item := range order.Items {
		p := f.products[item.ProductID]
		p.Stock -= item.Quantity
		p.Views++
	}
	if cpn != nil {
		cpn.UsedCount++
	}
	if debitWallet {
		user.WalletBalance = user.WalletBalance.Sub(order.TotalAmount)
	}

	order.CreatedAt = time.Now()
	stored := *order
	f.orders[order.ID] = &stored

	return user.WalletBalance, nil
}

func (f *fakeRepo) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	copied := *o
	return &copied, nil
}

func (f *fakeRepo) UpdateOrderStatus(ctx context.Context, id string, from, to model.OrderStatus) (*model.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	if o.Status != from {
		return nil, repository.ErrStatusConflict
	}
	o.Status = to
	copied := *o
	return &copied, nil
}

func (f *fakeRepo) CancelOrder(ctx context.Context, id string) (*model.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}

	switch o.Status {
	case model.OrderStatusShipped, model.OrderStatusOutForDelivery,
		model.OrderStatusDelivered, model.OrderStatusCancelled:
		return nil, fmt.Errorf("%w: status %s", repository.ErrOrderNotCancellable, o.Status)
	}

	o.Status = model.OrderStatusCancelled
	o.DeliveryCode = ""

	if o.PaymentMethod == model.PaymentMethodWallet || o.PaymentID != "" {
		if u, ok := f.users[o.UserID]; ok {
			u.WalletBalance = u.WalletBalance.Add(o.TotalAmount)
		}
	}

	copied := *o
	return &copied, nil
}

func (f *fakeRepo) CompleteDelivery(ctx context.Context, id, code string) (*model.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	if o.DeliveryCode == "" || o.DeliveryCode != code {
		return nil, repository.ErrDeliveryCodeMismatch
	}
	o.Status = model.OrderStatusDelivered
	o.DeliveryCode = ""
	copied := *o
	return &copied, nil
}

type fakeCarts struct {
	carts   map[int64]*model.Cart
	deleted map[int64]bool
}

func newFakeCarts() *fakeCarts {
	return &fakeCarts{
		carts:   make(map[int64]*model.Cart),
		deleted: make(map[int64]bool),
	}
}

func (f *fakeCarts) Get(ctx context.Context, userID int64) (*model.Cart, error) {
	c, ok := f.carts[userID]
	if !ok {
		return nil, cart.ErrCartNotFound
	}
	copied := *c
	copied.Items = append([]model.CartItem(nil), c.Items...)
	return &copied, nil
}

func (f *fakeCarts) Save(ctx context.Context, c *model.Cart) error {
	f.carts[c.UserID] = c
	return nil
}

func (f *fakeCarts) Delete(ctx context.Context, userID int64) error {
	delete(f.carts, userID)
	f.deleted[userID] = true
	return nil
}

type fakeNotifier struct {
	events []notification.Event
}

func (f *fakeNotifier) Dispatch(event notification.Event) {
	f.events = append(f.events, event)
}

func intPtr(v int) *int { return &v }

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func fixtureRepo() *fakeRepo {
	repo := newFakeRepo()
	repo.users[1] = &model.User{ID: 1, Name: "buyer", Email: "buyer@example.com", WalletBalance: dec("2000")}
	repo.products[10] = &model.Product{ID: 10, Name: "Keyboard", Price: dec("250"), Stock: 5, SellerID: 100}
	repo.products[11] = &model.Product{ID: 11, Name: "Mouse", Price: dec("100"), Stock: 2, SellerID: 101}
	repo.coupons["WELCOME50"] = &model.Coupon{
		ID:            1,
		Code:          "WELCOME50",
		Type:          model.DiscountPercentage,
		Value:         dec("50"),
		MinOrderValue: dec("500"),
		ExpiryDate:    time.Now().Add(24 * time.Hour),
		IsActive:      true,
		UsageLimit:    intPtr(10),
		UsedCount:     3,
		Regions:       []string{coupon.RegionGlobal, "India"},
	}
	return repo
}

func placeRequest() PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID: 1,
		Items: []OrderItemRequest{
			{ProductID: 10, Quantity: 2, UnitPrice: dec("250"), Name: "Keyboard"},
		},
		TotalAmount:     dec("500"),
		ShippingAddress: model.Address{FullName: "Buyer", City: "Delhi", Region: "India"},
		PaymentMethod:   model.PaymentMethodWallet,
	}
}

func TestPlaceOrder_WalletSuccess(t *testing.T) {
	repo := fixtureRepo()
	carts := newFakeCarts()
	carts.carts[1] = &model.Cart{UserID: 1, Items: []model.CartItem{
		{ProductID: 10, Quantity: 2},
		{ProductID: 11, Quantity: 1},
	}}
	notifier := &fakeNotifier{}
	svc := NewService(repo, carts, notifier, nil)

	order, balance, err := svc.PlaceOrder(context.Background(), placeRequest())
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}

	if order.Status != model.OrderStatusPaid {
		t.Fatalf("status = %s, want %s", order.Status, model.OrderStatusPaid)
	}
	if !balance.Equal(dec("1500")) {
		t.Fatalf("balance = %s, want 1500", balance.String())
	}
	if !repo.users[1].WalletBalance.Equal(dec("1500")) {
		t.Fatalf("wallet = %s, want 1500", repo.users[1].WalletBalance.String())
	}
	if repo.products[10].Stock != 3 {
		t.Fatalf("stock = %d, want 3", repo.products[10].Stock)
	}
	if repo.products[10].Views != 1 {
		t.Fatalf("views = %d, want 1", repo.products[10].Views)
	}

	remaining := carts.carts[1]
	if remaining == nil || len(remaining.Items) != 1 || remaining.Items[0].ProductID != 11 {
		t.Fatalf("cart must keep only unpurchased items, got %+v", remaining)
	}

	// Покупатель, один продавец и администратор.
	if len(notifier.events) != 3 {
		t.Fatalf("events = %d, want 3", len(notifier.events))
	}
}

func TestPlaceOrder_DeliveryCodeGenerated(t *testing.T) {
	repo := fixtureRepo()
	svc := NewService(repo, nil, nil, nil)

	order, _, err := svc.PlaceOrder(context.Background(), placeRequest())
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}

	if !regexp.MustCompile(`^\d{6}$`).MatchString(order.DeliveryCode) {
		t.Fatalf("delivery code %q must be six digits", order.DeliveryCode)
	}
}

func TestPlaceOrder_WithCoupon(t *testing.T) {
	repo := fixtureRepo()
	svc := NewService(repo, nil, nil, nil)

	req := placeRequest()
	req.CouponCode = "welcome50"
	req.TotalAmount = dec("250")

	order, balance, err := svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}

	if order.CouponCode != "WELCOME50" {
		t.Fatalf("coupon code = %q, want WELCOME50", order.CouponCode)
	}
	if !order.DiscountAmount.Equal(dec("250")) {
		t.Fatalf("discount = %s, want 250", order.DiscountAmount.String())
	}
	if !order.TotalAmount.Equal(dec("250")) {
		t.Fatalf("total = %s, want 250", order.TotalAmount.String())
	}
	if repo.coupons["WELCOME50"].UsedCount != 4 {
		t.Fatalf("usedCount = %d, want 4", repo.coupons["WELCOME50"].UsedCount)
	}
	if !balance.Equal(dec("1750")) {
		t.Fatalf("balance = %s, want 1750", balance.String())
	}
}

func TestPlaceOrder_CouponRejectionBlocksOrder(t *testing.T) {
	repo := fixtureRepo()
	svc := NewService(repo, nil, nil, nil)

	req := placeRequest()
	req.Items = []OrderItemRequest{{ProductID: 11, Quantity: 1, UnitPrice: dec("100")}}
	req.TotalAmount = dec("100")
	req.CouponCode = "WELCOME50"

	_, _, err := svc.PlaceOrder(context.Background(), req)
	if !errors.Is(err, coupon.ErrBelowMinimum) {
		t.Fatalf("error = %v, want ErrBelowMinimum", err)
	}
	if repo.createOrderCalls != 0 {
		t.Fatalf("order must not be committed on coupon rejection")
	}
	if repo.coupons["WELCOME50"].UsedCount != 3 {
		t.Fatalf("usedCount must not change on rejection")
	}
}

func TestPlaceOrder_InsufficientStockAllOrNothing(t *testing.T) {
	repo := fixtureRepo()
	carts := newFakeCarts()
	carts.carts[1] = &model.Cart{UserID: 1, Items: []model.CartItem{{ProductID: 11, Quantity: 3}}}
	svc := NewService(repo, carts, nil, nil)

	req := placeRequest()
	req.Items = []OrderItemRequest{{ProductID: 11, Quantity: 3, UnitPrice: dec("100")}}
	req.TotalAmount = dec("300")

	_, _, err := svc.PlaceOrder(context.Background(), req)
	if !errors.Is(err, repository.ErrInsufficientStock) {
		t.Fatalf("error = %v, want ErrInsufficientStock", err)
	}

	if repo.products[11].Stock != 2 {
		t.Fatalf("stock must not change, got %d", repo.products[11].Stock)
	}
	if !repo.users[1].WalletBalance.Equal(dec("2000")) {
		t.Fatalf("wallet must not change, got %s", repo.users[1].WalletBalance.String())
	}
	if len(carts.carts[1].Items) != 1 {
		t.Fatalf("cart must not change")
	}
}

func TestPlaceOrder_PriceTolerance(t *testing.T) {
	tests := []struct {
		name      string
		submitted string
		wantErr   bool
	}{
		{name: "slight underpay within tolerance", submitted: "898.5", wantErr: false},
		{name: "underpay beyond rounded unit", submitted: "898.4", wantErr: true},
		{name: "underpay beyond tolerance", submitted: "890", wantErr: true},
		{name: "overpay accepted", submitted: "950", wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(fixtureRepoWithMonitor(), nil, nil, nil)

			req := placeRequest()
			req.Items = []OrderItemRequest{{ProductID: 12, Quantity: 1, UnitPrice: dec("900")}}
			req.TotalAmount = dec(tt.submitted)

			_, _, err := svc.PlaceOrder(context.Background(), req)
			if tt.wantErr {
				if !errors.Is(err, ErrPriceMismatch) {
					t.Fatalf("error = %v, want ErrPriceMismatch", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("PlaceOrder error: %v", err)
			}
		})
	}
}

func fixtureRepoWithMonitor() *fakeRepo {
	repo := fixtureRepo()
	repo.products[12] = &model.Product{ID: 12, Name: "Monitor", Price: dec("900"), Stock: 10, SellerID: 100}
	return repo
}

func TestPlaceOrder_InsufficientBalance(t *testing.T) {
	repo := fixtureRepo()
	repo.users[1].WalletBalance = dec("100")
	svc := NewService(repo, nil, nil, nil)

	_, _, err := svc.PlaceOrder(context.Background(), placeRequest())
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}
	if !repo.users[1].WalletBalance.Equal(dec("100")) {
		t.Fatalf("wallet must not change on rejection")
	}
}

func TestPlaceOrder_BuyerNotFound(t *testing.T) {
	svc := NewService(newFakeRepo(), nil, nil, nil)

	_, _, err := svc.PlaceOrder(context.Background(), placeRequest())
	if !errors.Is(err, repository.ErrUserNotFound) {
		t.Fatalf("error = %v, want ErrUserNotFound", err)
	}
}

func TestPlaceOrder_StatusWithoutPayment(t *testing.T) {
	repo := fixtureRepo()
	svc := NewService(repo, nil, nil, nil)

	req := placeRequest()
	req.PaymentMethod = "cod"
	req.PaymentID = ""

	order, balance, err := svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	if order.Status != model.OrderStatusProcessing {
		t.Fatalf("status = %s, want %s", order.Status, model.OrderStatusProcessing)
	}
	if !balance.Equal(dec("2000")) {
		t.Fatalf("wallet must not be debited for non-wallet payment")
	}
}

func TestValidateCoupon_DoesNotIncrementUsage(t *testing.T) {
	repo := fixtureRepo()
	svc := NewService(repo, nil, nil, nil)

	discount, code, err := svc.ValidateCoupon(context.Background(), "welcome50", dec("1000"), "India")
	if err != nil {
		t.Fatalf("ValidateCoupon error: %v", err)
	}
	if !discount.Equal(dec("500")) {
		t.Fatalf("discount = %s, want 500", discount.String())
	}
	if code != "WELCOME50" {
		t.Fatalf("code = %q, want WELCOME50", code)
	}
	if repo.coupons["WELCOME50"].UsedCount != 3 {
		t.Fatalf("preview must not increment usedCount")
	}
}

func TestCancelOrder_RefundsWallet(t *testing.T) {
	repo := fixtureRepo()
	notifier := &fakeNotifier{}
	svc := NewService(repo, nil, notifier, nil)

	order, _, err := svc.PlaceOrder(context.Background(), placeRequest())
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	notifier.events = nil

	before := repo.users[1].WalletBalance
	cancelled, err := svc.CancelOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("CancelOrder error: %v", err)
	}

	if cancelled.Status != model.OrderStatusCancelled {
		t.Fatalf("status = %s, want Cancelled", cancelled.Status)
	}
	want := before.Add(order.TotalAmount)
	if !repo.users[1].WalletBalance.Equal(want) {
		t.Fatalf("wallet = %s, want %s", repo.users[1].WalletBalance.String(), want.String())
	}
	// Отмена не восстанавливает остаток товара.
	if repo.products[10].Stock != 3 {
		t.Fatalf("stock = %d, cancellation must not restock", repo.products[10].Stock)
	}
	if len(notifier.events) == 0 {
		t.Fatalf("cancellation must notify buyer and sellers")
	}
}

func TestCancelOrder_ShippedRejected(t *testing.T) {
	repo := fixtureRepo()
	repo.orders["ord-1"] = &model.Order{ID: "ord-1", UserID: 1, Status: model.OrderStatusShipped}
	svc := NewService(repo, nil, nil, nil)

	_, err := svc.CancelOrder(context.Background(), "ord-1")
	if !errors.Is(err, repository.ErrOrderNotCancellable) {
		t.Fatalf("error = %v, want ErrOrderNotCancellable", err)
	}
	if repo.orders["ord-1"].Status != model.OrderStatusShipped {
		t.Fatalf("status must remain Shipped")
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	tests := []struct {
		name    string
		from    model.OrderStatus
		to      model.OrderStatus
		wantErr error
	}{
		{name: "processing to shipped", from: model.OrderStatusProcessing, to: model.OrderStatusShipped},
		{name: "shipped to out for delivery", from: model.OrderStatusShipped, to: model.OrderStatusOutForDelivery},
		{name: "processing to delivered rejected", from: model.OrderStatusProcessing, to: model.OrderStatusDelivered, wantErr: ErrInvalidTransition},
		{name: "delivered is terminal", from: model.OrderStatusDelivered, to: model.OrderStatusShipped, wantErr: ErrInvalidTransition},
		{name: "cancel via status endpoint rejected", from: model.OrderStatusProcessing, to: model.OrderStatusCancelled, wantErr: ErrInvalidTransition},
		{name: "unknown status", from: model.OrderStatusProcessing, to: model.OrderStatus("Lost"), wantErr: ErrUnknownStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			repo.orders["ord-1"] = &model.Order{ID: "ord-1", Status: tt.from}
			svc := NewService(repo, nil, nil, nil)

			order, err := svc.UpdateOrderStatus(context.Background(), "ord-1", tt.to)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				if repo.orders["ord-1"].Status != tt.from {
					t.Fatalf("status must not change on rejection")
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdateOrderStatus error: %v", err)
			}
			if order.Status != tt.to {
				t.Fatalf("status = %s, want %s", order.Status, tt.to)
			}
		})
	}
}

func TestCompleteDelivery(t *testing.T) {
	repo := newFakeRepo()
	repo.orders["ord-1"] = &model.Order{
		ID:           "ord-1",
		UserID:       1,
		Status:       model.OrderStatusOutForDelivery,
		DeliveryCode: "123456",
	}
	notifier := &fakeNotifier{}
	svc := NewService(repo, nil, notifier, nil)

	_, err := svc.CompleteDelivery(context.Background(), "ord-1", "000000")
	if !errors.Is(err, repository.ErrDeliveryCodeMismatch) {
		t.Fatalf("error = %v, want ErrDeliveryCodeMismatch", err)
	}
	if repo.orders["ord-1"].Status != model.OrderStatusOutForDelivery {
		t.Fatalf("wrong code must not change the order")
	}
	if repo.orders["ord-1"].DeliveryCode != "123456" {
		t.Fatalf("wrong code must not clear the stored code")
	}

	order, err := svc.CompleteDelivery(context.Background(), "ord-1", "123456")
	if err != nil {
		t.Fatalf("CompleteDelivery error: %v", err)
	}
	if order.Status != model.OrderStatusDelivered {
		t.Fatalf("status = %s, want Delivered", order.Status)
	}
	if order.DeliveryCode != "" {
		t.Fatalf("delivery code must be cleared")
	}

	// Повторная попытка с тем же кодом отвергается: код погашен.
	_, err = svc.CompleteDelivery(context.Background(), "ord-1", "123456")
	if !errors.Is(err, repository.ErrDeliveryCodeMismatch) {
		t.Fatalf("error = %v, want ErrDeliveryCodeMismatch after code cleared", err)
	}

	if len(notifier.events) != 1 {
		t.Fatalf("successful delivery must notify the buyer once")
	}
}

func TestCompleteDelivery_CancelledOrderRejected(t *testing.T) {
	repo := fixtureRepo()
	svc := NewService(repo, nil, nil, nil)

	order, _, err := svc.PlaceOrder(context.Background(), placeRequest())
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	code := order.DeliveryCode

	if _, err := svc.CancelOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("CancelOrder error: %v", err)
	}

	// Отмена гасит код подтверждения: старый код не переводит заказ в Delivered.
	_, err = svc.CompleteDelivery(context.Background(), order.ID, code)
	if !errors.Is(err, repository.ErrDeliveryCodeMismatch) {
		t.Fatalf("error = %v, want ErrDeliveryCodeMismatch", err)
	}
	if repo.orders[order.ID].Status != model.OrderStatusCancelled {
		t.Fatalf("status = %s, cancelled order must stay Cancelled", repo.orders[order.ID].Status)
	}
}

func TestPlaceOrder_EmptyOrder(t *testing.T) {
	svc := NewService(newFakeRepo(), nil, nil, nil)

	req := placeRequest()
	req.Items = nil

	_, _, err := svc.PlaceOrder(context.Background(), req)
	if !errors.Is(err, ErrEmptyOrder) {
		t.Fatalf("error = %v, want ErrEmptyOrder", err)
	}
}

func TestGenerateDeliveryCode_Format(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := generateDeliveryCode()
		if len(code) != 6 {
			t.Fatalf("code %q must be six characters", code)
		}
		for _, ch := range code {
			if ch < '0' || ch > '9' {
				t.Fatalf("code %q must contain only digits", code)
			}
		}
	}
}
