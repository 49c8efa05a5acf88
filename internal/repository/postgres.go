// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/shopmart-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если покупатель не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrCouponNotFound возвращается, если код купона не существует.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInsufficientStock возвращается при нехватке остатка товара.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInsufficientBalance возвращается при нехватке средств на кошельке.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrCouponLimitExceeded возвращается, если лимит использований купона исчерпан при фиксации заказа.
	ErrCouponLimitExceeded = errors.New("coupon usage limit exceeded")
	// ErrOrderNotCancellable возвращается при попытке отменить отгруженный или завершённый заказ.
	ErrOrderNotCancellable = errors.New("order can no longer be cancelled")
	// ErrStatusConflict возвращается, если статус заказа изменился конкурентно.
	ErrStatusConflict = errors.New("order status conflict")
	// ErrDeliveryCodeMismatch возвращается при неверном или уже погашенном коде доставки.
	ErrDeliveryCodeMismatch = errors.New("delivery code mismatch")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при serialization failure или deadlock.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Деньги хранятся в минорных единицах валюты (BIGINT).
func toCents(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// GetUserByID возвращает покупателя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, email, wallet_balance, created_at FROM users WHERE id = $1`,
		id,
	)

	var (
		u            model.User
		balanceCents int64
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &balanceCents, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	u.WalletBalance = fromCents(balanceCents)
	return &u, nil
}

// GetProduct возвращает товар по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, image_url, price, stock, views, seller_id FROM products WHERE id = $1`,
		id,
	)

	var (
		p          model.Product
		priceCents int64
	)
	err := row.Scan(&p.ID, &p.Name, &p.ImageURL, &priceCents, &p.Stock, &p.Views, &p.SellerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	p.Price = fromCents(priceCents)
	return &p, nil
}

// GetCouponByCode возвращает купон по каноническому коду.
func (r *PostgresRepository) GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, code, type, value, min_order_value, expiry_date, is_active, usage_limit, used_count, regions
		 FROM coupons
		 WHERE code = $1`,
		code,
	)

	var (
		c             model.Coupon
		valueCents    int64
		minOrderCents int64
	)
	err := row.Scan(&c.ID, &c.Code, &c.Type, &valueCents, &minOrderCents,
		&c.ExpiryDate, &c.IsActive, &c.UsageLimit, &c.UsedCount, &c.Regions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}

	c.Value = fromCents(valueCents)
	c.MinOrderValue = fromCents(minOrderCents)
	return &c, nil
}

// CreateOrder фиксирует заказ в одной транзакции: условное списание остатков,
// инкремент счётчика купона, списание кошелька и запись заказа с позициями.
// Строка покупателя блокируется для сериализации операций с кошельком.
// Возвращает актуальный баланс кошелька покупателя.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order, couponID *int64, debitWallet bool) (decimal.Decimal, error) {
	var balance decimal.Decimal

	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		balance, err = r.createOrderTx(ctx, order, couponID, debitWallet)
		return err
	})

	return balance, err
}

func (r *PostgresRepository) createOrderTx(ctx context.Context, order *model.Order, couponID *int64, debitWallet bool) (decimal.Decimal, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем строку покупателя для предотвращения параллельных списаний,
	// превышающих баланс.
	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, order.UserID).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, fmt.Errorf("lock user for update: %w", err)
	}

	// Условное списание остатка: одна команда на товар, остаток не уходит в минус
	// даже при конкурентных заказах.
	for _, item := range order.Items {
		cmdTag, err := tx.Exec(ctx,
			`UPDATE products SET stock = stock - $2, views = views + 1 WHERE id = $1 AND stock >= $2`,
			item.ProductID, item.Quantity,
		)
		if err != nil {
			return decimal.Zero, fmt.Errorf("decrement stock: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, item.ProductID,
			).Scan(&exists); err != nil {
				return decimal.Zero, fmt.Errorf("check product: %w", err)
			}
			if !exists {
				return decimal.Zero, fmt.Errorf("%w: %s", ErrProductNotFound, item.Name)
			}
			return decimal.Zero, fmt.Errorf("%w: %s", ErrInsufficientStock, item.Name)
		}
	}

	// Условный инкремент счётчика использований: used_count не превышает лимит
	// даже при конкурентных погашениях на границе лимита.
	if couponID != nil {
		cmdTag, err := tx.Exec(ctx,
			`UPDATE coupons SET used_count = used_count + 1
			 WHERE id = $1 AND (usage_limit IS NULL OR used_count < usage_limit)`,
			*couponID,
		)
		if err != nil {
			return decimal.Zero, fmt.Errorf("increment coupon usage: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return decimal.Zero, ErrCouponLimitExceeded
		}
	}

	totalCents := toCents(order.TotalAmount)

	var balanceCents int64
	if debitWallet {
		err = tx.QueryRow(ctx,
			`UPDATE users SET wallet_balance = wallet_balance - $2
			 WHERE id = $1 AND wallet_balance >= $2
			 RETURNING wallet_balance`,
			order.UserID, totalCents,
		).Scan(&balanceCents)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return decimal.Zero, ErrInsufficientBalance
			}
			return decimal.Zero, fmt.Errorf("debit wallet: %w", err)
		}
	} else {
		err = tx.QueryRow(ctx,
			`SELECT wallet_balance FROM users WHERE id = $1`, order.UserID,
		).Scan(&balanceCents)
		if err != nil {
			return decimal.Zero, fmt.Errorf("select wallet balance: %w", err)
		}
	}

	addressJSON, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return decimal.Zero, fmt.Errorf("marshal shipping address: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO orders (id, user_id, total_amount, coupon_code, discount_amount,
		                     shipping_address, payment_method, payment_id, status, delivery_code)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		order.ID, order.UserID, totalCents, order.CouponCode, toCents(order.DiscountAmount),
		addressJSON, order.PaymentMethod, order.PaymentID, string(order.Status), order.DeliveryCode,
	).Scan(&order.CreatedAt)
	if err != nil {
		return decimal.Zero, fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_items (order_id, product_id, seller_id, name, image_url, unit_price, quantity)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			order.ID, item.ProductID, item.SellerID, item.Name, item.ImageURL,
			toCents(item.UnitPrice), item.Quantity,
		)
		if err != nil {
			return decimal.Zero, fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("commit tx: %w", err)
	}

	return fromCents(balanceCents), nil
}

// GetOrder возвращает заказ с позициями по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	order, err := r.scanOrder(ctx, r.pool.QueryRow(ctx,
		`SELECT id, user_id, total_amount, coupon_code, discount_amount, shipping_address,
		        payment_method, payment_id, status, delivery_code, created_at
		 FROM orders WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, err
	}

	items, err := r.getOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

func (r *PostgresRepository) scanOrder(ctx context.Context, row pgx.Row) (*model.Order, error) {
	var (
		o             model.Order
		totalCents    int64
		discountCents int64
		addressJSON   []byte
		deliveryCode  *string
		status        string
	)

	err := row.Scan(&o.ID, &o.UserID, &totalCents, &o.CouponCode, &discountCents,
		&addressJSON, &o.PaymentMethod, &o.PaymentID, &status, &deliveryCode, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	if err := json.Unmarshal(addressJSON, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal shipping address: %w", err)
	}

	o.TotalAmount = fromCents(totalCents)
	o.DiscountAmount = fromCents(discountCents)
	o.Status = model.OrderStatus(status)
	if deliveryCode != nil {
		o.DeliveryCode = *deliveryCode
	}

	return &o, nil
}

func (r *PostgresRepository) getOrderItems(ctx context.Context, orderID string) ([]model.OrderItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT product_id, seller_id, name, image_url, unit_price, quantity
		 FROM order_items WHERE order_id = $1`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var (
			item       model.OrderItem
			priceCents int64
		)
		if err := rows.Scan(&item.ProductID, &item.SellerID, &item.Name,
			&item.ImageURL, &priceCents, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.UnitPrice = fromCents(priceCents)
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// UpdateOrderStatus переводит заказ из ожидаемого статуса в новый.
// Возвращает ErrStatusConflict, если статус заказа изменился конкурентно.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, id string, from, to model.OrderStatus) (*model.Order, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check order: %w", err)
		}
		if !exists {
			return nil, ErrOrderNotFound
		}
		return nil, ErrStatusConflict
	}

	return r.GetOrder(ctx, id)
}

// CancelOrder отменяет заказ и возвращает средства на кошелёк, если заказ был оплачен.
// Остаток товара при отмене не восстанавливается.
func (r *PostgresRepository) CancelOrder(ctx context.Context, id string) (*model.Order, error) {
	var order *model.Order

	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		order, err = r.cancelOrderTx(ctx, id)
		return err
	})

	return order, err
}

func (r *PostgresRepository) cancelOrderTx(ctx context.Context, id string) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := r.scanOrder(ctx, tx.QueryRow(ctx,
		`SELECT id, user_id, total_amount, coupon_code, discount_amount, shipping_address,
		        payment_method, payment_id, status, delivery_code, created_at
		 FROM orders WHERE id = $1 FOR UPDATE`,
		id,
	))
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case model.OrderStatusShipped, model.OrderStatusOutForDelivery,
		model.OrderStatusDelivered, model.OrderStatusCancelled:
		return nil, fmt.Errorf("%w: status %s", ErrOrderNotCancellable, order.Status)
	}

	// Код подтверждения гасится вместе с отменой: отменённый заказ
	// нельзя перевести в Delivered предъявлением старого кода.
	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2, delivery_code = NULL WHERE id = $1`,
		id, string(model.OrderStatusCancelled),
	)
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}

	// Полный возврат средств, если заказ оплачен кошельком или внешним платежом.
	if order.PaymentMethod == model.PaymentMethodWallet || order.PaymentID != "" {
		_, err = tx.Exec(ctx,
			`UPDATE users SET wallet_balance = wallet_balance + $2 WHERE id = $1`,
			order.UserID, toCents(order.TotalAmount),
		)
		if err != nil {
			return nil, fmt.Errorf("refund wallet: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	order.Status = model.OrderStatusCancelled
	order.DeliveryCode = ""

	items, err := r.getOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

// CompleteDelivery гасит код подтверждения доставки и переводит заказ в Delivered.
// Сравнение кода и его очистка выполняются одной командой: после погашения
// повторная попытка с любым кодом отвергается.
func (r *PostgresRepository) CompleteDelivery(ctx context.Context, id, code string) (*model.Order, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $3, delivery_code = NULL
		 WHERE id = $1 AND delivery_code = $2`,
		id, code, string(model.OrderStatusDelivered),
	)
	if err != nil {
		return nil, fmt.Errorf("complete delivery: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check order: %w", err)
		}
		if !exists {
			return nil, ErrOrderNotFound
		}
		return nil, ErrDeliveryCodeMismatch
	}

	return r.GetOrder(ctx, id)
}
