// Package cart содержит хранилище корзин покупателей в Redis.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/shopmart-system/internal/model"
)

// ErrCartNotFound возвращается, если корзина покупателя отсутствует.
var ErrCartNotFound = errors.New("cart not found")

const cartTTL = 24 * time.Hour

// RedisStore хранит корзины как JSON-значения с ключом по покупателю.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore создаёт хранилище корзин поверх указанного клиента Redis.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func cartKey(userID int64) string {
	return fmt.Sprintf("cart:%d", userID)
}

// Get возвращает корзину покупателя.
func (s *RedisStore) Get(ctx context.Context, userID int64) (*model.Cart, error) {
	data, err := s.client.Get(ctx, cartKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	var c model.Cart
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}

	return &c, nil
}

// Save сохраняет корзину покупателя, продлевая срок её хранения.
func (s *RedisStore) Save(ctx context.Context, c *model.Cart) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}

	if err := s.client.Set(ctx, cartKey(c.UserID), data, cartTTL).Err(); err != nil {
		return fmt.Errorf("save cart: %w", err)
	}

	return nil
}

// Delete удаляет корзину покупателя.
func (s *RedisStore) Delete(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, cartKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	return nil
}
