package notification

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sender описывает канал доставки уведомлений.
type Sender interface {
	Send(ctx context.Context, event Event) error
	Close() error
}

const sendTimeout = 5 * time.Second

// Dispatcher рассылает события по всем каналам в режиме fire-and-forget:
// сбои отправки логируются и никогда не возвращаются вызывающему.
type Dispatcher struct {
	senders []Sender
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewDispatcher создаёт диспетчер уведомлений поверх указанных каналов.
func NewDispatcher(logger *zap.Logger, senders ...Sender) *Dispatcher {
	return &Dispatcher{
		senders: senders,
		logger:  logger,
	}
}

// Dispatch асинхронно отправляет событие по всем каналам.
func (d *Dispatcher) Dispatch(event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, s := range d.senders {
		d.wg.Add(1)
		go func(s Sender) {
			defer d.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()

			if err := s.Send(ctx, event); err != nil {
				d.logger.Warn("notification send failed",
					zap.Error(err),
					zap.String("type", string(event.Type)),
					zap.String("orderID", event.OrderID),
				)
			}
		}(s)
	}
}

// Close дожидается завершения отправок и закрывает каналы.
func (d *Dispatcher) Close() error {
	d.wg.Wait()

	var firstErr error
	for _, s := range d.senders {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
