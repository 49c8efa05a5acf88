// Package main запускает HTTP-сервер сервиса шопмарт.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/shopmart-system/internal/cart"
	"github.com/mmeshcher/shopmart-system/internal/config"
	"github.com/mmeshcher/shopmart-system/internal/handler"
	"github.com/mmeshcher/shopmart-system/internal/notification"
	"github.com/mmeshcher/shopmart-system/internal/repository"
	"github.com/mmeshcher/shopmart-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var cartStore service.CartStore
	if cfg.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer redisClient.Close()
		cartStore = cart.NewRedisStore(redisClient)
	}

	var senders []notification.Sender
	if brokers := cfg.BrokerList(); len(brokers) > 0 {
		senders = append(senders, notification.NewKafkaSender(brokers, cfg.NotifyTopic))
	}
	if cfg.MailGatewayAddress != "" {
		senders = append(senders, notification.NewMailSender(cfg.MailGatewayAddress))
	}

	dispatcher := notification.NewDispatcher(logger, senders...)
	defer dispatcher.Close()

	svc := service.NewService(repo, cartStore, dispatcher, logger)
	defer svc.Close()

	h := handler.NewHandler(svc, logger)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting shopmart server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
