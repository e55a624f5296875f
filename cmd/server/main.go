package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"commerce-bot/config"
	"commerce-bot/internal/ai"
	"commerce-bot/internal/api"
	"commerce-bot/internal/bot"
	"commerce-bot/internal/broker"
	"commerce-bot/internal/cart"
	"commerce-bot/internal/catalog"
	"commerce-bot/internal/checkout"
	"commerce-bot/internal/discount"
	"commerce-bot/internal/intent"
	"commerce-bot/internal/payment"
	"commerce-bot/internal/redisclient"
	"commerce-bot/internal/service"
	"commerce-bot/internal/store"
	"commerce-bot/internal/util"
	"commerce-bot/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting commerce bot",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port))

	tp, err := util.InitTracer("commerce-bot", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	telegram, err := bot.NewTelegram(cfg.Telegram.Token, cfg.Telegram.Debug)
	if err != nil {
		logger.Fatal("Failed to start telegram bot", zap.Error(err))
	}

	paypal := payment.NewPayPal(payment.PayPalConfig{
		BaseURL:      cfg.PayPal.BaseURL,
		ClientID:     cfg.PayPal.ClientID,
		ClientSecret: cfg.PayPal.ClientSecret,
		ReturnURL:    cfg.Business.ReturnURL(),
		BrandName:    cfg.PayPal.BrandName,
	}, nil)
	hitpay := payment.NewHitPay(payment.HitPayConfig{
		BaseURL:     cfg.HitPay.BaseURL,
		APIKey:      cfg.HitPay.APIKey,
		Salt:        cfg.HitPay.Salt,
		WebhookURL:  cfg.Business.WebhookURL(),
		RedirectURL: cfg.Business.ReturnURL(),
	}, nil)
	payments := payment.NewRegistry(cfg.Business.PaymentTimeout, paypal, hitpay)

	pendingOrders := redisclient.NewPendingOrders(redisClient, cfg.Business.PendingOrderTTL)
	orderService := service.NewOrderService(db, pendingOrders, redisClient, eventPublisher)
	notificationService := service.NewNotificationService(db, telegram)

	catalogService := catalog.NewService(db)
	discounts := discount.NewEngine(db)
	carts := cart.NewManager(cfg.Business.MaxQuantity)

	machine := checkout.NewMachine(checkout.Config{Currency: cfg.Business.Currency}, checkout.Deps{
		Carts:     carts,
		Discounts: discounts,
		Users:     db,
		Orders:    db,
		Sessions:  redisclient.NewSessions(redisClient, cfg.Business.SessionTTL),
		Pending:   pendingOrders,
		Payments:  payments,
		Fulfiller: orderService,
	})

	resolver := intent.NewResolver(nil, nil)
	if cfg.OpenAI.APIKey != "" {
		aiClient := ai.NewClient(ai.Config{
			APIKey:    cfg.OpenAI.APIKey,
			BaseURL:   cfg.OpenAI.BaseURL,
			Model:     cfg.OpenAI.Model,
			FastModel: cfg.OpenAI.FastModel,
			Timeout:   cfg.OpenAI.Timeout,
		})
		resolver = intent.NewResolver(aiClient, aiClient)
	} else {
		logger.Warn("OPENAI_API_KEY not set, chat assistant runs without a model")
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(consumer, notificationService)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	handler := bot.NewHandler(bot.Config{
		CustomerEmail:   cfg.Business.CustomerEmail,
		ConversationTTL: cfg.Business.SessionTTL,
	}, bot.Deps{
		Users:     db,
		Catalog:   catalogService,
		Carts:     carts,
		Checkout:  machine,
		Orders:    orderService,
		Discounts: discounts,
		Resolver:  resolver,
		Sender:    telegram,
	})
	dispatcher := bot.NewDispatcher(handler.Handle, cfg.Telegram.ActorQueue, cfg.Telegram.ActorIdle)

	botCtx, botCancel := context.WithCancel(context.Background())
	defer botCancel()
	go telegram.Poll(botCtx, dispatcher, redisClient)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	api.NewHandler(api.Deps{
		Orders:   orderService,
		Payments: machine,
		Capturer: payments,
		HitPay:   hitpay,
		Ready: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
		APIKey: cfg.Server.APIKey,
	}).SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	botCancel()
	dispatcher.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Warn("Failed to stop notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
