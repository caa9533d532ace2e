package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"payments-gateway/broker"
	"payments-gateway/config"
	"payments-gateway/dispatcher"
	"payments-gateway/handler"
	"payments-gateway/health"
	"payments-gateway/postgres"
	"payments-gateway/processor"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	_ = godotenv.Load()
	decimal.MarshalJSONWithoutQuotes = true

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	db, err := postgres.NewDB(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("Failed to ensure ledger schema: %v", err)
	}

	store := broker.NewBroker(cfg.RedisAddr, cfg.RedisPassword, cfg.QueueCapacity, cfg.AcceptLockTTL)
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	client := processor.NewClient(cfg.DefaultProcessorURL, cfg.FallbackProcessorURL, cfg.CallTimeout)

	worker := dispatcher.New(store, db, client, dispatcher.Config{
		PopWait:       cfg.PopWait,
		MaxRetries:    cfg.MaxRetries,
		BackoffBase:   cfg.BackoffBase,
		ProbeInterval: cfg.ProbeInterval,
		Breaker: health.Config{
			TripAfter:   cfg.BreakerTripAfter,
			Window:      cfg.BreakerWindow,
			FailureRate: cfg.BreakerFailureRate,
			Cooldown:    cfg.BreakerCooldown,
		},
	})
	worker.Run(ctx, &wg)

	app := fiber.New(fiber.Config{
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
	})
	h := &handler.AppHandler{Store: store, Ledger: db}
	h.Register(app)

	go func() {
		log.Printf("HTTP server running on :%s", cfg.ServerPort)
		if err := app.Listen(":" + cfg.ServerPort); err != nil {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutdown signal received")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	wg.Wait()
	db.Pool.Close()
	log.Println("DB connection closed")
	store.Client.Close()
	log.Println("Broker connection closed")
	log.Println("Application shutdown complete")
}
