package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"counselflow/auth"
	"counselflow/booking"
	"counselflow/config"
	"counselflow/db"
	"counselflow/dispute"
	"counselflow/outbox"
	"counselflow/payment"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	bookingRepo := booking.NewRepository(pool)
	paymentRepo := payment.NewRepository(pool)

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	bookingService := booking.NewService(bookingRepo)
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), bookingRepo, paymentRepo).
		WithOutbox(outbox.NewWriter())

	server := NewServer(authService, bookingService, disputeService)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("api listening on :%s", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
