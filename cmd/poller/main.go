package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/user-service/internal/broker"
	"github.com/richardliu001/user-service/internal/config"
	"github.com/richardliu001/user-service/internal/event"
	"github.com/richardliu001/user-service/internal/logger"
	"github.com/richardliu001/user-service/internal/model"
	"github.com/richardliu001/user-service/internal/outbox"
	"github.com/richardliu001/user-service/internal/worker"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(model.All()...); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := broker.New(cfg.Broker, log)
	if err != nil {
		log.Fatalf("broker: %v", err)
	}
	defer client.Close()
	// A broker that is down at startup is retried by Publish on later ticks.
	if err := client.Connect(ctx); err != nil {
		log.Warnf("broker connect: %v", err)
	}

	pub, err := worker.NewPublisher(outbox.NewStore(gdb), client, event.NewBuilder(cfg.Service.Name), worker.ConfigFrom(cfg.Outbox), log)
	if err != nil {
		log.Fatalf("publisher: %v", err)
	}

	log.Infof("%s outbox poller started driver=%s exchange=%s", cfg.Service.Name, cfg.Broker.Driver, cfg.Broker.Exchange)
	if err := pub.Run(ctx); err != nil {
		log.Errorf("publisher: %v", err)
	}
}
