package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"telco_orders/internal/config"
	"telco_orders/internal/engine"
	"telco_orders/internal/model"
	"telco_orders/internal/processors"
	"telco_orders/internal/queue"
	"telco_orders/internal/router"
	"telco_orders/internal/services"
	"telco_orders/internal/steps"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// 1. 连接 SQLite，自动建表
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	// 2. 事件链路：引擎 → Redis Stream outbox → Relay → Kafka
	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()
	outbox := queue.NewOutbox(rdb, cfg.OrderEventStream)
	relay := queue.NewRelay(rdb, producer, cfg.OrderEventStream, cfg.OrderEventGroup, cfg.OrderEventConsumer)

	// 3. 步骤工厂：协作方装配一次。真实网关由部署方替换桩实现。
	factory := &steps.Factory{
		Ledger:             services.NewLedger(db),
		Payment:            services.StubPayment{},
		Carrier:            services.StubCarrier{},
		Tax:                services.StubTax{},
		Rewards:            services.StubRewards{},
		Wallet:             services.StubWallet{},
		Shipping:           services.StubShipping{},
		Notifier:           services.StubNotifier{},
		Redis:              rdb,
		MissingWalletFatal: cfg.MissingWalletFatal,
	}

	registry := processors.BuildRegistry(factory)
	svc := engine.NewOrderService(db, registry, cfg.RetryBackoff, outbox)
	sched := engine.NewScheduler(svc, cfg.PollInterval, cfg.MaxConcurrentOrders, cfg.StallThreshold)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go relay.Run(ctx)
	go sched.Run(ctx)

	r := gin.Default()
	router.Setup(r, db, rdb, svc, cfg)

	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("http server: %v", err)
	}
}
