package main

import (
	"context"
	"fmt"

	"escrow-core/internal/handler"
	"escrow-core/internal/model"
	"escrow-core/internal/server"
	"escrow-core/internal/service/mq"
	"escrow-core/internal/service/notify"
	"escrow-core/internal/service/resolver"
	"escrow-core/internal/service/settlement"
	"escrow-core/internal/service/sweep"
	"escrow-core/internal/service/webhook"

	"escrow-core/pkg/config"
	"escrow-core/pkg/database"
	"escrow-core/pkg/logger"
	"escrow-core/pkg/monitor"
	"escrow-core/pkg/utils/lock"
	"escrow-core/pkg/validator"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	// 0. 初始化 Config
	config.Init()

	// 初始化 Validator
	validator.Init()

	// 1. 初始化 Logger
	logger.Init(config.Global.App.Env)
	defer logger.Sync()

	// 初始化监控指标 (HTTP + 业务)
	monitor.Init()

	// 2. 连接数据库
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		config.Global.DB.Host,
		config.Global.DB.User,
		config.Global.DB.Password,
		config.Global.DB.Name,
		config.Global.DB.Port,
	)
	db, err := database.ConnectPostgres(dsn)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}

	// 开发环境自动迁移，生产环境用 migrate 工具管理 Schema
	if config.Global.App.Env != "production" {
		logger.Info("开发环境: 尝试自动迁移 Schema (GORM AutoMigrate)...")
		if err := db.AutoMigrate(model.AllModels()...); err != nil {
			logger.Fatal("自动迁移失败", zap.Error(err))
		}
	}

	// 3. 连接 Redis
	rdb, err := database.ConnectRedis(config.Global.Redis.Addr, config.Global.Redis.Password, config.Global.Redis.DB)
	if err != nil {
		logger.Fatal("Redis 连接失败", zap.Error(err))
	}

	// 4. 解析结算容差参数 (金额参数走 decimal，不碰 float)
	toleranceRate, err := decimal.NewFromString(config.Global.Settlement.ToleranceRate)
	if err != nil {
		logger.Fatal("tolerance_rate 配置非法", zap.Error(err))
	}
	minTolerance, err := decimal.NewFromString(config.Global.Settlement.MinTolerance)
	if err != nil {
		logger.Fatal("min_tolerance 配置非法", zap.Error(err))
	}

	// 5. 初始化结算引擎
	engine := settlement.NewEngine(db, settlement.Config{
		Tolerance: resolver.Config{
			ToleranceRate: toleranceRate,
			MinTolerance:  minTolerance,
		},
		DecisionWindow: config.Global.Settlement.DecisionWindow,
		EffectTopic:    config.Global.Kafka.EffectTopic,
	})

	// 6. 初始化 Webhook 队列与分发循环
	store := webhook.NewGormStore(db)
	dispatcher := webhook.NewDispatcher(store, engine, lock.NewRedisLock(rdb), webhook.Config{
		Workers:           config.Global.Webhook.Workers,
		PollInterval:      config.Global.Webhook.PollInterval,
		ClaimBatch:        config.Global.Webhook.ClaimBatch,
		ProcessingTimeout: config.Global.Webhook.ProcessingTimeout,
		Policy: webhook.RetryPolicy{
			BaseDelay:  config.Global.Webhook.BaseDelay,
			MaxDelay:   config.Global.Webhook.MaxDelay,
			MaxRetries: config.Global.Webhook.MaxRetries,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)

	// 7. 初始化消息队列
	mqType := config.Global.Redis.MQType
	var producer mq.Producer
	var consumer mq.Consumer

	if mqType == "kafka" {
		logger.Info("使用 Kafka 作为消息队列...")
		producer = mq.NewKafkaProducer(config.Global.Kafka.Brokers, config.Global.Kafka.EffectTopic)
		consumer = mq.NewKafkaConsumer(config.Global.Kafka.Brokers, config.Global.Kafka.ConsumerGroup)
	} else {
		logger.Info("使用 Redis Streams 作为消息队列...")
		producer = mq.NewRedisProducer(rdb)
		consumer = mq.NewRedisConsumer(rdb, config.Global.Kafka.ConsumerGroup, "escrow-0")
	}

	// 8. 启动 Outbox 中继: 结算效果事件外发
	relay := notify.NewRelay(db, producer)
	go relay.Start(ctx)

	// 9. 入站事件消费 (可选的第二条进线: 网关把规范化事件推到 MQ)
	if topic := config.Global.Kafka.InboundTopic; topic != "" {
		inbound := webhook.NewInboundConsumer(dispatcher)
		if err := consumer.Subscribe(ctx, topic, inbound.Handle); err != nil {
			logger.Error("入站消费启动失败", zap.Error(err))
		}
	}

	// 10. 定时任务: 决策窗口超时处置、僵死事件回收
	cronService := sweep.NewCronService(rdb, engine, dispatcher)
	cronService.Start()
	defer cronService.Stop()

	// 11. HTTP Router
	r := server.NewRouter(
		config.Global.App.Env,
		handler.NewHealthHandler(db, rdb),
		handler.NewEscrowHandler(engine),
		handler.NewWebhookHandler(dispatcher, store),
	)

	// 12. 启动应用 (阻塞)
	app := server.New(server.Config{HttpPort: config.Global.App.HttpPort}, r)
	app.Run(func() {
		cancel()
	})

	// 13. 退出后资源清理
	logger.Info("正在关闭数据库连接...")
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	rdb.Close()
	logger.Info("系统已退出")
}
