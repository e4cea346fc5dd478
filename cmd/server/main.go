package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"bid_engine/internal/auction"
	"bid_engine/internal/config"
	"bid_engine/internal/logger"
	"bid_engine/internal/projector"
	"bid_engine/internal/queue"
	"bid_engine/internal/router"
	auctionredis "bid_engine/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if _, err := logger.Init(cfg.AppEnv, cfg.LogLevel); err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// 1. 持久化投影库，自动建表
	db, err := openDB(cfg)
	if err != nil {
		logger.Error("db open", zap.Error(err))
		os.Exit(1)
	}
	if err := projector.Migrate(db); err != nil {
		logger.Error("db migrate", zap.Error(err))
		os.Exit(1)
	}
	proj := projector.New(db)

	// 2. Redis 快速存储
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		logger.Error("redis ping", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		os.Exit(1)
	}

	store := auctionredis.NewAuctionStore(rdb, cfg.AuctionEventStream)
	svc := auction.NewService(store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	goRun := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	// 3. 事件出口：Relay 把 outbox 转发到 Kafka（由投影消费者写库），或直接写投影库
	var sink queue.Sink
	switch cfg.EventSink {
	case config.SinkKafka:
		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		sink = producer
		for i := 0; i < cfg.ProjectorWorkers; i++ {
			consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, proj)
			defer consumer.Close()
			goRun(consumer.Run)
		}
	default:
		sink = queue.SinkFunc(proj.Apply)
	}
	// 每个 stream 只跑一个 Relay，其它实例关闭 RELAY_ENABLED
	if cfg.RelayEnabled {
		goRun(queue.NewRelay(rdb, sink, cfg.AuctionEventStream, cfg.AuctionEventGroup, cfg.AuctionEventConsumer).Run)
	} else {
		logger.Info("relay disabled on this instance", zap.String("stream", cfg.AuctionEventStream))
	}

	// 4. 到期自动关闭
	goRun(auction.NewAutoCloser(svc, cfg.SchedulerInterval, cfg.SchedulerBatchLimit).Run)

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	router.Setup(r, svc, proj, rdb, cfg)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		logger.Info("http server listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("event_sink", cfg.EventSink),
			zap.String("db_driver", cfg.DBDriver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// 后台任务都监听同一个 ctx，等它们退出后再关闭连接
	wg.Wait()
}

func openDB(cfg config.AppConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DBDSN)
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.DBDSN)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
	return gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
}
