package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	SinkKafka  = "kafka"
	SinkDirect = "direct"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string

	// 持久化投影库（sqlite / postgres）
	DBDriver string
	DBDSN    string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、Topic、消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string
	// ProjectorWorkers 同一消费者组内的 reader 数量，按分区并行投影。
	ProjectorWorkers int

	// EventSink 决定 Relay 把 outbox 事件转发到哪里：kafka 或直接写投影库。
	EventSink string

	// Redis Stream outbox（Lua 事务内原子入流，Relay 异步转发）
	// 每个 stream 只能有一个 Relay 在跑：同组内多个 consumer 会把条目分到不同实例，
	// 同一拍卖的事件就不再按提交顺序进入 Kafka。多实例部署时只在一个实例上开 RELAY_ENABLED，
	// 并保持 AUCTION_EVENT_CONSUMER 固定不变，重启后才能接着处理自己的 pending 条目。
	RelayEnabled         bool
	AuctionEventStream   string
	AuctionEventGroup    string
	AuctionEventConsumer string

	// 到期自动关闭拍卖的调度参数
	SchedulerInterval   time.Duration
	SchedulerBatchLimit int

	// 出价接口限流
	BidRateLimit  int
	BidRateWindow time.Duration

	AppEnv   string
	LogLevel string
}

// Load 读取并校验配置，缺失时使用默认值。当前目录存在 .env 时先加载它，已存在的环境变量优先。
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := AppConfig{
		HTTPAddr:             getEnv("HTTP_ADDR", ":8080"),
		DBDriver:             getEnv("DB_DRIVER", DriverSQLite),
		DBDSN:                getEnv("DB_DSN", "bid_engine.db"),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:              0,
		KafkaBrokers:         splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:           getEnv("KAFKA_TOPIC", "auction-events"),
		KafkaGroupID:         getEnv("KAFKA_GROUP_ID", "auction-projector"),
		ProjectorWorkers:     1,
		EventSink:            getEnv("EVENT_SINK", SinkKafka),
		RelayEnabled:         true,
		AuctionEventStream:   getEnv("AUCTION_EVENT_STREAM", "bid_engine:auction_events"),
		AuctionEventGroup:    getEnv("AUCTION_EVENT_GROUP", "bid-engine-relay-group"),
		AuctionEventConsumer: getEnv("AUCTION_EVENT_CONSUMER", "bid-engine-relay-1"),
		SchedulerInterval:    time.Second,
		SchedulerBatchLimit:  100,
		BidRateLimit:         1000,
		BidRateWindow:        time.Second,
		AppEnv:               getEnv("APP_ENV", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}

	relayEnabled, err := getEnvBool("RELAY_ENABLED", cfg.RelayEnabled)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RELAY_ENABLED: %w", err)
	}
	cfg.RelayEnabled = relayEnabled

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	workers, err := getEnvInt("PROJECTOR_WORKERS", cfg.ProjectorWorkers)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid PROJECTOR_WORKERS: %w", err)
	}
	if workers <= 0 {
		return AppConfig{}, fmt.Errorf("PROJECTOR_WORKERS must be > 0")
	}
	cfg.ProjectorWorkers = workers

	intervalMs, err := getEnvInt("SCHEDULER_INTERVAL_MS", int(cfg.SchedulerInterval.Milliseconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid SCHEDULER_INTERVAL_MS: %w", err)
	}
	if intervalMs <= 0 {
		return AppConfig{}, fmt.Errorf("SCHEDULER_INTERVAL_MS must be > 0")
	}
	cfg.SchedulerInterval = time.Duration(intervalMs) * time.Millisecond

	batch, err := getEnvInt("SCHEDULER_BATCH_LIMIT", cfg.SchedulerBatchLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid SCHEDULER_BATCH_LIMIT: %w", err)
	}
	if batch <= 0 {
		return AppConfig{}, fmt.Errorf("SCHEDULER_BATCH_LIMIT must be > 0")
	}
	cfg.SchedulerBatchLimit = batch

	rateLimit, err := getEnvInt("BID_RATE_LIMIT", cfg.BidRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid BID_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("BID_RATE_LIMIT must be > 0")
	}
	cfg.BidRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("BID_RATE_WINDOW_SEC", int(cfg.BidRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid BID_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("BID_RATE_WINDOW_SEC must be > 0")
	}
	cfg.BidRateWindow = time.Duration(rateWindowSec) * time.Second

	switch cfg.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return AppConfig{}, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, cfg.DBDriver)
	}
	switch cfg.EventSink {
	case SinkKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
		}
		if cfg.KafkaTopic == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
		}
		if cfg.KafkaGroupID == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
		}
	case SinkDirect:
	default:
		return AppConfig{}, fmt.Errorf("EVENT_SINK must be %q or %q, got %q", SinkKafka, SinkDirect, cfg.EventSink)
	}
	if cfg.AuctionEventStream == "" {
		return AppConfig{}, fmt.Errorf("AUCTION_EVENT_STREAM must not be empty")
	}
	if cfg.AuctionEventGroup == "" {
		return AppConfig{}, fmt.Errorf("AUCTION_EVENT_GROUP must not be empty")
	}
	if cfg.AuctionEventConsumer == "" {
		return AppConfig{}, fmt.Errorf("AUCTION_EVENT_CONSUMER must not be empty")
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// getEnvBool 读取布尔环境变量，若为空则返回默认值。
func getEnvBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
