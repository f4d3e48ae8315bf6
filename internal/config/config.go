package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	DBPath   string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）与订单事件 Topic
	KafkaBrokers []string
	KafkaTopic   string

	// Redis Stream outbox（引擎原子入流，Relay 异步转 Kafka）
	OrderEventStream   string
	OrderEventGroup    string
	OrderEventConsumer string

	// 调度器参数：三个轮询间隔、单轮并发上限、卡单阈值
	PollInterval        time.Duration
	MaxConcurrentOrders int64
	StallThreshold      time.Duration

	// RetryBackoff 重试退避表，按 attempts 下标取延迟；越界即重试耗尽。
	RetryBackoff []time.Duration

	// MissingWalletFatal 控制 SIGN 步骤对未绑定钱包的处理：
	// true 为硬错误，false 为接受并跳过签名校验。
	MissingWalletFatal bool

	// 运维接口保护与限流
	OpsAdminToken string
	OpsRateLimit  int
	OpsRateWindow time.Duration
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		DBPath:              getEnv("DB_PATH", "telco_orders.db"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:             0,
		KafkaBrokers:        splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:          getEnv("KAFKA_TOPIC", "telco-order-events"),
		OrderEventStream:    getEnv("ORDER_EVENT_STREAM", "telco:order_events"),
		OrderEventGroup:     getEnv("ORDER_EVENT_GROUP", "telco-relay-group"),
		OrderEventConsumer:  getEnv("ORDER_EVENT_CONSUMER", "telco-relay-1"),
		PollInterval:        10 * time.Second,
		MaxConcurrentOrders: 20,
		StallThreshold:      24 * time.Hour,
		MissingWalletFatal:  false,
		OpsAdminToken:       getEnv("OPS_ADMIN_TOKEN", "dev-admin-token"),
		OpsRateLimit:        100,
		OpsRateWindow:       time.Second,
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	pollSec, err := getEnvInt("POLL_INTERVAL_SEC", int(cfg.PollInterval.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid POLL_INTERVAL_SEC: %w", err)
	}
	if pollSec <= 0 {
		return AppConfig{}, fmt.Errorf("POLL_INTERVAL_SEC must be > 0")
	}
	cfg.PollInterval = time.Duration(pollSec) * time.Second

	maxOrders, err := getEnvInt("MAX_CONCURRENT_ORDERS", int(cfg.MaxConcurrentOrders))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid MAX_CONCURRENT_ORDERS: %w", err)
	}
	if maxOrders <= 0 {
		return AppConfig{}, fmt.Errorf("MAX_CONCURRENT_ORDERS must be > 0")
	}
	cfg.MaxConcurrentOrders = int64(maxOrders)

	stallHour, err := getEnvInt("STALL_THRESHOLD_HOUR", int(cfg.StallThreshold.Hours()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid STALL_THRESHOLD_HOUR: %w", err)
	}
	if stallHour <= 0 {
		return AppConfig{}, fmt.Errorf("STALL_THRESHOLD_HOUR must be > 0")
	}
	cfg.StallThreshold = time.Duration(stallHour) * time.Hour

	backoff, err := ParseBackoff(getEnv("RETRY_BACKOFF", "1m,5m,30m,2h,12h"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RETRY_BACKOFF: %w", err)
	}
	cfg.RetryBackoff = backoff

	cfg.MissingWalletFatal = getEnv("MISSING_WALLET_FATAL", "false") == "true"

	rateLimit, err := getEnvInt("OPS_RATE_LIMIT", cfg.OpsRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid OPS_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("OPS_RATE_LIMIT must be > 0")
	}
	cfg.OpsRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("OPS_RATE_WINDOW_SEC", int(cfg.OpsRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid OPS_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("OPS_RATE_WINDOW_SEC must be > 0")
	}
	cfg.OpsRateWindow = time.Duration(rateWindowSec) * time.Second

	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.OrderEventStream == "" {
		return AppConfig{}, fmt.Errorf("ORDER_EVENT_STREAM must not be empty")
	}
	if cfg.OrderEventGroup == "" {
		return AppConfig{}, fmt.Errorf("ORDER_EVENT_GROUP must not be empty")
	}
	if cfg.OrderEventConsumer == "" {
		return AppConfig{}, fmt.Errorf("ORDER_EVENT_CONSUMER must not be empty")
	}

	return cfg, nil
}

// ParseBackoff 解析逗号分隔的 Go duration 列表（如 "1m,5m,2h"），表不可为空。
func ParseBackoff(value string) ([]time.Duration, error) {
	parts := splitCSV(value)
	if len(parts) == 0 {
		return nil, fmt.Errorf("backoff table must not be empty")
	}
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("bad duration %q: %w", p, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %q", p)
		}
		out = append(out, d)
	}
	return out, nil
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
