// Package config 配置
package config

import (
	"strconv"
	"time"

	pkgconfig "github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost         string
	DBPort         int
	DBUser         string
	DBPassword     string
	DBName         string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Redis
	RedisAddr     string
	RedisPassword string

	// Streams
	PaymentStream string
	ConsumerGroup string
	ConsumerName  string

	// Private events (pub/sub)
	PrivateUserEventChannel string

	// Downstream services
	WalletServiceURL string
	InvestServiceURL string
	BonusServiceURL  string
	LedgerServiceURL string
	InternalToken    string

	// Recovery
	SweepTimeout  time.Duration
	SweepInterval time.Duration

	// Tracing
	TracingEnabled bool
	JaegerEndpoint string

	WorkerID int64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: pkgconfig.GetEnv("SERVICE_NAME", "payment-allocation"),
		HTTPPort:    pkgconfig.GetEnvInt("HTTP_PORT", 8086),

		DBHost:         pkgconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:         pkgconfig.GetEnvInt("DB_PORT", 5436),
		DBUser:         pkgconfig.GetEnv("DB_USER", "preiposip"),
		DBPassword:     pkgconfig.GetEnv("DB_PASSWORD", "preiposip123"),
		DBName:         pkgconfig.GetEnv("DB_NAME", "preiposip"),
		DBMaxOpenConns: pkgconfig.GetEnvInt("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns: pkgconfig.GetEnvInt("DB_MAX_IDLE_CONNS", 5),

		RedisAddr:     pkgconfig.GetEnv("REDIS_ADDR", "localhost:6380"),
		RedisPassword: pkgconfig.GetEnv("REDIS_PASSWORD", ""),

		PaymentStream: pkgconfig.GetEnv("PAYMENT_STREAM", "sip:payments:settled"),
		ConsumerGroup: pkgconfig.GetEnv("CONSUMER_GROUP", "allocation-group"),
		ConsumerName:  pkgconfig.GetEnv("CONSUMER_NAME", "allocation-1"),

		PrivateUserEventChannel: pkgconfig.GetEnv("PRIVATE_USER_EVENT_CHANNEL", "private:user:{userId}:events"),

		WalletServiceURL: pkgconfig.GetEnv("WALLET_SERVICE_URL", "http://localhost:8081"),
		InvestServiceURL: pkgconfig.GetEnv("INVEST_SERVICE_URL", "http://localhost:8082"),
		BonusServiceURL:  pkgconfig.GetEnv("BONUS_SERVICE_URL", "http://localhost:8083"),
		LedgerServiceURL: pkgconfig.GetEnv("LEDGER_SERVICE_URL", "http://localhost:8084"),
		InternalToken:    pkgconfig.GetEnv("INTERNAL_TOKEN", ""),

		// 超过 SweepTimeout 仍在 processing 的 saga 视为孤儿
		SweepTimeout:  pkgconfig.GetEnvDuration("SWEEP_TIMEOUT", 10*time.Minute),
		SweepInterval: pkgconfig.GetEnvDuration("SWEEP_INTERVAL", 5*time.Minute),

		TracingEnabled: pkgconfig.GetEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint: pkgconfig.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),

		WorkerID: pkgconfig.GetEnvInt64("WORKER_ID", 6),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}
