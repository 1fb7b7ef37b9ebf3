package infra

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 汇总客户端进程的配置，全部来自环境变量：
//
//	IM_SERVER_URL          例：ws://localhost:9326
//	IM_USER_ID             当前登录身份
//	IM_HTTP_ADDR           本地控制 API 地址，空字符串表示不启动
//	IM_STORE               sqlite | redis | mysql | memory
//	IM_SQLITE_PATH         sqlite 文件路径
//	IM_QUEUE_MAX           出站队列上限，0 表示不限
//	IM_QUEUE_HEAD_POLICY   block | skip，队头发送失败时的策略
//	IM_ACK_TIMEOUT         例：5s
//	IM_RECONNECT_BASE      例：5s
//	IM_RECONNECT_CAP       例：30s
//	IM_RECONNECT_MAX       最大自动重连次数
//	IM_DRAIN_PACING        例：50ms
//	IM_RMQ_ENABLED         true 时接入 RabbitMQ 事件发布与发送队列
type Config struct {
	ServerURL      string
	UserID         string
	HTTPAddr       string
	Store          string
	SQLitePath     string
	QueueMax       int
	HeadPolicy     string
	AckTimeout     time.Duration
	ReconnectBase  time.Duration
	ReconnectCap   time.Duration
	ReconnectMax   int
	DrainPacing    time.Duration
	RabbitEnabled  bool
	LedgerCapacity int
}

// LoadConfig 从环境变量加载配置，提供合理默认值。
func LoadConfig() Config {
	return Config{
		ServerURL:      envString("IM_SERVER_URL", "ws://localhost:9326"),
		UserID:         os.Getenv("IM_USER_ID"),
		HTTPAddr:       envString("IM_HTTP_ADDR", "127.0.0.1:8081"),
		Store:          strings.ToLower(envString("IM_STORE", "sqlite")),
		SQLitePath:     envString("IM_SQLITE_PATH", "im-client.db"),
		QueueMax:       envInt("IM_QUEUE_MAX", 0),
		HeadPolicy:     strings.ToLower(envString("IM_QUEUE_HEAD_POLICY", "block")),
		AckTimeout:     envDuration("IM_ACK_TIMEOUT", 5*time.Second),
		ReconnectBase:  envDuration("IM_RECONNECT_BASE", 5*time.Second),
		ReconnectCap:   envDuration("IM_RECONNECT_CAP", 30*time.Second),
		ReconnectMax:   envInt("IM_RECONNECT_MAX", 6),
		DrainPacing:    envDuration("IM_DRAIN_PACING", 50*time.Millisecond),
		RabbitEnabled:  envBool("IM_RMQ_ENABLED", false),
		LedgerCapacity: envInt("IM_LEDGER_CAPACITY", 4096),
	}
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}
