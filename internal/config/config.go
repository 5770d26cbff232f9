package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 支持的消息存储后端。
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendBadger   = "badger"
)

type Config struct {
	Port           string
	Env            string
	LogLevel       string
	StoreBackend   string
	DatabaseDSN    string
	BadgerPath     string
	UploadDir      string
	MaxUploadMB    int
	StorageTimeout time.Duration
	SendBuffer     int
	WSRateBurst    int
	WSRatePerSec   float64
	HistoryPageMax int
	HTTPRatePerSec float64
	HTTPRateBurst  int
	ShutdownGrace  time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getint 解析正整数，非法值回退到默认值。
func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getfloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(getenv(key, ""), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Load 先尝试加载 .env 文件（不存在时忽略），再从环境变量读取配置。
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:           getenv("APP_PORT", "8080"),
		Env:            getenv("APP_ENV", "dev"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		StoreBackend:   strings.ToLower(getenv("STORE_BACKEND", BackendPostgres)),
		DatabaseDSN:    getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=groupchat port=5432 sslmode=disable TimeZone=UTC"),
		BadgerPath:     getenv("BADGER_PATH", "data/badger"),
		UploadDir:      getenv("UPLOAD_DIR", "uploads"),
		MaxUploadMB:    getint("MAX_UPLOAD_MB", 10),
		StorageTimeout: time.Duration(getint("STORAGE_TIMEOUT_MS", 3000)) * time.Millisecond,
		SendBuffer:     getint("SEND_BUFFER", 256),
		WSRateBurst:    getint("WS_RATE_BURST", 10),
		WSRatePerSec:   getfloat("WS_RATE_PER_SEC", 5),
		HistoryPageMax: getint("HISTORY_PAGE_MAX", 200),
		HTTPRatePerSec: getfloat("HTTP_RATE_PER_SEC", 20),
		HTTPRateBurst:  getint("HTTP_RATE_BURST", 40),
		ShutdownGrace:  time.Duration(getint("SHUTDOWN_GRACE_MS", 10000)) * time.Millisecond,
	}
}

// Validate 在启动时检查配置，避免带着不可用的参数运行。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	switch cfg.StoreBackend {
	case BackendPostgres, BackendSQLite:
		if cfg.DatabaseDSN == "" {
			return errors.New("DATABASE_DSN is required for " + cfg.StoreBackend)
		}
	case BackendBadger:
		if cfg.BadgerPath == "" {
			return errors.New("BADGER_PATH is required for badger")
		}
	default:
		return errors.New("unknown STORE_BACKEND: " + cfg.StoreBackend)
	}
	if cfg.UploadDir == "" {
		return errors.New("UPLOAD_DIR is required")
	}
	if cfg.StorageTimeout <= 0 {
		return errors.New("STORAGE_TIMEOUT_MS must be positive")
	}
	return nil
}

// MaxUploadBytes 返回单个附件允许的最大字节数。
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}
