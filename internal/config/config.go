package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Market   MarketConfig
	Stream   StreamConfig
	Desk     DeskConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port            int
	Host            string
	CORSOrigins     []string
	MetricsUsername string
	MetricsPassword string
	ShutdownTimeout time.Duration

	// Период рассылки строк в /ws/rows; 0 отключает поток
	RowsPushInterval time.Duration
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string

	MaxOpenConns int
	MaxIdleConns int
}

// MarketConfig - REST Bybit и справочные данные
type MarketConfig struct {
	RESTBaseURL      string
	BaseCoin         string
	UnderlyingSymbol string
	HVPeriod         int

	RateLimit  float64 // запросов в секунду
	RateBurst  int
	MaxRetries int

	RefreshInterval time.Duration
	InstrumentsTTL  time.Duration
	VolatilityTTL   time.Duration
	DeliveryTTL     time.Duration
	RequestTimeout  time.Duration
}

// StreamConfig - публичные WebSocket потоки
type StreamConfig struct {
	OptionURL string
	LinearURL string

	PingInterval   time.Duration
	ReadTimeout    time.Duration
	BackoffFloor   time.Duration
	BackoffFactor  float64
	BackoffCeiling time.Duration
	StoreShards    int
}

// DeskConfig - оценка и жизненный цикл позиций
type DeskConfig struct {
	AutoSettleInterval time.Duration
	CaptureTimeout     time.Duration
	AnchorThreshold    float64
	RiskFreeRate       float64
	PayoffPoints       int
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load загружает конфигурацию из переменных окружения.
// .env в текущем каталоге подхватывается, если есть; переменные окружения имеют приоритет.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			Host:            getEnv("SERVER_HOST", "127.0.0.1"),
			CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS"),
			MetricsUsername: getEnv("METRICS_USERNAME", ""),
			MetricsPassword: getEnv("METRICS_PASSWORD", ""),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

			RowsPushInterval: getEnvAsDuration("ROWS_PUSH_INTERVAL", time.Second),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "postgres"),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			Name:         getEnv("DB_NAME", "optiondesk"),
			User:         getEnv("DB_USER", "optiondesk"),
			Password:     getEnv("DB_PASSWORD", ""),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		Market: MarketConfig{
			RESTBaseURL:      getEnv("BYBIT_REST_URL", "https://api.bybit.com"),
			BaseCoin:         strings.ToUpper(getEnv("BASE_COIN", "BTC")),
			UnderlyingSymbol: strings.ToUpper(getEnv("UNDERLYING_SYMBOL", "BTCUSDT")),
			HVPeriod:         getEnvAsInt("HV_PERIOD", 30),

			RateLimit:  getEnvAsFloat("REST_RATE_LIMIT", 10),
			RateBurst:  getEnvAsInt("REST_RATE_BURST", 20),
			MaxRetries: getEnvAsInt("REST_MAX_RETRIES", 3),

			RefreshInterval: getEnvAsDuration("MARKET_REFRESH_INTERVAL", 5*time.Minute),
			InstrumentsTTL:  getEnvAsDuration("INSTRUMENTS_TTL", 15*time.Minute),
			VolatilityTTL:   getEnvAsDuration("VOLATILITY_TTL", 30*time.Minute),
			DeliveryTTL:     getEnvAsDuration("DELIVERY_TTL", 10*time.Minute),
			RequestTimeout:  getEnvAsDuration("REST_REQUEST_TIMEOUT", 20*time.Second),
		},
		Stream: StreamConfig{
			OptionURL: getEnv("BYBIT_WS_OPTION_URL", "wss://stream.bybit.com/v5/public/option"),
			LinearURL: getEnv("BYBIT_WS_LINEAR_URL", "wss://stream.bybit.com/v5/public/linear"),

			PingInterval:   getEnvAsDuration("WS_PING_INTERVAL", 20*time.Second),
			ReadTimeout:    getEnvAsDuration("WS_READ_TIMEOUT", 50*time.Second),
			BackoffFloor:   getEnvAsDuration("WS_BACKOFF_FLOOR", 1*time.Second),
			BackoffFactor:  getEnvAsFloat("WS_BACKOFF_FACTOR", 1.7),
			BackoffCeiling: getEnvAsDuration("WS_BACKOFF_CEILING", 15*time.Second),
			StoreShards:    getEnvAsInt("QUOTE_STORE_SHARDS", 16),
		},
		Desk: DeskConfig{
			AutoSettleInterval: getEnvAsDuration("AUTO_SETTLE_INTERVAL", 10*time.Minute),
			CaptureTimeout:     getEnvAsDuration("CLOSE_CAPTURE_TIMEOUT", 500*time.Millisecond),
			AnchorThreshold:    getEnvAsFloat("ANCHOR_THRESHOLD", 0.05),
			RiskFreeRate:       getEnvAsFloat("RISK_FREE_RATE", 0),
			PayoffPoints:       getEnvAsInt("PAYOFF_POINTS", 200),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 30),
		},
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Market.BaseCoin == "" {
		return fmt.Errorf("BASE_COIN cannot be empty")
	}

	if c.Market.HVPeriod < 1 {
		return fmt.Errorf("HV_PERIOD must be positive, got %d", c.Market.HVPeriod)
	}

	if c.Market.RateLimit <= 0 {
		return fmt.Errorf("REST_RATE_LIMIT must be positive, got %v", c.Market.RateLimit)
	}

	if c.Market.MaxRetries < 1 || c.Market.MaxRetries > 10 {
		return fmt.Errorf("REST_MAX_RETRIES must be between 1 and 10, got %d", c.Market.MaxRetries)
	}

	if c.Stream.BackoffFloor <= 0 || c.Stream.BackoffCeiling < c.Stream.BackoffFloor {
		return fmt.Errorf("WS_BACKOFF_FLOOR must be positive and not exceed WS_BACKOFF_CEILING")
	}

	if c.Stream.BackoffFactor < 1 {
		return fmt.Errorf("WS_BACKOFF_FACTOR must be at least 1, got %v", c.Stream.BackoffFactor)
	}

	if c.Stream.ReadTimeout <= c.Stream.PingInterval {
		return fmt.Errorf("WS_READ_TIMEOUT (%v) must exceed WS_PING_INTERVAL (%v)", c.Stream.ReadTimeout, c.Stream.PingInterval)
	}

	if c.Desk.CaptureTimeout <= 0 {
		return fmt.Errorf("CLOSE_CAPTURE_TIMEOUT must be positive, got %v", c.Desk.CaptureTimeout)
	}

	if c.Desk.AnchorThreshold <= 0 || c.Desk.AnchorThreshold > 1 {
		return fmt.Errorf("ANCHOR_THRESHOLD must be within (0, 1], got %v", c.Desk.AnchorThreshold)
	}

	if c.Desk.PayoffPoints < 2 || c.Desk.PayoffPoints > 2000 {
		return fmt.Errorf("PAYOFF_POINTS must be between 2 and 2000, got %d", c.Desk.PayoffPoints)
	}

	if c.Server.RowsPushInterval < 0 {
		return fmt.Errorf("ROWS_PUSH_INTERVAL cannot be negative, got %v", c.Server.RowsPushInterval)
	}

	// 0 отключает авторасчёт
	if c.Desk.AutoSettleInterval < 0 {
		return fmt.Errorf("AUTO_SETTLE_INTERVAL cannot be negative, got %v", c.Desk.AutoSettleInterval)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList список через запятую, пустые элементы отбрасываются
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
