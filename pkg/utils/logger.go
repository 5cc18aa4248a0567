package utils

// logger.go - структурированное логирование на базе zap
//
// Назначение:
// Единая точка настройки логгера для всех компонентов (market data,
// valuation, REST, API). Глобальный логгер доступен через L().
//
// Формат: json (по умолчанию) или text (console encoder).
// Вывод: stderr или файл с ротацией через lumberjack.

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig конфигурация логгера
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json, text
	Output      string // путь к файлу; пусто = stderr
	Development bool

	// Ротация (используется только при Output != "")
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger обёртка над zap.Logger с доменными хелперами
type Logger struct {
	*zap.Logger
}

// NewLogger оборачивает готовый zap.Logger
func NewLogger(zl *zap.Logger) *Logger {
	return &Logger{Logger: zl}
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создаёт логгер по конфигурации.
// При невозможности открыть файл вывода пишет в stderr.
func InitLogger(cfg LogConfig) *Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "text" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, openOutput(cfg), zap.NewAtomicLevelAt(parseLevel(cfg.Level)))

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	return NewLogger(zap.New(core, opts...))
}

// openOutput возвращает writer для лога: lumberjack для файла, stderr иначе
func openOutput(cfg LogConfig) zapcore.WriteSyncer {
	if cfg.Output == "" {
		return zapcore.Lock(os.Stderr)
	}

	// lumberjack открывает файл лениво, проверяем путь заранее
	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: cannot open %s, falling back to stderr: %v\n", cfg.Output, err)
		return zapcore.Lock(os.Stderr)
	}
	f.Close()

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
}

// parseLevel преобразует строку в уровень zap, по умолчанию info
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ============================================================
// Глобальный логгер
// ============================================================

// GetGlobalLogger возвращает глобальный логгер, создавая его при первом обращении
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L короткий алиас для GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// InitGlobalLogger создаёт логгер и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger заменяет глобальный логгер (используется в тестах)
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// ============================================================
// Методы Logger
// ============================================================

// With возвращает дочерний логгер с дополнительными полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	return NewLogger(l.Logger.With(fields...))
}

func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

func (l *Logger) WithClass(class string) *Logger {
	return l.With(Class(class))
}

// ============================================================
// Доменные конструкторы полей
// ============================================================

func Class(class string) zap.Field        { return zap.String("channel_class", class) }
func Symbol(symbol string) zap.Field      { return zap.String("symbol", symbol) }
func Topic(topic string) zap.Field        { return zap.String("topic", topic) }
func PositionID(id string) zap.Field      { return zap.String("position_id", id) }
func Strike(strike float64) zap.Field     { return zap.Float64("strike", strike) }
func Expiry(ms int64) zap.Field           { return zap.Time("expiry", time.UnixMilli(ms).UTC()) }
func Price(price float64) zap.Field       { return zap.Float64("price", price) }
func IV(iv float64) zap.Field             { return zap.Float64("iv", iv) }
func PNL(pnl float64) zap.Field           { return zap.Float64("pnl", pnl) }
func Side(side string) zap.Field          { return zap.String("side", side) }
func Latency(ms float64) zap.Field        { return zap.Float64("latency_ms", ms) }
func Component(name string) zap.Field     { return zap.String("component", name) }
func Delay(d time.Duration) zap.Field     { return zap.Duration("delay", d) }
func Endpoint(endpoint string) zap.Field  { return zap.String("endpoint", endpoint) }

// Field поле структурированного лога
type Field = zap.Field

// Переэкспорт стандартных конструкторов zap
var (
	String = zap.String
	Int    = zap.Int
	Int64  = zap.Int64
	Err    = zap.Error
	Any    = zap.Any
)
