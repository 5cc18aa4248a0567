package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"optiondesk/internal/api"
	"optiondesk/internal/api/handlers"
	"optiondesk/internal/api/middleware"
	"optiondesk/internal/config"
	"optiondesk/internal/exchange"
	"optiondesk/internal/marketdata"
	"optiondesk/internal/repository"
	"optiondesk/internal/service"
	"optiondesk/internal/websocket"
	"optiondesk/pkg/retry"
	"optiondesk/pkg/utils"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   true,
	})
	defer logger.Sync()

	// Инициализация базы данных
	db, err := initDatabase(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()), zap.Error(err))
	}
	defer db.Close()

	logger.Info("Connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

	positionRepo := repository.NewPositionRepository(db)
	if err := positionRepo.Migrate(); err != nil {
		logger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	// Рыночные данные: хранилище котировок и потоки Bybit
	store := marketdata.NewQuoteStore(cfg.Stream.StoreShards)

	muxCfg := marketdata.DefaultMultiplexerConfig()
	muxCfg.Endpoints[marketdata.ClassOption] = cfg.Stream.OptionURL
	muxCfg.Endpoints[marketdata.ClassLinear] = cfg.Stream.LinearURL
	muxCfg.Connection.PingInterval = cfg.Stream.PingInterval
	muxCfg.Connection.ReadTimeout = cfg.Stream.ReadTimeout
	muxCfg.Connection.BackoffFloor = cfg.Stream.BackoffFloor
	muxCfg.Connection.BackoffFactor = cfg.Stream.BackoffFactor
	muxCfg.Connection.BackoffCeiling = cfg.Stream.BackoffCeiling
	feed := marketdata.NewMultiplexer(muxCfg, store, logger)

	// REST Bybit
	httpClient := exchange.NewHTTPClient(exchange.DefaultHTTPClientConfig())
	bybitCfg := exchange.DefaultBybitConfig()
	bybitCfg.BaseURL = cfg.Market.RESTBaseURL
	bybitCfg.Rate = cfg.Market.RateLimit
	bybitCfg.Burst = cfg.Market.RateBurst
	bybitCfg.Retry = retry.DefaultConfig()
	bybitCfg.Retry.MaxAttempts = cfg.Market.MaxRetries
	bybit := exchange.NewBybitClient(bybitCfg, httpClient, logger)

	// Инициализация сервисов; поле component каждый конструктор ставит сам
	marketService := service.NewMarketService(bybit, store, service.MarketConfig{
		BaseCoin:         cfg.Market.BaseCoin,
		UnderlyingSymbol: cfg.Market.UnderlyingSymbol,
		HVPeriod:         cfg.Market.HVPeriod,
		RefreshInterval:  cfg.Market.RefreshInterval,
		InstrumentsTTL:   cfg.Market.InstrumentsTTL,
		VolatilityTTL:    cfg.Market.VolatilityTTL,
		DeliveryTTL:      cfg.Market.DeliveryTTL,
		RequestTimeout:   cfg.Market.RequestTimeout,
	}, logger)

	deskService := service.NewDeskService(positionRepo, feed, marketService, service.DeskConfig{
		UnderlyingSymbol:   cfg.Market.UnderlyingSymbol,
		AutoSettleInterval: cfg.Desk.AutoSettleInterval,
		CaptureTimeout:     cfg.Desk.CaptureTimeout,
		AnchorThreshold:    cfg.Desk.AnchorThreshold,
		RiskFreeRate:       cfg.Desk.RiskFreeRate,
		PayoffPoints:       cfg.Desk.PayoffPoints,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	marketService.Start(ctx)
	if err := deskService.Start(ctx); err != nil {
		logger.Fatal("Failed to start desk", zap.Error(err))
	}

	// Поток строк для фронтенда
	hub := websocket.NewHub(cfg.Server.CORSOrigins, logger)
	go hub.Run()
	streamer := handlers.NewRowsStreamer(deskService, hub, cfg.Server.RowsPushInterval, logger)
	go streamer.Run(ctx)

	// Настройка HTTP роутера
	middleware.SetAllowedOrigins(cfg.Server.CORSOrigins)
	router := api.SetupRoutes(&api.Dependencies{
		DeskService:     deskService,
		MarketService:   marketService,
		Hub:             hub,
		MetricsUsername: cfg.Server.MetricsUsername,
		MetricsPassword: cfg.Server.MetricsPassword,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// сначала потребители потоков, затем сами потоки
	cancel()
	hub.Stop()
	deskService.Stop()
	marketService.Stop()
	feed.Close()
	bybit.Close()

	logger.Info("Server exited")
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
