package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chargeflow/backend/libs/mqtt"
	libredis "chargeflow/backend/libs/redis"
	"chargeflow/backend/services/charging-service/internal/config"
	"chargeflow/backend/services/charging-service/internal/db"
	httpserver "chargeflow/backend/services/charging-service/internal/http"
	"chargeflow/backend/services/charging-service/internal/http/handlers"
	"chargeflow/backend/services/charging-service/internal/metering"
	"chargeflow/backend/services/charging-service/internal/metrics"
	redisstore "chargeflow/backend/services/charging-service/internal/redis"
	"chargeflow/backend/services/charging-service/internal/relay"
	"chargeflow/backend/services/charging-service/internal/repository"
	"chargeflow/backend/services/charging-service/internal/service"
	"chargeflow/backend/services/charging-service/internal/session"
	"chargeflow/backend/services/charging-service/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

// App wires charging-service dependencies.
type App struct {
	cfg         *config.Config
	server      *httpserver.Server
	manager     *session.Manager
	connector   *mqtt.Connector
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
}

// New constructs the application graph.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	mode, err := metering.ParseMode(cfg.Metering.Mode)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	ledger, devices, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}

	var cache *redisstore.Store
	if cfg.RedisEnabled() {
		a.redisClient, err = libredis.NewRedisClient(ctx, libredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		cache = redisstore.NewStore(a.redisClient, cfg.Redis.TTL, cfg.Redis.StartGuard)
	} else {
		logger.Info("redis not configured, active session cache disabled")
	}

	a.connector, err = mqtt.NewConnector(mqtt.Options{
		BrokerURL:            cfg.MQTT.BrokerURL,
		ClientID:             cfg.MQTT.ClientID,
		Username:             cfg.MQTT.Username,
		Password:             cfg.MQTT.Password,
		KeepAlive:            cfg.MQTT.KeepAlive,
		ConnectRetryDelay:    cfg.MQTT.ReconnectPeriod,
		MaxConnectRetryDelay: cfg.MQTT.MaxReconnectPeriod,
		ConnectTimeout:       cfg.MQTT.ConnectTimeout,
		InsecureSkipVerify:   cfg.MQTT.InsecureSkipVerify,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	topics := telemetry.Topics{
		Voltage:      cfg.Topics.Voltage,
		Current:      cfg.Topics.Current,
		Status:       cfg.Topics.Status,
		RelayControl: cfg.Topics.RelayControl,
	}
	channel := telemetry.NewChannel(a.connector, telemetry.Options{
		Topics:     topics,
		StaleAfter: cfg.Telemetry.StaleAfter,
		OnFault:    func(string, error) { m.TelemetryDropped() },
	}, logger)
	relayController := relay.NewController(a.connector, relay.Options{
		Topic:       topics.RelayControl,
		RetryDelay:  cfg.Relay.RetryDelay,
		MaxAttempts: cfg.Relay.MaxAttempts,
	}, logger)

	var activeCache session.ActiveCache
	var activeLookup service.ActiveLookup
	if cache != nil {
		activeCache, activeLookup = cache, cache
	}

	a.manager = session.NewManager(ledger, devices, channel, relayController, activeCache, session.Config{
		Engine:          metering.NewEngine(cfg.Metering.TariffPerKWh, mode),
		TickInterval:    cfg.Metering.TickInterval,
		PersistAttempts: cfg.Sessions.PersistAttempts,
		CloseAttempts:   cfg.Sessions.PersistAttempts,
		RetryDelay:      cfg.Sessions.RetryDelay,
		StopTimeout:     cfg.Sessions.StopTimeout,
		Location:        loc,
		Metrics:         m,
	}, logger)

	svc := service.NewChargingService(a.manager, ledger, devices, activeLookup, logger).WithReadings(channel)
	tokens := service.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Sessions: handlers.NewSessionsHandlers(svc, logger),
		Devices:  handlers.NewDevicesHandlers(svc),
		Health:   handlers.NewHealthHandler(a.healthChecks()),
		Metrics:  m.Handler(),
		Tokens:   tokens,
	})
	a.server = httpserver.NewServer(cfg.HTTPAddress(), router, logger)

	return a, nil
}

func (a *App) openLedger(ctx context.Context) (repository.SessionLedger, repository.DeviceStore, error) {
	if a.cfg.Ledger.Driver == config.LedgerMemory {
		a.logger.Warn("using in-memory session ledger, sessions are lost on restart")
		return repository.NewMemorySessionLedger(), repository.NewMemoryDeviceStore(), nil
	}

	sqlDB, err := db.NewPostgres(ctx, a.cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	a.db = sqlDB

	if a.cfg.Database.Migrate {
		if err := db.Migrate(sqlDB, a.logger); err != nil {
			sqlDB.Close()
			a.db = nil
			return nil, nil, err
		}
	}
	return repository.NewPostgresSessionLedger(sqlDB), repository.NewDeviceRepository(sqlDB), nil
}

func (a *App) healthChecks() map[string]handlers.Pinger {
	checks := map[string]handlers.Pinger{}
	if a.db != nil {
		checks["postgres"] = handlers.PingFunc(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return a.db.PingContext(ctx)
		})
	}
	if a.redisClient != nil {
		checks["redis"] = handlers.PingFunc(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return a.redisClient.Ping(ctx).Err()
		})
	}
	return checks
}

// Run resumes open sessions and serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Sessions.ResumeOnStart {
		resumed, err := a.manager.Resume(ctx)
		if err != nil {
			a.logger.Error("failed to resume open sessions", zap.Error(err))
		} else {
			a.logger.Info("open sessions resumed", zap.Int("count", resumed))
		}
	}

	err := a.server.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := a.manager.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.Warn("session manager shutdown incomplete", zap.Error(shutdownErr))
	}
	return err
}

// Close releases resources.
func (a *App) Close() {
	if a.connector != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.connector.Disconnect(ctx); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			a.logger.Warn("failed to disconnect mqtt", zap.Error(err))
		}
		cancel()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
