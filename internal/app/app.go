package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/couchsync/server/internal/controller"
	broadcastredis "github.com/couchsync/server/internal/repository/broadcast/redis"
	"github.com/couchsync/server/internal/repository/connection/inmemory"
	playbackredis "github.com/couchsync/server/internal/repository/playback/redis"
	signalingredis "github.com/couchsync/server/internal/repository/signaling/redis"
	"github.com/couchsync/server/internal/service/room"
	"github.com/couchsync/server/internal/service/rtc"
	"github.com/couchsync/server/pkg/ctxlogger"
	"github.com/couchsync/server/pkg/redisclient"
)

// roomSize is fixed: the playback and call protocols are written for
// exactly two participants.
const roomSize = 2

type AppConfig struct {
	Host                 string        `json:"host"`
	Port                 int           `json:"port"`
	LogLevel             string        `json:"log_level"`
	RedisHost            string        `json:"redis_host"`
	RedisPort            int           `json:"redis_port"`
	RedisPassword        string        `json:"-"`
	HeartbeatInterval    time.Duration `json:"heartbeat_interval"`
	DriftThreshold       float64       `json:"drift_threshold"`
	StaleSignalAge       time.Duration `json:"stale_signal_age"`
	StatsInterval        time.Duration `json:"stats_interval"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	ReconnectBackoff     time.Duration `json:"reconnect_backoff"`
	IceURLs              []string      `json:"ice_urls"`
	TurnUsername         string        `json:"turn_username"`
	TurnCredential       string        `json:"-"`
}

func (cfg *AppConfig) Validate() error {
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be greater than 0")
	}
	if cfg.DriftThreshold <= 0 {
		return fmt.Errorf("drift threshold must be greater than 0")
	}
	if cfg.MaxReconnectAttempts < 1 {
		return fmt.Errorf("max reconnect attempts must be greater than 0")
	}
	if len(cfg.IceURLs) == 0 {
		return fmt.Errorf("at least one ice server url is required")
	}
	return nil
}

func Run(ctx context.Context, cfg *AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		log.Fatal(err)
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}),
	}

	logger := slog.New(&h)

	rc, err := redisclient.NewRedisClient(ctx, &redisclient.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer rc.Close()

	playbackRepo := playbackredis.NewRepo(rc, 24*14*time.Hour)
	signalingRepo := signalingredis.NewRepo(rc, 24*14*time.Hour)
	bus := broadcastredis.NewBus(rc)
	connectionRepo := inmemory.NewRepo(roomSize)

	iceConfigs := make([]rtc.IceServerConfig, 0, len(cfg.IceURLs))
	for _, url := range cfg.IceURLs {
		ice := rtc.IceServerConfig{URL: url}
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			ice.Username = cfg.TurnUsername
			ice.Credential = cfg.TurnCredential
		}
		iceConfigs = append(iceConfigs, ice)
	}
	iceProvider := rtc.NewStaticIceProvider(iceConfigs)

	factory := rtc.NewDeviceFactory(logger)

	roomService := room.NewService(playbackRepo, signalingRepo, bus, connectionRepo, iceProvider, factory, &room.Config{
		HeartbeatInterval:    cfg.HeartbeatInterval,
		DriftThreshold:       cfg.DriftThreshold,
		StaleSignalAge:       cfg.StaleSignalAge,
		StatsInterval:        cfg.StatsInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBackoffStep: cfg.ReconnectBackoff,
	}, logger)
	controller := controller.NewController(roomService, logger)
	server := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: controller.GetMux()}

	// graceful shutdown
	serverCtx, serverStopCtx := context.WithCancel(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		shutdownCtx, c := context.WithTimeout(serverCtx, 30*time.Second)
		defer c()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal("graceful shutdown timed out.. forcing exit.")
			}
		}()

		err := server.Shutdown(shutdownCtx)
		if err != nil {
			log.Fatal(err)
		}
		serverStopCtx()
	}()

	logger.InfoContext(serverCtx, "starting server", "address", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-serverCtx.Done()

	return nil
}
