package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/couchsync/server/internal/app"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
}

var (
	port = configVar[int]{
		envKey:       "COUCHSYNC_PORT",
		flagKey:      "port",
		defaultValue: 8080,
	}
	host = configVar[string]{
		envKey:       "COUCHSYNC_HOST",
		flagKey:      "host",
		defaultValue: "127.0.0.1",
	}
	logLevel = configVar[string]{
		envKey:       "COUCHSYNC_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
	}
	redisPort = configVar[int]{
		envKey:       "REDIS_PORT",
		flagKey:      "redis-port",
		defaultValue: 6379,
	}
	redisHost = configVar[string]{
		envKey:       "REDIS_HOST",
		flagKey:      "redis-host",
		defaultValue: "localhost",
	}
	redisPassword = configVar[string]{
		envKey:       "REDIS_PASSWORD",
		flagKey:      "redis-password",
		defaultValue: "",
	}
	heartbeatInterval = configVar[time.Duration]{
		envKey:       "COUCHSYNC_HEARTBEAT_INTERVAL",
		flagKey:      "heartbeat-interval",
		defaultValue: time.Second,
	}
	driftThreshold = configVar[float64]{
		envKey:       "COUCHSYNC_DRIFT_THRESHOLD",
		flagKey:      "drift-threshold",
		defaultValue: 1.0,
	}
	staleSignalAge = configVar[time.Duration]{
		envKey:       "COUCHSYNC_STALE_SIGNAL_AGE",
		flagKey:      "stale-signal-age",
		defaultValue: 30 * time.Second,
	}
	statsInterval = configVar[time.Duration]{
		envKey:       "COUCHSYNC_STATS_INTERVAL",
		flagKey:      "stats-interval",
		defaultValue: 3 * time.Second,
	}
	maxReconnectAttempts = configVar[int]{
		envKey:       "COUCHSYNC_MAX_RECONNECT_ATTEMPTS",
		flagKey:      "max-reconnect-attempts",
		defaultValue: 3,
	}
	reconnectBackoff = configVar[time.Duration]{
		envKey:       "COUCHSYNC_RECONNECT_BACKOFF",
		flagKey:      "reconnect-backoff",
		defaultValue: 2 * time.Second,
	}
	iceURLs = configVar[[]string]{
		envKey:       "COUCHSYNC_ICE_URLS",
		flagKey:      "ice-urls",
		defaultValue: []string{"stun:stun.l.google.com:19302"},
	}
	turnUsername = configVar[string]{
		envKey:       "COUCHSYNC_TURN_USERNAME",
		flagKey:      "turn-username",
		defaultValue: "",
	}
	turnCredential = configVar[string]{
		envKey:       "COUCHSYNC_TURN_CREDENTIAL",
		flagKey:      "turn-credential",
		defaultValue: "",
	}
)

func loadAppConfig() *app.AppConfig {
	pflag.Int(port.flagKey, port.defaultValue, "Server port")
	pflag.String(host.flagKey, host.defaultValue, "Server host")
	pflag.String(logLevel.flagKey, logLevel.defaultValue, "Logging level")
	pflag.Int(redisPort.flagKey, redisPort.defaultValue, "Redis port")
	pflag.String(redisHost.flagKey, redisHost.defaultValue, "Redis host")
	pflag.String(redisPassword.flagKey, redisPassword.defaultValue, "Redis password")
	pflag.Duration(heartbeatInterval.flagKey, heartbeatInterval.defaultValue, "Host heartbeat interval while playing")
	pflag.Float64(driftThreshold.flagKey, driftThreshold.defaultValue, "Seconds of playback drift that trigger a corrective seek")
	pflag.Duration(staleSignalAge.flagKey, staleSignalAge.defaultValue, "Age after which stored signals are considered stale")
	pflag.Duration(statsInterval.flagKey, statsInterval.defaultValue, "Connection quality sampling interval")
	pflag.Int(maxReconnectAttempts.flagKey, maxReconnectAttempts.defaultValue, "Reconnection attempts before the call fails")
	pflag.Duration(reconnectBackoff.flagKey, reconnectBackoff.defaultValue, "Backoff step between reconnection attempts")
	pflag.StringSlice(iceURLs.flagKey, iceURLs.defaultValue, "ICE server urls (stun:/turn:)")
	pflag.String(turnUsername.flagKey, turnUsername.defaultValue, "TURN username")
	pflag.String(turnCredential.flagKey, turnCredential.defaultValue, "TURN credential")
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	viper.BindEnv(port.flagKey, port.envKey)
	viper.BindEnv(host.flagKey, host.envKey)
	viper.BindEnv(logLevel.flagKey, logLevel.envKey)
	viper.BindEnv(redisPort.flagKey, redisPort.envKey)
	viper.BindEnv(redisHost.flagKey, redisHost.envKey)
	viper.BindEnv(redisPassword.flagKey, redisPassword.envKey)
	viper.BindEnv(heartbeatInterval.flagKey, heartbeatInterval.envKey)
	viper.BindEnv(driftThreshold.flagKey, driftThreshold.envKey)
	viper.BindEnv(staleSignalAge.flagKey, staleSignalAge.envKey)
	viper.BindEnv(statsInterval.flagKey, statsInterval.envKey)
	viper.BindEnv(maxReconnectAttempts.flagKey, maxReconnectAttempts.envKey)
	viper.BindEnv(reconnectBackoff.flagKey, reconnectBackoff.envKey)
	viper.BindEnv(iceURLs.flagKey, iceURLs.envKey)
	viper.BindEnv(turnUsername.flagKey, turnUsername.envKey)
	viper.BindEnv(turnCredential.flagKey, turnCredential.envKey)

	viper.SetDefault(port.flagKey, port.defaultValue)
	viper.SetDefault(host.flagKey, host.defaultValue)
	viper.SetDefault(logLevel.flagKey, logLevel.defaultValue)
	viper.SetDefault(redisPort.flagKey, redisPort.defaultValue)
	viper.SetDefault(redisHost.flagKey, redisHost.defaultValue)
	viper.SetDefault(redisPassword.flagKey, redisPassword.defaultValue)
	viper.SetDefault(heartbeatInterval.flagKey, heartbeatInterval.defaultValue)
	viper.SetDefault(driftThreshold.flagKey, driftThreshold.defaultValue)
	viper.SetDefault(staleSignalAge.flagKey, staleSignalAge.defaultValue)
	viper.SetDefault(statsInterval.flagKey, statsInterval.defaultValue)
	viper.SetDefault(maxReconnectAttempts.flagKey, maxReconnectAttempts.defaultValue)
	viper.SetDefault(reconnectBackoff.flagKey, reconnectBackoff.defaultValue)
	viper.SetDefault(iceURLs.flagKey, iceURLs.defaultValue)
	viper.SetDefault(turnUsername.flagKey, turnUsername.defaultValue)
	viper.SetDefault(turnCredential.flagKey, turnCredential.defaultValue)

	config := &app.AppConfig{
		Host:                 viper.GetString(host.flagKey),
		Port:                 viper.GetInt(port.flagKey),
		LogLevel:             viper.GetString(logLevel.flagKey),
		RedisPort:            viper.GetInt(redisPort.flagKey),
		RedisHost:            viper.GetString(redisHost.flagKey),
		RedisPassword:        viper.GetString(redisPassword.flagKey),
		HeartbeatInterval:    viper.GetDuration(heartbeatInterval.flagKey),
		DriftThreshold:       viper.GetFloat64(driftThreshold.flagKey),
		StaleSignalAge:       viper.GetDuration(staleSignalAge.flagKey),
		StatsInterval:        viper.GetDuration(statsInterval.flagKey),
		MaxReconnectAttempts: viper.GetInt(maxReconnectAttempts.flagKey),
		ReconnectBackoff:     viper.GetDuration(reconnectBackoff.flagKey),
		IceURLs:              viper.GetStringSlice(iceURLs.flagKey),
		TurnUsername:         viper.GetString(turnUsername.flagKey),
		TurnCredential:       viper.GetString(turnCredential.flagKey),
	}

	return config
}

func main() {
	ctx := context.Background()

	appConfig := loadAppConfig()

	jsonConfig, _ := json.MarshalIndent(appConfig, "", "  ")
	fmt.Printf("starting app with config: %s\n", jsonConfig)

	log.Fatal(app.Run(ctx, appConfig))
}
