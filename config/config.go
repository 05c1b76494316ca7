package config

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var once sync.Once

// Interval option keys, all expressed in milliseconds
const (
	RefreshActive       = "alarm.refreshActive"
	SendSubscription    = "alarm.sendSubscription"
	SendQueueInterval   = "alarm.sendQueueInterval"
	SendHeartClient     = "alarm.sendHeartClient"
	SendDiscordInterval = "alarm.sendDiscordInterval"
)

func InitConfig() {
	once.Do(func() {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/app/config")

		viper.AutomaticEnv()

		viper.BindEnv(RefreshActive, "ALARM_REFRESH_ACTIVE")
		viper.BindEnv(SendSubscription, "ALARM_SEND_SUBSCRIPTION")
		viper.BindEnv(SendQueueInterval, "ALARM_SEND_QUEUE_INTERVAL")
		viper.BindEnv(SendHeartClient, "ALARM_SEND_HEART_CLIENT")
		viper.BindEnv(SendDiscordInterval, "ALARM_SEND_DISCORD_INTERVAL")
		viper.BindEnv("http_port", "HTTP_PORT")
		viper.BindEnv("metrics_port", "METRICS_PORT")
		viper.BindEnv("database_path", "DATABASE_PATH")
		viper.BindEnv("debug", "DEBUG")
		viper.BindEnv("lang", "LANG")
		viper.BindEnv("api_pro_key", "API_PRO_KEY")
		viper.BindEnv("telegram_bot_token", "TELEGRAM_BOT_TOKEN")
		viper.BindEnv("price_update_interval", "PRICE_UPDATE_INTERVAL")
		viper.BindEnv("ticker_quote", "TICKER_QUOTE")
		viper.BindEnv("indicator_short_period", "INDICATOR_SHORT_PERIOD")
		viper.BindEnv("indicator_long_period", "INDICATOR_LONG_PERIOD")
		viper.BindEnv("connection_buffer", "CONNECTION_BUFFER")
		viper.BindEnv("webhook_rate_per_second", "WEBHOOK_RATE_PER_SECOND")
		viper.BindEnv("profile_listener_dsn", "PROFILE_LISTENER_DSN")
		viper.BindEnv("profile_listener_channel", "PROFILE_LISTENER_CHANNEL")

		viper.SetDefault(RefreshActive, 180000)
		viper.SetDefault(SendSubscription, 1000)
		viper.SetDefault(SendQueueInterval, 3000)
		viper.SetDefault(SendHeartClient, 15000)
		viper.SetDefault(SendDiscordInterval, 60000)
		viper.SetDefault("http_port", 8080)
		viper.SetDefault("metrics_port", 9090)
		viper.SetDefault("database_path", "/app/data/alerts.db")
		viper.SetDefault("debug", false)
		viper.SetDefault("lang", "en")
		viper.SetDefault("price_update_interval", 30000)
		viper.SetDefault("ticker_quote", "USD")
		viper.SetDefault("indicator_short_period", 7)
		viper.SetDefault("indicator_long_period", 25)
		viper.SetDefault("connection_buffer", 32)
		viper.SetDefault("webhook_rate_per_second", 5)
		viper.SetDefault("profile_listener_channel", "user_profile_changes")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				log.Warnf("could not read config file: %v", err)
			}
		}
	})
}

func GetString(key string) string {
	InitConfig()
	return viper.GetString(key)
}

func GetInt(key string) int {
	InitConfig()
	return viper.GetInt(key)
}

func GetBool(key string) bool {
	InitConfig()
	return viper.GetBool(key)
}

func GetFloat(key string) float64 {
	InitConfig()
	return viper.GetFloat64(key)
}

// GetMillis reads a millisecond option as a duration
func GetMillis(key string) time.Duration {
	InitConfig()
	return time.Duration(viper.GetInt64(key)) * time.Millisecond
}
