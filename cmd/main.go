package main

import (
	"coalarm-dispatch/config"
	"coalarm-dispatch/internal/alert"
	"coalarm-dispatch/internal/api"
	"coalarm-dispatch/internal/database"
	"coalarm-dispatch/internal/evaluator"
	"coalarm-dispatch/internal/listener"
	"coalarm-dispatch/internal/notifier"
	"coalarm-dispatch/internal/price"
	"coalarm-dispatch/internal/scheduler"
	"coalarm-dispatch/internal/sse"
	"coalarm-dispatch/internal/telegram"
	"coalarm-dispatch/lib/translation"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// historyRetention is how long delivery records are kept, far beyond the
// cooldown window that reads them
const historyRetention = 24 * time.Hour

var metrics = alert.NewMetrics(prometheus.DefaultRegisterer)

func init() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("could not load .env file: %v", err)
	}
	config.InitConfig()
	setupLogging()
}

func main() {
	translation.Configure("locales", config.GetString("lang"))

	store, err := database.Open(config.GetString("database_path"))
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	LoadMetricsFromDB(store)

	paprikaClient := price.NewClient(config.GetString("api_pro_key"))
	updater := price.NewUpdater(&paprikaClient.Tickers, store, price.Options{
		Quote:       config.GetString("ticker_quote"),
		ShortPeriod: config.GetInt("indicator_short_period"),
		LongPeriod:  config.GetInt("indicator_long_period"),
	})
	if err := updater.Start(config.GetMillis("price_update_interval")); err != nil {
		log.Fatalf("Failed to start price updater: %v", err)
	}

	engine := alert.New(alert.Config{
		RefreshActive:       config.GetMillis(config.RefreshActive),
		SendSubscription:    config.GetMillis(config.SendSubscription),
		SendQueueInterval:   config.GetMillis(config.SendQueueInterval),
		SendHeartClient:     config.GetMillis(config.SendHeartClient),
		SendDiscordInterval: config.GetMillis(config.SendDiscordInterval),
		ConnectionBuffer:    config.GetInt("connection_buffer"),
	}, alert.Deps{
		Alerts:    store,
		History:   store,
		Notifier:  newNotifier(),
		Evaluator: evaluator.New(store, store),
		Metrics:   metrics,
	})
	if err := engine.Start(); err != nil {
		log.Fatalf("Failed to start alert dispatcher: %v", err)
	}

	housekeeping := scheduler.New()
	if err := housekeeping.Every("save metrics", 5*time.Minute, func(context.Context) error {
		SaveMetricsToDB(store)
		return nil
	}); err != nil {
		log.Fatalf("Failed to schedule metric persistence: %v", err)
	}
	if err := housekeeping.Every("prune alert history", time.Hour, func(ctx context.Context) error {
		before := time.Now().Add(-historyRetention)
		n, err := store.PruneAlertHistory(ctx, before)
		if err != nil {
			return err
		}
		log.Debugf("pruned %d delivery records older than %s", n, humanize.Time(before))
		return nil
	}); err != nil {
		log.Fatalf("Failed to schedule history pruning: %v", err)
	}
	housekeeping.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if dsn := config.GetString("profile_listener_dsn"); dsn != "" {
		go func() {
			if err := listener.Listen(ctx, dsn, config.GetString("profile_listener_channel"), engine); err != nil {
				log.Errorf("profile listener stopped: %v", err)
			}
		}()
	}

	stream := sse.NewHandler(engine, sse.HeaderIdentity("X-User-ID"))
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.GetInt("http_port")),
		Handler: api.NewServer(engine, store, stream).Routes(),
	}
	go func() {
		log.Infof("Launching dispatcher endpoint on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start dispatcher server: %v", err)
		}
	}()

	go func() {
		if err := launchMetricsAndHealthServer(config.GetInt("metrics_port")); err != nil {
			log.Fatalf("Failed to start metrics and health server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("dispatcher server shutdown: %v", err)
	}
	engine.Stop()
	updater.Stop()
	housekeeping.Stop()
	SaveMetricsToDB(store)
	log.Println("Metrics saved, shutting down...")
}

func setupLogging() {
	log.SetLevel(log.ErrorLevel)
	if config.GetBool("debug") {
		log.SetLevel(log.DebugLevel)
	}
	log.Debug("Starting alert dispatcher...")
}

// newNotifier routes digests to Discord webhooks, and to Telegram chats when
// a bot token is configured
func newNotifier() *notifier.Router {
	opts := []notifier.Option{
		notifier.WithRate(config.GetFloat("webhook_rate_per_second"), 1),
	}

	if token := config.GetString("telegram_bot_token"); token != "" {
		bot, err := telegram.NewBot(telegram.BotConfig{
			Token: token,
			Debug: config.GetBool("debug"),
		})
		if err != nil {
			log.Errorf("Telegram targets disabled: %v", err)
		} else {
			opts = append(opts, notifier.WithTelegram(bot))
		}
	}

	return notifier.NewRouter(notifier.NewDiscord(nil), opts...)
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func launchMetricsAndHealthServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthCheckHandler)

	log.Infof("Launching metrics and health endpoint on :%d", port)
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

func LoadMetricsFromDB(store *database.Store) {
	alertsPushed, _ := store.GetMetric("alerts_pushed")
	digestsSent, _ := store.GetMetric("digests_sent")

	metrics.AlertsPushed.Add(alertsPushed)
	metrics.DigestsSent.Add(digestsSent)

	log.Println("Metrics loaded from database.")
}

func SaveMetricsToDB(store *database.Store) {
	if err := store.SaveMetric("alerts_pushed", alert.MetricValue(metrics.AlertsPushed)); err != nil {
		log.Errorf("Failed to save metric: %v", err)
	}
	if err := store.SaveMetric("digests_sent", alert.MetricValue(metrics.DigestsSent)); err != nil {
		log.Errorf("Failed to save metric: %v", err)
	}
}
