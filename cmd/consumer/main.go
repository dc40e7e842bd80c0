package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/errand-matching/internal/config"
	"github.com/example/errand-matching/internal/geo"
	"github.com/example/errand-matching/internal/ingest"
	"github.com/example/errand-matching/internal/logging"
	"github.com/example/errand-matching/internal/models"
	"github.com/example/errand-matching/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total worker location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid or unknown-worker messages received",
	})
	locationUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_updates_total",
		Help: "Total location updates applied",
	})
	locationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_errors_total",
		Help: "Total location updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, locationUpdates, locationErrors)
}

func main() {
	// allow some flags for local runs
	var metricsAddr, group string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.StringVar(&group, "group", "errand-matching-consumer", "kafka consumer group")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	defer logger.Sync()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.PGDSN == "" {
		logger.Fatal("PG_DSN is required: location updates are applied to the worker registry")
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	applier := &ingest.Applier{Workers: store, Geo: geo.NewRedisGeo(rc, cfg.RedisGeoKey)}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			if err := store.DB().PingContext(r.Context()); err != nil {
				http.Error(w, "postgres not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", zap.String("addr", metricsAddr))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
		_ = store.Close()
	}()

	logger.Info("consumer listening",
		zap.String("topic", cfg.KafkaTopic),
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", group))

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", zap.Error(err), zap.Duration("backoff", backoff))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		if err := handleMessage(ctx, applier, m.Value, 3, 200*time.Millisecond); err != nil {
			logger.Warn("location update dropped", zap.ByteString("key", m.Key), zap.Error(err))
		}
	}
}

// handleMessage decodes one location update and applies it with retries.
// Malformed payloads and unknown workers are counted and skipped.
func handleMessage(ctx context.Context, p ingest.Publisher, value []byte, attempts int, delay time.Duration) error {
	msgsConsumed.Inc()

	var u models.LocationUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		msgsInvalid.Inc()
		return err
	}
	err := ingest.PublishWithRetry(ctx, p, u, attempts, delay)
	switch {
	case err == nil:
		locationUpdates.Inc()
		return nil
	case ingest.Permanent(err):
		msgsInvalid.Inc()
	case !errors.Is(err, context.Canceled):
		locationErrors.Inc()
	}
	return err
}
