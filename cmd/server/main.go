package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/errand-matching/internal/bot"
	"github.com/example/errand-matching/internal/config"
	"github.com/example/errand-matching/internal/conversation"
	"github.com/example/errand-matching/internal/db"
	"github.com/example/errand-matching/internal/dispatch"
	"github.com/example/errand-matching/internal/eta"
	"github.com/example/errand-matching/internal/geo"
	httpapi "github.com/example/errand-matching/internal/http"
	"github.com/example/errand-matching/internal/ingest"
	"github.com/example/errand-matching/internal/logging"
	"github.com/example/errand-matching/internal/matcher"
	"github.com/example/errand-matching/internal/models"
	"github.com/example/errand-matching/internal/secure"
	"github.com/example/errand-matching/internal/session"
	"github.com/example/errand-matching/internal/storage"
	"github.com/example/errand-matching/internal/telegram"
)

type stores interface {
	storage.TaskStore
	storage.WorkerStore
}

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	defer logger.Sync()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// task and worker records
	var store stores
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = ps.Close() })
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, task records are kept in memory")
		store = storage.NewMemoryStore()
	}

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, func() { _ = rc.Close() })
		if err := rc.Ping(ctx).Err(); err != nil {
			return err
		}
	}

	var index geo.Geo
	var offers matcher.OfferStore
	if rc != nil {
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		offers = matcher.NewRedisOfferStore(rc, "offers", 24*time.Hour)
	} else {
		mem := geo.NewIndex()
		if err := hydrate(ctx, mem, store); err != nil {
			return err
		}
		index = mem
		offers = matcher.NewMemoryOfferStore()
	}

	backend, err := sessionBackend(ctx, cfg, rc, &closers)
	if err != nil {
		return err
	}
	sessions := session.NewManager(backend, cfg.Session, logger.Named("session"))

	// notification sinks
	wsreg := dispatch.NewWSRegistry()
	fanout := dispatch.NewFanout(logger, dispatch.Named{Name: "ws", Notifier: wsreg})
	var poller *telegram.Poller
	var api telegram.API
	if cfg.TelegramToken != "" {
		tg, err := telegram.Connect(cfg.TelegramToken, logger)
		if err != nil {
			return err
		}
		api = tg
		fanout.Add("telegram", dispatch.NewTelegramNotifier(tg))
	}
	if len(cfg.KafkaBrokers) > 0 {
		kn := dispatch.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaNotifyTopic)
		closers = append(closers, func() { _ = kn.Close() })
		fanout.Add("kafka", kn)
	}
	if cfg.NotifyWebhookURL != "" {
		fanout.Add("webhook", dispatch.NewPushNotifier(cfg.NotifyWebhookURL))
	}
	if cfg.TelegramToken == "" && len(cfg.KafkaBrokers) == 0 && cfg.NotifyWebhookURL == "" {
		fanout.Add("log", &dispatch.LogNotifier{Logger: logger.Named("notify")})
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	negotiator := matcher.NewNegotiator(matcher.Deps{
		Tasks:   store,
		Workers: store,
		Geo:     index,
		Offers:  offers,
		Notify:  fanout,
		ETA:     estimator,
		Logger:  logger.Named("matcher"),
	}, cfg.Matcher)
	defer negotiator.Stop()

	sealer, err := newSealer(cfg, logger)
	if err != nil {
		return err
	}
	conv := conversation.New(conversation.Deps{
		Sessions: sessions,
		Workers:  store,
		Tasks:    store,
		Matcher:  negotiator,
		Sealer:   sealer,
		Logger:   logger.Named("conversation"),
	})

	var locations ingest.Publisher = &ingest.Applier{Workers: store, Geo: index}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, func() { _ = producer.Close() })
		locations = &ingest.Mirror{
			Local:  locations,
			Remote: producer,
			OnRemoteError: func(u models.LocationUpdate, err error) {
				logger.Warn("location not forwarded", zap.String("worker_id", u.WorkerID), zap.Error(err))
			},
		}
	}

	handler := bot.NewHandler(bot.Deps{
		Conversations: conv,
		Negotiator:    negotiator,
		Tasks:         store,
		Workers:       store,
		Geo:           index,
		Locations:     locations,
		Logger:        logger.Named("bot"),
	})
	if api != nil {
		poller = telegram.NewPoller(api, handler, logger.Named("telegram"))
	}

	if n, err := negotiator.Recover(ctx); err != nil {
		logger.Error("negotiation recovery incomplete", zap.Error(err))
	} else {
		logger.Info("negotiations recovered", zap.Int("tasks", n))
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Deps{
			Events:      handler,
			Offers:      negotiator,
			Tasks:       store,
			Locations:   locations,
			WSReg:       wsreg,
			BotUsername: cfg.BotUsername,
			CORSOrigins: cfg.CORSOrigins,
			Logger:      logger.Named("http"),
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("errand-matching listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		sessions.RunSweeper(gctx)
		return nil
	})
	if poller != nil {
		g.Go(func() error { return poller.Run(gctx) })
	}
	return g.Wait()
}

func sessionBackend(ctx context.Context, cfg config.ServerConfig, rc *redis.Client, closers *[]func()) (session.Backend, error) {
	switch cfg.Session.Backend {
	case "redis":
		return session.NewRedisBackend(rc, "session"), nil
	case "postgres":
		database, err := db.NewDb(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, database.Close)
		return session.NewPostgresBackend(database), nil
	}
	return session.NewMemoryBackend(), nil
}

// hydrate loads registered workers into a fresh in-memory index.
func hydrate(ctx context.Context, index *geo.Index, workers storage.WorkerStore) error {
	all, err := workers.ListWorkers(ctx)
	if err != nil {
		return err
	}
	for _, w := range all {
		if w.Loc.IsZero() {
			continue
		}
		if err := index.Upsert(ctx, *w); err != nil {
			return err
		}
	}
	return nil
}

func newSealer(cfg config.ServerConfig, logger *zap.Logger) (secure.Sealer, error) {
	if cfg.SealKeyHex != "" {
		return secure.NewSecretBox(cfg.SealKeyHex)
	}
	logger.Warn("SEAL_KEY_HEX not set, sensitive fields are sealed with an ephemeral key")
	return secure.NewRandomSecretBox()
}
