package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Session collision policies.
const (
	CollisionReject  = "reject"
	CollisionReplace = "replace"
)

// ServerConfig captures all tunable parameters for the bot backend process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaNotifyTopic string

	PGDSN string

	TelegramToken    string
	BotUsername      string
	NotifyWebhookURL string

	OSRMEndpoint    string
	ETACacheTTL     time.Duration
	DefaultSpeedMps float64

	Matcher MatcherConfig
	Session SessionConfig

	SealKeyHex string

	LogLevel      string
	RunMigrations bool
}

// MatcherConfig tunes the offer negotiation.
type MatcherConfig struct {
	OfferWindow      time.Duration
	MaxCandidates    int     // K
	RetryRounds      int     // N
	RadiusMultiplier float64 // M
	BaseRadiusM      float64
	FanOut           int
	ExclusiveRoles   []string
}

type SessionConfig struct {
	TTL             time.Duration
	CollisionPolicy string
	SweepInterval   time.Duration
	SweepBatch      int
	Backend         string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		CORSOrigins:      []string{"*"},
		RedisGeoKey:      "workers_geo",
		KafkaTopic:       "worker-locations",
		KafkaNotifyTopic: "notifications",
		ETACacheTTL:      2 * time.Minute,
		DefaultSpeedMps:  8,
		Matcher:          DefaultMatcherConfig(),
		Session:          DefaultSessionConfig(),
		LogLevel:         "info",
	}
}

func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		OfferWindow:      60 * time.Second,
		MaxCandidates:    5,
		RetryRounds:      3,
		RadiusMultiplier: 2,
		BaseRadiusM:      3000,
		FanOut:           1,
		ExclusiveRoles:   []string{"rider"},
	}
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TTL:             15 * time.Minute,
		CollisionPolicy: CollisionReplace,
		SweepInterval:   time.Minute,
		SweepBatch:      500,
		Backend:         "memory",
	}
}

// LoadServerConfig reads the environment, after merging a .env file when present.
func LoadServerConfig() (ServerConfig, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitAndTrim(v)
	}

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaNotifyTopic, "KAFKA_NOTIFY_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.TelegramToken = strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN"))
	cfg.BotUsername = strings.TrimSpace(os.Getenv("BOT_USERNAME"))
	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)

	m := &cfg.Matcher
	setDurationOrUnitFromEnv(&m.OfferWindow, "OFFER_WINDOW", time.Second, &errs)
	setIntFromEnv(&m.MaxCandidates, "MATCHER_MAX_CANDIDATES", &errs)
	setIntFromEnv(&m.RetryRounds, "MATCHER_RETRY_ROUNDS", &errs)
	setFloatFromEnv(&m.RadiusMultiplier, "MATCHER_RADIUS_MULTIPLIER", &errs)
	setFloatFromEnv(&m.BaseRadiusM, "MATCHER_BASE_RADIUS_M", &errs)
	setIntFromEnv(&m.FanOut, "OFFER_FANOUT", &errs)
	if v := os.Getenv("EXCLUSIVE_ROLES"); v != "" {
		m.ExclusiveRoles = splitAndTrim(v)
	}

	s := &cfg.Session
	setDurationOrUnitFromEnv(&s.TTL, "SESSION_TTL", time.Minute, &errs)
	if v := os.Getenv("SESSION_COLLISION_POLICY"); v != "" {
		s.CollisionPolicy = strings.ToLower(strings.TrimSpace(v))
	}
	setDurationFromEnv(&s.SweepInterval, "SESSION_SWEEP_INTERVAL", &errs)
	setIntFromEnv(&s.SweepBatch, "SESSION_SWEEP_BATCH", &errs)
	if v := os.Getenv("SESSION_BACKEND"); v != "" {
		s.Backend = strings.ToLower(strings.TrimSpace(v))
	}

	cfg.SealKeyHex = strings.TrimSpace(os.Getenv("SEAL_KEY_HEX"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.validate()...)

	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	m := c.Matcher
	if m.OfferWindow <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_WINDOW must be > 0"))
	}
	if m.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_MAX_CANDIDATES must be > 0"))
	}
	if m.RetryRounds <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_RETRY_ROUNDS must be > 0"))
	}
	if m.RadiusMultiplier < 1 {
		errs = append(errs, fmt.Errorf("MATCHER_RADIUS_MULTIPLIER must be >= 1"))
	}
	if m.BaseRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_BASE_RADIUS_M must be > 0"))
	}
	if m.FanOut <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_FANOUT must be > 0"))
	}
	s := c.Session
	if s.TTL <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_TTL must be > 0"))
	}
	if s.CollisionPolicy != CollisionReject && s.CollisionPolicy != CollisionReplace {
		errs = append(errs, fmt.Errorf("SESSION_COLLISION_POLICY must be %q or %q", CollisionReject, CollisionReplace))
	}
	if s.SweepInterval <= 0 || s.SweepBatch <= 0 {
		errs = append(errs, fmt.Errorf("session sweep interval and batch must be > 0"))
	}
	switch s.Backend {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Errorf("SESSION_BACKEND %q not recognized", s.Backend))
	}
	if s.Backend == "redis" && c.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("SESSION_BACKEND=redis requires REDIS_ADDR"))
	}
	if s.Backend == "postgres" && c.PGDSN == "" {
		errs = append(errs, fmt.Errorf("SESSION_BACKEND=postgres requires PG_DSN"))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

// setDurationOrUnitFromEnv accepts either a Go duration or a bare number of units.
func setDurationOrUnitFromEnv(target *time.Duration, key string, unit time.Duration, errs *[]error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		*target = time.Duration(n * float64(unit))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*target = d
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
