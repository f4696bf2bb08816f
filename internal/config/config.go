package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"farmacia/backend/internal/pricing"
)

type Config struct {
	Port                  string   `envconfig:"PORT" default:"8080"`
	AllowedOrigin         string   `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	AppEnv                string   `envconfig:"APP_ENV" default:"production"`
	LogLevel              string   `envconfig:"LOG_LEVEL" default:"info"`
	DatabaseURL           string   `envconfig:"DATABASE_URL"`
	RedisAddr             string   `envconfig:"REDIS_ADDR"`
	RedisPassword         string   `envconfig:"REDIS_PASSWORD"`
	RedisDB               int      `envconfig:"REDIS_DB" default:"0"`
	SessionTTLMinutes     int      `envconfig:"SESSION_TTL_MINUTES" default:"120"`
	KafkaBrokers          []string `envconfig:"KAFKA_BROKERS"`
	KafkaOrderTopic       string   `envconfig:"KAFKA_ORDER_TOPIC" default:"farmacia-orders"`
	SubmitTimeoutSeconds  int      `envconfig:"SUBMIT_TIMEOUT_SECONDS" default:"10"`
	AuthSecret            string   `envconfig:"AUTH_SECRET"`
	AccessTokenTTLMinutes int      `envconfig:"ACCESS_TOKEN_TTL_MINUTES" default:"480"`

	PointsThreshold int    `envconfig:"POINTS_THRESHOLD" default:"500"`
	RedemptionValue string `envconfig:"REDEMPTION_VALUE" default:"5.00"`
	RedemptionCost  int    `envconfig:"REDEMPTION_COST" default:"500"`
	EarnRate        string `envconfig:"EARN_RATE" default:"1"`
	EarnBasis       string `envconfig:"EARN_BASIS" default:"subtotal"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	if strings.TrimSpace(cfg.Port) == "" {
		cfg.Port = "8080"
	}
	if cfg.SessionTTLMinutes < 1 {
		cfg.SessionTTLMinutes = 120
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if cfg.SubmitTimeoutSeconds < 1 {
		cfg.SubmitTimeoutSeconds = 10
	}
	brokers := cfg.KafkaBrokers[:0]
	for _, b := range cfg.KafkaBrokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	cfg.KafkaBrokers = brokers
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// PricingRules converts the loyalty settings and validates them.
func (c Config) PricingRules() (pricing.Rules, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(c.RedemptionValue))
	if err != nil {
		return pricing.Rules{}, fmt.Errorf("REDEMPTION_VALUE: %w", err)
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(c.EarnRate))
	if err != nil {
		return pricing.Rules{}, fmt.Errorf("EARN_RATE: %w", err)
	}
	rules := pricing.Rules{
		PointsThreshold: c.PointsThreshold,
		RedemptionValue: value,
		RedemptionCost:  c.RedemptionCost,
		EarnRate:        rate,
		EarnBasis:       pricing.EarnBasis(strings.ToLower(strings.TrimSpace(c.EarnBasis))),
	}
	if err := rules.Validate(); err != nil {
		return pricing.Rules{}, err
	}
	return rules, nil
}
