package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	LogLevel              string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int

	// BootstrapManager* create the first manager account when the user table has none by that name.
	BootstrapManagerUsername string
	BootstrapManagerPassword string

	PubSubProjectID       string
	PubSubTopic           string
	PubSubCredentialsJSON string

	PriceCacheTTLSeconds   int
	TxnLockTTLSeconds      int
	MutationMaxAttempts    int
	MutationRetryBackoffMS int

	AllowNegativeStock          bool
	RequireFullPayment          bool
	DiscountCombinabilityPolicy string
	OfferRulesFile              string
}

// Load reads an optional .env file and then the process environment.
// Values already present in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0, 0),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),

		BootstrapManagerUsername: strings.TrimSpace(os.Getenv("BOOTSTRAP_MANAGER_USERNAME")),
		BootstrapManagerPassword: os.Getenv("BOOTSTRAP_MANAGER_PASSWORD"),

		PubSubProjectID:       strings.TrimSpace(os.Getenv("PUBSUB_PROJECT_ID")),
		PubSubTopic:           getEnv("PUBSUB_TOPIC", "transaction-events"),
		PubSubCredentialsJSON: os.Getenv("PUBSUB_CREDENTIALS_JSON"),

		PriceCacheTTLSeconds:   getInt("PRICE_CACHE_TTL_SECONDS", 30, 0),
		TxnLockTTLSeconds:      getInt("TXN_LOCK_TTL_SECONDS", 10, 1),
		MutationMaxAttempts:    getInt("MUTATION_MAX_ATTEMPTS", 3, 1),
		MutationRetryBackoffMS: getInt("MUTATION_RETRY_BACKOFF_MS", 25, 1),

		AllowNegativeStock:          getBool("ALLOW_NEGATIVE_STOCK", true),
		RequireFullPayment:          getBool("REQUIRE_FULL_PAYMENT", false),
		DiscountCombinabilityPolicy: getEnv("DISCOUNT_COMBINABILITY_POLICY", "offer_wins"),
		OfferRulesFile:              strings.TrimSpace(os.Getenv("OFFER_RULES_FILE")),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getInt falls back when the value is missing, malformed or below min.
func getInt(key string, fallback int, min int) int {
	n, err := strconv.Atoi(strings.TrimSpace(getEnv(key, strconv.Itoa(fallback))))
	if err != nil || n < min {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(getEnv(key, strconv.FormatBool(fallback))))
	if err != nil {
		return fallback
	}
	return b
}
