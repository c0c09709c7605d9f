package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "MUTATION_MAX_ATTEMPTS", "ALLOW_NEGATIVE_STOCK", "REQUIRE_FULL_PAYMENT", "DISCOUNT_COMBINABILITY_POLICY", "PRICE_CACHE_TTL_SECONDS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Address() != ":8080" {
		t.Fatalf("expected :8080, got %s", cfg.Address())
	}
	if cfg.MutationMaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.MutationMaxAttempts)
	}
	if !cfg.AllowNegativeStock || cfg.RequireFullPayment {
		t.Fatalf("unexpected stock/payment defaults %+v", cfg)
	}
	if cfg.DiscountCombinabilityPolicy != "offer_wins" {
		t.Fatalf("expected offer_wins, got %s", cfg.DiscountCombinabilityPolicy)
	}
	if cfg.PriceCacheTTLSeconds != 30 {
		t.Fatalf("expected 30s price cache ttl, got %d", cfg.PriceCacheTTLSeconds)
	}
}

func TestLoadFallsBackOnInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
		check func(Config) bool
	}{
		{"MUTATION_MAX_ATTEMPTS", "zero", func(c Config) bool { return c.MutationMaxAttempts == 3 }},
		{"MUTATION_MAX_ATTEMPTS", "0", func(c Config) bool { return c.MutationMaxAttempts == 3 }},
		{"MUTATION_MAX_ATTEMPTS", "5", func(c Config) bool { return c.MutationMaxAttempts == 5 }},
		{"REDIS_DB", "-1", func(c Config) bool { return c.RedisDB == 0 }},
		{"ALLOW_NEGATIVE_STOCK", "nope", func(c Config) bool { return c.AllowNegativeStock }},
		{"ALLOW_NEGATIVE_STOCK", "false", func(c Config) bool { return !c.AllowNegativeStock }},
		{"REQUIRE_FULL_PAYMENT", "true", func(c Config) bool { return c.RequireFullPayment }},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if cfg := Load(); !tt.check(cfg) {
				t.Fatalf("unexpected config for %s=%q: %+v", tt.key, tt.value, cfg)
			}
		})
	}
}
