package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path on top of Defaults, loads a .env file if
// one is present, and applies ONRAMP_* environment overrides. An empty path
// skips the file. The result is not validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose ONRAMP_* variable is set and
// non-empty. Secrets are normally injected this way.
func applyEnvOverrides(cfg *Config) {
	// ── Hub ──
	setStr(&cfg.Hub.PrivateKey, "ONRAMP_HUB_PRIVATE_KEY")
	setStr(&cfg.Hub.KeystorePath, "ONRAMP_HUB_KEYSTORE_PATH")
	setStr(&cfg.Hub.KeystorePassword, "ONRAMP_HUB_KEYSTORE_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.Name, "ONRAMP_CHAIN_NAME")
	setStr(&cfg.Chain.RPCURL, "ONRAMP_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "ONRAMP_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.AssetAddress, "ONRAMP_CHAIN_ASSET_ADDRESS")
	setStr(&cfg.Chain.GasFunding, "ONRAMP_CHAIN_GAS_FUNDING")
	setInt64(&cfg.Chain.MaxGasPriceGwei, "ONRAMP_CHAIN_MAX_GAS_PRICE_GWEI")
	setDuration(&cfg.Chain.RPCTimeout, "ONRAMP_CHAIN_RPC_TIMEOUT")
	setDuration(&cfg.Chain.ReceiptTimeout, "ONRAMP_CHAIN_RECEIPT_TIMEOUT")
	setInt(&cfg.Chain.MaxAttempts, "ONRAMP_CHAIN_MAX_ATTEMPTS")

	setStr(&cfg.DefaultStrategy, "ONRAMP_DEFAULT_STRATEGY")

	// ── Webhook ──
	setStr(&cfg.Webhook.SigningKey, "ONRAMP_WEBHOOK_SIGNING_KEY")
	setStr(&cfg.Webhook.NotificationURL, "ONRAMP_WEBHOOK_NOTIFICATION_URL")
	setStr(&cfg.Webhook.SignatureHeader, "ONRAMP_WEBHOOK_SIGNATURE_HEADER")
	setDuration(&cfg.Webhook.ClaimTTL, "ONRAMP_WEBHOOK_CLAIM_TTL")

	// ── Rate limit ──
	setBool(&cfg.RateLimit.Enabled, "ONRAMP_RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.IPLimit, "ONRAMP_RATE_LIMIT_IP_LIMIT")
	setDuration(&cfg.RateLimit.IPWindow, "ONRAMP_RATE_LIMIT_IP_WINDOW")
	setInt(&cfg.RateLimit.WalletLimit, "ONRAMP_RATE_LIMIT_WALLET_LIMIT")
	setDuration(&cfg.RateLimit.WalletWindow, "ONRAMP_RATE_LIMIT_WALLET_WINDOW")

	// ── Refund ──
	setBool(&cfg.Refund.Enabled, "ONRAMP_REFUND_ENABLED")
	setStr(&cfg.Refund.Cron, "ONRAMP_REFUND_CRON")
	setStr(&cfg.Refund.SinkAddress, "ONRAMP_REFUND_SINK_ADDRESS")
	setStr(&cfg.Refund.BearerToken, "ONRAMP_REFUND_BEARER_TOKEN")
	setInt(&cfg.Refund.BatchSize, "ONRAMP_REFUND_BATCH_SIZE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ONRAMP_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "ONRAMP_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "ONRAMP_ARCHIVE_RETENTION_DAYS")

	// ── Store ──
	setStr(&cfg.Store.Backend, "ONRAMP_STORE_BACKEND")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "ONRAMP_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "ONRAMP_SUPABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "ONRAMP_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "ONRAMP_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "ONRAMP_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "ONRAMP_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "ONRAMP_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "ONRAMP_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "ONRAMP_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "ONRAMP_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "ONRAMP_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ONRAMP_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ONRAMP_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ONRAMP_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ONRAMP_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "ONRAMP_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ONRAMP_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ONRAMP_S3_REGION")
	setStr(&cfg.S3.Bucket, "ONRAMP_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ONRAMP_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ONRAMP_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ONRAMP_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ONRAMP_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "ONRAMP_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ONRAMP_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ONRAMP_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ONRAMP_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ONRAMP_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ONRAMP_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ONRAMP_MODE")
	setStr(&cfg.LogLevel, "ONRAMP_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
