// Package config defines the onramp configuration, its defaults and
// validation.
package config

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/onramp/internal/domain"
	"github.com/alanyoungcy/onramp/internal/notify"
)

// Config is the root configuration. Fields are populated from a TOML file
// and then optionally overridden by ONRAMP_* environment variables.
type Config struct {
	Hub             HubConfig                     `toml:"hub"`
	Chain           ChainConfig                   `toml:"chain"`
	Protocols       map[string]ProtocolConfig     `toml:"protocols"`
	Strategies      map[string][]AllocationConfig `toml:"strategies"`
	DefaultStrategy string                        `toml:"default_strategy"`
	Webhook         WebhookConfig                 `toml:"webhook"`
	RateLimit       RateLimitConfig               `toml:"rate_limit"`
	Refund          RefundConfig                  `toml:"refund"`
	Archive         ArchiveConfig                 `toml:"archive"`
	Store           StoreConfig                   `toml:"store"`
	Supabase        SupabaseConfig                `toml:"supabase"`
	Redis           RedisConfig                   `toml:"redis"`
	S3              S3Config                      `toml:"s3"`
	Server          ServerConfig                  `toml:"server"`
	Notify          NotifyConfig                  `toml:"notify"`
	Mode            string                        `toml:"mode"`
	LogLevel        string                        `toml:"log_level"`
}

// HubConfig locates the hub signing key. A raw private key wins over an
// encrypted keystore.
type HubConfig struct {
	PrivateKey       string `toml:"private_key"`
	KeystorePath     string `toml:"keystore_path"`
	KeystorePassword string `toml:"keystore_password"`
}

// ChainConfig holds the target EVM chain and transaction limits.
type ChainConfig struct {
	Name          string `toml:"name"`
	RPCURL        string `toml:"rpc_url"`
	ChainID       int64  `toml:"chain_id"`
	AssetSymbol   string `toml:"asset_symbol"`
	AssetAddress  string `toml:"asset_address"`
	AssetDecimals int    `toml:"asset_decimals"`
	// GasFunding is the native-token amount sent to each new wallet, in
	// whole tokens ("0.01"). "0" disables funding.
	GasFunding      string   `toml:"gas_funding"`
	MaxGasPriceGwei int64    `toml:"max_gas_price_gwei"`
	RPCTimeout      duration `toml:"rpc_timeout"`
	ReceiptTimeout  duration `toml:"receipt_timeout"`
	PollInterval    duration `toml:"poll_interval"`
	MaxAttempts     int      `toml:"max_attempts"`
}

// ProtocolConfig is one named deposit target.
type ProtocolConfig struct {
	// Kind is "lending" (Aave-style supply) or "vault" (ERC-4626 deposit).
	Kind     string `toml:"kind"`
	Contract string `toml:"contract"`
	// CapToken and SupplyCap enable the lending supply-cap check. SupplyCap
	// is in whole asset units.
	CapToken   string `toml:"cap_token"`
	SupplyCap  string `toml:"supply_cap"`
	MinDeposit string `toml:"min_deposit"`
}

// AllocationConfig is one weighted leg of a strategy.
type AllocationConfig struct {
	Protocol string  `toml:"protocol"`
	Weight   float64 `toml:"weight"`
}

// WebhookConfig holds processor webhook verification settings.
type WebhookConfig struct {
	SigningKey string `toml:"signing_key"`
	// NotificationURL is the exact callback URL registered with the
	// processor; it is part of the signed payload.
	NotificationURL string   `toml:"notification_url"`
	SignatureHeader string   `toml:"signature_header"`
	ClaimTTL        duration `toml:"claim_ttl"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"`
}

// RateLimitConfig holds sliding-window quotas.
type RateLimitConfig struct {
	Enabled      bool     `toml:"enabled"`
	IPLimit      int      `toml:"ip_limit"`
	IPWindow     duration `toml:"ip_window"`
	WalletLimit  int      `toml:"wallet_limit"`
	WalletWindow duration `toml:"wallet_window"`
}

// RefundConfig holds refund sweep settings.
type RefundConfig struct {
	Enabled     bool     `toml:"enabled"`
	Cron        string   `toml:"cron"`
	SinkAddress string   `toml:"sink_address"`
	BearerToken string   `toml:"bearer_token"`
	BatchSize   int      `toml:"batch_size"`
	MarkerTTL   duration `toml:"marker_ttl"`
}

// ArchiveConfig holds cold-archive settings.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// StoreConfig selects the Position store backend: "redis" or "postgres".
type StoreConfig struct {
	Backend string `toml:"backend"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN              string   `toml:"dsn"`
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	Database         string   `toml:"database"`
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	SSLMode          string   `toml:"ssl_mode"`
	PoolMaxConns     int      `toml:"pool_max_conns"`
	PoolMinConns     int      `toml:"pool_min_conns"`
	StatementTimeout duration `toml:"statement_timeout"`
	RunMigrations    bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	DialTimeout duration `toml:"dial_timeout"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// NotifyConfig holds operator notification settings.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so TOML strings like "30s" decode into it.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config for Avalanche C-Chain mainnet USDC with Aave v3
// as the only protocol. Secrets are left empty.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			Name:            "avalanche",
			RPCURL:          "https://api.avax.network/ext/bc/C/rpc",
			ChainID:         43114,
			AssetSymbol:     "USDC",
			AssetAddress:    "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
			AssetDecimals:   6,
			GasFunding:      "0.01",
			MaxGasPriceGwei: 100,
			RPCTimeout:      duration{15 * time.Second},
			ReceiptTimeout:  duration{2 * time.Minute},
			PollInterval:    duration{2 * time.Second},
			MaxAttempts:     3,
		},
		Protocols: map[string]ProtocolConfig{
			"aave": {
				Kind:       "lending",
				Contract:   "0x794a61358D6845594F94dc1DB02A252b5b4814aD",
				CapToken:   "0x625E7708f30cA75bfd92586e17077590C60eb4cD",
				MinDeposit: "0.10",
			},
		},
		Strategies: map[string][]AllocationConfig{
			string(domain.StrategyConservative): {{Protocol: "aave", Weight: 100}},
			string(domain.StrategyBalanced):     {{Protocol: "aave", Weight: 100}},
			string(domain.StrategyAggressive):   {{Protocol: "aave", Weight: 100}},
		},
		DefaultStrategy: string(domain.StrategyBalanced),
		Webhook: WebhookConfig{
			SignatureHeader: "X-Square-Hmacsha256-Signature",
			ClaimTTL:        duration{24 * time.Hour},
			MaxBodyBytes:    1 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled:      true,
			IPLimit:      60,
			IPWindow:     duration{time.Minute},
			WalletLimit:  5,
			WalletWindow: duration{time.Hour},
		},
		Refund: RefundConfig{
			Enabled:   true,
			Cron:      "*/15 * * * *",
			BatchSize: 50,
			MarkerTTL: duration{30 * 24 * time.Hour},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Cron:          "0 3 * * *",
			RetentionDays: 90,
		},
		Store: StoreConfig{Backend: "redis"},
		Supabase: SupabaseConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "postgres",
			User:             "postgres",
			SSLMode:          "disable",
			PoolMaxConns:     10,
			PoolMinConns:     2,
			StatementTimeout: duration{30 * time.Second},
			RunMigrations:    true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			DialTimeout: duration{5 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "onramp-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			ShutdownTimeout: duration{15 * time.Second},
		},
		Notify: NotifyConfig{
			Events: append([]string(nil), notify.KnownEvents...),
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server":  true,
	"refund":  true,
	"archive": true,
	"full":    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsChain reports whether the mode signs transactions.
func (c *Config) NeedsChain() bool {
	return c.Mode != "archive"
}

// ServesHTTP reports whether the mode runs the HTTP server.
func (c *Config) ServesHTTP() bool {
	return c.Mode == "server" || c.Mode == "full"
}

// Validate checks the configuration and returns every problem found as one
// error.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	c.Mode = strings.ToLower(c.Mode)
	if !validModes[c.Mode] {
		add("unknown mode %q (valid: server, refund, archive, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if c.NeedsChain() {
		if c.Hub.PrivateKey == "" && c.Hub.KeystorePath == "" {
			add("hub: either private_key or keystore_path must be set for mode %s", c.Mode)
		}
		if c.Hub.PrivateKey == "" && c.Hub.KeystorePath != "" && c.Hub.KeystorePassword == "" {
			add("hub: keystore_password is required when keystore_path is set")
		}
		errs = append(errs, c.validateChain()...)
		errs = append(errs, c.validateProtocols()...)
	}

	if c.ServesHTTP() {
		if c.Webhook.SigningKey == "" {
			add("webhook: signing_key must be set for mode %s", c.Mode)
		}
		if c.Webhook.NotificationURL == "" {
			add("webhook: notification_url must be set for mode %s", c.Mode)
		}
		if c.Webhook.ClaimTTL.Duration <= 0 {
			add("webhook: claim_ttl must be positive")
		}
		if c.Refund.BearerToken == "" {
			add("refund: bearer_token must be set to expose /refund-automation")
		}
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port %d out of range", c.Server.Port)
		}
		if c.RateLimit.Enabled {
			if c.RateLimit.IPLimit <= 0 || c.RateLimit.IPWindow.Duration <= 0 {
				add("rate_limit: ip_limit and ip_window must be positive")
			}
			if c.RateLimit.WalletLimit <= 0 || c.RateLimit.WalletWindow.Duration <= 0 {
				add("rate_limit: wallet_limit and wallet_window must be positive")
			}
		}
	}

	if c.Refund.SinkAddress != "" && !common.IsHexAddress(c.Refund.SinkAddress) {
		add("refund: sink_address %q is not an address", c.Refund.SinkAddress)
	}
	// Schedules only apply to the long-running full mode; refund and archive
	// modes run once and exit.
	if c.Mode == "full" && c.Refund.Enabled {
		if _, err := cron.ParseStandard(c.Refund.Cron); err != nil {
			add("refund: cron %q: %v", c.Refund.Cron, err)
		}
	}
	if c.Mode == "full" && c.Archive.Enabled {
		if _, err := cron.ParseStandard(c.Archive.Cron); err != nil {
			add("archive: cron %q: %v", c.Archive.Cron, err)
		}
	}
	if c.Archive.Enabled || c.Mode == "archive" {
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be at least 1")
		}
		if c.S3.Bucket == "" {
			add("s3: bucket must be set when archive is enabled")
		}
	}

	switch c.Store.Backend {
	case "redis":
	case "postgres":
		if c.Supabase.DSN == "" && c.Supabase.Host == "" {
			add("supabase: dsn or host must be set for the postgres store")
		}
	default:
		add("store: unknown backend %q (valid: redis, postgres)", c.Store.Backend)
	}
	if c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}

	for _, e := range c.Notify.Events {
		if !notify.IsKnownEvent(strings.TrimSpace(e)) {
			add("notify: unknown event %q (valid: %s)", e, strings.Join(notify.KnownEvents, ", "))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %d validation error(s):\n  - %s", len(errs), strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateChain() []string {
	var errs []string
	ch := c.Chain
	if ch.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if ch.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if !common.IsHexAddress(ch.AssetAddress) {
		errs = append(errs, fmt.Sprintf("chain: asset_address %q is not an address", ch.AssetAddress))
	}
	if ch.AssetDecimals < 0 || ch.AssetDecimals > 36 {
		errs = append(errs, fmt.Sprintf("chain: asset_decimals %d out of range", ch.AssetDecimals))
	}
	if v, err := decimal.NewFromString(ch.GasFunding); err != nil || v.IsNegative() {
		errs = append(errs, fmt.Sprintf("chain: gas_funding %q must be a non-negative amount", ch.GasFunding))
	}
	if ch.MaxGasPriceGwei < 0 {
		errs = append(errs, "chain: max_gas_price_gwei must not be negative")
	}
	if ch.RPCTimeout.Duration <= 0 || ch.ReceiptTimeout.Duration <= 0 || ch.PollInterval.Duration <= 0 {
		errs = append(errs, "chain: rpc_timeout, receipt_timeout and poll_interval must be positive")
	}
	return errs
}

func (c *Config) validateProtocols() []string {
	var errs []string
	if len(c.Protocols) == 0 {
		errs = append(errs, "protocols: at least one protocol must be configured")
	}
	for _, name := range sortedKeys(c.Protocols) {
		p := c.Protocols[name]
		if p.Kind != "lending" && p.Kind != "vault" {
			errs = append(errs, fmt.Sprintf("protocols.%s: kind %q must be lending or vault", name, p.Kind))
		}
		if !common.IsHexAddress(p.Contract) {
			errs = append(errs, fmt.Sprintf("protocols.%s: contract %q is not an address", name, p.Contract))
		}
		if p.SupplyCap != "" {
			if v, err := decimal.NewFromString(p.SupplyCap); err != nil || !v.IsPositive() {
				errs = append(errs, fmt.Sprintf("protocols.%s: supply_cap %q must be a positive amount", name, p.SupplyCap))
			}
			if !common.IsHexAddress(p.CapToken) {
				errs = append(errs, fmt.Sprintf("protocols.%s: cap_token is required with supply_cap", name))
			}
		}
		if p.MinDeposit != "" {
			if v, err := decimal.NewFromString(p.MinDeposit); err != nil || v.IsNegative() {
				errs = append(errs, fmt.Sprintf("protocols.%s: min_deposit %q must be a non-negative amount", name, p.MinDeposit))
			}
		}
	}

	for _, name := range sortedKeys(c.Strategies) {
		switch domain.StrategyType(name) {
		case domain.StrategyConservative, domain.StrategyBalanced, domain.StrategyAggressive:
		default:
			errs = append(errs, fmt.Sprintf("strategies: unknown strategy %q", name))
		}
		legs := c.Strategies[name]
		if len(legs) == 0 {
			errs = append(errs, fmt.Sprintf("strategies.%s: needs at least one leg", name))
		}
		for _, l := range legs {
			if _, ok := c.Protocols[l.Protocol]; !ok {
				errs = append(errs, fmt.Sprintf("strategies.%s: unknown protocol %q", name, l.Protocol))
			}
			if l.Weight <= 0 {
				errs = append(errs, fmt.Sprintf("strategies.%s: weight for %s must be positive", name, l.Protocol))
			}
		}
	}
	if _, ok := c.Strategies[c.DefaultStrategy]; !ok {
		errs = append(errs, fmt.Sprintf("default_strategy %q is not a configured strategy", c.DefaultStrategy))
	}
	return errs
}

// GasFundingWei returns the per-wallet funding amount in wei.
func (c *Config) GasFundingWei() *big.Int {
	v, err := decimal.NewFromString(c.Chain.GasFunding)
	if err != nil || !v.IsPositive() {
		return new(big.Int)
	}
	return v.Shift(18).Truncate(0).BigInt()
}

// MaxGasPriceWei returns the gas price ceiling in wei, or nil when unset.
func (c *Config) MaxGasPriceWei() *big.Int {
	if c.Chain.MaxGasPriceGwei <= 0 {
		return nil
	}
	return new(big.Int).Mul(big.NewInt(c.Chain.MaxGasPriceGwei), big.NewInt(1_000_000_000))
}

// StrategyAllocations converts the strategies section into domain
// allocations.
func (c *Config) StrategyAllocations() map[domain.StrategyType][]domain.Allocation {
	out := make(map[domain.StrategyType][]domain.Allocation, len(c.Strategies))
	for name, legs := range c.Strategies {
		allocs := make([]domain.Allocation, 0, len(legs))
		for _, l := range legs {
			allocs = append(allocs, domain.Allocation{Protocol: l.Protocol, Weight: decimal.NewFromFloat(l.Weight)})
		}
		out[domain.StrategyType(name)] = allocs
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
