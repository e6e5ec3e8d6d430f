package config

import (
	"maps"
	"net/url"
)

// RedactedConfig returns a copy of cfg with secrets replaced by "***", for
// logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Hub.PrivateKey)
	redact(&out.Hub.KeystorePassword)
	redact(&out.Webhook.SigningKey)
	redact(&out.Refund.BearerToken)
	redact(&out.Supabase.DSN)
	redact(&out.Supabase.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redactURLCredentials(&out.Chain.RPCURL)

	// Copy reference types so the redacted copy cannot alias the original.
	out.Protocols = maps.Clone(cfg.Protocols)
	if cfg.Strategies != nil {
		out.Strategies = make(map[string][]AllocationConfig, len(cfg.Strategies))
		for k, v := range cfg.Strategies {
			out.Strategies[k] = append([]AllocationConfig(nil), v...)
		}
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactURLCredentials keeps only scheme and host of a URL. RPC providers
// commonly embed the API key in the path or query.
func redactURLCredentials(s *string) {
	u, err := url.Parse(*s)
	if err != nil || u.Host == "" {
		redact(s)
		return
	}
	if u.User == nil && (u.Path == "" || u.Path == "/") && u.RawQuery == "" {
		return
	}
	*s = u.Scheme + "://" + u.Host + "/" + redacted
}
