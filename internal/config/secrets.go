package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Operator.PrivateKey)
	redact(&out.Operator.KeyPassword)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// API key secrets live in a slice; copy it before redacting so the
	// original keeps its secrets.
	if cfg.Server.APIKeys != nil {
		out.Server.APIKeys = make([]APIKeyConfig, len(cfg.Server.APIKeys))
		copy(out.Server.APIKeys, cfg.Server.APIKeys)
		for i := range out.Server.APIKeys {
			redact(&out.Server.APIKeys[i].Secret)
		}
	}

	// Copy the remaining slices so callers cannot mutate the original through
	// the redacted copy.
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Governance.Guardians = append([]string(nil), cfg.Governance.Guardians...)
	out.Governance.Proposers = append([]string(nil), cfg.Governance.Proposers...)
	out.Governance.Executors = append([]string(nil), cfg.Governance.Executors...)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
