package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// PORTABLEMSVC_DOWNLOAD_MAX_RETRIES.
const EnvPrefix = "PORTABLEMSVC"

// NewViper creates a viper instance bound to the environment. It carries no
// defaults so IsSet only reports values a user actually supplied; defaults
// come from Default and the YAML file.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Apply overlays every key set in v (environment or bound flags) onto cfg.
func Apply(cfg *Config, v *viper.Viper) {
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	setString("dirs.config", &cfg.Dirs.Config)
	setString("dirs.data", &cfg.Dirs.Data)
	setString("dirs.cache", &cfg.Dirs.Cache)
	setString("dirs.temp", &cfg.Dirs.Temp)
	setString("channel", &cfg.Channel)
	setString("host", &cfg.Host)
	setString("manifest.release_url", &cfg.Manifest.ReleaseURL)
	setString("manifest.preview_url", &cfg.Manifest.PreviewURL)
	setString("mirror.uri", &cfg.Mirror.URI)
	setString("mirror.token", &cfg.Mirror.Token)
	setString("logging.level", &cfg.Logging.Level)
	setString("logging.format", &cfg.Logging.Format)

	if v.IsSet("targets") {
		var targets []string
		for _, raw := range v.GetStringSlice("targets") {
			for _, t := range strings.Split(raw, ",") {
				if t = strings.TrimSpace(t); t != "" {
					targets = append(targets, t)
				}
			}
		}
		cfg.Targets = targets
	}
	if v.IsSet("manifest.ttl") {
		cfg.Manifest.TTL = v.GetDuration("manifest.ttl")
	}
	if v.IsSet("manifest.timeout") {
		cfg.Manifest.Timeout = v.GetDuration("manifest.timeout")
	}
	if v.IsSet("download.max_retries") {
		cfg.Download.MaxRetries = v.GetInt("download.max_retries")
	}
	if v.IsSet("download.backoff_base") {
		cfg.Download.BackoffBase = v.GetDuration("download.backoff_base")
	}
	if v.IsSet("download.timeout") {
		cfg.Download.Timeout = v.GetDuration("download.timeout")
	}
	if v.IsSet("lock.timeout") {
		cfg.Lock.Timeout = v.GetDuration("lock.timeout")
	}
	if v.IsSet("lock.ttl") {
		cfg.Lock.TTL = v.GetDuration("lock.ttl")
	}
	if v.IsSet("logging.file") {
		cfg.Logging.File = v.GetBool("logging.file")
	}
}
