// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	MinLeadTime      time.Duration
	SweepInterval    time.Duration
	JobTimeout       time.Duration
	TickInterval     time.Duration
	SendRate         float64
	MetricsAddr      string
}

// newViper binds every key to the environment. Empty variables count as
// unset, so defaults still apply.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("DATABASE_PATH", "./data/bot.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MIN_LEAD_TIME", "30m")
	v.SetDefault("SWEEP_INTERVAL", "1h")
	v.SetDefault("JOB_TIMEOUT", "2m")
	v.SetDefault("TICK_INTERVAL", "1s")
	v.SetDefault("SEND_RATE", "20")
	v.SetDefault("METRICS_ADDR", "")
	v.AutomaticEnv()
	return v
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	v := newViper()

	token := v.GetString("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	cfg := &Config{
		TelegramBotToken: token,
		DatabasePath:     v.GetString("DATABASE_PATH"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		MetricsAddr:      v.GetString("METRICS_ADDR"),
	}

	durations := []struct {
		key       string
		dst       *time.Duration
		allowZero bool
	}{
		{"MIN_LEAD_TIME", &cfg.MinLeadTime, true},
		{"SWEEP_INTERVAL", &cfg.SweepInterval, false},
		{"JOB_TIMEOUT", &cfg.JobTimeout, false},
		{"TICK_INTERVAL", &cfg.TickInterval, false},
	}
	for _, d := range durations {
		raw := v.GetString(d.key)
		val, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.key, raw, err)
		}
		if val < 0 || (val == 0 && !d.allowZero) {
			return nil, fmt.Errorf("invalid %s %q: must be positive", d.key, raw)
		}
		*d.dst = val
	}

	raw := v.GetString("SEND_RATE")
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid SEND_RATE %q: %w", raw, err)
	}
	if rate <= 0 {
		return nil, fmt.Errorf("invalid SEND_RATE %q: must be positive", raw)
	}
	cfg.SendRate = rate

	return cfg, nil
}
