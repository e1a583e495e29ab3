package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
// Environment variable names are the section tag and the split field name
// joined with "_", e.g. SENDER_EMAIL or SMTP_DRY_RUN. Only HTTPS_PROXY is
// read without a section prefix.
type Config struct {
	Sender struct {
		Email    string `yaml:"email" split_words:"true" validate:"omitempty,email"`
		Password string `yaml:"password" split_words:"true"`
		Name     string `yaml:"name" split_words:"true"`
	} `yaml:"sender" envconfig:"SENDER"`
	SMTP struct {
		Server  string        `yaml:"server" split_words:"true" validate:"required,hostname|ip"`
		Port    int           `yaml:"port" split_words:"true" validate:"min=1,max=65535"`
		DryRun  bool          `yaml:"dry_run" split_words:"true"`
		Timeout time.Duration `yaml:"timeout" split_words:"true"`
	} `yaml:"smtp" envconfig:"SMTP"`
	Recipients struct {
		BrokerEmail   string `yaml:"broker_email" split_words:"true" validate:"required,email"`
		BrokerName    string `yaml:"broker_name" split_words:"true"`
		PersonalEmail string `yaml:"personal_email" split_words:"true" validate:"required,email"`
		PersonalName  string `yaml:"personal_name" split_words:"true"`
	} `yaml:"recipients" envconfig:"RECIPIENT"`
	Trigger struct {
		IntradayThreshold float64 `yaml:"intraday_threshold" split_words:"true" validate:"lt=0"`
		CloseThreshold    float64 `yaml:"close_threshold" split_words:"true" validate:"lt=0"`
		MaxTriggers       int     `yaml:"max_triggers" split_words:"true" validate:"min=1"`
	} `yaml:"trigger" envconfig:"TRIGGER"`
	State struct {
		File string `yaml:"file" split_words:"true" validate:"required"`
	} `yaml:"state" envconfig:"STATE"`
	Schedule struct {
		IntradayCron string `yaml:"intraday_cron" split_words:"true" validate:"required"`
		CloseCron    string `yaml:"close_cron" split_words:"true" validate:"required"`
		RunOnStart   bool   `yaml:"run_on_start" split_words:"true"`
	} `yaml:"schedule" envconfig:"SCHEDULE"`
	Source struct {
		Primary           string        `yaml:"primary" split_words:"true" validate:"oneof=binance yahoo mock"`
		Fallbacks         []string      `yaml:"fallbacks" split_words:"true" validate:"dive,oneof=binance yahoo"`
		Symbol            string        `yaml:"symbol" split_words:"true" validate:"required"`
		BinanceBaseURL    string        `yaml:"binance_base_url" split_words:"true" validate:"omitempty,url"`
		YahooBaseURL      string        `yaml:"yahoo_base_url" split_words:"true" validate:"omitempty,url"`
		Stream            bool          `yaml:"stream" split_words:"true"`
		StreamURL         string        `yaml:"stream_url" split_words:"true" validate:"omitempty,url"`
		StreamMaxAge      time.Duration `yaml:"stream_max_age" split_words:"true"`
		RequestsPerMinute int           `yaml:"requests_per_minute" split_words:"true" validate:"min=0"`
		MockPrice         float64       `yaml:"mock_price" split_words:"true"`
	} `yaml:"source" envconfig:"SOURCE"`
	Journal struct {
		Driver string `yaml:"driver" split_words:"true" validate:"oneof=none sqlite postgres"`
		DSN    string `yaml:"dsn" split_words:"true"`
	} `yaml:"journal" envconfig:"JOURNAL"`
	Kafka struct {
		Brokers []string `yaml:"brokers" split_words:"true"`
		Topic   string   `yaml:"topic" split_words:"true"`
	} `yaml:"kafka" envconfig:"KAFKA"`
	Redis struct {
		Addr     string `yaml:"addr" split_words:"true"`
		Password string `yaml:"password" split_words:"true"`
		DB       int    `yaml:"db" split_words:"true" validate:"min=0"`
		Prefix   string `yaml:"prefix" split_words:"true"`
	} `yaml:"redis" envconfig:"REDIS"`
	Telegram struct {
		BotToken string `yaml:"bot_token" split_words:"true"`
		ChatID   int64  `yaml:"chat_id" split_words:"true"`
		Commands bool   `yaml:"commands" split_words:"true"`
	} `yaml:"telegram" envconfig:"TELEGRAM"`
	Notify struct {
		MaxRetries int `yaml:"max_retries" split_words:"true" validate:"min=0,max=10"`
	} `yaml:"notify" envconfig:"NOTIFY"`
	Server struct {
		Addr string `yaml:"addr" split_words:"true"`
	} `yaml:"server" envconfig:"SERVER"`
	Log struct {
		Level  string `yaml:"level" split_words:"true" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" split_words:"true" validate:"oneof=json console"`
		File   string `yaml:"file" split_words:"true"`
	} `yaml:"log" envconfig:"LOG"`
	Proxy string `yaml:"proxy" envconfig:"HTTPS_PROXY"`
}

// Load reads config from a YAML file, then applies .env and environment variable overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SMTP.Server == "" {
		c.SMTP.Server = "smtp.gmail.com"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.Timeout == 0 {
		c.SMTP.Timeout = 30 * time.Second
	}
	if c.Trigger.IntradayThreshold == 0 {
		c.Trigger.IntradayThreshold = -4.7
	}
	if c.Trigger.CloseThreshold == 0 {
		c.Trigger.CloseThreshold = -3.3
	}
	if c.Trigger.MaxTriggers == 0 {
		c.Trigger.MaxTriggers = 15
	}
	if c.State.File == "" {
		c.State.File = "data/dca_state.json"
	}
	if c.Schedule.IntradayCron == "" {
		c.Schedule.IntradayCron = "@every 60s"
	}
	if c.Schedule.CloseCron == "" {
		c.Schedule.CloseCron = "0 5 0 * * *" // 00:05 UTC, after the daily candle closes
	}
	if c.Source.Primary == "" {
		c.Source.Primary = "binance"
	}
	if c.Source.Symbol == "" {
		c.Source.Symbol = "BTCUSDT"
	}
	if c.Source.StreamMaxAge == 0 {
		c.Source.StreamMaxAge = 2 * time.Minute
	}
	if c.Source.RequestsPerMinute == 0 {
		c.Source.RequestsPerMinute = 60
	}
	if c.Journal.Driver == "" {
		c.Journal.Driver = "none"
	}
	if c.Journal.Driver == "sqlite" && c.Journal.DSN == "" {
		c.Journal.DSN = "data/red_day_sentinel.db"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "red-day-dca.events"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "reddaysentinel"
	}
	if c.Notify.MaxRetries == 0 {
		c.Notify.MaxRetries = 3
	}
	if c.Sender.Name == "" {
		c.Sender.Name = "Red Day DCA"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
}

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	if !c.SMTP.DryRun {
		if c.Sender.Email == "" {
			return fmt.Errorf("sender.email (SENDER_EMAIL) is required unless smtp.dry_run is set")
		}
		if c.Sender.Password == "" {
			return fmt.Errorf("sender.password (SENDER_PASSWORD) is required unless smtp.dry_run is set")
		}
	}
	if c.Trigger.IntradayThreshold > c.Trigger.CloseThreshold {
		return fmt.Errorf("trigger.intraday_threshold (%v) must not be above trigger.close_threshold (%v)",
			c.Trigger.IntradayThreshold, c.Trigger.CloseThreshold)
	}
	if c.Journal.Driver == "postgres" && c.Journal.DSN == "" {
		return fmt.Errorf("journal.dsn is required for the postgres journal")
	}
	if c.Telegram.BotToken != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required when telegram.bot_token is set")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}
	return nil
}

// DryRun reports whether emails are logged instead of sent.
func (c *Config) DryRun() bool { return c.SMTP.DryRun }
