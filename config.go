package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	FailActionBan   = "ban"
	FailActionBlock = "block"

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

type Config struct {
	TelegramToken string
	AdminChatID   int64

	BlacklistEnabled bool

	CaptchaEnabled         bool
	CaptchaMaxRetries      int
	CaptchaFailAction      string
	CaptchaTimeout         time.Duration
	CaptchaRefreshCooldown time.Duration
	CaptchaRefreshLimit    int

	AuditEnabled    bool
	AuditCount      int
	AuditNotifyUser bool
	AuditPromptFile string
	SmartMode       bool

	AIProvider       string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicModel   string

	MessageClearHours int
	AllowEdit         bool

	UptimePushURL    string
	LogFile          string
	LogMaxSizeMB     int
	HideStartMessage bool
	EnableDCPing     bool

	StoreDriver  string
	DatabasePath string
	MongoURL     string
	MongoName    string
}

// newViper returns a viper instance reading the process environment and,
// when present, an env file.
func newViper(envFile string) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("BLACKLIST_ENABLED", true)
	v.SetDefault("CAPTCHA_MAX_RETRIES", 3)
	v.SetDefault("CAPTCHA_FAIL_ACTION", FailActionBan)
	v.SetDefault("CAPTCHA_TIMEOUT", 180)
	v.SetDefault("CAPTCHA_REFRESH_COOLDOWN", 10)
	v.SetDefault("CAPTCHA_REFRESH_LIMIT", 10)
	v.SetDefault("AI_AUDIT_COUNT", 1)
	v.SetDefault("AI_PROVIDER", ProviderOpenAI)
	v.SetDefault("OPENAI_MODEL", "gpt-3.5-turbo")
	v.SetDefault("ANTHROPIC_MODEL", "claude-3-5-haiku-latest")
	v.SetDefault("MESSAGE_CLEAR_HOURS", 720)
	v.SetDefault("LOG_MAX_SIZE", 10)
	v.SetDefault("STORE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_PATH", "bot.db")
	v.SetDefault("MONGODB_NAME", "relaybot")

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
		}
	}
	return v, nil
}

func loadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		TelegramToken: v.GetString("TELEGRAM_BOT_TOKEN"),
		AdminChatID:   v.GetInt64("MY_CHAT_ID"),

		BlacklistEnabled: v.GetBool("BLACKLIST_ENABLED"),

		CaptchaEnabled:         v.GetBool("CAPTCHA_ENABLED"),
		CaptchaMaxRetries:      v.GetInt("CAPTCHA_MAX_RETRIES"),
		CaptchaFailAction:      strings.ToLower(strings.TrimSpace(v.GetString("CAPTCHA_FAIL_ACTION"))),
		CaptchaTimeout:         time.Duration(v.GetInt("CAPTCHA_TIMEOUT")) * time.Second,
		CaptchaRefreshCooldown: time.Duration(v.GetInt("CAPTCHA_REFRESH_COOLDOWN")) * time.Second,
		CaptchaRefreshLimit:    v.GetInt("CAPTCHA_REFRESH_LIMIT"),

		AuditEnabled:    v.GetBool("AI_AUDIT_ENABLED"),
		AuditCount:      v.GetInt("AI_AUDIT_COUNT"),
		AuditNotifyUser: v.GetBool("AI_AUDIT_NOTIFY_USER"),
		AuditPromptFile: v.GetString("AI_AUDIT_PROMPT_FILE"),

		AIProvider:       strings.ToLower(strings.TrimSpace(v.GetString("AI_PROVIDER"))),
		OpenAIAPIKey:     v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL:    v.GetString("OPENAI_BASE_URL"),
		OpenAIModel:      v.GetString("OPENAI_MODEL"),
		AnthropicAPIKey:  v.GetString("ANTHROPIC_API_KEY"),
		AnthropicBaseURL: v.GetString("ANTHROPIC_BASE_URL"),
		AnthropicModel:   v.GetString("ANTHROPIC_MODEL"),

		MessageClearHours: v.GetInt("MESSAGE_CLEAR_HOURS"),
		AllowEdit:         v.GetBool("ALLOW_EDIT"),

		UptimePushURL:    v.GetString("UPTIME_KUMA_PUSH_URL"),
		LogFile:          v.GetString("LOG_FILE"),
		LogMaxSizeMB:     v.GetInt("LOG_MAX_SIZE"),
		HideStartMessage: v.GetBool("HIDE_START_MESSAGE"),
		EnableDCPing:     v.GetBool("ENABLE_DC_PING"),

		StoreDriver:  strings.ToLower(v.GetString("STORE_DRIVER")),
		DatabasePath: v.GetString("DATABASE_PATH"),
		MongoURL:     v.GetString("MONGODB_URL"),
		MongoName:    v.GetString("MONGODB_NAME"),
	}

	// Smart mode needs both features; unset means "on whenever it can be".
	if v.IsSet("AI_AUDIT_SMART_MODE") {
		cfg.SmartMode = v.GetBool("AI_AUDIT_SMART_MODE")
	} else {
		cfg.SmartMode = true
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TelegramToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	if c.CaptchaFailAction != FailActionBan && c.CaptchaFailAction != FailActionBlock {
		return fmt.Errorf("CAPTCHA_FAIL_ACTION must be %q or %q, got %q", FailActionBan, FailActionBlock, c.CaptchaFailAction)
	}
	if c.CaptchaMaxRetries < 1 {
		return fmt.Errorf("CAPTCHA_MAX_RETRIES must be positive, got %d", c.CaptchaMaxRetries)
	}
	if c.CaptchaTimeout <= 0 {
		return fmt.Errorf("CAPTCHA_TIMEOUT must be positive")
	}
	if c.CaptchaRefreshLimit < 1 {
		return fmt.Errorf("CAPTCHA_REFRESH_LIMIT must be positive, got %d", c.CaptchaRefreshLimit)
	}
	if c.AuditCount < 1 {
		return fmt.Errorf("AI_AUDIT_COUNT must be positive, got %d", c.AuditCount)
	}
	if c.MessageClearHours == 0 || c.MessageClearHours < -1 {
		return fmt.Errorf("MESSAGE_CLEAR_HOURS must be positive or -1, got %d", c.MessageClearHours)
	}
	switch c.AIProvider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("unknown AI_PROVIDER %q", c.AIProvider)
	}
	return nil
}

// smartModeActive reports whether a "meaningless" verdict should trigger a CAPTCHA.
func (c *Config) smartModeActive() bool {
	return c.SmartMode && c.AuditEnabled && c.CaptchaEnabled
}

// retention returns how long identity records are kept; zero disables the sweep.
func (c *Config) retention() time.Duration {
	if c.MessageClearHours <= 0 {
		return 0
	}
	return time.Duration(c.MessageClearHours) * time.Hour
}
