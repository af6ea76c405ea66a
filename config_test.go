package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	initLoggers()
	os.Exit(m.Run())
}

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeEnvFile(t, "TELEGRAM_BOT_TOKEN=abc\nMY_CHAT_ID=12345\n")
	v, err := newViper(path)
	require.NoError(t, err)

	cfg, err := loadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.TelegramToken)
	assert.Equal(t, int64(12345), cfg.AdminChatID)
	assert.True(t, cfg.BlacklistEnabled)
	assert.False(t, cfg.CaptchaEnabled)
	assert.Equal(t, 3, cfg.CaptchaMaxRetries)
	assert.Equal(t, FailActionBan, cfg.CaptchaFailAction)
	assert.Equal(t, 180*time.Second, cfg.CaptchaTimeout)
	assert.Equal(t, 10*time.Second, cfg.CaptchaRefreshCooldown)
	assert.Equal(t, 10, cfg.CaptchaRefreshLimit)
	assert.Equal(t, 1, cfg.AuditCount)
	assert.Equal(t, ProviderOpenAI, cfg.AIProvider)
	assert.Equal(t, "gpt-3.5-turbo", cfg.OpenAIModel)
	assert.Equal(t, 720*time.Hour, cfg.retention())
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.True(t, cfg.SmartMode, "unset smart mode defaults to on")
	assert.False(t, cfg.smartModeActive(), "smart mode needs moderation and CAPTCHA")
}

func TestLoadConfig_EnvironmentOverridesFile(t *testing.T) {
	path := writeEnvFile(t, "TELEGRAM_BOT_TOKEN=abc\nCAPTCHA_ENABLED=1\nAI_AUDIT_ENABLED=true\n")
	t.Setenv("CAPTCHA_FAIL_ACTION", "Block")
	t.Setenv("AI_AUDIT_SMART_MODE", "false")
	t.Setenv("MESSAGE_CLEAR_HOURS", "-1")

	v, err := newViper(path)
	require.NoError(t, err)
	cfg, err := loadConfig(v)
	require.NoError(t, err)

	assert.True(t, cfg.CaptchaEnabled)
	assert.True(t, cfg.AuditEnabled)
	assert.Equal(t, FailActionBlock, cfg.CaptchaFailAction)
	assert.False(t, cfg.smartModeActive())
	assert.Zero(t, cfg.retention())
}

func TestLoadConfig_MissingEnvFileIsFine(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "abc")
	v, err := newViper(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	_, err = loadConfig(v)
	assert.NoError(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no token", func(c *Config) { c.TelegramToken = "" }, "TELEGRAM_BOT_TOKEN"},
		{"bad fail action", func(c *Config) { c.CaptchaFailAction = "kick" }, "CAPTCHA_FAIL_ACTION"},
		{"zero retries", func(c *Config) { c.CaptchaMaxRetries = 0 }, "CAPTCHA_MAX_RETRIES"},
		{"zero timeout", func(c *Config) { c.CaptchaTimeout = 0 }, "CAPTCHA_TIMEOUT"},
		{"zero refresh limit", func(c *Config) { c.CaptchaRefreshLimit = 0 }, "CAPTCHA_REFRESH_LIMIT"},
		{"zero audit count", func(c *Config) { c.AuditCount = 0 }, "AI_AUDIT_COUNT"},
		{"zero retention", func(c *Config) { c.MessageClearHours = 0 }, "MESSAGE_CLEAR_HOURS"},
		{"unknown provider", func(c *Config) { c.AIProvider = "gemini" }, "AI_PROVIDER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSmartModeActive(t *testing.T) {
	cfg := testConfig()
	cfg.SmartMode = true
	cfg.AuditEnabled = true
	cfg.CaptchaEnabled = true
	assert.True(t, cfg.smartModeActive())

	cfg.CaptchaEnabled = false
	assert.False(t, cfg.smartModeActive())
}
