package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretFormatting(t *testing.T) {
	bot := Secret("123456:AAH-bot-token")

	assert.Equal(t, "***", bot.String())
	assert.Equal(t, "token=***", fmt.Sprintf("token=%s", bot))
	assert.NotContains(t, fmt.Sprintf("%v", bot), "AAH")
	assert.Equal(t, "", Secret("").String(), "empty secrets stay empty so missing values are visible")
}

func TestSecretJSON(t *testing.T) {
	data, err := json.Marshal(SessionConfig{
		Storage:  StorageRedis,
		RedisURL: Secret("redis://:hunter2@cache:6379/0"),
	})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.Contains(t, string(data), `"***"`)
}

func TestConfigNeverLeaksSecrets(t *testing.T) {
	cfg := Config{
		Version: SupportedVersion,
		Provider: ProviderConfig{
			BotToken:    Secret("123456:bot-token"),
			BotUsername: "authfront_bot",
		},
		BotIntegration: &APIKeyConfig{Enabled: true, APIKeyHash: Secret("$2a$10$bothash")},
		Admin:          &APIKeyConfig{Enabled: true, APIKeyHash: Secret("$2a$10$adminhash")},
		Sessions: SessionConfig{
			Storage:  StorageRedis,
			RedisURL: Secret("redis://:hunter2@cache:6379/0"),
		},
	}

	printed := fmt.Sprintf("%+v %+v %+v", cfg.Provider, *cfg.Admin, cfg.Sessions)
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	for _, leak := range []string{"bot-token", "bothash", "adminhash", "hunter2"} {
		assert.NotContains(t, printed, leak)
		assert.NotContains(t, string(data), leak)
	}
	assert.Contains(t, string(data), "authfront_bot")
}
