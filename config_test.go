package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
		},
		Gmail: GmailConfig{
			ClientID:     "test",
			ClientSecret: "test",
			RefreshToken: "test",
			MaxResults:   50,
		},
		Ollama: OllamaConfig{
			Host:    "http://localhost:11434",
			Model:   "llama3.2:latest",
			Timeout: 2 * time.Minute,
		},
		Store: StoreConfig{
			EmailsFile:       ".processed_emails.json",
			ProcessedIDsFile: ".processed_email_ids.json",
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			IntervalMinutes: 5,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	invalid := &Config{
		Server: ServerConfig{Port: ""},
	}
	assert.Error(t, invalid.Validate())
}

func TestConfigValidationGmailCredentials(t *testing.T) {
	config := validConfig()
	config.Gmail.RefreshToken = ""
	assert.Error(t, config.Validate())

	// IMAP mode needs IMAP credentials instead.
	config.Gmail.UseIMAP = true
	assert.Error(t, config.Validate())

	config.Gmail.IMAPUser = "user@example.com"
	config.Gmail.IMAPPassword = "secret"
	assert.NoError(t, config.Validate())
}

func TestConfigValidationOllama(t *testing.T) {
	config := validConfig()
	config.Ollama.Model = ""
	assert.Error(t, config.Validate())

	config = validConfig()
	config.Ollama.Timeout = 0
	assert.Error(t, config.Validate())
}

func TestConfigValidationStoreFiles(t *testing.T) {
	config := validConfig()
	config.Store.EmailsFile = ""
	assert.Error(t, config.Validate())
}

func TestConfigValidationSchedulerInterval(t *testing.T) {
	config := validConfig()
	config.Scheduler.IntervalMinutes = 0
	assert.Error(t, config.Validate())

	// A disabled scheduler does not need an interval.
	config.Scheduler.Enabled = false
	assert.NoError(t, config.Validate())
}
