package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// ClientConfig captures runtime configuration for the sync client.
type ClientConfig struct {
	BaseURL       string
	WebSocketURL  string
	UserID        string
	UserName      string
	APIKey        string
	LogLevel      string
	DraftsEnabled bool
	DraftsDir     string
}

// LoadClient parses sync client configuration from viper. The websocket URL defaults to the base URL's /ws.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		BaseURL:       strings.TrimRight(configViper.GetString("client.base_url"), "/"),
		WebSocketURL:  configViper.GetString("client.ws_url"),
		UserID:        strings.TrimSpace(configViper.GetString("client.user_id")),
		UserName:      strings.TrimSpace(configViper.GetString("client.user_name")),
		APIKey:        configViper.GetString("auth.api_key"),
		LogLevel:      configViper.GetString("log.level"),
		DraftsEnabled: configViper.GetBool("drafts.enabled"),
		DraftsDir:     strings.TrimSpace(configViper.GetString("drafts.dir")),
	}
	if cfg.BaseURL == "" {
		return ClientConfig{}, fmt.Errorf("client.base_url is required")
	}
	if cfg.UserID == "" {
		return ClientConfig{}, fmt.Errorf("client.user_id is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return ClientConfig{}, fmt.Errorf("auth.api_key is required")
	}
	if cfg.DraftsEnabled && cfg.DraftsDir == "" {
		return ClientConfig{}, fmt.Errorf("drafts.dir is required when drafts are enabled")
	}
	if cfg.WebSocketURL == "" {
		derived, err := websocketURL(cfg.BaseURL)
		if err != nil {
			return ClientConfig{}, err
		}
		cfg.WebSocketURL = derived
	}
	return cfg, nil
}

func websocketURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("client.base_url is invalid: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("client.base_url must be http or https, got %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	return parsed.String(), nil
}
