package config

import (
	"encoding/json"
	"fmt"
	"os"

	semver "github.com/Masterminds/semver/v3"
)

type DatabaseConfig struct {
	Path string `json:"path"`
}

type RemoteConfig struct {
	BaseURL           string `json:"base_url"`
	StoreID           int    `json:"store_id"`
	KioskID           string `json:"kiosk_id"`
	RequestTimeoutSec int    `json:"request_timeout_seconds"`
}

type SessionConfig struct {
	StabilityWindowMS int `json:"stability_window_ms"`
	SettleDelayMS     int `json:"settle_delay_ms"`
	CardDedupWindowMS int `json:"card_dedup_window_ms"`
	TTLSec            int `json:"ttl_seconds"`
}

type PresenceConfig struct {
	ThresholdCM  float64 `json:"threshold_cm"`
	HysteresisCM float64 `json:"hysteresis_cm"`
	CooldownMS   int     `json:"cooldown_ms"`
}

type VisionConfig struct {
	ConfThreshold float64 `json:"conf_threshold"`
	LabelMapPath  string  `json:"label_map_path"`
}

type ControllerConfig struct {
	MinVersion string `json:"min_version"`
}

type DiscordAlertConfig struct {
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type AlertsConfig struct {
	Discord DiscordAlertConfig `json:"discord"`
}

type OrchestratorConfig struct {
	Server struct {
		Port                  int      `json:"port"`
		MetricsPort           int      `json:"metrics_port"`
		AuthToken             string   `json:"auth_token"`
		HeartbeatIntervalSec  int      `json:"heartbeat_interval_sec"`
		HeartbeatTimeoutCount int      `json:"heartbeat_timeout_count"`
		AllowedOrigins        []string `json:"allowed_origins"`
	} `json:"server"`
	Remote     RemoteConfig     `json:"remote"`
	Session    SessionConfig    `json:"session"`
	Presence   PresenceConfig   `json:"presence"`
	Vision     VisionConfig     `json:"vision"`
	Controller ControllerConfig `json:"controller"`
	Database   DatabaseConfig   `json:"database"`
	Alerts     AlertsConfig     `json:"alerts"`
}

const (
	defaultStabilityWindowMS = 5000
	defaultSettleDelayMS     = 3000
	defaultCardDedupWindowMS = 1500
	defaultSessionTTLSec     = 300

	defaultPresenceThresholdCM  = 50
	defaultPresenceHysteresisCM = 5
	defaultPresenceCooldownMS   = 2000

	defaultVisionConfThreshold = 0.40
	defaultRemoteTimeoutSec    = 7
)

func LoadOrchestratorConfig(path string) (*OrchestratorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg OrchestratorConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateOrchestratorConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateOrchestratorConfig(cfg *OrchestratorConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("validation error: server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("validation error: server.metrics_port must be between 0 and 65535, got %d", cfg.Server.MetricsPort)
	}
	if cfg.Server.AuthToken == "" {
		return fmt.Errorf("validation error: server.auth_token is required")
	}
	if cfg.Server.HeartbeatIntervalSec <= 0 {
		return fmt.Errorf("validation error: server.heartbeat_interval_sec must be positive, got %d", cfg.Server.HeartbeatIntervalSec)
	}
	if cfg.Server.HeartbeatTimeoutCount <= 0 {
		return fmt.Errorf("validation error: server.heartbeat_timeout_count must be positive, got %d", cfg.Server.HeartbeatTimeoutCount)
	}

	if cfg.Remote.BaseURL == "" {
		return fmt.Errorf("validation error: remote.base_url is required")
	}
	if cfg.Remote.StoreID <= 0 {
		return fmt.Errorf("validation error: remote.store_id must be positive, got %d", cfg.Remote.StoreID)
	}
	if cfg.Remote.RequestTimeoutSec <= 0 {
		cfg.Remote.RequestTimeoutSec = defaultRemoteTimeoutSec
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "./orchestrator.db"
	}

	cfg.applySessionDefaults()
	cfg.applyPresenceDefaults()

	if cfg.Vision.ConfThreshold <= 0 || cfg.Vision.ConfThreshold > 1 {
		cfg.Vision.ConfThreshold = defaultVisionConfThreshold
	}
	if cfg.Vision.LabelMapPath == "" {
		return fmt.Errorf("validation error: vision.label_map_path is required")
	}

	if cfg.Controller.MinVersion != "" {
		if _, err := semver.NewConstraint(cfg.Controller.MinVersion); err != nil {
			return fmt.Errorf("validation error: controller.min_version must be valid semver constraint: %w", err)
		}
	}

	if cfg.Alerts.Discord.BotToken != "" && cfg.Alerts.Discord.ChannelID == "" {
		return fmt.Errorf("validation error: alerts.discord.channel_id is required when bot_token is set")
	}

	return nil
}

func (cfg *OrchestratorConfig) applySessionDefaults() {
	if cfg.Session.StabilityWindowMS <= 0 {
		cfg.Session.StabilityWindowMS = defaultStabilityWindowMS
	}
	if cfg.Session.SettleDelayMS <= 0 {
		cfg.Session.SettleDelayMS = defaultSettleDelayMS
	}
	if cfg.Session.CardDedupWindowMS <= 0 {
		cfg.Session.CardDedupWindowMS = defaultCardDedupWindowMS
	}
	if cfg.Session.TTLSec <= 0 {
		cfg.Session.TTLSec = defaultSessionTTLSec
	}
}

func (cfg *OrchestratorConfig) applyPresenceDefaults() {
	if cfg.Presence.ThresholdCM <= 0 {
		cfg.Presence.ThresholdCM = defaultPresenceThresholdCM
	}
	if cfg.Presence.HysteresisCM <= 0 {
		cfg.Presence.HysteresisCM = defaultPresenceHysteresisCM
	}
	if cfg.Presence.CooldownMS <= 0 {
		cfg.Presence.CooldownMS = defaultPresenceCooldownMS
	}
}
