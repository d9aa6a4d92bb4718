package config

import (
	_ "embed"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type Config struct {
	Rotation struct {
		RecentWindowHours       uint32 `json:"recent_window_hours"`
		ReuseEmbargoHours       uint32 `json:"reuse_embargo_hours"`
		MinSampleForSuccessRate int    `json:"min_sample_for_success_rate"`
		RecoverySweepMinutes    uint32 `json:"recovery_sweep_minutes"`
	} `json:"rotation"`

	Queue struct {
		Workers             int    `json:"workers"`
		BatchSize           int    `json:"batch_size"`
		PollIntervalSeconds uint32 `json:"poll_interval_seconds"`
		PacingMinMs         uint32 `json:"pacing_min_ms"`
		PacingMaxMs         uint32 `json:"pacing_max_ms"`
		StuckAfterMinutes   uint32 `json:"stuck_after_minutes"`
		RetryBackoffSeconds uint32 `json:"retry_backoff_seconds"`
	} `json:"queue"`

	Browser struct {
		Headless                 bool   `json:"headless"`
		NavigationTimeoutSeconds uint32 `json:"navigation_timeout_seconds"`
		ActionTimeoutSeconds     uint32 `json:"action_timeout_seconds"`
		ActionSelector           string `json:"action_selector"`
		MessageSelector          string `json:"message_selector"`
		ConfirmSelector          string `json:"confirm_selector"`
		ScreenshotDir            string `json:"screenshot_dir"`
	} `json:"browser"`

	Dedup struct {
		CooldownDays uint32 `json:"cooldown_days"`
	} `json:"dedup"`

	Cooldown struct {
		CaptchaCooldownMinutes uint32 `json:"captcha_cooldown_minutes"`
	} `json:"cooldown"`

	Notify struct {
		WebhookURL     string `json:"webhook_url"`
		TimeoutSeconds uint32 `json:"timeout_seconds"`
	} `json:"notify"`

	Prober struct {
		TestURL        string `json:"test_url"`
		TimeoutSeconds uint32 `json:"timeout_seconds"`
	} `json:"prober"`

	Geo struct {
		DatabasePath string `json:"database_path"`
		SweepMinutes uint32 `json:"sweep_minutes"`
	} `json:"geo"`
}

const settingsFilePath = "data/settings.json"

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue atomic.Value
	configMu    sync.Mutex

	InProductionMode bool
)

func init() {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		log.Error("Error parsing embedded default settings:", err)
	}
	configValue.Store(cfg)
}

func ReadSettings() {
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Settings file not found, creating with default configuration")

			if err := os.MkdirAll("data", os.ModePerm); err != nil {
				log.Error("Error creating directory for settings file:", err)
				return
			}
			if err := os.WriteFile(settingsFilePath, defaultConfig, os.ModePerm); err != nil {
				log.Error("Error writing default settings file:", err)
				return
			}
			data = defaultConfig
		} else {
			log.Error("Error reading settings file:", err)
			return
		}
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file:", err)
		return
	}

	applyConfigUpdate(newConfig, false)
	log.Debug("Settings file loaded successfully")
}

func SetConfig(newConfig Config) {
	applyConfigUpdate(newConfig, true)
	log.Debug("Configuration updated and written to file")
}

func applyConfigUpdate(newConfig Config, persist bool) {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)

	if !persist {
		return
	}

	data, err := json.MarshalIndent(newConfig, "", "  ")
	if err != nil {
		log.Error("Error marshalling new configuration:", err)
		return
	}
	if err := os.WriteFile(settingsFilePath, data, os.ModePerm); err != nil {
		log.Error("Error writing new configuration to file:", err)
	}
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}

func (c Config) RecentWindow() time.Duration {
	return time.Duration(c.Rotation.RecentWindowHours) * time.Hour
}

func (c Config) ReuseEmbargo() time.Duration {
	return time.Duration(c.Rotation.ReuseEmbargoHours) * time.Hour
}

func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Browser.NavigationTimeoutSeconds) * time.Second
}

func (c Config) ActionTimeout() time.Duration {
	return time.Duration(c.Browser.ActionTimeoutSeconds) * time.Second
}

func (c Config) CaptchaCooldown() time.Duration {
	return time.Duration(c.Cooldown.CaptchaCooldownMinutes) * time.Minute
}
