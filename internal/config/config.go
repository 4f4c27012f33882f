package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Settings Settings       `yaml:"settings"`

	// Creators is loaded from the separate creators file.
	Creators []Creator `yaml:"-"`
}

// TelegramConfig configures the delivery channel.
type TelegramConfig struct {
	// BotToken authenticates against the Bot API. TELEGRAM_BOT_TOKEN overrides it.
	BotToken string `yaml:"bot_token"`

	// ChatID is the default target for creators without their own chat.
	ChatID string `yaml:"chat_id"`

	// APIURL is the Bot API base URL.
	APIURL string `yaml:"api_url"`

	// LocalAPI marks a self-hosted Bot API server, which accepts large uploads
	// without compression.
	LocalAPI bool `yaml:"local_api"`
}

// Settings holds per-run pipeline settings.
type Settings struct {
	FetchDepth int `yaml:"fetch_depth"`

	DelayBetweenCreatorsMin float64 `yaml:"delay_between_creators_seconds_min"`
	DelayBetweenCreatorsMax float64 `yaml:"delay_between_creators_seconds_max"`
	DelayBetweenPostsMin    float64 `yaml:"delay_between_posts_seconds_min"`
	DelayBetweenPostsMax    float64 `yaml:"delay_between_posts_seconds_max"`
	ChunkDelay              float64 `yaml:"chunk_delay_seconds"`

	DownloadRoot string `yaml:"download_root"`
	DatabasePath string `yaml:"database_path"`
	CookiesDir   string `yaml:"cookies_dir"`
	QueueSize    int    `yaml:"queue_size"`
	LogLevel     string `yaml:"log_level"`

	// StatusAddr enables the status server when set, e.g. ":9090".
	StatusAddr string `yaml:"status_addr"`

	PlatformURL string `yaml:"platform_url"`

	// PreferVideoSignal resolves contradictory classifier signals in favour
	// of an explicit video codec.
	PreferVideoSignal *bool `yaml:"prefer_video_signal"`

	// IntervalMinutes repeats the account pass when positive.
	IntervalMinutes int `yaml:"interval_minutes"`
}

// Creator is one tracked account.
type Creator struct {
	Username string `yaml:"username"`
	ChatID   string `yaml:"chat_id"`
	ThreadID int64  `yaml:"thread_id"`
}

type creatorsFile struct {
	Creators []Creator `yaml:"creators"`
}

// Range converts a min/max pair of seconds into durations.
func Range(minSeconds, maxSeconds float64) (time.Duration, time.Duration) {
	lo := time.Duration(minSeconds * float64(time.Second))
	hi := time.Duration(maxSeconds * float64(time.Second))
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Interval returns the pause between account passes, zero for a single pass.
func (s Settings) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// PreferVideo reports the classifier tie-break policy.
func (s Settings) PreferVideo() bool {
	return s.PreferVideoSignal == nil || *s.PreferVideoSignal
}

// LoadEnv loads .env and .env.dev when present. Values already in the
// process environment are overridden by the files.
func LoadEnv() []string {
	files := []string{".env", ".env.dev"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			continue
		}
		loaded = append(loaded, file)
	}
	return loaded
}

// Load reads the config and creators files, applies environment overrides
// and defaults, and validates the result.
func Load(configPath, creatorsPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	creators, err := loadCreators(creatorsPath)
	if err != nil {
		return nil, err
	}
	cfg.Creators = creators

	applyEnv(cfg)
	setDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadCreators(path string) ([]Creator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read creators file: %w", err)
	}

	var file creatorsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse creators file: %w", err)
	}

	for i := range file.Creators {
		file.Creators[i].Username = strings.TrimPrefix(strings.TrimSpace(file.Creators[i].Username), "@")
	}
	return file.Creators, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("TELEGRAM_LOCAL_API"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Telegram.LocalAPI = parsed
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Settings.LogLevel = v
	}
}

func setDefaults(cfg *Config) {
	s := &cfg.Settings
	if cfg.Telegram.APIURL == "" {
		cfg.Telegram.APIURL = "https://api.telegram.org"
	}
	if s.FetchDepth <= 0 {
		s.FetchDepth = 10
	}
	if s.DelayBetweenCreatorsMin == 0 && s.DelayBetweenCreatorsMax == 0 {
		s.DelayBetweenCreatorsMin, s.DelayBetweenCreatorsMax = 30, 60
	}
	if s.DelayBetweenPostsMin == 0 && s.DelayBetweenPostsMax == 0 {
		s.DelayBetweenPostsMin, s.DelayBetweenPostsMax = 5, 10
	}
	if s.ChunkDelay == 0 {
		s.ChunkDelay = 1.5
	}
	if s.DownloadRoot == "" {
		s.DownloadRoot = "data/downloads"
	}
	if s.DatabasePath == "" {
		s.DatabasePath = "data/state.db"
	}
	if s.CookiesDir == "" {
		s.CookiesDir = "data/cookies"
	}
	if s.QueueSize <= 0 {
		s.QueueSize = 4
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.PlatformURL == "" {
		s.PlatformURL = "https://www.tiktok.com"
	}
}

func (c *Config) validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required (or set TELEGRAM_BOT_TOKEN)")
	}
	if len(c.Creators) == 0 {
		return fmt.Errorf("creators file lists no creators")
	}
	for i, cr := range c.Creators {
		if cr.Username == "" {
			return fmt.Errorf("creator #%d: username is required", i+1)
		}
		if cr.ChatID == "" && c.Telegram.ChatID == "" {
			return fmt.Errorf("creator %s: chat_id is required when telegram.chat_id is unset", cr.Username)
		}
	}
	return nil
}

// TargetChat returns the chat a creator's posts are delivered to.
func (c *Config) TargetChat(cr Creator) string {
	if cr.ChatID != "" {
		return cr.ChatID
	}
	return c.Telegram.ChatID
}
