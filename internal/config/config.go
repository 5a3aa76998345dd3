package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

type Config struct {
	Server   ServerConfig
	Telegram TelegramConfig
	Storage  StorageConfig
	Log      LogConfig
	Wizard   WizardConfig
	Render   RenderConfig
	Delivery DeliveryConfig
	Cleanup  CleanupConfig
	Admin    AdminConfig
	Regions  []Region
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type TelegramConfig struct {
	Token       string
	GroupChatID int64
	WebAppURL   string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type WizardConfig struct {
	MaxPhotos  int
	MaxPhotoMB int
	MinWidth   int
	MinHeight  int
}

type RenderConfig struct {
	// FontPath is the TTF font embedded in documents. Empty means
	// <data_dir>/fonts/DejaVuSans.ttf.
	FontPath string
}

type DeliveryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MinInterval   time.Duration
	FlushInterval time.Duration
	Capacity      int
}

type CleanupConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

type AdminConfig struct {
	DefaultIDs []int64
}

// Region is a selectable region and its topic in the group chat.
type Region struct {
	Name  string
	Topic int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Telegram: TelegramConfig{
			GroupChatID: -1002381542769,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Wizard: WizardConfig{
			MaxPhotos:  30,
			MaxPhotoMB: 5,
			MinWidth:   800,
			MinHeight:  600,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:   3,
			BaseDelay:     2 * time.Second,
			MinInterval:   45 * time.Second,
			FlushInterval: 60 * time.Second,
			Capacity:      20,
		},
		Cleanup: CleanupConfig{
			Interval: time.Hour,
			MaxAge:   time.Hour,
		},
		Admin: AdminConfig{
			DefaultIDs: []int64{2064900},
		},
		Regions: []Region{
			{"Санкт-Петербург", 11}, {"Свердловская область", 8}, {"Челябинская область", 6},
			{"Екатеринбург", 4}, {"Башкирия", 12}, {"Тюмень", 13}, {"ХМАО-Югра", 15},
			{"Нижний Новгород", 9}, {"Ростовская область", 17}, {"Челябинск", 2},
			{"Магнитогорск", 7}, {"Курган", 16}, {"Краснодарский край", 14},
		},
	}
}

// Load reads configuration: defaults, then the JSON file at
// $XDG_CONFIG_HOME/pawnbot/config.json, then PAWNBOT_* environment variables.
// Secrets still empty after that are looked up in the secrets file at
// $XDG_DATA_HOME/pawnbot/secrets.json.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	return cfg, nil
}

// Validate checks what serve needs before it starts.
func (c Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("missing required config: telegram bot token. "+
			"Set it via environment variable PAWNBOT_TELEGRAM_TOKEN or `pawnbot config set-secret telegram.token`"))
	}
	if c.Telegram.GroupChatID == 0 {
		errs = append(errs, errors.New("telegram.group_chat_id must be set"))
	}
	if len(c.Regions) == 0 {
		errs = append(errs, errors.New("regions must not be empty"))
	}
	if c.Wizard.MaxPhotos <= 0 || c.Wizard.MaxPhotoMB <= 0 {
		errs = append(errs, errors.New("wizard.max_photos and wizard.max_photo_mb must be positive"))
	}
	if c.Delivery.MaxAttempts <= 0 || c.Delivery.Capacity <= 0 {
		errs = append(errs, errors.New("delivery.max_attempts and delivery.capacity must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"delivery.base_delay":     c.Delivery.BaseDelay,
		"delivery.min_interval":   c.Delivery.MinInterval,
		"delivery.flush_interval": c.Delivery.FlushInterval,
		"cleanup.interval":        c.Cleanup.Interval,
		"cleanup.max_age":         c.Cleanup.MaxAge,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

func (c Config) PhotoDir() string { return filepath.Join(c.Storage.DataDir, "photos") }
func (c Config) DocumentDir() string { return filepath.Join(c.Storage.DataDir, "documents") }
func (c Config) ArchiveDir() string { return filepath.Join(c.Storage.DataDir, "archive") }
func (c Config) LedgerPath() string { return filepath.Join(c.Storage.DataDir, "conclusions.xlsx") }
func (c Config) PIDFile() string { return filepath.Join(c.Storage.DataDir, "pawnbot.pid") }

// FontFile resolves the document font path.
func (c Config) FontFile() string {
	if c.Render.FontPath != "" {
		return c.Render.FontPath
	}
	return filepath.Join(c.Storage.DataDir, "fonts", "DejaVuSans.ttf")
}

// RegionNames lists the regions in display order.
func (c Config) RegionNames() []string {
	names := make([]string, len(c.Regions))
	for i, r := range c.Regions {
		names[i] = r.Name
	}
	return names
}
