package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kInt64
	kDuration
	kIDList
	kRegions
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PAWNBOT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "PAWNBOT_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "telegram.token", typ: kString, env: "PAWNBOT_TELEGRAM_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.Token },
	},
	{
		key: "telegram.group_chat_id", typ: kInt64, env: "PAWNBOT_TELEGRAM_GROUP_CHAT_ID",
		apply:   func(cfg *Config, v any) { cfg.Telegram.GroupChatID = v.(int64) },
		extract: func(cfg Config) any { return cfg.Telegram.GroupChatID },
	},
	{
		key: "telegram.webapp_url", typ: kString, env: "PAWNBOT_TELEGRAM_WEBAPP_URL",
		apply:   func(cfg *Config, v any) { cfg.Telegram.WebAppURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.WebAppURL },
	},
	{
		key: "telegram.regions", typ: kRegions, env: "PAWNBOT_TELEGRAM_REGIONS",
		apply:   func(cfg *Config, v any) { cfg.Regions = v.([]Region) },
		extract: func(cfg Config) any { return formatRegions(cfg.Regions) },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PAWNBOT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "PAWNBOT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "render.font_path", typ: kString, env: "PAWNBOT_RENDER_FONT_PATH",
		apply:   func(cfg *Config, v any) { cfg.Render.FontPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Render.FontPath },
	},
	{
		key: "wizard.max_photos", typ: kInt, env: "PAWNBOT_WIZARD_MAX_PHOTOS",
		apply:   func(cfg *Config, v any) { cfg.Wizard.MaxPhotos = v.(int) },
		extract: func(cfg Config) any { return cfg.Wizard.MaxPhotos },
	},
	{
		key: "wizard.max_photo_mb", typ: kInt, env: "PAWNBOT_WIZARD_MAX_PHOTO_MB",
		apply:   func(cfg *Config, v any) { cfg.Wizard.MaxPhotoMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Wizard.MaxPhotoMB },
	},
	{
		key: "wizard.min_width", typ: kInt, env: "PAWNBOT_WIZARD_MIN_WIDTH",
		apply:   func(cfg *Config, v any) { cfg.Wizard.MinWidth = v.(int) },
		extract: func(cfg Config) any { return cfg.Wizard.MinWidth },
	},
	{
		key: "wizard.min_height", typ: kInt, env: "PAWNBOT_WIZARD_MIN_HEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Wizard.MinHeight = v.(int) },
		extract: func(cfg Config) any { return cfg.Wizard.MinHeight },
	},
	{
		key: "delivery.max_attempts", typ: kInt, env: "PAWNBOT_DELIVERY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Delivery.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Delivery.MaxAttempts },
	},
	{
		key: "delivery.base_delay", typ: kDuration, env: "PAWNBOT_DELIVERY_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Delivery.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Delivery.BaseDelay },
	},
	{
		key: "delivery.min_interval", typ: kDuration, env: "PAWNBOT_DELIVERY_MIN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Delivery.MinInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Delivery.MinInterval },
	},
	{
		key: "delivery.flush_interval", typ: kDuration, env: "PAWNBOT_DELIVERY_FLUSH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Delivery.FlushInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Delivery.FlushInterval },
	},
	{
		key: "delivery.capacity", typ: kInt, env: "PAWNBOT_DELIVERY_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Delivery.Capacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Delivery.Capacity },
	},
	{
		key: "cleanup.interval", typ: kDuration, env: "PAWNBOT_CLEANUP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cleanup.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cleanup.Interval },
	},
	{
		key: "cleanup.max_age", typ: kDuration, env: "PAWNBOT_CLEANUP_MAX_AGE",
		apply:   func(cfg *Config, v any) { cfg.Cleanup.MaxAge = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cleanup.MaxAge },
	},
	{
		key: "admin.default_ids", typ: kIDList, env: "PAWNBOT_ADMIN_DEFAULT_IDS",
		apply:   func(cfg *Config, v any) { cfg.Admin.DefaultIDs = v.([]int64) },
		extract: func(cfg Config) any { return formatIDs(cfg.Admin.DefaultIDs) },
	},
}

// parse converts the textual form of a value.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kInt64:
		return strconv.ParseInt(raw, 10, 64)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		return d, nil
	case kIDList:
		return parseIDs(raw)
	case kRegions:
		return parseRegions(raw)
	default:
		return raw, nil
	}
}

func typeName(t keyType) string {
	switch t {
	case kInt, kInt64:
		return "integer"
	case kDuration:
		return "duration"
	case kIDList:
		return "id list"
	case kRegions:
		return "region list"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", typeName(s.typ), s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", typeName(s.typ), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// parseIDs reads a comma separated list of user ids.
func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func formatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// parseRegions reads "Name:topic,Name:topic" keeping the order.
func parseRegions(raw string) ([]Region, error) {
	var regions []Region
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i := strings.LastIndex(part, ":")
		if i <= 0 {
			return nil, fmt.Errorf("region %q: want Name:topic", part)
		}
		name := strings.TrimSpace(part[:i])
		topic, err := strconv.Atoi(strings.TrimSpace(part[i+1:]))
		if err != nil {
			return nil, fmt.Errorf("region %q: invalid topic: %w", name, err)
		}
		if seen[name] {
			return nil, fmt.Errorf("region %q listed twice", name)
		}
		seen[name] = true
		regions = append(regions, Region{Name: name, Topic: topic})
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("no regions")
	}
	return regions, nil
}

func formatRegions(regions []Region) string {
	parts := make([]string, len(regions))
	for i, r := range regions {
		parts[i] = fmt.Sprintf("%s:%d", r.Name, r.Topic)
	}
	return strings.Join(parts, ",")
}
