package limiter

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/quotaguard/quotaguard/internal/models"
	"github.com/quotaguard/quotaguard/internal/settings"
	"gorm.io/gorm"
)

// SettingsConfig captures submission limit settings stored in the DB.
type SettingsConfig struct {
	Limit         int
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// LoadSettingsConfig loads the current submission limit settings snapshot
// from the settings table.
func LoadSettingsConfig(db *gorm.DB) SettingsConfig {
	cfg := SettingsConfig{
		Limit:       settings.DefaultSubmitLimit,
		RedisPrefix: settings.DefaultSubmitLimitRedisPrefix,
	}
	if db == nil {
		return cfg
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	values := loadSettingValues(ctx, db, []string{
		settings.SubmitLimitKey,
		settings.SubmitLimitRedisEnabledKey,
		settings.SubmitLimitRedisAddrKey,
		settings.SubmitLimitRedisPasswordKey,
		settings.SubmitLimitRedisDBKey,
		settings.SubmitLimitRedisPrefixKey,
	})

	if raw, ok := values[settings.SubmitLimitKey]; ok {
		if limit, okParse := parseNonNegativeInt(raw); okParse {
			cfg.Limit = limit
		}
	}
	if raw, ok := values[settings.SubmitLimitRedisEnabledKey]; ok {
		if enabled, okParse := parseBool(raw); okParse {
			cfg.RedisEnabled = enabled
		}
	}
	if raw, ok := values[settings.SubmitLimitRedisAddrKey]; ok {
		if addr, okParse := parseString(raw); okParse {
			cfg.RedisAddr = addr
		}
	}
	if raw, ok := values[settings.SubmitLimitRedisPasswordKey]; ok {
		if password, okParse := parseString(raw); okParse {
			cfg.RedisPassword = password
		}
	}
	if raw, ok := values[settings.SubmitLimitRedisDBKey]; ok {
		if dbIndex, okParse := parseNonNegativeInt(raw); okParse {
			cfg.RedisDB = dbIndex
		}
	}
	if raw, ok := values[settings.SubmitLimitRedisPrefixKey]; ok {
		if prefix, okParse := parseString(raw); okParse {
			cfg.RedisPrefix = prefix
		}
	}

	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	cfg.RedisPassword = strings.TrimSpace(cfg.RedisPassword)
	cfg.RedisPrefix = strings.TrimSpace(cfg.RedisPrefix)
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = settings.DefaultSubmitLimitRedisPrefix
	}
	if cfg.RedisDB < 0 {
		cfg.RedisDB = 0
	}
	if cfg.Limit < 0 {
		cfg.Limit = 0
	}
	return cfg
}

// loadSettingValues fetches raw JSON values for the given keys.
func loadSettingValues(ctx context.Context, db *gorm.DB, keys []string) map[string]json.RawMessage {
	var rows []models.Setting
	if errFind := db.WithContext(ctx).Where("key IN ?", keys).Find(&rows).Error; errFind != nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		out[row.Key] = json.RawMessage(row.Value)
	}
	return out
}

func parseBool(raw json.RawMessage) (bool, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false, false
	}
	var parsedBool bool
	if errUnmarshalBool := json.Unmarshal(raw, &parsedBool); errUnmarshalBool == nil {
		return parsedBool, true
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		switch strings.ToLower(strings.TrimSpace(parsedString)) {
		case "1", "true", "yes", "y", "on":
			return true, true
		case "0", "false", "no", "n", "off":
			return false, true
		default:
			return false, false
		}
	}
	return false, false
}

func parseString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	var parsedString string
	if errUnmarshal := json.Unmarshal(raw, &parsedString); errUnmarshal == nil {
		return strings.TrimSpace(parsedString), true
	}
	return "", false
}

func parseNonNegativeInt(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var parsedInt int
	if errUnmarshalInt := json.Unmarshal(raw, &parsedInt); errUnmarshalInt == nil {
		return parsedInt, parsedInt >= 0
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(parsedString))
		if errParse != nil {
			return 0, false
		}
		return parsed, parsed >= 0
	}
	return 0, false
}
