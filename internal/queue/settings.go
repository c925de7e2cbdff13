package queue

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

// LoadThrottleThreshold returns the runtime-tunable admission threshold from
// the settings table, falling back to the given default.
func LoadThrottleThreshold(db *gorm.DB, fallback float64) float64 {
	if db == nil {
		return fallback
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var row models.Setting
	errFind := db.WithContext(ctx).Where("key = ?", settings.ThrottleThresholdPercentKey).Take(&row).Error
	if errFind != nil {
		return fallback
	}
	if percent, ok := parsePercent(json.RawMessage(row.Value)); ok {
		return percent
	}
	return fallback
}

func parsePercent(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var parsedFloat float64
	if errUnmarshalFloat := json.Unmarshal(raw, &parsedFloat); errUnmarshalFloat == nil {
		return parsedFloat, parsedFloat > 0 && parsedFloat <= 100
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		parsed, errParse := strconv.ParseFloat(strings.TrimSpace(parsedString), 64)
		if errParse != nil {
			return 0, false
		}
		return parsed, parsed > 0 && parsed <= 100
	}
	return 0, false
}
