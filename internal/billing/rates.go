package billing

import (
	"fmt"
	"math"
	"strconv"

	"github.com/coinpanel/backend/internal/database"
	"github.com/coinpanel/backend/internal/models"
	"gorm.io/gorm"
)

// Settings keys for the rate table
const (
	SettingBillingEnabled  = "billing_enabled"
	SettingRateRAMMb       = "rate_ram_mb"
	SettingRateCPUPercent  = "rate_cpu_percent"
	SettingRateDiskMb      = "rate_disk_mb"
	SettingRateDatabase    = "rate_database"
	SettingRateBackup      = "rate_backup"
	SettingRateAllocation  = "rate_allocation"
	SettingGraceHours      = "grace_period_hours"
	SettingMaxCatchupHours = "billing_max_catchup_hours"
)

// Rates is the per-resource cost table in coins per unit-hour plus the billing
// control knobs. The scheduler takes one snapshot per tick; settings changes
// only apply from the next tick.
type Rates struct {
	Enabled bool `json:"enabled"`

	RAMPerMb      float64 `json:"ram_per_mb"`
	CPUPerPercent float64 `json:"cpu_per_percent"`
	DiskPerMb     float64 `json:"disk_per_mb"`
	PerDatabase   float64 `json:"per_database"`
	PerBackup     float64 `json:"per_backup"`
	PerAllocation float64 `json:"per_allocation"`

	GracePeriodHours int `json:"grace_period_hours"`
	MaxCatchupHours  int `json:"max_catchup_hours"`
}

// DefaultRates returns the rate table used before the admin configures one.
// Billing stays off until explicitly enabled.
func DefaultRates() Rates {
	return Rates{
		Enabled:          false,
		GracePeriodHours: 12,
		MaxCatchupHours:  24,
	}
}

// HourlyCost computes the whole-coin cost of running the server for one hour.
// Fractional totals round up so a non-free server never costs zero.
func (r Rates) HourlyCost(s *models.Server) int64 {
	total := float64(s.RAMMb)*r.RAMPerMb +
		float64(s.CPUPercent)*r.CPUPerPercent +
		float64(s.DiskMb)*r.DiskPerMb +
		float64(s.Databases)*r.PerDatabase +
		float64(s.Backups)*r.PerBackup +
		float64(s.Allocations)*r.PerAllocation
	if total <= 0 {
		return 0
	}
	return int64(math.Ceil(total - 1e-9))
}

// Validate rejects rate tables that must never reach the scheduler
func (r Rates) Validate() error {
	rates := map[string]float64{
		SettingRateRAMMb:      r.RAMPerMb,
		SettingRateCPUPercent: r.CPUPerPercent,
		SettingRateDiskMb:     r.DiskPerMb,
		SettingRateDatabase:   r.PerDatabase,
		SettingRateBackup:     r.PerBackup,
		SettingRateAllocation: r.PerAllocation,
	}
	for key, v := range rates {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	if r.GracePeriodHours < 0 {
		return fmt.Errorf("%s must not be negative", SettingGraceHours)
	}
	if r.MaxCatchupHours < 1 {
		return fmt.Errorf("%s must be at least 1", SettingMaxCatchupHours)
	}
	return nil
}

// LoadRates builds a rate table snapshot from system preferences. Missing keys
// keep their defaults so a partially configured install still behaves sanely.
func LoadRates(db *gorm.DB) Rates {
	rates := DefaultRates()

	if database.Redis != nil {
		var cached Rates
		if err := database.CacheGet(database.CacheKeyRates, &cached); err == nil {
			return cached
		}
	}

	var prefs []models.SystemPreference
	keys := []string{
		SettingBillingEnabled, SettingRateRAMMb, SettingRateCPUPercent,
		SettingRateDiskMb, SettingRateDatabase, SettingRateBackup,
		SettingRateAllocation, SettingGraceHours, SettingMaxCatchupHours,
	}
	if err := db.Where("key IN ?", keys).Find(&prefs).Error; err != nil {
		return rates
	}

	for _, pref := range prefs {
		switch pref.Key {
		case SettingBillingEnabled:
			rates.Enabled = pref.Value == "true" || pref.Value == "1"
		case SettingRateRAMMb:
			rates.RAMPerMb = parseRate(pref.Value, rates.RAMPerMb)
		case SettingRateCPUPercent:
			rates.CPUPerPercent = parseRate(pref.Value, rates.CPUPerPercent)
		case SettingRateDiskMb:
			rates.DiskPerMb = parseRate(pref.Value, rates.DiskPerMb)
		case SettingRateDatabase:
			rates.PerDatabase = parseRate(pref.Value, rates.PerDatabase)
		case SettingRateBackup:
			rates.PerBackup = parseRate(pref.Value, rates.PerBackup)
		case SettingRateAllocation:
			rates.PerAllocation = parseRate(pref.Value, rates.PerAllocation)
		case SettingGraceHours:
			if v, err := strconv.Atoi(pref.Value); err == nil && v >= 0 {
				rates.GracePeriodHours = v
			}
		case SettingMaxCatchupHours:
			if v, err := strconv.Atoi(pref.Value); err == nil && v >= 1 {
				rates.MaxCatchupHours = v
			}
		}
	}

	if database.Redis != nil {
		database.CacheSet(database.CacheKeyRates, rates, database.CacheTTLRates)
	}

	return rates
}

func parseRate(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
