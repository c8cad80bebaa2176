package handlers

import (
	"fmt"
	"strconv"

	"github.com/coinpanel/backend/internal/billing"
	"github.com/coinpanel/backend/internal/database"
	"github.com/coinpanel/backend/internal/models"
	"github.com/gofiber/fiber/v2"
)

type SettingsHandler struct{}

func NewSettingsHandler() *SettingsHandler {
	return &SettingsHandler{}
}

// List returns all system preferences as a key/value map
func (h *SettingsHandler) List(c *fiber.Ctx) error {
	type cachedSettings struct {
		Settings map[string]interface{}    `json:"settings"`
		Items    []models.SystemPreference `json:"items"`
	}
	if database.Redis != nil {
		var cached cachedSettings
		if err := database.CacheGet(database.CacheKeySettings, &cached); err == nil {
			return c.JSON(fiber.Map{
				"success": true,
				"data":    cached.Settings,
				"items":   cached.Items,
			})
		}
	}

	var preferences []models.SystemPreference
	database.DB.Order("key").Find(&preferences)

	settings := make(map[string]interface{})
	for _, p := range preferences {
		settings[p.Key] = p.Value
	}

	if database.Redis != nil {
		database.CacheSet(database.CacheKeySettings, cachedSettings{Settings: settings, Items: preferences}, database.CacheTTLSettings)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    settings,
		"items":   preferences,
	})
}

// Get returns a single preference
func (h *SettingsHandler) Get(c *fiber.Ctx) error {
	key := c.Params("key")

	var pref models.SystemPreference
	if err := database.DB.Where("key = ?", key).First(&pref).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Setting not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    pref,
	})
}

// Update updates or creates a preference
func (h *SettingsHandler) Update(c *fiber.Ctx) error {
	type UpdateRequest struct {
		Key       string `json:"key"`
		Value     string `json:"value"`
		ValueType string `json:"value_type"`
	}

	var req UpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.ValueType == "" {
		req.ValueType = "string"
	}

	var pref models.SystemPreference
	result := database.DB.Where("key = ?", req.Key).First(&pref)

	if result.Error != nil {
		pref = models.SystemPreference{
			Key:       req.Key,
			Value:     req.Value,
			ValueType: req.ValueType,
		}
		database.DB.Create(&pref)
	} else {
		database.DB.Model(&pref).Updates(map[string]interface{}{
			"value":      req.Value,
			"value_type": req.ValueType,
		})
	}

	database.InvalidateSettingsCache()

	return c.JSON(fiber.Map{
		"success": true,
		"data":    pref,
	})
}

// GetBillingRates returns the current rate table
func (h *SettingsHandler) GetBillingRates(c *fiber.Ctx) error {
	rates := billing.LoadRates(database.DB)
	return c.JSON(fiber.Map{
		"success": true,
		"data":    rates,
	})
}

// UpdateBillingRates replaces the rate table. The new table is validated as a
// whole before any key is written; the running billing tick keeps its snapshot
// and the new rates apply from the next tick.
func (h *SettingsHandler) UpdateBillingRates(c *fiber.Ctx) error {
	var rates billing.Rates
	if err := c.BodyParser(&rates); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if err := rates.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}

	values := map[string]string{
		billing.SettingBillingEnabled:  strconv.FormatBool(rates.Enabled),
		billing.SettingRateRAMMb:       formatRate(rates.RAMPerMb),
		billing.SettingRateCPUPercent:  formatRate(rates.CPUPerPercent),
		billing.SettingRateDiskMb:      formatRate(rates.DiskPerMb),
		billing.SettingRateDatabase:    formatRate(rates.PerDatabase),
		billing.SettingRateBackup:      formatRate(rates.PerBackup),
		billing.SettingRateAllocation:  formatRate(rates.PerAllocation),
		billing.SettingGraceHours:      strconv.Itoa(rates.GracePeriodHours),
		billing.SettingMaxCatchupHours: strconv.Itoa(rates.MaxCatchupHours),
	}

	for key, value := range values {
		var pref models.SystemPreference
		if err := database.DB.Where("key = ?", key).First(&pref).Error; err != nil {
			pref = models.SystemPreference{Key: key, Value: value, ValueType: "string"}
			if err := database.DB.Create(&pref).Error; err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"success": false,
					"message": "Failed to save setting " + key,
				})
			}
		} else {
			database.DB.Model(&pref).Update("value", value)
		}
	}

	database.InvalidateSettingsCache()

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Billing rates updated",
		"data":    rates,
	})
}

func formatRate(v float64) string {
	return fmt.Sprintf("%g", v)
}
