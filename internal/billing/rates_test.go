package billing

import (
	"strings"
	"testing"

	"github.com/coinpanel/backend/internal/models"
)

func TestHourlyCostRoundsUp(t *testing.T) {
	rates := Rates{
		RAMPerMb:      0.001,
		CPUPerPercent: 0.01,
		DiskPerMb:     0.0001,
	}
	server := &models.Server{RAMMb: 1024, CPUPercent: 100, DiskMb: 5000}

	// 1.024 + 1.0 + 0.5 = 2.524, rounds up to 3
	if got := rates.HourlyCost(server); got != 3 {
		t.Errorf("HourlyCost = %d, want 3", got)
	}
}

func TestHourlyCostExactWhole(t *testing.T) {
	rates := Rates{RAMPerMb: 0.001}
	server := &models.Server{RAMMb: 2000}

	if got := rates.HourlyCost(server); got != 2 {
		t.Errorf("HourlyCost = %d, want 2", got)
	}
}

func TestHourlyCostFreeServer(t *testing.T) {
	rates := Rates{}
	server := &models.Server{RAMMb: 1024, CPUPercent: 100, DiskMb: 5000, Allocations: 1}

	if got := rates.HourlyCost(server); got != 0 {
		t.Errorf("HourlyCost = %d, want 0 for all-zero rates", got)
	}
}

func TestValidateRejectsNegativeRate(t *testing.T) {
	rates := DefaultRates()
	rates.RAMPerMb = -0.5

	err := rates.Validate()
	if err == nil {
		t.Fatal("expected validation error for negative rate")
	}
	if !strings.Contains(err.Error(), SettingRateRAMMb) {
		t.Errorf("error %q does not mention the offending key", err)
	}
}

func TestValidateRejectsZeroCatchup(t *testing.T) {
	rates := DefaultRates()
	rates.MaxCatchupHours = 0

	if rates.Validate() == nil {
		t.Fatal("expected validation error for zero catch-up window")
	}
}

func TestLoadRatesFromSettings(t *testing.T) {
	db := newTestDB(t)

	prefs := []models.SystemPreference{
		{Key: SettingBillingEnabled, Value: "true"},
		{Key: SettingRateRAMMb, Value: "0.002"},
		{Key: SettingGraceHours, Value: "6"},
		{Key: SettingMaxCatchupHours, Value: "48"},
	}
	if err := db.Create(&prefs).Error; err != nil {
		t.Fatalf("failed to seed settings: %v", err)
	}

	rates := LoadRates(db)
	if !rates.Enabled {
		t.Error("expected billing enabled")
	}
	if rates.RAMPerMb != 0.002 {
		t.Errorf("RAMPerMb = %v, want 0.002", rates.RAMPerMb)
	}
	if rates.GracePeriodHours != 6 {
		t.Errorf("GracePeriodHours = %d, want 6", rates.GracePeriodHours)
	}
	if rates.MaxCatchupHours != 48 {
		t.Errorf("MaxCatchupHours = %d, want 48", rates.MaxCatchupHours)
	}
	// Unset keys keep defaults
	if rates.DiskPerMb != 0 {
		t.Errorf("DiskPerMb = %v, want default 0", rates.DiskPerMb)
	}
}

func TestLoadRatesDefaultsWhenUnconfigured(t *testing.T) {
	db := newTestDB(t)

	rates := LoadRates(db)
	if rates.Enabled {
		t.Error("billing must default to disabled")
	}
	if rates.GracePeriodHours != 12 {
		t.Errorf("GracePeriodHours = %d, want 12", rates.GracePeriodHours)
	}
}
