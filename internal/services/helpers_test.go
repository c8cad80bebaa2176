package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coinpanel/backend/internal/billing"
	"github.com/coinpanel/backend/internal/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// In-memory sqlite: every connection gets its own database
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

type recordingGateway struct {
	suspended   []string
	unsuspended []string
	suspendErr  error
}

func (g *recordingGateway) Suspend(ctx context.Context, panelServerID string) error {
	g.suspended = append(g.suspended, panelServerID)
	return g.suspendErr
}

func (g *recordingGateway) Unsuspend(ctx context.Context, panelServerID string) error {
	g.unsuspended = append(g.unsuspended, panelServerID)
	return nil
}

// seedRates enables billing with a flat RAM rate so a 1000 MB server costs
// ramRatePerGb coins per hour
func seedRates(t *testing.T, db *gorm.DB, ramPerMb float64, graceHours, maxCatchup int) {
	t.Helper()

	prefs := map[string]string{
		billing.SettingBillingEnabled:  "true",
		billing.SettingRateRAMMb:       fmt.Sprintf("%g", ramPerMb),
		billing.SettingGraceHours:      fmt.Sprintf("%d", graceHours),
		billing.SettingMaxCatchupHours: fmt.Sprintf("%d", maxCatchup),
	}
	for key, value := range prefs {
		pref := models.SystemPreference{Key: key, Value: value, ValueType: "string"}
		if err := db.Create(&pref).Error; err != nil {
			t.Fatalf("failed to seed setting %s: %v", key, err)
		}
	}
}

func createUser(t *testing.T, db *gorm.DB, username string, coins int64) *models.User {
	t.Helper()

	user := models.User{
		Username: username,
		Email:    username + "@test.local",
		Password: "x",
		UserType: models.UserTypeCustomer,
		Coins:    coins,
		IsActive: true,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create user %s: %v", username, err)
	}
	return &user
}

func createServer(t *testing.T, db *gorm.DB, userID uint, ramMb int, state models.BillingState, lastCharged time.Time) *models.Server {
	t.Helper()

	server := models.Server{
		Name:          fmt.Sprintf("srv-%d", userID),
		PanelServerID: fmt.Sprintf("panel-%d-%d", userID, time.Now().UnixNano()),
		UserID:        userID,
		RAMMb:         ramMb,
		Allocations:   0,
		BillingState:  state,
		LastChargedAt: lastCharged,
	}
	if err := db.Create(&server).Error; err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return &server
}
