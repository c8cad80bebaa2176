package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coinpanel/backend/internal/database"
	"github.com/coinpanel/backend/internal/models"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB points the package-level database handle at a fresh in-memory
// sqlite. Redis stays nil; every cache helper degrades to the database.
func setupTestDB(t *testing.T) *gorm.DB {
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

	database.DB = db
	t.Cleanup(func() { database.DB = nil })
	return db
}

func createTestUser(t *testing.T, db *gorm.DB, username string, coins int64) *models.User {
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

type fakeResumeQueue struct {
	userIDs []uint
}

func (q *fakeResumeQueue) EnqueueResume(userID uint) {
	q.userIDs = append(q.userIDs, userID)
}

// routeAs builds a one-route app that injects the user the way the auth
// middleware would
func routeAs(user *models.User, method, path string, handler fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Add(method, path, func(c *fiber.Ctx) error {
		c.Locals("user", user)
		c.Locals("userID", user.ID)
		c.Locals("username", user.Username)
		return handler(c)
	})
	return app
}

func jsonRequest(method, path string, body interface{}) *http.Request {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()

	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return payload
}

func balanceOf(t *testing.T, db *gorm.DB, userID uint) int64 {
	t.Helper()

	var user models.User
	if err := db.First(&user, userID).Error; err != nil {
		t.Fatalf("failed to reload user %d: %v", userID, err)
	}
	return user.Coins
}
