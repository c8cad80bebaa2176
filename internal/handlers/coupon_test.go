package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/coinpanel/backend/internal/models"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

func createCoupon(t *testing.T, db *gorm.DB, code string, coins int64, maxUses int) *models.Coupon {
	t.Helper()

	coupon := models.Coupon{
		Code:     code,
		Coins:    coins,
		MaxUses:  maxUses,
		IsActive: true,
		BatchID:  "BATCH-TEST",
	}
	if err := db.Create(&coupon).Error; err != nil {
		t.Fatalf("failed to create coupon: %v", err)
	}
	return &coupon
}

func TestRedeemCreditsBalanceAndQueuesResume(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "redeemer", 5)
	createCoupon(t, db, "WELCOME10", 10, 0)

	queue := &fakeResumeQueue{}
	h := NewCouponHandler(queue)
	app := routeAs(user, http.MethodPost, "/redeem", h.Redeem)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/redeem", map[string]string{"code": "WELCOME10"}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := balanceOf(t, db, user.ID); got != 15 {
		t.Errorf("balance = %d, want 15", got)
	}
	if len(queue.userIDs) != 1 || queue.userIDs[0] != user.ID {
		t.Errorf("resume queue got %v, want one entry for user %d", queue.userIDs, user.ID)
	}

	var entry models.LedgerEntry
	if err := db.Where("user_id = ? AND outcome = ?", user.ID, models.LedgerOutcomeCoupon).First(&entry).Error; err != nil {
		t.Fatal("no coupon ledger entry recorded")
	}
	if entry.Amount != 10 || entry.Balance != 15 {
		t.Errorf("ledger entry amount=%d balance=%d, want 10 and 15", entry.Amount, entry.Balance)
	}
}

func TestRedeemSameCouponTwiceIsRejected(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "greedy", 0)
	createCoupon(t, db, "ONCE", 10, 0)

	h := NewCouponHandler(&fakeResumeQueue{})
	app := routeAs(user, http.MethodPost, "/redeem", h.Redeem)
	body := map[string]string{"code": "ONCE"}

	resp, err := app.Test(jsonRequest(http.MethodPost, "/redeem", body))
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first redeem status = %d, want 200", resp.StatusCode)
	}

	resp, err = app.Test(jsonRequest(http.MethodPost, "/redeem", body))
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("second redeem status = %d, want 400", resp.StatusCode)
	}

	if got := balanceOf(t, db, user.ID); got != 10 {
		t.Errorf("balance = %d, want 10 (credited exactly once)", got)
	}

	// The failed attempt must not burn a use
	var coupon models.Coupon
	db.Where("code = ?", "ONCE").First(&coupon)
	if coupon.Uses != 1 {
		t.Errorf("uses = %d, want 1", coupon.Uses)
	}
}

func TestRedeemExhaustedCoupon(t *testing.T) {
	db := setupTestDB(t)
	first := createTestUser(t, db, "first", 0)
	second := createTestUser(t, db, "second", 0)
	createCoupon(t, db, "SCARCE", 5, 1)

	h := NewCouponHandler(&fakeResumeQueue{})
	body := map[string]string{"code": "SCARCE"}

	app := routeAs(first, http.MethodPost, "/redeem", h.Redeem)
	resp, err := app.Test(jsonRequest(http.MethodPost, "/redeem", body))
	if err != nil {
		t.Fatalf("first user's request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first user's redeem status = %d, want 200", resp.StatusCode)
	}

	app = routeAs(second, http.MethodPost, "/redeem", h.Redeem)
	resp, err = app.Test(jsonRequest(http.MethodPost, "/redeem", body))
	if err != nil {
		t.Fatalf("second user's request failed: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("redeem of exhausted coupon status = %d, want 400", resp.StatusCode)
	}

	if got := balanceOf(t, db, second.ID); got != 0 {
		t.Errorf("second user's balance = %d, want 0", got)
	}
}

func TestRedeemExpiredCoupon(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "late", 0)

	expired := time.Now().Add(-time.Hour)
	coupon := createCoupon(t, db, "OLD", 5, 0)
	db.Model(coupon).Update("expires_at", expired)

	h := NewCouponHandler(&fakeResumeQueue{})
	app := routeAs(user, http.MethodPost, "/redeem", h.Redeem)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/redeem", map[string]string{"code": "OLD"}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for expired coupon", resp.StatusCode)
	}
	if got := balanceOf(t, db, user.ID); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestRedeemUnknownCode(t *testing.T) {
	db := setupTestDB(t)
	user := createTestUser(t, db, "guesser", 0)

	h := NewCouponHandler(&fakeResumeQueue{})
	app := routeAs(user, http.MethodPost, "/redeem", h.Redeem)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/redeem", map[string]string{"code": "NOPE"}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGenerateWithoutUserContext(t *testing.T) {
	setupTestDB(t)

	h := NewCouponHandler(&fakeResumeQueue{})
	app := fiber.New()
	app.Post("/generate", h.Generate)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/generate", map[string]interface{}{
		"count": 1,
		"coins": 5,
	}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without an authenticated user", resp.StatusCode)
	}
}

func TestGenerateCreatesBatch(t *testing.T) {
	db := setupTestDB(t)
	admin := createTestUser(t, db, "admin", 0)
	admin.UserType = models.UserTypeAdmin
	db.Save(admin)

	h := NewCouponHandler(&fakeResumeQueue{})
	app := routeAs(admin, http.MethodPost, "/generate", h.Generate)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/generate", map[string]interface{}{
		"count":    5,
		"coins":    25,
		"max_uses": 1,
		"prefix":   "GIFT",
	}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var coupons []models.Coupon
	db.Find(&coupons)
	if len(coupons) != 5 {
		t.Fatalf("coupons created = %d, want 5", len(coupons))
	}
	seen := map[string]bool{}
	for _, coupon := range coupons {
		if coupon.Coins != 25 || coupon.MaxUses != 1 || !coupon.IsActive {
			t.Errorf("coupon %s = %+v, want 25 coins, 1 use, active", coupon.Code, coupon)
		}
		if seen[coupon.Code] {
			t.Errorf("duplicate code %s in batch", coupon.Code)
		}
		seen[coupon.Code] = true
	}
}
