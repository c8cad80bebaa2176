package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/coinpanel/backend/internal/billing"
	"github.com/coinpanel/backend/internal/database"
	"github.com/coinpanel/backend/internal/middleware"
	"github.com/coinpanel/backend/internal/models"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ResumeQueue requests a resume check for a user's suspended servers after a
// balance top-up
type ResumeQueue interface {
	EnqueueResume(userID uint)
}

var (
	errCouponExhausted = errors.New("coupon exhausted")
	errAlreadyRedeemed = errors.New("coupon already redeemed")
)

type CouponHandler struct {
	resumes ResumeQueue
}

func NewCouponHandler(resumes ResumeQueue) *CouponHandler {
	return &CouponHandler{resumes: resumes}
}

// List returns all coupons (admin)
func (h *CouponHandler) List(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 25)
	batchID := c.Query("batch_id", "")

	if page < 1 {
		page = 1
	}
	if limit > 100 {
		limit = 100
	}
	offset := (page - 1) * limit

	query := database.DB.Model(&models.Coupon{})
	if batchID != "" {
		query = query.Where("batch_id = ?", batchID)
	}

	var total int64
	query.Count(&total)

	var coupons []models.Coupon
	query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&coupons)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    coupons,
		"meta": fiber.Map{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": (total + int64(limit) - 1) / int64(limit),
		},
	})
}

// Generate generates a batch of coupons (admin)
func (h *CouponHandler) Generate(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	type GenerateRequest struct {
		Count      int    `json:"count"`
		Coins      int64  `json:"coins"`
		MaxUses    int    `json:"max_uses"`
		Prefix     string `json:"prefix"`
		CodeLength int    `json:"code_length"`
		ExpiresAt  string `json:"expires_at"`
	}

	var req GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.Count < 1 || req.Count > 1000 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Count must be between 1 and 1000",
		})
	}
	if req.Coins < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Coins must be at least 1",
		})
	}
	if req.CodeLength < 8 {
		req.CodeLength = 12
	}

	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "expires_at must be RFC3339",
			})
		}
		expiresAt = &parsed
	}

	batchID := "BATCH-" + uuid.NewString()
	coupons := make([]models.Coupon, 0, req.Count)

	for i := 0; i < req.Count; i++ {
		coupon := models.Coupon{
			Code:        generateCode(req.Prefix, req.CodeLength),
			Coins:       req.Coins,
			MaxUses:     req.MaxUses,
			IsActive:    true,
			ExpiresAt:   expiresAt,
			BatchID:     batchID,
			BatchNumber: i + 1,
			CreatedBy:   user.ID,
		}
		coupons = append(coupons, coupon)
	}

	if err := database.DB.Create(&coupons).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to generate coupons",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"batch_id": batchID,
			"count":    len(coupons),
			"coupons":  coupons,
		},
	})
}

// Redeem credits a coupon's coins to the current user. The uses counter
// increment is guarded so an exhausted coupon can never over-grant, and the
// redemption insert hits a unique index so the same user cannot redeem twice.
func (h *CouponHandler) Redeem(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := c.BodyParser(&req); err != nil || req.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Coupon code is required",
		})
	}

	var coupon models.Coupon
	if err := database.DB.Where("code = ?", strings.TrimSpace(req.Code)).First(&coupon).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Invalid coupon code",
		})
	}

	if !coupon.IsActive {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Coupon is not active",
		})
	}
	if coupon.ExpiresAt != nil && coupon.ExpiresAt.Before(time.Now()) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Coupon has expired",
		})
	}

	var newBalance int64
	err := database.DB.Transaction(func(tx *gorm.DB) error {
		// Claim one use; the guard keeps concurrent redeems from exceeding
		// max_uses
		claim := tx.Model(&models.Coupon{}).
			Where("id = ? AND is_active = ? AND (max_uses = 0 OR uses < max_uses)", coupon.ID, true).
			Update("uses", gorm.Expr("uses + 1"))
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			return errCouponExhausted
		}

		redemption := models.CouponRedemption{
			CouponID: coupon.ID,
			UserID:   user.ID,
			Coins:    coupon.Coins,
		}
		if err := tx.Create(&redemption).Error; err != nil {
			// Unique index on (coupon_id, user_id) fired
			return errAlreadyRedeemed
		}

		ledger := billing.NewLedger(tx)
		balance, err := ledger.Credit(user.ID, coupon.Coins)
		if err != nil {
			return err
		}
		newBalance = balance

		return ledger.RecordOutcome(user.ID, nil, coupon.Coins, balance,
			models.LedgerOutcomeCoupon, "Redeemed coupon "+coupon.Code)
	})

	switch {
	case errors.Is(err, errCouponExhausted):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Coupon has no uses remaining",
		})
	case errors.Is(err, errAlreadyRedeemed):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "You have already redeemed this coupon",
		})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to redeem coupon",
		})
	}

	// Balance went up; suspended servers may now be resumable
	if h.resumes != nil {
		h.resumes.EnqueueResume(user.ID)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Coupon redeemed successfully",
		"data": fiber.Map{
			"coins":   coupon.Coins,
			"balance": newBalance,
		},
	})
}

// Disable deactivates a coupon (admin)
func (h *CouponHandler) Disable(c *fiber.Ctx) error {
	id := c.Params("id")

	var coupon models.Coupon
	if err := database.DB.First(&coupon, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Coupon not found",
		})
	}

	database.DB.Model(&coupon).Update("is_active", false)

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Coupon disabled",
	})
}

// GetBatches returns all unique coupon batches (admin)
func (h *CouponHandler) GetBatches(c *fiber.Ctx) error {
	type BatchInfo struct {
		BatchID string `json:"batch_id"`
		Total   int64  `json:"total"`
		Used    int64  `json:"used"`
	}

	var batches []string
	database.DB.Model(&models.Coupon{}).Distinct("batch_id").Pluck("batch_id", &batches)

	result := make([]BatchInfo, 0, len(batches))
	for _, batchID := range batches {
		var total, used int64
		database.DB.Model(&models.Coupon{}).Where("batch_id = ?", batchID).Count(&total)
		database.DB.Model(&models.Coupon{}).Where("batch_id = ? AND uses > 0", batchID).Count(&used)

		result = append(result, BatchInfo{
			BatchID: batchID,
			Total:   total,
			Used:    used,
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    result,
	})
}

func generateCode(prefix string, length int) string {
	bytes := make([]byte, length/2+1)
	rand.Read(bytes)
	code := strings.ToUpper(hex.EncodeToString(bytes))
	if prefix != "" {
		return prefix + "-" + code[:length-len(prefix)-1]
	}
	return code[:length]
}
