package handlers

import (
	"time"

	"github.com/coinpanel/backend/internal/billing"
	"github.com/coinpanel/backend/internal/database"
	"github.com/coinpanel/backend/internal/middleware"
	"github.com/coinpanel/backend/internal/models"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type EarnHandler struct {
	resumes ResumeQueue
}

func NewEarnHandler(resumes ResumeQueue) *EarnHandler {
	return &EarnHandler{resumes: resumes}
}

func earnRewardCoins() int64 {
	return int64(getSecuritySetting("earn_reward_coins", 1))
}

func earnCooldown() time.Duration {
	minutes := getSecuritySetting("earn_cooldown_minutes", 60)
	if minutes < 1 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

// Status returns whether the user can claim now and when the next window opens
func (h *EarnHandler) Status(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	cooldown := earnCooldown()
	window := time.Now().UTC().Truncate(cooldown)

	var claim models.EarnClaim
	claimed := database.DB.Where("user_id = ? AND window_start = ?", user.ID, window).
		First(&claim).Error == nil

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"can_claim":   !claimed,
			"reward":      earnRewardCoins(),
			"next_window": window.Add(cooldown),
		},
	})
}

// Claim grants the earn reward once per cooldown window. The claim row insert
// hits a unique index on (user_id, window_start) so concurrent claims in the
// same window collapse to one grant.
func (h *EarnHandler) Claim(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	reward := earnRewardCoins()
	cooldown := earnCooldown()
	window := time.Now().UTC().Truncate(cooldown)

	var newBalance int64
	err := database.DB.Transaction(func(tx *gorm.DB) error {
		claim := models.EarnClaim{
			UserID:      user.ID,
			WindowStart: window,
			Coins:       reward,
		}
		if err := tx.Create(&claim).Error; err != nil {
			return errAlreadyRedeemed
		}

		ledger := billing.NewLedger(tx)
		balance, err := ledger.Credit(user.ID, reward)
		if err != nil {
			return err
		}
		newBalance = balance

		return ledger.RecordOutcome(user.ID, nil, reward, balance,
			models.LedgerOutcomeEarn, "Earn reward claimed")
	})

	if err == errAlreadyRedeemed {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Already claimed. Next window opens at " + window.Add(cooldown).Format(time.RFC3339),
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to claim reward",
		})
	}

	if h.resumes != nil {
		h.resumes.EnqueueResume(user.ID)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Reward claimed",
		"data": fiber.Map{
			"coins":       reward,
			"balance":     newBalance,
			"next_window": window.Add(cooldown),
		},
	})
}
