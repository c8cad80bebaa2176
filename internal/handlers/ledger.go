package handlers

import (
	"github.com/coinpanel/backend/internal/database"
	"github.com/coinpanel/backend/internal/middleware"
	"github.com/coinpanel/backend/internal/models"
	"github.com/gofiber/fiber/v2"
)

type LedgerHandler struct{}

func NewLedgerHandler() *LedgerHandler {
	return &LedgerHandler{}
}

// List returns ledger entries. Customers see their own history, staff can
// filter by user.
func (h *LedgerHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 25)
	outcome := c.Query("outcome", "")

	if page < 1 {
		page = 1
	}
	if limit > 100 {
		limit = 100
	}
	offset := (page - 1) * limit

	query := database.DB.Model(&models.LedgerEntry{})

	if user.UserType == models.UserTypeCustomer {
		query = query.Where("user_id = ?", user.ID)
	} else if userID := c.QueryInt("user_id", 0); userID > 0 {
		query = query.Where("user_id = ?", userID)
	}

	if outcome != "" {
		query = query.Where("outcome = ?", outcome)
	}
	if serverID := c.QueryInt("server_id", 0); serverID > 0 {
		query = query.Where("server_id = ?", serverID)
	}

	var total int64
	query.Count(&total)

	var entries []models.LedgerEntry
	query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&entries)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    entries,
		"meta": fiber.Map{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": (total + int64(limit) - 1) / int64(limit),
		},
	})
}

// Balance returns the current user's coin balance
func (h *LedgerHandler) Balance(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	// Read fresh; the context copy may predate a billing tick
	var fresh models.User
	if err := database.DB.Select("coins").First(&fresh, user.ID).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to read balance",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"coins": fresh.Coins,
		},
	})
}
