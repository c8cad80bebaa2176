package handlers

import (
	"strconv"

	"github.com/coinpanel/backend/internal/billing"
	"github.com/coinpanel/backend/internal/database"
	"github.com/coinpanel/backend/internal/middleware"
	"github.com/coinpanel/backend/internal/models"
	"github.com/gofiber/fiber/v2"
)

type UserHandler struct {
	ledger  *billing.Ledger
	resumes ResumeQueue
}

func NewUserHandler(ledger *billing.Ledger, resumes ResumeQueue) *UserHandler {
	return &UserHandler{ledger: ledger, resumes: resumes}
}

// List returns all users (admin)
func (h *UserHandler) List(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 25)
	search := c.Query("search", "")

	if page < 1 {
		page = 1
	}
	if limit > 100 {
		limit = 100
	}
	offset := (page - 1) * limit

	query := database.DB.Model(&models.User{})
	if search != "" {
		query = query.Where("username LIKE ? OR email LIKE ?", "%"+search+"%", "%"+search+"%")
	}

	var total int64
	query.Count(&total)

	var users []models.User
	query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&users)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    users,
		"meta": fiber.Map{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": (total + int64(limit) - 1) / int64(limit),
		},
	})
}

// Get returns a single user (admin)
func (h *UserHandler) Get(c *fiber.Ctx) error {
	id := c.Params("id")

	var user models.User
	if err := database.DB.First(&user, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	var serverCount int64
	database.DB.Model(&models.Server{}).Where("user_id = ?", user.ID).Count(&serverCount)

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"user":         user,
			"server_count": serverCount,
		},
	})
}

// Create creates a new user (admin)
func (h *UserHandler) Create(c *fiber.Ctx) error {
	type CreateRequest struct {
		Username        string          `json:"username"`
		Password        string          `json:"password"`
		Email           string          `json:"email"`
		UserType        models.UserType `json:"user_type"`
		Coins           int64           `json:"coins"`
		ServerSlots     int             `json:"server_slots"`
		DatabaseLimit   int             `json:"database_limit"`
		BackupLimit     int             `json:"backup_limit"`
		AllocationLimit int             `json:"allocation_limit"`
	}

	var req CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.Username == "" || len(req.Password) < 6 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Username and a password of at least 6 characters are required",
		})
	}
	if req.Coins < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Coins must not be negative",
		})
	}
	if req.UserType == 0 {
		req.UserType = models.UserTypeCustomer
	}
	if req.ServerSlots <= 0 {
		req.ServerSlots = 1
	}

	hashed, err := HashPassword(req.Password)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to hash password",
		})
	}

	user := models.User{
		Username:            req.Username,
		Password:            hashed,
		Email:               req.Email,
		UserType:            req.UserType,
		IsActive:            true,
		Coins:               req.Coins,
		ServerSlots:         req.ServerSlots,
		DatabaseLimit:       req.DatabaseLimit,
		BackupLimit:         req.BackupLimit,
		AllocationLimit:     req.AllocationLimit,
		ForcePasswordChange: true,
	}

	if err := database.DB.Create(&user).Error; err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Username already exists",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    user,
	})
}

// Update modifies a user's profile and entitlements (admin). The coin balance
// is never updated here; it only moves through the ledger.
func (h *UserHandler) Update(c *fiber.Ctx) error {
	id := c.Params("id")

	var user models.User
	if err := database.DB.First(&user, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	type UpdateRequest struct {
		Email           *string          `json:"email"`
		UserType        *models.UserType `json:"user_type"`
		IsActive        *bool            `json:"is_active"`
		ServerSlots     *int             `json:"server_slots"`
		DatabaseLimit   *int             `json:"database_limit"`
		BackupLimit     *int             `json:"backup_limit"`
		AllocationLimit *int             `json:"allocation_limit"`
	}

	var req UpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	updates := map[string]interface{}{}
	if req.Email != nil {
		updates["email"] = *req.Email
	}
	if req.UserType != nil {
		updates["user_type"] = *req.UserType
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if req.ServerSlots != nil && *req.ServerSlots > 0 {
		updates["server_slots"] = *req.ServerSlots
	}
	if req.DatabaseLimit != nil && *req.DatabaseLimit >= 0 {
		updates["database_limit"] = *req.DatabaseLimit
	}
	if req.BackupLimit != nil && *req.BackupLimit >= 0 {
		updates["backup_limit"] = *req.BackupLimit
	}
	if req.AllocationLimit != nil && *req.AllocationLimit >= 0 {
		updates["allocation_limit"] = *req.AllocationLimit
	}

	if len(updates) > 0 {
		if err := database.DB.Model(&user).Updates(updates).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": "Failed to update user",
			})
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    user,
	})
}

// AdjustBalance credits or debits a user's coins (admin). The change goes
// through the ledger so it is recorded and can never push the balance negative.
func (h *UserHandler) AdjustBalance(c *fiber.Ctx) error {
	admin := middleware.GetCurrentUser(c)
	if admin == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	id, err := strconv.Atoi(c.Params("id"))
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid user ID",
		})
	}

	var req struct {
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil || req.Amount == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Amount must be a non-zero integer",
		})
	}

	var user models.User
	if err := database.DB.First(&user, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	description := "Balance adjusted by " + admin.Username
	if req.Reason != "" {
		description += ": " + req.Reason
	}

	var newBalance int64
	if req.Amount > 0 {
		newBalance, err = h.ledger.Credit(user.ID, req.Amount)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": "Failed to credit balance",
			})
		}
	} else {
		applied, balance, derr := h.ledger.Debit(user.ID, -req.Amount)
		if derr != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": "Failed to debit balance",
			})
		}
		if !applied {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "Debit would push the balance below zero",
			})
		}
		newBalance = balance
	}

	h.ledger.RecordOutcome(user.ID, nil, req.Amount, newBalance,
		models.LedgerOutcomeAdjustment, description)

	// A credit may make suspended servers affordable again
	if req.Amount > 0 && h.resumes != nil {
		h.resumes.EnqueueResume(user.ID)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Balance adjusted",
		"data": fiber.Map{
			"balance": newBalance,
		},
	})
}

// Delete removes a user (admin). Users with servers must delete them first.
func (h *UserHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")

	var user models.User
	if err := database.DB.First(&user, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	var serverCount int64
	database.DB.Model(&models.Server{}).Where("user_id = ?", user.ID).Count(&serverCount)
	if serverCount > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Cannot delete a user with active servers",
		})
	}

	database.DB.Delete(&user)

	return c.JSON(fiber.Map{
		"success": true,
		"message": "User deleted",
	})
}
