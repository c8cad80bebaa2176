package handlers

import (
	"github.com/coinpanel/backend/internal/database"
	"github.com/coinpanel/backend/internal/middleware"
	"github.com/coinpanel/backend/internal/models"
	"github.com/gofiber/fiber/v2"
)

type NotificationHandler struct{}

func NewNotificationHandler() *NotificationHandler {
	return &NotificationHandler{}
}

// List returns the current user's notifications, newest first
func (h *NotificationHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	limit := c.QueryInt("limit", 50)
	if limit > 200 {
		limit = 200
	}

	query := database.DB.Where("user_id = ?", user.ID)
	if c.Query("unread", "") == "true" {
		query = query.Where("is_read = ?", false)
	}

	var notifications []models.Notification
	query.Order("created_at DESC").Limit(limit).Find(&notifications)

	var unread int64
	database.DB.Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", user.ID, false).Count(&unread)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    notifications,
		"meta": fiber.Map{
			"unread": unread,
		},
	})
}

// MarkRead marks a single notification as read
func (h *NotificationHandler) MarkRead(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	id := c.Params("id")
	result := database.DB.Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, user.ID).
		Update("is_read", true)
	if result.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Notification not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Notification marked as read",
	})
}

// MarkAllRead marks every notification for the user as read
func (h *NotificationHandler) MarkAllRead(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	database.DB.Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", user.ID, false).
		Update("is_read", true)

	return c.JSON(fiber.Map{
		"success": true,
		"message": "All notifications marked as read",
	})
}
