package middleware

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/coinpanel/backend/internal/database"
	"github.com/coinpanel/backend/internal/models"
	"github.com/gofiber/fiber/v2"
)

// AuditLogger middleware logs API actions to audit log
func AuditLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Skip non-modifying requests
		method := c.Method()
		if method == "GET" || method == "HEAD" || method == "OPTIONS" {
			return c.Next()
		}

		// Skip certain paths
		path := c.Path()
		skipPaths := []string{"/api/auth/login", "/health"}
		for _, skip := range skipPaths {
			if strings.HasPrefix(path, skip) {
				return c.Next()
			}
		}

		user := GetCurrentUser(c)
		ip := c.IP()
		userAgent := c.Get("User-Agent")

		// Capture request body for POST/PUT (to get entity name)
		var requestBody []byte
		if method == "POST" || method == "PUT" || method == "PATCH" {
			requestBody = c.Body()
		}

		// For DELETE, capture entity name BEFORE deletion
		var entityNameBeforeDelete string
		if method == "DELETE" {
			entityType := getEntityTypeFromPath(path)
			entityID := extractIDFromPath(path)
			if entityID != "" {
				entityNameBeforeDelete = getEntityName(entityType, entityID)
			}
		}

		// Execute the request
		err := c.Next()

		// Only log successful responses
		statusCode := c.Response().StatusCode()
		if statusCode >= 200 && statusCode < 400 && user != nil {
			logAuditEntry(user, method, path, ip, userAgent, requestBody, entityNameBeforeDelete)
		}

		return err
	}
}

// extractIDFromPath gets the numeric ID from URL path
func extractIDFromPath(path string) string {
	idRegex := regexp.MustCompile(`/(\d+)(?:/|$)`)
	matches := idRegex.FindStringSubmatch(path)
	if len(matches) > 1 {
		return matches[1]
	}
	return ""
}

func logAuditEntry(user *models.User, method, path, ip, userAgent string, requestBody []byte, preDeleteName string) {
	if user == nil {
		return
	}

	// Determine action based on method and path
	var action models.AuditAction
	switch {
	case strings.Contains(path, "/redeem") || strings.Contains(path, "/earn"):
		action = models.AuditActionRedeem
	case strings.Contains(path, "/balance"):
		action = models.AuditActionAdjust
	case method == "POST":
		action = models.AuditActionCreate
	case method == "PUT" || method == "PATCH":
		action = models.AuditActionUpdate
	case method == "DELETE":
		action = models.AuditActionDelete
	default:
		return
	}

	// Determine entity type from path
	entityType := getEntityTypeFromPath(path)
	if entityType == "" {
		return
	}

	description := generateDescription(action, entityType, path, requestBody, preDeleteName)

	auditLog := models.AuditLog{
		UserID:      user.ID,
		Username:    user.Username,
		UserType:    user.UserType,
		Action:      action,
		EntityType:  entityType,
		Description: description,
		IPAddress:   ip,
		UserAgent:   userAgent,
	}
	database.DB.Create(&auditLog)
}

// generateDescription creates a human-readable description for audit logs
func generateDescription(action models.AuditAction, entityType, path string, requestBody []byte, preDeleteName string) string {
	entityID := extractIDFromPath(path)

	var entityName string
	if action == models.AuditActionDelete && preDeleteName != "" {
		// For deletes, use the pre-captured name
		entityName = preDeleteName
	} else if action == models.AuditActionCreate && len(requestBody) > 0 {
		// For creates, get name from request body
		entityName = getNameFromRequestBody(requestBody)
	} else if entityID != "" {
		// For updates, get from database
		entityName = getEntityName(entityType, entityID)
	}

	actionVerbs := map[models.AuditAction]string{
		models.AuditActionCreate: "Created",
		models.AuditActionUpdate: "Updated",
		models.AuditActionDelete: "Deleted",
		models.AuditActionRedeem: "Redeemed",
		models.AuditActionAdjust: "Adjusted balance for",
	}
	verb := actionVerbs[action]

	// Handle special paths
	if strings.Contains(path, "/redeem") {
		return "Redeemed coupon" + formatEntityName(getNameFromRequestBody(requestBody))
	}
	if strings.Contains(path, "/earn") {
		return "Claimed earn reward"
	}
	if strings.Contains(path, "/balance") {
		return "Adjusted balance for " + entityName
	}
	if strings.Contains(path, "/generate") && entityType == "coupon" {
		return "Generated coupon batch"
	}
	if strings.Contains(path, "/disable") && entityType == "coupon" {
		return "Disabled coupon" + formatEntityName(entityName)
	}

	// Default description
	if entityName != "" {
		return verb + " " + entityType + " \"" + entityName + "\""
	}
	return verb + " " + entityType
}

// getNameFromRequestBody extracts name/username from JSON request body
func getNameFromRequestBody(body []byte) string {
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return ""
	}

	// Try common name fields in order of preference
	nameFields := []string{"name", "username", "code", "title"}
	for _, field := range nameFields {
		if val, ok := data[field]; ok {
			if strVal, ok := val.(string); ok && strVal != "" {
				return strVal
			}
		}
	}
	return ""
}

// getEntityName looks up the entity name from database
func getEntityName(entityType, entityID string) string {
	if entityID == "" {
		return ""
	}

	switch entityType {
	case "server":
		var srv models.Server
		if database.DB.Select("name").First(&srv, entityID).Error == nil {
			return srv.Name
		}
	case "user":
		var user models.User
		if database.DB.Select("username").First(&user, entityID).Error == nil {
			return user.Username
		}
	case "coupon":
		var coupon models.Coupon
		if database.DB.Select("code").First(&coupon, entityID).Error == nil {
			return coupon.Code
		}
	}
	return "#" + entityID
}

// formatEntityName adds quotes around non-empty names
func formatEntityName(name string) string {
	if name == "" || strings.HasPrefix(name, "#") {
		return ""
	}
	return " \"" + name + "\""
}

func getEntityTypeFromPath(path string) string {
	if strings.Contains(path, "/servers") {
		return "server"
	}
	if strings.Contains(path, "/users") {
		return "user"
	}
	if strings.Contains(path, "/coupons") {
		return "coupon"
	}
	if strings.Contains(path, "/earn") {
		return "earn"
	}
	if strings.Contains(path, "/settings") {
		return "settings"
	}
	if strings.Contains(path, "/notifications") {
		return "notification"
	}
	return ""
}
