package handlers

import (
	"strconv"
	"time"

	"github.com/coinpanel/backend/internal/billing"
	"github.com/coinpanel/backend/internal/database"
	"github.com/coinpanel/backend/internal/middleware"
	"github.com/coinpanel/backend/internal/models"
	"github.com/coinpanel/backend/internal/panel"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

type ServerHandler struct {
	panel  *panel.Client
	ledger *billing.Ledger
}

func NewServerHandler(panelClient *panel.Client, ledger *billing.Ledger) *ServerHandler {
	return &ServerHandler{panel: panelClient, ledger: ledger}
}

// CreateServerReq represents server creation request body
type CreateServerReq struct {
	Name        string `json:"name"`
	RAMMb       int    `json:"ram_mb"`
	CPUPercent  int    `json:"cpu_percent"`
	DiskMb      int    `json:"disk_mb"`
	Databases   int    `json:"databases"`
	Backups     int    `json:"backups"`
	Allocations int    `json:"allocations"`
}

// List returns servers visible to the current user. Customers see their own,
// staff see everything.
func (h *ServerHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	query := database.DB.Model(&models.Server{}).Order("created_at DESC")
	if user.UserType == models.UserTypeCustomer {
		query = query.Where("user_id = ?", user.ID)
	} else {
		query = query.Preload("User")
	}

	var servers []models.Server
	if err := query.Find(&servers).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch servers",
		})
	}

	rates := billing.LoadRates(database.DB)
	costs := make(map[uint]int64, len(servers))
	for i := range servers {
		costs[servers[i].ID] = rates.HourlyCost(&servers[i])
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"servers":      servers,
			"hourly_costs": costs,
		},
	})
}

// Get returns a single server with its current hourly cost
func (h *ServerHandler) Get(c *fiber.Ctx) error {
	server, errResp := h.loadOwned(c)
	if server == nil {
		return errResp
	}

	rates := billing.LoadRates(database.DB)

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"server":      server,
			"hourly_cost": rates.HourlyCost(server),
		},
	})
}

// Create provisions a new server on the panel and starts its billing cycle.
// The user must have a free server slot, stay within resource entitlements and
// hold at least the first hour's cost.
func (h *ServerHandler) Create(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	var req CreateServerReq
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.Name == "" || req.RAMMb <= 0 || req.DiskMb <= 0 || req.CPUPercent <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Name, RAM, CPU and disk are required",
		})
	}
	if req.Allocations <= 0 {
		req.Allocations = 1
	}

	// Check server slot entitlement
	var count int64
	database.DB.Model(&models.Server{}).Where("user_id = ?", user.ID).Count(&count)
	if int(count) >= user.ServerSlots {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"success": false,
			"message": "Server slot limit reached (" + strconv.Itoa(user.ServerSlots) + ")",
		})
	}

	// Check resource entitlements
	if req.Databases > user.DatabaseLimit || req.Backups > user.BackupLimit || req.Allocations > user.AllocationLimit {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"success": false,
			"message": "Requested resources exceed account limits",
		})
	}

	// The first hour is charged on the next billing tick; refuse creation when
	// the balance cannot cover it
	rates := billing.LoadRates(database.DB)
	draft := models.Server{
		RAMMb:       req.RAMMb,
		CPUPercent:  req.CPUPercent,
		DiskMb:      req.DiskMb,
		Databases:   req.Databases,
		Backups:     req.Backups,
		Allocations: req.Allocations,
	}
	hourlyCost := rates.HourlyCost(&draft)
	if user.Coins < hourlyCost {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"success": false,
			"message": "Insufficient coins: this server costs " + strconv.FormatInt(hourlyCost, 10) + " coins per hour",
		})
	}

	// Provision on the panel before creating the local record
	details, err := h.panel.CreateServer(c.Context(), &panel.CreateServerRequest{
		Name:        req.Name,
		OwnerEmail:  user.Email,
		RAMMb:       req.RAMMb,
		CPUPercent:  req.CPUPercent,
		DiskMb:      req.DiskMb,
		Databases:   req.Databases,
		Backups:     req.Backups,
		Allocations: req.Allocations,
	})
	if err != nil {
		log.Printf("Server provisioning failed for user %s: %v", user.Username, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "Provisioning panel rejected the request",
		})
	}

	server := models.Server{
		Name:          req.Name,
		PanelServerID: details.ID,
		UserID:        user.ID,
		RAMMb:         req.RAMMb,
		CPUPercent:    req.CPUPercent,
		DiskMb:        req.DiskMb,
		Databases:     req.Databases,
		Backups:       req.Backups,
		Allocations:   req.Allocations,
		BillingState:  models.BillingStateActive,
		LastChargedAt: time.Now().UTC(),
	}
	if err := database.DB.Create(&server).Error; err != nil {
		// The panel instance exists but the record failed; remove the orphan
		if delErr := h.panel.DeleteServer(c.Context(), details.ID); delErr != nil {
			log.Printf("Failed to clean up orphaned panel server %s: %v", details.ID, delErr)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create server record",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Server created",
		"data": fiber.Map{
			"server":      server,
			"hourly_cost": hourlyCost,
		},
	})
}

// Delete removes a server from the panel and the dashboard
func (h *ServerHandler) Delete(c *fiber.Ctx) error {
	server, errResp := h.loadOwned(c)
	if server == nil {
		return errResp
	}

	// A resume is in flight; deleting now could race the unsuspend call
	if server.BillingState == models.BillingStateResuming {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Server is resuming, try again shortly",
		})
	}

	if err := h.panel.DeleteServer(c.Context(), server.PanelServerID); err != nil {
		log.Printf("Panel delete failed for server %s: %v", server.PanelServerID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "Provisioning panel could not delete the server",
		})
	}

	if err := database.DB.Delete(server).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete server record",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Server deleted",
	})
}

// loadOwned fetches the server from the path param and enforces ownership.
// Returns (nil, response) when the request was already answered.
func (h *ServerHandler) loadOwned(c *fiber.Ctx) (*models.Server, error) {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return nil, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	id, err := strconv.Atoi(c.Params("id"))
	if err != nil || id <= 0 {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid server ID",
		})
	}

	var server models.Server
	if err := database.DB.First(&server, id).Error; err != nil {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Server not found",
		})
	}

	if user.UserType == models.UserTypeCustomer && server.UserID != user.ID {
		return nil, c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"success": false,
			"message": "Access denied",
		})
	}

	return &server, nil
}
