package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coinpanel/backend/internal/billing"
	"github.com/coinpanel/backend/internal/config"
	"github.com/coinpanel/backend/internal/database"
	"github.com/coinpanel/backend/internal/handlers"
	"github.com/coinpanel/backend/internal/middleware"
	"github.com/coinpanel/backend/internal/models"
	"github.com/coinpanel/backend/internal/panel"
	"github.com/coinpanel/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Persist JWT secret so sessions survive restarts
	cfg.JWTSecret = database.EnsureJWTSecret(cfg)

	// Seed admin user and default billing settings if not exist
	seedAdminUser()
	seedBillingSettings()

	// Provisioning panel client
	panelClient := panel.NewClient(cfg.PanelURL, cfg.PanelAPIKey)

	// Start billing cycle service (hourly charges, grace handling, resumes)
	billingService := services.NewBillingCycleService(database.DB, panelClient, cfg.BillingTickInterval, cfg.BillingWorkers)
	billingService.Start()

	// Start ledger archival service (daily, moves old entries to archive)
	archivalService := services.NewLedgerArchivalService(cfg)
	archivalService.Start()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "CoinPanel API v1.0",
		ServerHeader: "CoinPanel",
		BodyLimit:    10 * 1024 * 1024, // 10MB
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "coinpanel-api",
		})
	})

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(cfg)
	twoFAHandler := handlers.NewTwoFAHandler()
	serverHandler := handlers.NewServerHandler(panelClient, billingService.Ledger())
	couponHandler := handlers.NewCouponHandler(billingService)
	earnHandler := handlers.NewEarnHandler(billingService)
	ledgerHandler := handlers.NewLedgerHandler()
	userHandler := handlers.NewUserHandler(billingService.Ledger(), billingService)
	settingsHandler := handlers.NewSettingsHandler()
	auditHandler := handlers.NewAuditHandler()
	notificationHandler := handlers.NewNotificationHandler()

	// API routes
	api := app.Group("/api")

	// Apply rate limiting to API routes (100 requests per minute by default)
	api.Use(middleware.RateLimiter(100, 1*time.Minute))

	// Public routes
	api.Post("/auth/login", authHandler.Login)

	// Protected routes
	protected := api.Group("", middleware.AuthRequired(cfg), middleware.AuditLogger())

	// Auth routes
	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/auth/me", authHandler.Me)
	protected.Post("/auth/refresh", authHandler.RefreshToken)
	protected.Put("/auth/password", authHandler.ChangePassword)

	// 2FA routes
	protected.Get("/auth/2fa/status", twoFAHandler.Status)
	protected.Post("/auth/2fa/setup", twoFAHandler.Setup)
	protected.Post("/auth/2fa/verify", twoFAHandler.Verify)
	protected.Post("/auth/2fa/disable", twoFAHandler.Disable)

	// Server routes
	servers := protected.Group("/servers")
	servers.Get("/", serverHandler.List)
	servers.Get("/:id", serverHandler.Get)
	servers.Post("/", serverHandler.Create)
	servers.Delete("/:id", serverHandler.Delete)

	// Coupon routes
	coupons := protected.Group("/coupons")
	coupons.Post("/redeem", couponHandler.Redeem)
	coupons.Get("/", middleware.StaffOnly(), couponHandler.List)
	coupons.Get("/batches", middleware.StaffOnly(), couponHandler.GetBatches)
	coupons.Post("/generate", middleware.AdminOnly(), couponHandler.Generate)
	coupons.Post("/:id/disable", middleware.AdminOnly(), couponHandler.Disable)

	// Earn routes
	earn := protected.Group("/earn")
	earn.Get("/status", earnHandler.Status)
	earn.Post("/claim", earnHandler.Claim)

	// Ledger routes
	ledger := protected.Group("/ledger")
	ledger.Get("/", ledgerHandler.List)
	ledger.Get("/balance", ledgerHandler.Balance)

	// Notification routes
	notifications := protected.Group("/notifications")
	notifications.Get("/", notificationHandler.List)
	notifications.Post("/:id/read", notificationHandler.MarkRead)
	notifications.Post("/read-all", notificationHandler.MarkAllRead)

	// User management routes (Admin only)
	users := protected.Group("/users", middleware.AdminOnly())
	users.Get("/", userHandler.List)
	users.Get("/:id", userHandler.Get)
	users.Post("/", userHandler.Create)
	users.Put("/:id", userHandler.Update)
	users.Post("/:id/balance", userHandler.AdjustBalance)
	users.Delete("/:id", userHandler.Delete)

	// Settings routes (Admin only)
	settings := protected.Group("/settings", middleware.AdminOnly())
	settings.Get("/", settingsHandler.List)
	settings.Get("/billing-rates", settingsHandler.GetBillingRates)
	settings.Put("/billing-rates", settingsHandler.UpdateBillingRates)
	settings.Get("/:key", settingsHandler.Get)
	settings.Put("/:key", settingsHandler.Update)

	// Audit log routes (staff)
	audit := protected.Group("/audit", middleware.StaffOnly())
	audit.Get("/", auditHandler.List)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		billingService.Stop()
		archivalService.Stop()
		app.Shutdown()
	}()

	// Start server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("Starting CoinPanel API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func seedAdminUser() {
	var count int64
	database.DB.Model(&models.User{}).Where("user_type = ?", models.UserTypeAdmin).Count(&count)

	if count == 0 {
		log.Println("Creating default admin user...")

		hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)

		admin := models.User{
			Username:            "admin",
			Password:            string(hashedPassword),
			Email:               "admin@coinpanel.local",
			UserType:            models.UserTypeAdmin,
			ForcePasswordChange: true,
			IsActive:            true,
		}

		if err := database.DB.Create(&admin).Error; err != nil {
			log.Printf("Failed to create admin user: %v", err)
		} else {
			log.Println("Admin user created successfully (username: admin, password: admin123)")
		}
	}
}

// seedBillingSettings writes the default rate table on first boot. Billing
// starts disabled until the admin enables it.
func seedBillingSettings() {
	defaults := billing.DefaultRates()
	seed := map[string]string{
		billing.SettingBillingEnabled:  "false",
		billing.SettingRateRAMMb:       "0",
		billing.SettingRateCPUPercent:  "0",
		billing.SettingRateDiskMb:      "0",
		billing.SettingRateDatabase:    "0",
		billing.SettingRateBackup:      "0",
		billing.SettingRateAllocation:  "0",
		billing.SettingGraceHours:      strconv.Itoa(defaults.GracePeriodHours),
		billing.SettingMaxCatchupHours: strconv.Itoa(defaults.MaxCatchupHours),
	}

	for key, value := range seed {
		var pref models.SystemPreference
		if err := database.DB.Where("key = ?", key).First(&pref).Error; err != nil {
			database.DB.Create(&models.SystemPreference{Key: key, Value: value, ValueType: "string"})
		}
	}
}
