package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// JWT
	JWTSecret      string
	JWTExpireHours int

	// API
	APIPort int

	// Provisioning panel
	PanelURL    string
	PanelAPIKey string

	// Billing
	BillingTickInterval time.Duration
	BillingWorkers      int

	// Ledger archival
	LedgerRetentionDays int
	FTPHost             string
	FTPPort             int
	FTPUser             string
	FTPPassword         string
	FTPDir              string
}

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a hostname-based value if crypto/rand fails
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

func Load() *Config {
	// JWT Secret - generate random if not provided
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateSecureSecret(32) // 64 character hex string
		log.Println("WARNING: JWT_SECRET not set - generated random secret. Sessions will not persist across restarts.")
	}

	// Database password - warn if using default
	dbPassword := getEnv("DB_PASSWORD", "")
	if dbPassword == "" {
		log.Println("WARNING: DB_PASSWORD not set - this is insecure for production!")
		dbPassword = "changeme"
	}

	// Redis password - warn if using default
	redisPassword := getEnv("REDIS_PASSWORD", "")
	if redisPassword == "" {
		log.Println("WARNING: REDIS_PASSWORD not set - Redis is not secured!")
	}

	// Panel API key is required for any server lifecycle operation
	panelAPIKey := getEnv("PANEL_API_KEY", "")
	if panelAPIKey == "" {
		log.Println("WARNING: PANEL_API_KEY not set - provisioning panel calls will fail!")
	}

	return &Config{
		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "coinpanel"),
		DBPassword: dbPassword,
		DBName:     getEnv("DB_NAME", "coinpanel"),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: redisPassword,

		// JWT
		JWTSecret:      jwtSecret,
		JWTExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 168), // 7 days default

		// API
		APIPort: getEnvInt("API_PORT", 8080),

		// Provisioning panel
		PanelURL:    getEnv("PANEL_URL", "http://localhost:8000"),
		PanelAPIKey: panelAPIKey,

		// Billing
		BillingTickInterval: time.Duration(getEnvInt("BILLING_TICK_MINUTES", 60)) * time.Minute,
		BillingWorkers:      getEnvInt("BILLING_WORKERS", 8),

		// Ledger archival
		LedgerRetentionDays: getEnvInt("LEDGER_RETENTION_DAYS", 90),
		FTPHost:             getEnv("FTP_HOST", ""),
		FTPPort:             getEnvInt("FTP_PORT", 21),
		FTPUser:             getEnv("FTP_USER", ""),
		FTPPassword:         getEnv("FTP_PASSWORD", ""),
		FTPDir:              getEnv("FTP_DIR", "/ledger-exports"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
