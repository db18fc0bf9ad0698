package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port              string
	DBConn            string
	LogLevel          string
	JWTSecret         string
	BusinessTimezone  string
	StorageDir        string
	PublicBaseURL     string
	ReceiptIssuer     string
	SweepSchedule     string
	SweepUserID       int64
	LateFeeTierPolicy string
	SMTPHost          string
	SMTPPort          string
	SMTPUsername      string
	SMTPPassword      string
	SenderEmail       string
	UploadRateLimit   float64 // proof uploads per second per client
	UploadBurst       int
}

// NewConfig loads configuration from environment variables, after an optional .env file
func NewConfig() (*Config, error) {
	// a missing .env is fine, the environment wins either way
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DBConn:            getEnv("DB_CONN", "host=localhost port=5436 user=test password=test dbname=loans sslmode=disable"),
		LogLevel:          getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:         getEnv("JWT_SECRET", "secret"),
		BusinessTimezone:  getEnv("BUSINESS_TIMEZONE", "America/Lima"),
		StorageDir:        getEnv("STORAGE_DIR", "./data"),
		PublicBaseURL:     getEnv("PUBLIC_BASE_URL", "http://localhost:8080/files"),
		ReceiptIssuer:     getEnv("RECEIPT_ISSUER", "Loan Service"),
		SweepSchedule:     getEnv("SWEEP_SCHEDULE", "5 0 * * *"),
		LateFeeTierPolicy: getEnv("LATE_FEE_TIER_POLICY", "zero"),
		SMTPHost:          getEnv("SMTP_HOST", ""),
		SMTPPort:          getEnv("SMTP_PORT", "587"),
		SMTPUsername:      getEnv("SMTP_USERNAME", ""),
		SMTPPassword:      getEnv("SMTP_PASSWORD", ""),
		SenderEmail:       getEnv("SENDER_EMAIL", "no-reply@localhost"),
	}

	var err error
	if cfg.SweepUserID, err = strconv.ParseInt(getEnv("SWEEP_USER_ID", "1"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid SWEEP_USER_ID: %w", err)
	}
	if cfg.UploadRateLimit, err = strconv.ParseFloat(getEnv("UPLOAD_RATE_LIMIT", "0.2"), 64); err != nil {
		return nil, fmt.Errorf("invalid UPLOAD_RATE_LIMIT: %w", err)
	}
	if cfg.UploadBurst, err = strconv.Atoi(getEnv("UPLOAD_BURST", "3")); err != nil {
		return nil, fmt.Errorf("invalid UPLOAD_BURST: %w", err)
	}

	if cfg.DBConn == "" {
		return nil, fmt.Errorf("DB_CONN is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.StorageDir == "" {
		return nil, fmt.Errorf("STORAGE_DIR is required")
	}

	return cfg, nil
}

// SMTPEnabled reports whether overdue notices can be mailed
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}
