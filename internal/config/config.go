// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// M-Pesa rail credentials
	MpesaBaseURL            string
	MpesaConsumerKey        string
	MpesaConsumerSecret     string
	MpesaShortCode          string
	MpesaPasskey            string
	MpesaInitiatorName      string
	MpesaSecurityCredential string
	CallbackBaseURL         string // public base URL the rail posts callbacks to

	// Escrow policy
	AutoReleaseWindow   time.Duration // SHIPPED → COMPLETED grace period
	AutoRefundWindow    time.Duration // HELD unshipped → REFUNDED
	PendingExpiry       time.Duration // PENDING → EXPIRED
	MaxTxnAmount        string        // decimal KES, parsed by money.Parse
	MinSellerRating     float64       // sellers below this cannot receive new escrows
	PlatformFeeBps      int64         // commission taken from seller payouts, basis points
	PayoutStuckAfter    time.Duration // pending payouts older than this degrade health
	CleanupRetention    time.Duration // terminal transactions older than this are purged
	FlagReviewRetention time.Duration // reviewed fraud flags older than this are purged

	// Fraud thresholds
	BuyerDisputeLimit  int
	BuyerDisputeWindow time.Duration
	SellerMinTxns      int
	SellerDisputeRate  float64
	SellerWindow       time.Duration
	BuyerRefundLimit   int
	BuyerRefundWindow  time.Duration

	// Scheduler intervals
	AutoReleaseInterval time.Duration
	AutoRefundInterval  time.Duration
	ExpireInterval      time.Duration
	ReminderInterval    time.Duration
	RatingInterval      time.Duration
	FraudScanInterval   time.Duration
	PayoutRetryInterval time.Duration
	CleanupInterval     time.Duration

	// Notifications
	NotifyGatewayURL    string
	NotifySigningSecret string

	// Access control
	AdminIDs          []string // subjects granted the admin role
	AdminBootstrapKey string   // raw API key seeded for the first admin

	// Command throttling
	RateLimitCreatePerMin  int
	RateLimitDisputePerHr  int

	// Tracing
	OTLPEndpoint string
}

// Defaults mirror the policy the marketplace launched with.
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultMpesaBaseURL     = "https://sandbox.safaricom.co.ke"
	DefaultAutoReleaseDays  = 7
	DefaultAutoRefundDays   = 3
	DefaultPendingExpiryHrs = 24
	DefaultMaxTxnAmount     = "500000" // KES
	DefaultMinSellerRating  = 0.5
	DefaultPlatformFeeBps   = 150 // 1.5%
	DefaultPayoutStuckDays  = 7
	DefaultRetentionDays    = 90
	DefaultFlagRetentionDays = 30
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", DefaultPort),
		Env:       getEnv("ENVIRONMENT", DefaultEnv),
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", DefaultLogFormat),

		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		MpesaBaseURL:            getEnv("MPESA_BASE_URL", DefaultMpesaBaseURL),
		MpesaConsumerKey:        os.Getenv("MPESA_CONSUMER_KEY"),
		MpesaConsumerSecret:     os.Getenv("MPESA_CONSUMER_SECRET"),
		MpesaShortCode:          os.Getenv("MPESA_SHORTCODE"),
		MpesaPasskey:            os.Getenv("MPESA_PASSKEY"),
		MpesaInitiatorName:      os.Getenv("MPESA_INITIATOR_NAME"),
		MpesaSecurityCredential: os.Getenv("MPESA_SECURITY_CREDENTIAL"),
		CallbackBaseURL:         os.Getenv("MPESA_CALLBACK_BASE_URL"),

		AutoReleaseWindow:   days(getEnvInt("ESCROW_AUTO_RELEASE_DAYS", DefaultAutoReleaseDays)),
		AutoRefundWindow:    days(getEnvInt("ESCROW_AUTO_REFUND_DAYS", DefaultAutoRefundDays)),
		PendingExpiry:       time.Duration(getEnvInt("ESCROW_PENDING_EXPIRY_HOURS", DefaultPendingExpiryHrs)) * time.Hour,
		MaxTxnAmount:        getEnv("ESCROW_MAX_AMOUNT", DefaultMaxTxnAmount),
		MinSellerRating:     getEnvFloat("ESCROW_MIN_SELLER_RATING", DefaultMinSellerRating),
		PlatformFeeBps:      int64(getEnvInt("PLATFORM_FEE_BPS", DefaultPlatformFeeBps)),
		PayoutStuckAfter:    days(getEnvInt("PAYOUT_STUCK_AFTER_DAYS", DefaultPayoutStuckDays)),
		CleanupRetention:    days(getEnvInt("CLEANUP_RETENTION_DAYS", DefaultRetentionDays)),
		FlagReviewRetention: days(getEnvInt("FLAG_REVIEW_RETENTION_DAYS", DefaultFlagRetentionDays)),

		BuyerDisputeLimit:  getEnvInt("FRAUD_BUYER_DISPUTE_LIMIT", 3),
		BuyerDisputeWindow: days(getEnvInt("FRAUD_BUYER_DISPUTE_WINDOW_DAYS", 30)),
		SellerMinTxns:      getEnvInt("FRAUD_SELLER_MIN_TXNS", 5),
		SellerDisputeRate:  getEnvFloat("FRAUD_SELLER_DISPUTE_RATE", 0.30),
		SellerWindow:       days(getEnvInt("FRAUD_SELLER_WINDOW_DAYS", 60)),
		BuyerRefundLimit:   getEnvInt("FRAUD_BUYER_REFUND_LIMIT", 3),
		BuyerRefundWindow:  days(getEnvInt("FRAUD_BUYER_REFUND_WINDOW_DAYS", 14)),

		AutoReleaseInterval: getEnvDuration("JOB_AUTO_RELEASE_INTERVAL", time.Hour),
		AutoRefundInterval:  getEnvDuration("JOB_AUTO_REFUND_INTERVAL", 6*time.Hour),
		ExpireInterval:      getEnvDuration("JOB_EXPIRE_INTERVAL", time.Hour),
		ReminderInterval:    getEnvDuration("JOB_REMINDER_INTERVAL", 12*time.Hour),
		RatingInterval:      getEnvDuration("JOB_RATING_INTERVAL", 24*time.Hour),
		FraudScanInterval:   getEnvDuration("JOB_FRAUD_INTERVAL", 24*time.Hour),
		PayoutRetryInterval: getEnvDuration("JOB_PAYOUT_RETRY_INTERVAL", 15*time.Minute),
		CleanupInterval:     getEnvDuration("JOB_CLEANUP_INTERVAL", 168*time.Hour),

		NotifyGatewayURL:    os.Getenv("NOTIFY_GATEWAY_URL"),
		NotifySigningSecret: os.Getenv("NOTIFY_SIGNING_SECRET"),

		AdminIDs:          splitList(os.Getenv("ADMIN_IDS")),
		AdminBootstrapKey: os.Getenv("ADMIN_BOOTSTRAP_KEY"),

		RateLimitCreatePerMin: getEnvInt("RATE_LIMIT_CREATE_PER_MIN", 10),
		RateLimitDisputePerHr: getEnvInt("RATE_LIMIT_DISPUTE_PER_HOUR", 3),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AutoReleaseWindow <= 0 || c.AutoRefundWindow <= 0 || c.PendingExpiry <= 0 {
		return fmt.Errorf("escrow windows must be positive")
	}
	if c.SellerDisputeRate <= 0 || c.SellerDisputeRate >= 1 {
		return fmt.Errorf("FRAUD_SELLER_DISPUTE_RATE must be between 0 and 1")
	}
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps >= 10_000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 9999")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.MpesaConsumerKey == "" || c.MpesaConsumerSecret == "" {
			return fmt.Errorf("MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET are required in production")
		}
		if c.MpesaShortCode == "" || c.MpesaPasskey == "" {
			return fmt.Errorf("MPESA_SHORTCODE and MPESA_PASSKEY are required in production")
		}
		if c.CallbackBaseURL == "" {
			return fmt.Errorf("MPESA_CALLBACK_BASE_URL is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// IsAdmin reports whether the subject is on the configured admin list.
func (c *Config) IsAdmin(subjectID string) bool {
	for _, id := range c.AdminIDs {
		if id == subjectID {
			return true
		}
	}
	return false
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
