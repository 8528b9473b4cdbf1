package config

import (
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hub-otp/internal/domain"
	"github.com/samber/lo"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	AppPort   string
	AppEnv    string
	LogLevel  string
	LogFormat string

	HubAppID      string
	OTPHMACSecret string
	OTP           OTPPolicy

	StoreBackend   string // "memory" | "redis" | "dynamo"
	StoreTimeout   time.Duration
	RedisURL       string
	DynamoTables   DynamoTables
	AWSRegion      string
	AWSEndpointURL string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string
	AWSSecretKey   string

	DeliveryChannel  string // "whatsapp" | "sms"
	DeliveryTimeout  time.Duration
	MessageBrand     string
	GreenAPIBase     string
	GreenAPIInstance string
	GreenAPIToken    string
	SNSRegion        string
	SNSSenderID      string

	HubBackendURL     string
	HubBackendTimeout time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTExpiry         time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string // CORS allowed origins
	TrustedProxies []string // IPs or CIDRs whose forwarding headers are honoured
}

// OTPPolicy is the issuance/verification policy.
type OTPPolicy struct {
	Length      int
	TTL         time.Duration
	MaxAttempts int
	Cooldown    time.Duration
}

// DynamoTables holds the DynamoDB table names used by the dynamo store.
type DynamoTables struct {
	OTPRecords   string
	OTPCooldowns string
}

// Load reads all configuration from environment variables.
func Load() *Config {
	return &Config{
		AppPort:   getEnv("APP_PORT", "3000"),
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		HubAppID:      getEnv("HUB_APP_ID", "HUB"),
		OTPHMACSecret: getEnv("OTP_HMAC_SECRET", ""),
		OTP: OTPPolicy{
			Length:      getEnvInt("OTP_LENGTH", 4),
			TTL:         getEnvDuration("OTP_TTL", 10*time.Minute),
			MaxAttempts: getEnvInt("OTP_MAX_ATTEMPTS", 5),
			Cooldown:    getEnvDuration("OTP_COOLDOWN", 30*time.Second),
		},

		StoreBackend: getEnv("OTP_STORE", "memory"),
		StoreTimeout: getEnvDuration("STORE_TIMEOUT", 10*time.Second),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379/0"),
		DynamoTables: DynamoTables{
			OTPRecords:   getEnv("DYNAMO_TABLE_OTP_RECORDS", "otp_records"),
			OTPCooldowns: getEnv("DYNAMO_TABLE_OTP_COOLDOWNS", "otp_cooldowns"),
		},
		AWSRegion:      getEnv("AWS_REGION", "me-south-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),

		DeliveryChannel:  getEnv("DELIVERY_CHANNEL", "whatsapp"),
		DeliveryTimeout:  getEnvDuration("DELIVERY_TIMEOUT", 15*time.Second),
		MessageBrand:     getEnv("MESSAGE_BRAND", "NahlHub"),
		GreenAPIBase:     getEnv("GREENAPI_API_BASE", "https://api.green-api.com"),
		GreenAPIInstance: getEnv("GREENAPI_INSTANCE_ID", ""),
		GreenAPIToken:    getEnv("GREENAPI_TOKEN", ""),
		SNSRegion:        getEnv("SNS_REGION", "me-south-1"),
		SNSSenderID:      getEnv("SNS_SENDER_ID", ""),

		HubBackendURL:     getEnv("HUB_BACKEND_URL", ""),
		HubBackendTimeout: getEnvDuration("HUB_BACKEND_TIMEOUT", 15*time.Second),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "otp-events"),

		JWTPrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", "./private_key.pem"),
		JWTPublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", "./public_key.pem"),
		JWTExpiry:         getEnvDuration("JWT_EXPIRY", 15*time.Minute),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 10),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
		TrustedProxies: splitList(getEnv("TRUSTED_PROXIES", "")),
	}
}

// Validate reports configuration that makes the service unable to run safely.
// Every failure is a domain ConfigError and must abort startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OTPHMACSecret) == "" {
		return domain.ConfigError("missing required environment variable: OTP_HMAC_SECRET")
	}
	if c.OTP.Length < 4 || c.OTP.Length > 10 {
		return domain.ConfigError("OTP_LENGTH must be between 4 and 10")
	}
	if c.OTP.TTL <= 0 {
		return domain.ConfigError("OTP_TTL must be positive")
	}
	if c.OTP.MaxAttempts < 1 {
		return domain.ConfigError("OTP_MAX_ATTEMPTS must be at least 1")
	}
	if c.OTP.Cooldown < 0 {
		return domain.ConfigError("OTP_COOLDOWN must not be negative")
	}
	switch c.StoreBackend {
	case "memory", "redis", "dynamo":
	default:
		return domain.ConfigError("OTP_STORE must be one of memory, redis, dynamo")
	}
	switch c.DeliveryChannel {
	case "whatsapp":
		if c.GreenAPIInstance == "" || c.GreenAPIToken == "" {
			return domain.ConfigError("GREENAPI_INSTANCE_ID and GREENAPI_TOKEN are required for whatsapp delivery")
		}
	case "sms":
	default:
		return domain.ConfigError("DELIVERY_CHANNEL must be one of whatsapp, sms")
	}
	for _, p := range c.TrustedProxies {
		if !validProxy(p) {
			return domain.ConfigError("TRUSTED_PROXIES entry is not an IP or CIDR: " + p)
		}
	}
	return nil
}

func validProxy(s string) bool {
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitList(s string) []string {
	parts := lo.Compact(lo.Map(strings.Split(s, ","), func(p string, _ int) string {
		return strings.TrimSpace(p)
	}))
	if len(parts) == 0 {
		return nil
	}
	return parts
}
