package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for our application
type Config struct {
	Port            string
	Environment     string
	LogLevel        string
	CORSOrigins     []string
	CORSOriginRegex string
	MaxUploadBytes  int64
	Database        DatabaseConfig
	Auth            AuthConfig
	Storage         StorageConfig
	Inference       InferenceConfig
}

// DatabaseConfig holds database connection details
type DatabaseConfig struct {
	Driver        string
	Host          string
	Port          string
	Username      string
	Password      string
	Name          string
	DSN           string
	ApplyPolicies bool
}

// AuthConfig describes how bearer tokens issued by the identity provider are verified.
type AuthConfig struct {
	Mode      string // "jwt" or "remote"
	JWTSecret string
	Audience  string
	Issuer    string
	URL       string
	AnonKey   string
}

// StorageConfig holds object store configuration
type StorageConfig struct {
	Backend        string // "supabase" or "memory"
	URL            string
	ServiceKey     string
	Bucket         string
	SignedURLTTL   time.Duration
	RequestTimeout time.Duration
}

// InferenceConfig holds configuration of the external detection model endpoint
type InferenceConfig struct {
	URL           string
	APIKey        string
	ModelName     string
	Timeout       time.Duration
	RatePerSecond float64
}

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"

	AuthModeJWT    = "jwt"
	AuthModeRemote = "remote"

	StorageSupabase = "supabase"
	StorageMemory   = "memory"
)

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	dbConfig := DatabaseConfig{
		Driver:   getEnv("DB_DRIVER", DriverPostgres),
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnv("DB_PORT", ""),
		Username: getEnv("DB_USERNAME", "postgres"),
		Password: getEnv("DB_PASSWORD", ""),
		Name:     getEnv("DB_NAME", "sediment"),
		DSN:      getEnv("DATABASE_URL", ""),
	}
	applyPolicies, err := strconv.ParseBool(getEnv("DB_APPLY_POLICIES", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_APPLY_POLICIES: %w", err)
	}
	dbConfig.ApplyPolicies = applyPolicies
	if dbConfig.DSN == "" {
		dbConfig.DSN = buildDSN(dbConfig)
	}

	authConfig := AuthConfig{
		Mode:      getEnv("AUTH_MODE", AuthModeJWT),
		JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
		Audience:  getEnv("AUTH_AUDIENCE", "authenticated"),
		Issuer:    getEnv("AUTH_ISSUER", ""),
		URL:       strings.TrimRight(getEnv("AUTH_URL", ""), "/"),
		AnonKey:   getEnv("AUTH_ANON_KEY", ""),
	}

	signedTTL, err := strconv.Atoi(getEnv("STORAGE_SIGNED_URL_TTL_SECONDS", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid STORAGE_SIGNED_URL_TTL_SECONDS: %w", err)
	}
	storageTimeout, err := strconv.Atoi(getEnv("STORAGE_TIMEOUT_SECONDS", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid STORAGE_TIMEOUT_SECONDS: %w", err)
	}
	storageConfig := StorageConfig{
		Backend:        getEnv("STORAGE_BACKEND", StorageSupabase),
		URL:            strings.TrimRight(getEnv("STORAGE_URL", authConfig.URL), "/"),
		ServiceKey:     getEnv("STORAGE_SERVICE_KEY", ""),
		Bucket:         getEnv("STORAGE_BUCKET", "urine-images"),
		SignedURLTTL:   time.Duration(signedTTL) * time.Second,
		RequestTimeout: time.Duration(storageTimeout) * time.Second,
	}

	inferenceTimeout, err := strconv.Atoi(getEnv("INFERENCE_TIMEOUT_SECONDS", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid INFERENCE_TIMEOUT_SECONDS: %w", err)
	}
	inferenceRate, err := strconv.ParseFloat(getEnv("INFERENCE_RATE_PER_SECOND", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid INFERENCE_RATE_PER_SECOND: %w", err)
	}
	inferenceConfig := InferenceConfig{
		URL:           getEnv("INFERENCE_URL", ""),
		APIKey:        getEnv("INFERENCE_API_KEY", ""),
		ModelName:     getEnv("INFERENCE_MODEL_NAME", "best.pt"),
		Timeout:       time.Duration(inferenceTimeout) * time.Second,
		RatePerSecond: inferenceRate,
	}

	maxUpload, err := strconv.ParseInt(getEnv("MAX_UPLOAD_BYTES", "10485760"), 10, 64) // 10 MiB
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_UPLOAD_BYTES: %w", err)
	}

	return &Config{
		Port:            getEnv("PORT", "3001"),
		Environment:     getEnv("ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")),
		CORSOriginRegex: getEnv("CORS_ORIGIN_REGEX", ""),
		MaxUploadBytes:  maxUpload,
		Database:        dbConfig,
		Auth:            authConfig,
		Storage:         storageConfig,
		Inference:       inferenceConfig,
	}, nil
}

// Validate checks that the configuration can actually be served.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
	default:
		return fmt.Errorf("DB_DRIVER must be one of postgres, mysql, sqlite, got %q", c.Database.Driver)
	}

	switch c.Auth.Mode {
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET is required when AUTH_MODE is %q", AuthModeJWT)
		}
	case AuthModeRemote:
		if c.Auth.URL == "" || c.Auth.AnonKey == "" {
			return fmt.Errorf("AUTH_URL and AUTH_ANON_KEY are required when AUTH_MODE is %q", AuthModeRemote)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeJWT, AuthModeRemote, c.Auth.Mode)
	}

	switch c.Storage.Backend {
	case StorageSupabase:
		if c.Storage.URL == "" || c.Storage.ServiceKey == "" {
			return fmt.Errorf("STORAGE_URL and STORAGE_SERVICE_KEY are required for the supabase storage backend")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageSupabase, StorageMemory, c.Storage.Backend)
	}
	if c.Storage.SignedURLTTL <= 0 {
		return fmt.Errorf("STORAGE_SIGNED_URL_TTL_SECONDS must be positive")
	}

	if c.Inference.URL == "" {
		return fmt.Errorf("INFERENCE_URL is required")
	}
	if c.Inference.RatePerSecond <= 0 {
		return fmt.Errorf("INFERENCE_RATE_PER_SECOND must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

// IsDevelopment reports whether the server runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func buildDSN(db DatabaseConfig) string {
	switch db.Driver {
	case DriverMySQL:
		port := db.Port
		if port == "" {
			port = "3306"
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			db.Username, db.Password, db.Host, port, db.Name)
	case DriverSQLite:
		return db.Name + ".db"
	default:
		port := db.Port
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
			db.Host, port, db.Username, db.Password, db.Name)
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Helper function to get environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
