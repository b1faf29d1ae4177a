package config

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Server configuration
	ServerPort  string
	Environment string

	// Redis configuration, used for cross-instance event fan-out
	RedisAddress string

	// JWT configuration
	JWTSecret string

	// Relay tuning
	ConflictWindow   time.Duration
	PresenceTimeout  time.Duration
	RoomIdleTimeout  time.Duration
	ClientSendBuffer int

	FrontendAddress string
}

// Global application configuration
var AppConfig Config

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	// Find .env file
	envPath := ".env"
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		// Try to find .env in parent directories
		envPath = filepath.Join("..", ".env")
		if _, err := os.Stat(envPath); os.IsNotExist(err) {
			envPath = filepath.Join("..", "..", ".env")
		}
	}

	// Load .env file if it exists
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Warn().Err(err).Msg("error loading .env file")
		}
	}

	// Load configuration from environment variables
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateRandomSecret(32) // Generate a 32-byte random secret if not declared
		log.Info().Msg("generated random JWT secret")
	}

	AppConfig = Config{
		ServerPort:       getEnv("PORT", "8080"),
		Environment:      getEnv("ENV", "development"),
		RedisAddress:     getEnv("REDIS_ADDRESS", "localhost:6379"),
		JWTSecret:        jwtSecret,
		ConflictWindow:   getEnvDuration("CONFLICT_WINDOW", 2*time.Second),
		PresenceTimeout:  getEnvDuration("PRESENCE_TIMEOUT", 90*time.Second),
		RoomIdleTimeout:  getEnvDuration("ROOM_IDLE_TIMEOUT", 5*time.Minute),
		ClientSendBuffer: getEnvInt("CLIENT_SEND_BUFFER", 256),
		FrontendAddress:  getEnv("FRONTEND_ADDRESS", "https://reports.example.com"),
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvDuration parses an environment variable as a duration or
// returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("invalid duration, using default")
		return defaultValue
	}
	return d
}

// getEnvInt parses an environment variable as an integer or returns a
// default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", value).Msg("invalid integer, using default")
		return defaultValue
	}
	return n
}

// generateRandomSecret generates a random secret of the specified length
func generateRandomSecret(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		log.Warn().Err(err).Msg("crypto/rand unavailable, using timestamp secret")
		return time.Now().Format(time.RFC3339Nano)
	}
	secret := make([]byte, length)
	for i, b := range buf {
		secret[i] = charset[int(b)%len(charset)]
	}
	return string(secret)
}
