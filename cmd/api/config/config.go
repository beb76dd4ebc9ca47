package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                string
	DataDir             string
	JwtSecret           string
	RegistryURL         string
	MaxConcurrentBuilds int
	Builder             string
	DockerBin           string
	LogLevel            string
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		DataDir:             getEnv("DATA_DIR", "/var/lib/provisioner"),
		JwtSecret:           getEnv("JWT_SECRET", ""),
		RegistryURL:         getEnv("REGISTRY_URL", "localhost:8080"),
		MaxConcurrentBuilds: getEnvInt("MAX_CONCURRENT_BUILDS", 2),
		Builder:             getEnv("BUILDER", "docker"),
		DockerBin:           getEnv("DOCKER_BIN", "docker"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
