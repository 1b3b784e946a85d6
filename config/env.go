package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables
const (
	EnvRPCURLs    = "FLASHARB_RPC_URLS" // comma-separated, overrides endpoints
	EnvWSEndpoint = "FLASHARB_WS_URL"
	EnvPrivateKey = "FLASHARB_PRIVATE_KEY" // only required outside simulation
)

// LoadEnv loads environment variables from .env file
func LoadEnv() error {
	return godotenv.Load()
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// applyEnvOverrides lets deployment environments replace the endpoint list
// without editing the YAML tables.
func (c *Config) applyEnvOverrides() {
	if urls := os.Getenv(EnvRPCURLs); urls != "" {
		c.Endpoints = c.Endpoints[:0]
		for i, u := range strings.Split(urls, ",") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			c.Endpoints = append(c.Endpoints, EndpointConfig{URL: u, Priority: i})
		}
	}
	if ws := os.Getenv(EnvWSEndpoint); ws != "" {
		c.WSEndpoint = ws
	}
}
