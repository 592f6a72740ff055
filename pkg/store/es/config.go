package es

import (
	"fmt"
	"os"
	"strings"
)

// Config holds Elasticsearch connection settings.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
	CACert    string
}

// LoadConfigFromEnv loads Elasticsearch configuration from environment
// variables with validation and sensible defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Addresses: splitAddresses(getEnvOrDefault("ES_ADDRESSES", "http://localhost:9200")),
		Username:  os.Getenv("ES_USERNAME"),
		Password:  os.Getenv("ES_PASSWORD"),
		APIKey:    os.Getenv("ES_API_KEY"),
		CACert:    os.Getenv("ES_CA_CERT"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if len(c.Addresses) == 0 {
		return fmt.Errorf("ES_ADDRESSES is required")
	}
	if c.APIKey != "" && (c.Username != "" || c.Password != "") {
		return fmt.Errorf("ES_API_KEY and ES_USERNAME/ES_PASSWORD are mutually exclusive")
	}
	return nil
}

func splitAddresses(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(a); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
