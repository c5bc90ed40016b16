package mediastore

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// AccountConfig is one account's credential tuple, as loaded from
// environment configuration (never hard-coded).
type AccountConfig struct {
	Name      string `json:"name"`
	CloudName string `json:"cloud_name"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// LoadAccountConfigs resolves the account pool from environment variables:
// a JSON array variable first; failing that, indexed variables
// CLOUDINARY_{1..10}_*; failing that, a single legacy triple.
func LoadAccountConfigs(jsonVar string) ([]AccountConfig, error) {
	if jsonVar != "" {
		var accounts []AccountConfig
		if err := json.Unmarshal([]byte(jsonVar), &accounts); err != nil {
			return nil, fmt.Errorf("parsing CLOUDINARY_ACCOUNTS json: %w", err)
		}
		if len(accounts) > 0 {
			return accounts, nil
		}
	}

	var indexed []AccountConfig
	for i := 1; i <= 10; i++ {
		prefix := "CLOUDINARY_" + strconv.Itoa(i) + "_"
		cloudName := os.Getenv(prefix + "CLOUD_NAME")
		apiKey := os.Getenv(prefix + "API_KEY")
		apiSecret := os.Getenv(prefix + "API_SECRET")
		if cloudName == "" && apiKey == "" && apiSecret == "" {
			continue
		}
		indexed = append(indexed, AccountConfig{
			Name:      "account-" + strconv.Itoa(i),
			CloudName: cloudName,
			APIKey:    apiKey,
			APISecret: apiSecret,
		})
	}
	if len(indexed) > 0 {
		return indexed, nil
	}

	cloudName := os.Getenv("CLOUDINARY_CLOUD_NAME")
	apiKey := os.Getenv("CLOUDINARY_API_KEY")
	apiSecret := os.Getenv("CLOUDINARY_API_SECRET")
	if cloudName == "" && apiKey == "" && apiSecret == "" {
		return nil, fmt.Errorf("no media store accounts configured")
	}

	return []AccountConfig{{
		Name:      "default",
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
	}}, nil
}
