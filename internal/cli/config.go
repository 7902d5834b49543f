package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// configFile is looked up in the working directory when --config is not
// given.
const configFile = "dcache.json"

// Config is the CLI configuration. The file is JSONC: JSON with comments
// and trailing commas allowed.
type Config struct {
	// Dir is the cache directory. Overridden by --dir and $DCACHE_DIR.
	Dir string `json:"dir"`

	// Cache settings applied at open. Zero values keep the persisted
	// or built-in defaults.
	SizeLimit      int64  `json:"size_limit"`
	CullLimit      int64  `json:"cull_limit"`
	EvictionPolicy string `json:"eviction_policy"`
	Statistics     bool   `json:"statistics"`
	TagIndex       bool   `json:"tag_index"`
	MinFileSize    int64  `json:"min_file_size"`
}

// LoadConfig reads the config file at path. With mustExist false, a missing
// file returns the zero config.
func LoadConfig(path string, mustExist bool) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, nil
		}

		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: invalid JSONC: %w", path, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: invalid JSON: %w", path, err)
	}

	return cfg, nil
}
