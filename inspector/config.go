package inspector

import (
	"encoding/json"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"

	"github.com/dapkit/dapkit/types"
)

// Config holds the settings for attaching to a V8 inspector endpoint.
type Config struct {
	// URL is the websocket debugger URL, or a host:port to probe through
	// the /json/list endpoint.
	URL null.String `json:"url" envconfig:"DAPKIT_INSPECTOR_URL"`

	HandshakeTimeout types.NullDuration `json:"handshakeTimeout" envconfig:"DAPKIT_INSPECTOR_HANDSHAKE_TIMEOUT"`

	// SourceMaps toggles source map processing for scripts the inspector
	// reports.
	SourceMaps null.Bool `json:"sourceMaps" envconfig:"DAPKIT_SOURCE_MAPS"`

	// RewriteRules is the path of a yaml file with source URL rewrite rules.
	RewriteRules null.String `json:"rewriteRules" envconfig:"DAPKIT_REWRITE_RULES"`
}

// NewConfig creates a new Config instance with default values for some fields.
func NewConfig() Config {
	return Config{
		HandshakeTimeout: types.NewNullDuration(time.Minute, false),
		SourceMaps:       null.NewBool(true, false),
	}
}

// Apply merges the set fields of cfg into c and returns the result.
func (c Config) Apply(cfg Config) Config {
	if cfg.URL.Valid {
		c.URL = cfg.URL
	}
	if cfg.HandshakeTimeout.Valid {
		c.HandshakeTimeout = cfg.HandshakeTimeout
	}
	if cfg.SourceMaps.Valid {
		c.SourceMaps = cfg.SourceMaps
	}
	if cfg.RewriteRules.Valid {
		c.RewriteRules = cfg.RewriteRules
	}
	return c
}

// GetConsolidatedConfig combines the default config values with the JSON
// config values and environment variables and returns the final result.
func GetConsolidatedConfig(jsonRawConf json.RawMessage, env map[string]string) (Config, error) {
	result := NewConfig()

	if jsonRawConf != nil {
		jsonConf := Config{}
		if err := json.Unmarshal(jsonRawConf, &jsonConf); err != nil {
			return result, err
		}
		result = result.Apply(jsonConf)
	}

	envConfig := Config{}
	if err := envconfig.Process("", &envConfig, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}); err != nil {
		return result, err
	}
	return result.Apply(envConfig), nil
}
