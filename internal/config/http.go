package config

// APIKeyEntry is one accepted API key for the gateway's HTTP/websocket
// surface, along with the label it is stored under in config.yaml.
type APIKeyEntry struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description,omitempty"`
}

// AuthConfig controls API-key authentication on the gateway's HTTP
// surface. Disabled by default; an empty Keys list with Enabled true
// rejects every request.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// CORSConfig controls cross-origin access to the gateway's HTTP surface.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig controls per-key request throttling on the gateway's
// HTTP surface. Disabled by default.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// HTTPConfig groups the gateway's HTTP-facing settings.
type HTTPConfig struct {
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}
