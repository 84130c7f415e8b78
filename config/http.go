package config

import "strings"

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// AdminToken, when set, is required as a bearer token on the job-run endpoints.
	AdminToken string `env:"ADMIN_API_TOKEN"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	h.AdminToken = strings.TrimSpace(h.AdminToken)
}
