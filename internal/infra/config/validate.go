package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateAgents(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validAuthTypes = map[string]bool{
	"":                   true,
	"none":               true,
	"token":              true,
	"static":             true,
	"password":           true,
	"transport-identity": true,
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !validAuthTypes[cfg.Gateway.Auth.Type] {
		ve.Add("gateway.auth.type %q is invalid (want: none, token, static, password, transport-identity)", cfg.Gateway.Auth.Type)
	}
	if (cfg.Gateway.Auth.Type == "token" || cfg.Gateway.Auth.Type == "static" || cfg.Gateway.Auth.Type == "password") && len(cfg.Gateway.Auth.Tokens) == 0 {
		ve.Add("gateway.auth.tokens must have at least one entry when auth.type is %q", cfg.Gateway.Auth.Type)
	}
	for i, t := range cfg.Gateway.Auth.Tokens {
		if t.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
	}

	if cfg.Gateway.MaxNodes < 0 {
		ve.Add("gateway.max_nodes must be >= 0")
	}
	if cfg.Gateway.NodeRateLimit < 0 {
		ve.Add("gateway.node_rate_limit must be >= 0")
	}
	if cfg.Gateway.NodeRateBurst < 0 {
		ve.Add("gateway.node_rate_burst must be >= 0")
	}
	if cfg.Gateway.PingInterval < 0 {
		ve.Add("gateway.ping_interval must be >= 0")
	}
	if cfg.Gateway.StaleThreshold < 0 {
		ve.Add("gateway.stale_threshold must be >= 0")
	}

	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	if cfg.Agents == nil {
		return
	}
	if cfg.Agents.Default == "" {
		ve.Add("agents.default must not be empty")
	}

	validRouting := map[string]bool{"default": true, "prefix": true, "config": true, "": true}
	if !validRouting[cfg.Agents.Routing] {
		ve.Add("agents.routing %q is invalid (want: default, prefix, config)", cfg.Agents.Routing)
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, inst := range cfg.Agents.Instances {
		if inst.ID == "" {
			ve.Add("agents.instances[%d].id must not be empty", i)
			continue
		}
		if seen[inst.ID] {
			ve.Add("agents.instances[%d]: duplicate agent ID %q", i, inst.ID)
		}
		seen[inst.ID] = true
		if inst.ID == cfg.Agents.Default {
			foundDefault = true
		}
	}

	if cfg.Agents.Default != "" && !foundDefault {
		ve.Add("agents.default %q does not match any configured instance", cfg.Agents.Default)
	}
}
