package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/andresmejia3/facescan/internal/engine"
	"github.com/andresmejia3/facescan/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "scan.workers")
	Value   any
	Message string
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate checks the Config and returns every problem found.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, c.validateScan()...)
	errs = append(errs, c.validateEngines()...)
	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, ValidationError{Field: "logging.level", Value: c.Logging.Level, Message: "must be one of debug, info, warn, error"})
	}
	return errs
}

func (c *Config) validateScan() []ValidationError {
	var errs []ValidationError
	kind, err := engine.ParseKind(c.Scan.Engine)
	if err != nil {
		errs = append(errs, ValidationError{Field: "scan.engine", Value: c.Scan.Engine, Message: "must be cascade, landmark or remote"})
	}
	if c.Scan.Workers < 1 {
		errs = append(errs, ValidationError{Field: "scan.workers", Value: c.Scan.Workers, Message: "must be at least 1"})
	}
	if c.Scan.TargetWidth < 0 {
		errs = append(errs, ValidationError{Field: "scan.target_width", Value: c.Scan.TargetWidth, Message: "must not be negative"})
	}
	if c.Scan.TargetHeight < 0 {
		errs = append(errs, ValidationError{Field: "scan.target_height", Value: c.Scan.TargetHeight, Message: "must not be negative"})
	}
	if err == nil && kind == engine.KindRemote && c.Engines.Remote.URL == "" {
		errs = append(errs, ValidationError{Field: "engines.remote.url", Value: "", Message: "required when scan.engine is remote"})
	}
	return errs
}

func (c *Config) validateEngines() []ValidationError {
	var errs []ValidationError
	r := c.Engines.Remote
	if r.URL != "" {
		if u, err := url.Parse(r.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{Field: "engines.remote.url", Value: r.URL, Message: "must be an http(s) URL"})
		}
	}
	if r.Timeout < 0 {
		errs = append(errs, ValidationError{Field: "engines.remote.timeout", Value: r.Timeout, Message: "must not be negative"})
	}
	if r.RequestsPerSecond < 0 {
		errs = append(errs, ValidationError{Field: "engines.remote.requests_per_second", Value: r.RequestsPerSecond, Message: "must not be negative"})
	}
	if r.Burst < 1 {
		errs = append(errs, ValidationError{Field: "engines.remote.burst", Value: r.Burst, Message: "must be at least 1"})
	}
	if r.MaxRetries < 0 {
		errs = append(errs, ValidationError{Field: "engines.remote.max_retries", Value: r.MaxRetries, Message: "must not be negative"})
	}
	return errs
}
