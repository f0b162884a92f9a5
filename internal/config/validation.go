// internal/config/validation.go - Enhanced validation with detailed error messages
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/flowctl/throttlegate/internal/priority"
)

// ValidationError represents a single field-level validation failure.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s=%q: %s", e.Field, e.Value, e.Message)
}

// ValidationResult holds every validation failure found in one pass, so
// operators see all of them instead of fixing a config file one error at
// a time.
type ValidationResult struct {
	Errors []ValidationError
}

func (r *ValidationResult) add(field, value, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Value: value, Message: message})
}

func (r *ValidationResult) err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%d validation error(s): %s", len(r.Errors), strings.Join(msgs, "; "))
}

// Validate checks a Config for internal consistency: durations parse,
// priority_map values name real priorities and io types, and the
// persistence/admin sub-configs are coherent.
func Validate(c *Config) error {
	result := &ValidationResult{}

	validateDuration(result, "epoch_period", c.EpochPeriod)
	validatePriorityMap(result, c.PriorityMap)
	validateAdmin(result, c.Admin)
	validatePersistence(result, c.Persistence)

	return result.err()
}

func validateDuration(result *ValidationResult, field, value string) {
	if value == "" {
		return
	}
	if _, err := time.ParseDuration(value); err != nil {
		result.add(field, value, "not a valid duration (e.g. \"40ms\")")
	}
}

func validatePriorityMap(result *ValidationResult, m map[string]string) {
	for ioType, p := range m {
		if _, err := priority.ParseIOType(ioType); err != nil {
			result.add("priority_map", ioType, "not a recognized io_type")
			continue
		}
		if _, err := priority.ParsePriority(p); err != nil {
			result.add("priority_map["+ioType+"]", p, "not a recognized priority (low, medium, high)")
		}
	}
}

func validateAdmin(result *ValidationResult, a AdminConfig) {
	if a.ListenAddress == "" {
		return
	}
	if a.RequestsPerSecond < 0 {
		result.add("admin.requests_per_second", fmt.Sprint(a.RequestsPerSecond), "must be >= 0")
	}
	if a.Burst < 0 {
		result.add("admin.burst", fmt.Sprint(a.Burst), "must be >= 0")
	}
}

func validatePersistence(result *ValidationResult, p PersistenceConfig) {
	if p.Driver == "" {
		return
	}
	switch p.Driver {
	case "mysql", "postgres", "sqlite", "mongodb":
	default:
		result.add("persistence.driver", p.Driver, "must be one of mysql, postgres, sqlite, mongodb")
	}
	if p.DSN == "" {
		result.add("persistence.dsn", "", "required when persistence.driver is set")
	}
	validateDuration(result, "persistence.interval", p.Interval)
}
