package config

import (
	"fmt"
	"strings"

	"github.com/wesleyorama2/lagwatch/internal/guard"
	"github.com/wesleyorama2/lagwatch/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	switch len(e.Errors) {
	case 0:
		return "no validation errors"
	case 1:
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate checks cross-field constraints the schema cannot express.
//
// Returns nil if valid, or a *ValidationErrors listing every problem.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.Tick.Interval <= 0 {
		errs.Add("tick.interval", "must be positive")
	}

	if c.Watchdog.Enabled {
		if c.Watchdog.Threshold <= 0 {
			errs.Add("watchdog.threshold", "must be positive")
		}
		if c.Watchdog.PollInterval <= 0 {
			errs.Add("watchdog.pollInterval", "must be positive")
		} else if c.Watchdog.PollInterval >= c.Watchdog.Threshold {
			errs.Add("watchdog.pollInterval", fmt.Sprintf("must be shorter than threshold (%s)", c.Watchdog.Threshold))
		}
		if c.Watchdog.MaxEvents < 1 {
			errs.Add("watchdog.maxEvents", "must be at least 1")
		}
	}

	if c.Guard.Enabled {
		seen := make(map[string]bool)
		for i, name := range c.Guard.Operations {
			if _, err := guard.ParseOp(name); err != nil {
				errs.Add(fmt.Sprintf("guard.operations[%d]", i), err.Error())
			}
			if seen[name] {
				errs.Add(fmt.Sprintf("guard.operations[%d]", i), fmt.Sprintf("duplicate operation %q", name))
			}
			seen[name] = true
		}
	}

	for field, v := range map[string]int{
		"telemetry.tpsEvery":     c.Telemetry.TPSEvery,
		"telemetry.tpsCapacity":  c.Telemetry.TPSCapacity,
		"telemetry.pingEvery":    c.Telemetry.PingEvery,
		"telemetry.pingCapacity": c.Telemetry.PingCapacity,
	} {
		if v < 1 {
			errs.Add(field, "must be at least 1")
		}
	}

	if c.Storage.Enabled {
		if c.Storage.Path == "" {
			errs.Add("storage.path", "is required when storage is enabled")
		}
		if c.Storage.SaveInterval <= 0 {
			errs.Add("storage.saveInterval", "must be positive")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs.Add("metrics.addr", "is required when metrics are enabled")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs.Add("log.level", err.Error())
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// GuardOps converts the configured operation names.
func (c *Config) GuardOps() []guard.Op {
	ops := make([]guard.Op, 0, len(c.Guard.Operations))
	for _, name := range c.Guard.Operations {
		if op, err := guard.ParseOp(name); err == nil {
			ops = append(ops, op)
		}
	}
	return ops
}
