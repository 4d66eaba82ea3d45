package config

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/mistakeknot/intermail/internal/core"
)

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

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

func ValidLogLevels() []string { return []string{"debug", "info", "warn", "error"} }

func ValidLogFormats() []string { return []string{"json", "console"} }

func ValidAckPolicies() []string { return []string{"overwrite", "write_once"} }

// Validate returns every invalid setting in c.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if strings.TrimSpace(c.Store.Path) == "" {
		add("store.path", c.Store.Path, "must not be empty")
	}
	if c.Store.BusyTimeout < 0 {
		add("store.busy_timeout", c.Store.BusyTimeout, "must not be negative")
	}
	if c.Store.SlowQuery < 0 {
		add("store.slow_query", c.Store.SlowQuery, "must not be negative")
	}

	if c.Server.Addr == "" && c.Server.SocketPath == "" {
		add("server.addr", c.Server.Addr, "either addr or socket_path is required")
	}
	if c.Server.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
			add("server.addr", c.Server.Addr, "must be host:port")
		}
	}

	if c.Retention.Days > core.MaxRetentionDays {
		add("retention.days", c.Retention.Days, fmt.Sprintf("must be at most %d", core.MaxRetentionDays))
	}
	if c.Retention.Interval <= 0 {
		add("retention.interval", c.Retention.Interval, "must be positive")
	}
	if c.Reservations.DefaultTTL <= 0 {
		add("reservations.default_ttl", c.Reservations.DefaultTTL, "must be positive")
	}

	if !slices.Contains(ValidAckPolicies(), c.Messages.AckPolicy) {
		add("messages.ack_policy", c.Messages.AckPolicy, "must be one of "+strings.Join(ValidAckPolicies(), ", "))
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Logging.Format)) {
		add("logging.format", c.Logging.Format, "must be one of "+strings.Join(ValidLogFormats(), ", "))
	}
	return errs
}
