package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("env", validateEnvironment)
	_ = v.RegisterValidation("host", validateHost)
	_ = v.RegisterValidation("postgres_url", validatePostgresURL)
	return v
}

// ConfigError describes one rejected field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every rejected field of one load.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, "configuration validation failed:")
	for _, ce := range e {
		lines = append(lines, "  - "+ce.Error())
	}
	return strings.Join(lines, "\n") + "\n"
}

// Fields returns the rejected field names in report order.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, len(e))
	for i, ce := range e {
		fields[i] = ce.Field
	}
	return fields
}

// ValidateWithDetails runs the struct tags and the cross-field rules and
// returns ValidationErrors listing every problem found.
func ValidateWithDetails(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	var details ValidationErrors
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			details = append(details, ConfigError{
				Field:   fe.Namespace(),
				Message: describeFieldError(fe),
				Value:   fe.Value(),
			})
		}
	}
	details = append(details, cfg.validateSemantics()...)
	if len(details) > 0 {
		return details
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "env":
		return "must be one of [development staging production]"
	case "host":
		return "must be a hostname, IP address or host:port"
	case "postgres_url":
		return "must be a postgres:// or postgresql:// URL with a host"
	default:
		return "failed validation: " + fe.Tag()
	}
}

var environments = []string{"development", "staging", "production"}

func validateEnvironment(fl validator.FieldLevel) bool {
	return slices.Contains(environments, fl.Field().String())
}

// validateHost accepts empty values, IP addresses, host:port pairs and
// DNS-style names.
func validateHost(fl validator.FieldLevel) bool {
	host := fl.Field().String()
	if host == "" || net.ParseIP(host) != nil {
		return true
	}
	if h, port, err := net.SplitHostPort(host); err == nil {
		if port == "" {
			return false
		}
		if h == "" || net.ParseIP(h) != nil {
			return true
		}
		host = h
	}
	return strings.IndexFunc(host, func(r rune) bool { return !isHostRune(r) }) < 0
}

func isHostRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	default:
		return r == '-' || r == '.' || r == '_'
	}
}

// validatePostgresURL accepts the empty string; the postgres-only requirement
// is a cross-field rule.
func validatePostgresURL(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	if raw == "" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "postgres" || u.Scheme == "postgresql") && u.Host != ""
}
