// validator.go - Accumulating validation of environment configuration.
//
// Every problem is collected so a misconfigured deployment reports all of
// them at once instead of failing on the first.
package config

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator collects ValidationErrors while values are parsed.
type Validator struct {
	errors []ValidationError
}

func NewValidator() *Validator {
	return &Validator{errors: make([]ValidationError, 0)}
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *Validator) HasErrors() bool { return len(v.errors) > 0 }

func (v *Validator) Errors() []ValidationError { return v.errors }

// ErrorString returns a numbered list of all errors.
func (v *Validator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Err returns nil when no errors were recorded.
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return fmt.Errorf("%s", v.ErrorString())
}

func (v *Validator) Required(key, value string) {
	if value == "" {
		v.AddError(key, "required environment variable not set")
	}
}

// ListenAddr accepts ":port" and "host:port".
func (v *Validator) ListenAddr(key, value string) {
	if value == "" {
		return
	}
	_, portStr, err := net.SplitHostPort(value)
	if err != nil {
		v.AddError(key, "must be host:port or :port")
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		v.AddError(key, "port must be a number")
		return
	}
	if port < 1 || port > 65535 {
		v.AddError(key, "port must be between 1 and 65535")
	}
}

// Endpoint accepts "host:port" or an http(s) URL without a path.
func (v *Validator) Endpoint(key, value string) {
	if value == "" || !strings.Contains(value, "://") {
		return
	}
	u, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		v.AddError(key, "URL must use http or https scheme")
	}
}

func (v *Validator) MinLength(key, value string, minLen int) {
	if value == "" {
		return
	}
	if len(value) < minLen {
		v.AddError(key, fmt.Sprintf("must be at least %d characters long (got %d)", minLen, len(value)))
	}
}

func (v *Validator) Enum(key, value string, allowed []string) {
	if value == "" {
		return
	}
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// PositiveInt parses value, recording an error and returning def when it is
// not an integer > 0. An empty value yields def silently.
func (v *Validator) PositiveInt(key, value string, def int) int {
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return def
	}
	if n <= 0 {
		v.AddError(key, "must be a positive integer")
		return def
	}
	return n
}

// maxSeconds is the largest whole-second count a time.Duration can hold.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// Seconds parses value as a positive number of whole seconds.
func (v *Validator) Seconds(key, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return def
	}
	if n <= 0 {
		v.AddError(key, "must be a positive integer")
		return def
	}
	if n > maxSeconds {
		v.AddError(key, fmt.Sprintf("must be at most %d seconds", maxSeconds))
		return def
	}
	return time.Duration(n) * time.Second
}

// NonNegativeInt64 is PositiveInt for values where 0 means "unlimited".
func (v *Validator) NonNegativeInt64(key, value string, def int64) int64 {
	if value == "" {
		return def
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return def
	}
	if n < 0 {
		v.AddError(key, "must not be negative")
		return def
	}
	return n
}

// NonNegativeInt is NonNegativeInt64 for int-sized values.
func (v *Validator) NonNegativeInt(key, value string, def int) int {
	return int(v.NonNegativeInt64(key, value, int64(def)))
}

func (v *Validator) Duration(key, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		v.AddError(key, "must be a valid duration (e.g. 30m, 24h)")
		return def
	}
	if d <= 0 {
		v.AddError(key, "must be a positive duration")
		return def
	}
	return d
}

func (v *Validator) Bool(key, value string, def bool) bool {
	if value == "" {
		return def
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		v.AddError(key, "must be true or false")
		return def
	}
	return b
}

// BcryptHash checks the shape of a bcrypt hash without verifying it.
func (v *Validator) BcryptHash(key, value string) {
	if value == "" {
		return
	}
	if !strings.HasPrefix(value, "$2a$") &&
		!strings.HasPrefix(value, "$2b$") &&
		!strings.HasPrefix(value, "$2y$") {
		v.AddError(key, "must be a valid bcrypt hash (starts with $2a$, $2b$, or $2y$)")
	}
	// Bcrypt hashes are 60 characters
	if len(value) != 60 {
		v.AddError(key, "bcrypt hash must be exactly 60 characters")
	}
}

// PostgresURL checks only the scheme; the driver validates the rest.
func (v *Validator) PostgresURL(key, value string) {
	if value == "" {
		return
	}
	if !strings.HasPrefix(value, "postgres://") && !strings.HasPrefix(value, "postgresql://") {
		v.AddError(key, "must be a valid PostgreSQL connection string")
	}
}
