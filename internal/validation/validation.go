// Package validation checks admin API and command line input before it
// reaches the billing store or the router: customer and package IDs,
// subscription periods, phone numbers, confirmation answers, technician
// names and customer addresses.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/codelaboratoryltd/meridian/internal/util"
)

// Error types for validation failures
var (
	ErrEmptyValue        = fmt.Errorf("value cannot be empty")
	ErrInvalidFormat     = fmt.Errorf("invalid format")
	ErrValueTooLong      = fmt.Errorf("value exceeds maximum length")
	ErrOutOfRange        = fmt.Errorf("value is out of valid range")
	ErrInvalidIP         = fmt.Errorf("invalid IP address")
	ErrInvalidAddress    = fmt.Errorf("invalid customer address")
	ErrInvalidPeriod     = fmt.Errorf("invalid subscription period")
	ErrInvalidPhone      = fmt.Errorf("invalid phone number")
	ErrInvalidTechnician = fmt.Errorf("invalid technician name")
	ErrDangerousInput    = fmt.Errorf("potentially dangerous input detected")
)

// ValidationError provides detailed information about validation failures
type ValidationError struct {
	Field   string
	Value   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error
func NewValidationError(field, value, message string, err error) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
		Err:     err,
	}
}

// Constants for validation limits
const (
	MaxTechnicianLength = 128
	MaxAnswerLength     = 32
	MinPhoneDigits      = 8
	MaxPhoneDigits      = 15
	MaxPeriod           = 3 * 366 * 24 * time.Hour
)

var (
	// technicianPattern allows letters, digits, spaces, dots, hyphens, underscores and @
	technicianPattern = regexp.MustCompile(`^[\p{L}0-9][\p{L}0-9 ._@-]*$`)

	// phonePattern matches a normalized phone number with an optional leading +
	phonePattern = regexp.MustCompile(`^\+?[0-9]+$`)

	sqlInjectionPattern = regexp.MustCompile(`(?i)(--|;|'|"|\/\*|\*\/|xp_|\b(exec|execute|insert|select|delete|update|drop|alter|create|truncate|union)\b)`)

	pathTraversalPattern = regexp.MustCompile(`(\.\.\/|\.\.\\|%2e%2e%2f|%2e%2e\/|\.\.%2f|%2e%2e%5c)`)

	scriptInjectionPattern = regexp.MustCompile(`(?i)(<script|javascript:|on\w+\s*=|<iframe|<object|<embed)`)
)

// ParseCustomerID parses a customer ID from a path segment or flag.
func ParseCustomerID(s string) (int64, error) {
	return parseID("customer_id", "customer ID", s)
}

// ParsePackageID parses a package ID.
func ParsePackageID(s string) (int64, error) {
	return parseID("package_id", "package ID", s)
}

func parseID(field, label, s string) (int64, error) {
	if s == "" {
		return 0, NewValidationError(field, s, label+" is required", ErrEmptyValue)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, NewValidationError(field, s, label+" must be a number", ErrInvalidFormat)
	}
	if err := validateID(field, label, id); err != nil {
		return 0, err
	}
	return id, nil
}

// ValidateCustomerID validates a customer identifier
func ValidateCustomerID(id int64) error {
	return validateID("customer_id", "customer ID", id)
}

// ValidatePackageID validates a package identifier
func ValidatePackageID(id int64) error {
	return validateID("package_id", "package ID", id)
}

func validateID(field, label string, id int64) error {
	if id <= 0 {
		return NewValidationError(field, strconv.FormatInt(id, 10), label+" must be positive", ErrOutOfRange)
	}
	return nil
}

// ValidatePeriod validates a subscription period. The expiry must be after
// the activation and the period may not exceed MaxPeriod.
func ValidatePeriod(activation, expiry time.Time) error {
	value := fmt.Sprintf("%s..%s", activation.Format(time.RFC3339), expiry.Format(time.RFC3339))
	if activation.IsZero() || expiry.IsZero() {
		return NewValidationError("period", value, "activation and expiry dates are required", ErrEmptyValue)
	}
	if !expiry.After(activation) {
		return NewValidationError("period", value, "expiry date must be after activation date", ErrInvalidPeriod)
	}
	if expiry.Sub(activation) > MaxPeriod {
		return NewValidationError("period", value, fmt.Sprintf("period exceeds maximum of %s", MaxPeriod), ErrOutOfRange)
	}
	return nil
}

// NormalizePhone validates a phone number and returns it without spaces,
// hyphens, dots or parentheses.
func NormalizePhone(phone string) (string, error) {
	if strings.TrimSpace(phone) == "" {
		return "", NewValidationError("phone", phone, "phone number is required", ErrEmptyValue)
	}

	normalized := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, phone)

	if !phonePattern.MatchString(normalized) {
		return "", NewValidationError("phone", phone, "phone number must contain only digits and an optional leading +", ErrInvalidPhone)
	}
	digits := len(strings.TrimPrefix(normalized, "+"))
	if digits < MinPhoneDigits || digits > MaxPhoneDigits {
		return "", NewValidationError("phone", phone,
			fmt.Sprintf("phone number must have between %d and %d digits", MinPhoneDigits, MaxPhoneDigits), ErrInvalidPhone)
	}
	return normalized, nil
}

// ValidateAnswer validates a free-text confirmation answer and returns it
// sanitized.
func ValidateAnswer(answer string) (string, error) {
	answer = SanitizeString(answer)
	if answer == "" {
		return "", NewValidationError("answer", answer, "answer is required", ErrEmptyValue)
	}
	if len(answer) > MaxAnswerLength {
		return "", NewValidationError("answer", answer, fmt.Sprintf("answer exceeds maximum length of %d", MaxAnswerLength), ErrValueTooLong)
	}
	return answer, nil
}

// ValidateTechnician validates the name of the technician resolving an incident
func ValidateTechnician(name string) error {
	if name == "" {
		return NewValidationError("technician", name, "technician is required", ErrEmptyValue)
	}

	if len(name) > MaxTechnicianLength {
		return NewValidationError("technician", name, fmt.Sprintf("technician exceeds maximum length of %d", MaxTechnicianLength), ErrValueTooLong)
	}

	if !technicianPattern.MatchString(name) {
		return NewValidationError("technician", name, "technician must contain only letters, digits, spaces, dots, hyphens, underscores, and @", ErrInvalidTechnician)
	}

	if err := checkDangerousInput(name); err != nil {
		return NewValidationError("technician", name, "technician contains potentially dangerous characters", err)
	}

	return nil
}

// ValidateIPAddress validates an IPv4 address string
func ValidateIPAddress(ipStr string) (net.IP, error) {
	if ipStr == "" {
		return nil, NewValidationError("ip", ipStr, "IP address is required", ErrEmptyValue)
	}

	ip := net.ParseIP(ipStr)
	if ip == nil || ip.To4() == nil {
		return nil, NewValidationError("ip", ipStr, "invalid IPv4 address format", ErrInvalidIP)
	}

	return ip.To4(), nil
}

// ValidateCustomerAddress validates a customer address, a bare IPv4 address
// or one in CIDR notation, and returns the host address it resolves to.
func ValidateCustomerAddress(addr string) (string, error) {
	if addr == "" {
		return "", NewValidationError("ip_address", addr, "address is required", ErrEmptyValue)
	}

	host, err := util.ResolveHostIP(addr)
	if err != nil {
		return "", NewValidationError("ip_address", addr, "address must be an IPv4 address or CIDR block", ErrInvalidAddress)
	}
	if ip := net.ParseIP(host); ip == nil || ip.To4() == nil {
		return "", NewValidationError("ip_address", addr, "address must be IPv4", ErrInvalidAddress)
	}
	return host, nil
}

// ParseHostOverride parses an "id=ip" host address override.
func ParseHostOverride(s string) (int64, string, error) {
	idStr, ipStr, ok := strings.Cut(s, "=")
	if !ok {
		return 0, "", NewValidationError("host_ip_override", s, "override must have the form <customer-id>=<ip>", ErrInvalidFormat)
	}
	id, err := ParseCustomerID(strings.TrimSpace(idStr))
	if err != nil {
		return 0, "", err
	}
	ip, err := ValidateIPAddress(strings.TrimSpace(ipStr))
	if err != nil {
		return 0, "", err
	}
	return id, ip.String(), nil
}

// SanitizeString removes or escapes potentially dangerous characters from a string
func SanitizeString(s string) string {
	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	var result strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			continue
		}
		result.WriteRune(r)
	}

	return strings.TrimSpace(result.String())
}

// checkDangerousInput checks for potentially dangerous input patterns
func checkDangerousInput(s string) error {
	if sqlInjectionPattern.MatchString(s) {
		return ErrDangerousInput
	}

	if pathTraversalPattern.MatchString(s) {
		return ErrDangerousInput
	}

	if scriptInjectionPattern.MatchString(s) {
		return ErrDangerousInput
	}

	if strings.Contains(s, "\x00") {
		return ErrDangerousInput
	}

	return nil
}

// ValidateRequestSize validates that a request body is within acceptable limits
func ValidateRequestSize(size int64, maxSize int64) error {
	if size > maxSize {
		return NewValidationError("request_body", fmt.Sprintf("%d bytes", size),
			fmt.Sprintf("request body exceeds maximum size of %d bytes", maxSize), ErrOutOfRange)
	}
	return nil
}
