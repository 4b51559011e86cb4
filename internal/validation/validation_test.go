package validation

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseCustomerID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int64
		wantErr error
	}{
		{"valid", "42", 42, nil},
		{"large", "9007199254740993", 9007199254740993, nil},
		{"empty", "", 0, ErrEmptyValue},
		{"not a number", "abc", 0, ErrInvalidFormat},
		{"float", "4.2", 0, ErrInvalidFormat},
		{"zero", "0", 0, ErrOutOfRange},
		{"negative", "-7", 0, ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCustomerID(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseCustomerID(%q) error = %v, want %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseCustomerID(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidatePackageID(t *testing.T) {
	if err := ValidatePackageID(3); err != nil {
		t.Errorf("ValidatePackageID(3) error = %v", err)
	}
	if err := ValidatePackageID(0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("ValidatePackageID(0) error = %v, want %v", err, ErrOutOfRange)
	}
}

func TestValidatePeriod(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		from    time.Time
		to      time.Time
		wantErr error
	}{
		{"one month", start, start.AddDate(0, 1, 0), nil},
		{"one year", start, start.AddDate(1, 0, 0), nil},
		{"missing expiry", start, time.Time{}, ErrEmptyValue},
		{"missing activation", time.Time{}, start, ErrEmptyValue},
		{"same instant", start, start, ErrInvalidPeriod},
		{"reversed", start, start.Add(-time.Hour), ErrInvalidPeriod},
		{"too long", start, start.AddDate(5, 0, 0), ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidatePeriod(tt.from, tt.to); !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidatePeriod() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"international", "+6281234567890", "+6281234567890", false},
		{"local", "081234567890", "081234567890", false},
		{"formatted", "+62 812-3456-7890", "+6281234567890", false},
		{"parentheses", "(021) 555 1234", "0215551234", false},
		{"empty", "", "", true},
		{"blank", "   ", "", true},
		{"letters", "0812abc4567", "", true},
		{"too short", "12345", "", true},
		{"too long", "+" + strings.Repeat("1", 16), "", true},
		{"plus in middle", "0812+34567890", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizePhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateAnswer(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{"digit", "1", "1", nil},
		{"word with spaces", "  Ya \n", "Ya", nil},
		{"control characters", "ti\x00dak\x07", "tidak", nil},
		{"empty", "", "", ErrEmptyValue},
		{"only control", "\x00\x01", "", ErrEmptyValue},
		{"too long", strings.Repeat("y", MaxAnswerLength+1), "", ErrValueTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateAnswer(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateAnswer(%q) error = %v, want %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateAnswer(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateTechnician(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"single name", "andi", false},
		{"full name", "Andi Setiawan", false},
		{"email", "andi.s@isp.example", false},
		{"accented", "José Müller", false},
		{"word containing keyword", "Selection Team", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxTechnicianLength+1), true},
		{"leading space", " andi", true},
		{"sql injection", "andi'; DROP TABLE tickets--", true},
		{"sql keyword", "andi drop table", true},
		{"script", "<script>alert(1)</script>", true},
		{"path traversal", "../etc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTechnician(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTechnician(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIPAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"ipv4", "192.168.5.2", "192.168.5.2", false},
		{"empty", "", "", true},
		{"garbage", "not-an-ip", "", true},
		{"ipv6", "2001:db8::1", "", true},
		{"cidr", "10.0.0.0/24", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, err := ValidateIPAddress(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateIPAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && ip.String() != tt.want {
				t.Errorf("ValidateIPAddress(%q) = %s, want %s", tt.in, ip, tt.want)
			}
		})
	}
}

func TestValidateCustomerAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{"bare host", "10.0.0.7", "10.0.0.7", nil},
		{"shared block network", "192.168.5.0/30", "192.168.5.2", nil},
		{"shared block gateway", "192.168.5.1/30", "192.168.5.2", nil},
		{"shared block host", "192.168.5.2/30", "192.168.5.2", nil},
		{"wider prefix unchanged", "10.0.0.7/24", "10.0.0.7", nil},
		{"empty", "", "", ErrEmptyValue},
		{"garbage", "192.168.5/30", "", ErrInvalidAddress},
		{"ipv6", "2001:db8::1", "", ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateCustomerAddress(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateCustomerAddress(%q) error = %v, want %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateCustomerAddress(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseHostOverride(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantID  int64
		wantIP  string
		wantErr bool
	}{
		{"valid", "42=192.168.5.2", 42, "192.168.5.2", false},
		{"spaces", " 7 = 10.0.0.9 ", 7, "10.0.0.9", false},
		{"missing separator", "42", 0, "", true},
		{"bad id", "x=10.0.0.9", 0, "", true},
		{"bad ip", "42=10.0.0", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ip, err := ParseHostOverride(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHostOverride(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if id != tt.wantID || ip != tt.wantIP {
				t.Errorf("ParseHostOverride(%q) = %d, %q, want %d, %q", tt.in, id, ip, tt.wantID, tt.wantIP)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("phone", "x", "phone number is required", ErrEmptyValue)

	if err.Error() != "validation error for field 'phone': phone number is required" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrEmptyValue) {
		t.Error("errors.Is(err, ErrEmptyValue) = false")
	}

	var ve *ValidationError
	if !errors.As(error(err), &ve) || ve.Field != "phone" {
		t.Errorf("errors.As() = %+v", ve)
	}

	anon := NewValidationError("", "", "bad", nil)
	if anon.Error() != "validation error: bad" {
		t.Errorf("Error() = %q", anon.Error())
	}
}

func TestValidateRequestSize(t *testing.T) {
	if err := ValidateRequestSize(100, 1024); err != nil {
		t.Errorf("ValidateRequestSize(100) error = %v", err)
	}
	if err := ValidateRequestSize(2048, 1024); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("ValidateRequestSize(2048) error = %v, want %v", err, ErrOutOfRange)
	}
}
