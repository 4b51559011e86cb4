package device

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Is(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
		not  []error
	}{
		{
			name: "unreachable",
			err:  &Error{Kind: KindUnreachable, Op: "ping", Err: errors.New("connection refused")},
			want: ErrUnreachable,
			not:  []error{ErrRejected, ErrTimeout},
		},
		{
			name: "rejected wraps cause",
			err:  rejected("get-secret", ErrSecretNotFound),
			want: ErrSecretNotFound,
			not:  []error{ErrUnreachable},
		},
		{
			name: "timeout through fmt wrapping",
			err:  fmt.Errorf("secret: %w", &Error{Kind: KindTimeout, Op: "set-secret"}),
			want: ErrTimeout,
			not:  []error{ErrRejected},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.want)
			}
			for _, other := range tt.not {
				if errors.Is(tt.err, other) {
					t.Errorf("errors.Is(%v, %v) = true, want false", tt.err, other)
				}
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != 0 {
		t.Errorf("KindOf(plain) = %v, want 0", got)
	}
	if got := KindOf(rejected("x", nil)); got != KindRejected {
		t.Errorf("KindOf(rejected) = %v, want %v", got, KindRejected)
	}
	if got := KindRejected.String(); got != "rejected" {
		t.Errorf("KindRejected.String() = %q", got)
	}
}
