package recipient

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		digits  string
		wantErr bool
	}{
		{name: "formatted us", raw: "+1 (234) 567-8901", digits: "12345678901"},
		{name: "plain", raw: "5511987654321", digits: "5511987654321"},
		{name: "dotted", raw: "44.20.7946.0958", digits: "442079460958"},
		{name: "already addressed", raw: "12345678901@c.us", digits: "12345678901"},
		{name: "letters", raw: "abc", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
		{name: "too short", raw: "+1 234 567", wantErr: true},
		{name: "too long", raw: "1234567890123456", wantErr: true},
		{name: "slashes", raw: "1/234/567/8901", digits: "12345678901"},
		{name: "brackets and underscore", raw: "+1 [234] 567_8901", digits: "12345678901"},
		{name: "tel uri", raw: "tel:+12345678901", digits: "12345678901"},
		{name: "csv cell", raw: "\"+55 11 98765-4321\";", digits: "5511987654321"},
		{name: "letters leave too few digits", raw: "+1 234 567 89O", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Normalize(%q) = %q, want error", tt.raw, got)
				}
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("error %v does not wrap ErrInvalid", err)
				}
				if !got.IsZero() {
					t.Fatalf("invalid input produced non-zero recipient %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tt.raw, err)
			}
			if got.Digits() != tt.digits {
				t.Fatalf("Digits = %q, want %q", got.Digits(), tt.digits)
			}
			if got.Address() != tt.digits+AddressSuffix {
				t.Fatalf("Address = %q", got.Address())
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()
	first := MustNormalize("+1 (234) 567-8901")
	second, err := Normalize(first.Address())
	if err != nil {
		t.Fatalf("re-normalize: %v", err)
	}
	if first != second {
		t.Fatalf("normalization not idempotent: %q vs %q", first, second)
	}
	if len(first.Digits()) != 11 {
		t.Fatalf("len = %d, want 11", len(first.Digits()))
	}
}

func TestMasked(t *testing.T) {
	t.Parallel()
	if got := MustNormalize("12345678901").Masked(); got != "*******8901" {
		t.Fatalf("Masked = %q", got)
	}
}
