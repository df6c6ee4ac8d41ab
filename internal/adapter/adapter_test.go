package adapter

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/marko911/bullion-redeem/internal/redemption"
)

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		qty      string
		decimals int32
		want     string
		err      error
	}{
		{"5", 18, "5000000000000000000", nil},
		{"1.5", 6, "1500000", nil},
		{"0.000001", 6, "1", nil},
		{"0.0000001", 6, "", redemption.ErrInvalidAmount},
		{"0", 6, "", redemption.ErrInvalidAmount},
		{"-2", 6, "", redemption.ErrInvalidAmount},
	}

	for _, tt := range tests {
		got, err := ToBaseUnits(decimal.RequireFromString(tt.qty), tt.decimals)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("ToBaseUnits(%s, %d) err = %v, want %v", tt.qty, tt.decimals, err, tt.err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ToBaseUnits(%s, %d) unexpected error: %v", tt.qty, tt.decimals, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ToBaseUnits(%s, %d) = %s, want %s", tt.qty, tt.decimals, got, tt.want)
		}
	}
}

func TestFromBaseUnits(t *testing.T) {
	got := FromBaseUnits(big.NewInt(1500000), 6)
	if !got.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("FromBaseUnits = %s, want 1.5", got)
	}
	if !FromBaseUnits(nil, 6).IsZero() {
		t.Error("nil units should be zero")
	}
}

func TestKeyring(t *testing.T) {
	kr, err := ParseKeyring([]byte(`
owner-1:
  evm:
    account: "0x1111111111111111111111111111111111111111"
    secret: "abcd"
  solana:
    account: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
`))
	if err != nil {
		t.Fatalf("ParseKeyring failed: %v", err)
	}

	keys, err := kr.Resolve(context.Background(), "owner-1", redemption.VenueEVM)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if keys.Secret != "abcd" {
		t.Errorf("secret = %q", keys.Secret)
	}

	if _, err := kr.Resolve(context.Background(), "owner-1", redemption.VenuePermissioned); !errors.Is(err, redemption.ErrValidation) {
		t.Errorf("expected validation error for unlinked venue, got %v", err)
	}

	if _, err := ParseKeyring([]byte("owner-2:\n  tron: {account: x}\n")); err == nil {
		t.Error("expected error for unknown venue")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(redemption.VenueSolana); !errors.Is(err, redemption.ErrVenueUnavailable) {
		t.Errorf("expected ErrVenueUnavailable, got %v", err)
	}
}
