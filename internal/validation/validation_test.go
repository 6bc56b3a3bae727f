package validation

import (
	"testing"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		{"1234567890123456789012345678901234567890", false},     // no 0x
		{"0x12345678901234567890123456789012345678", false},     // too short
		{"0x123456789012345678901234567890123456789012", false}, // too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // non-hex
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		if got := IsValidEthAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestChecksumAddress(t *testing.T) {
	// EIP-55 reference vector.
	got := ChecksumAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	if got != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
		t.Errorf("ChecksumAddress = %q", got)
	}

	// Invalid input passes through untouched.
	if got := ChecksumAddress("not-an-address"); got != "not-an-address" {
		t.Errorf("invalid input should pass through, got %q", got)
	}
}

func TestValidAddress(t *testing.T) {
	if err := ValidAddress("creator_id", "")(); err != nil {
		t.Errorf("empty optional field should pass, got %+v", err)
	}
	if err := ValidAddress("creator_id", "0x1234567890123456789012345678901234567890")(); err != nil {
		t.Errorf("valid address rejected: %+v", err)
	}
	if err := ValidAddress("creator_id", "bogus")(); err == nil {
		t.Error("malformed address should fail")
	} else if err.Field != "creator_id" {
		t.Errorf("error names field %q, want creator_id", err.Field)
	}
}

func TestValidAmount(t *testing.T) {
	pass := []string{"", "1", "1000000", "999999999999"}
	for _, v := range pass {
		if err := ValidAmount("gross_amount", v)(); err != nil {
			t.Errorf("ValidAmount(%q) = %+v, want pass", v, err)
		}
	}

	fail := []string{"0", "000", "-1", "1.5", "1e6", "abc", " 1"}
	for _, v := range fail {
		if err := ValidAmount("gross_amount", v)(); err == nil {
			t.Errorf("ValidAmount(%q) passed, want failure", v)
		}
	}
}

func TestValidateCollectsAllFailures(t *testing.T) {
	errs := Validate(
		ValidAddress("creator_id", "bogus"),
		ValidAmount("gross_amount", "-5"),
		ValidAddress("provider_id", "0x1234567890123456789012345678901234567890"),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 failures, got %d: %+v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("Error() should describe the first failure")
	}
}

func TestValidateEmptyIsNil(t *testing.T) {
	if errs := Validate(); len(errs) != 0 {
		t.Fatalf("expected no errors, got %+v", errs)
	}
}
