package utils

import (
	"errors"
	"math"
	"testing"
)

func TestValidateSymbol(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		wantErr bool
	}{
		// Valid symbols
		{"linear BTCUSDT", "BTCUSDT", false},
		{"linear lowercase", "ethusdt", false},
		{"perp", "BTCPERP", false},
		{"option call", "BTC-27DEC24-60000-C", false},
		{"option put usdt settled", "ETH-3JAN25-3500-P-USDT", false},
		{"with numbers", "1INCHUSDT", false},
		{"decimal strike", "XRP-27DEC24-0.5-C", false},
		{"lowercase option", "btc-27dec24-60000-c", false},

		// Invalid symbols
		{"empty", "", true},
		{"single char", "B", true},
		{"too long", "BTCUSDTBTCUSDTBTCUSDTBTCUSDTBTCUSDTBTCUSDT", true},
		{"special chars", "BTC@USDT", true},
		{"spaces", "BTC USDT", true},
		{"trailing dash", "BTC-", true},
		{"dangling dot", "XRP-27DEC24-0.-C", true},
		{"dot in base", "BT.C-27DEC24-1-C", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSymbol(tt.symbol)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSymbol(%q) error = %v, wantErr %v", tt.symbol, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSymbol) {
				t.Errorf("expected ErrInvalidSymbol, got %v", err)
			}
		})
	}
}

func TestValidatePositivePrice(t *testing.T) {
	tests := []struct {
		name    string
		price   float64
		wantErr bool
	}{
		{"positive", 61234.5, false},
		{"zero", 0, true},
		{"negative", -1, true},
		{"NaN", math.NaN(), true},
		{"Inf", math.Inf(1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePositivePrice(tt.price)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePositivePrice(%v) error = %v, wantErr %v", tt.price, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPrice) {
				t.Errorf("expected ErrInvalidPrice, got %v", err)
			}
		})
	}
}

func TestValidateNonNegativePrice(t *testing.T) {
	if err := ValidateNonNegativePrice(0); err != nil {
		t.Errorf("zero should be allowed, got %v", err)
	}
	if err := ValidateNonNegativePrice(-0.5); err == nil {
		t.Error("negative price should be rejected")
	}
	if err := ValidateNonNegativePrice(math.NaN()); err == nil {
		t.Error("NaN should be rejected")
	}
}

func TestValidateQuantity(t *testing.T) {
	if err := ValidateQuantity(0.1); err != nil {
		t.Errorf("0.1 should be valid, got %v", err)
	}
	for _, q := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if err := ValidateQuantity(q); !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("ValidateQuantity(%v) expected ErrInvalidQuantity, got %v", q, err)
		}
	}
}

func TestValidateSide(t *testing.T) {
	for _, s := range []string{"long", "short", "LONG"} {
		if err := ValidateSide(s); err != nil {
			t.Errorf("ValidateSide(%q) unexpected error: %v", s, err)
		}
	}
	if err := ValidateSide("buy"); !errors.Is(err, ErrInvalidSide) {
		t.Errorf("expected ErrInvalidSide, got %v", err)
	}
}

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors

	errs.Add("field1", "error1")
	errs.Add("field2", "error2")

	if !errs.HasErrors() {
		t.Error("ValidationErrors.HasErrors() = false, want true")
	}

	errStr := errs.Error()
	if errStr != "field1: error1; field2: error2" {
		t.Errorf("unexpected error string: %q", errStr)
	}

	if len(errs) != 2 {
		t.Errorf("ValidationErrors length = %d, want 2", len(errs))
	}
}

func TestValidationErrorsAddError(t *testing.T) {
	var errs ValidationErrors

	errs.AddError("field1", nil)
	if errs.HasErrors() {
		t.Error("ValidationErrors.AddError(nil) should not add error")
	}
	if errs.Err() != nil {
		t.Error("Err() should be nil without errors")
	}

	errs.AddError("field2", ErrInvalidSymbol)
	if !errs.HasErrors() {
		t.Error("ValidationErrors.AddError(err) should add error")
	}
	if errs.Err() == nil {
		t.Error("Err() should not be nil with errors")
	}
}

func TestIsValidSymbol(t *testing.T) {
	if !IsValidSymbol("BTCUSDT") {
		t.Error("IsValidSymbol(BTCUSDT) = false, want true")
	}
	if IsValidSymbol("") {
		t.Error("IsValidSymbol('') = true, want false")
	}
}
