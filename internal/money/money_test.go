package money

import "testing"

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one shilling", "1.00", 100},
		{"fifty cents", "0.50", 50},
		{"hundred", "100", 10_000},
		{"smallest unit", "0.01", 1},
		{"whole and frac", "1.50", 150},
		{"no frac", "1", 100},
		{"short frac", "1.5", 150},
		{"large amount", "500000.00", 50_000_000},
		{"leading zeros in whole", "007.50", 750},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_ZeroVariants(t *testing.T) {
	for _, input := range []string{"0", "0.0", "0.00"} {
		t.Run(input, func(t *testing.T) {
			got, ok := Parse(input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", input)
			}
			if got != 0 {
				t.Errorf("Parse(%q) = %d, want 0", input, got)
			}
		})
	}
}

func TestParse_EmptyString(t *testing.T) {
	got, ok := Parse("")
	if !ok {
		t.Fatal("Parse(\"\") returned ok=false")
	}
	if got != 0 {
		t.Errorf("Parse(\"\") = %d, want 0", got)
	}
}

func TestParse_TruncationBeyondTwoDecimals(t *testing.T) {
	// "1.509" should truncate to "1.50"
	got, ok := Parse("1.509")
	if !ok {
		t.Fatal("Parse returned ok=false")
	}
	if got != 150 {
		t.Errorf("Parse(\"1.509\") = %d, want 150 (truncated to 2 decimals)", got)
	}
}

func TestParse_NoWholePartWithDot(t *testing.T) {
	// ".50" should parse as 0.50
	got, ok := Parse(".50")
	if !ok {
		t.Fatal("Parse(\".50\") returned ok=false")
	}
	if got != 50 {
		t.Errorf("Parse(\".50\") = %d, want 50", got)
	}
}

func TestParse_InvalidInputs(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative", "-1.00"},
		{"negative zero", "-0"},
		{"explicit plus", "+1.00"},
		{"alphabetic", "abc"},
		{"multiple dots", "1.2.3"},
		{"has letters", "12abc"},
		{"internal space", "1 000"},
		{"thousands separator", "1,000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Parse(tt.input)
			if ok {
				t.Errorf("Parse(%q) should return ok=false", tt.input)
			}
		})
	}
}

func TestFormat_Values(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected string
	}{
		{"zero", 0, "0.00"},
		{"one cent", 1, "0.01"},
		{"ten cents", 10, "0.10"},
		{"one shilling", 100, "1.00"},
		{"typical", 150050, "1500.50"},
		{"cap", 50_000_000, "500000.00"},
		{"negative", -150, "-1.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(tt.input)
			if got != tt.expected {
				t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestRoundTrip_Canonical(t *testing.T) {
	// Format(Parse(x)) == x for canonical forms (2 decimals)
	canonical := []string{"0.00", "0.01", "1.00", "1.50", "1500.50", "500000.00"}

	for _, s := range canonical {
		t.Run(s, func(t *testing.T) {
			parsed, ok := Parse(s)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", s)
			}
			got := Format(parsed)
			if got != s {
				t.Errorf("RoundTrip: Format(Parse(%q)) = %q", s, got)
			}
		})
	}
}

func TestWholeShillings(t *testing.T) {
	tests := []struct {
		name     string
		cents    int64
		expected int64
		ok       bool
	}{
		{"exact", 150000, 1500, true},
		{"one shilling", 100, 1, true},
		{"zero", 0, 0, true},
		{"fractional", 150050, 0, false},
		{"single cent", 1, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := WholeShillings(tt.cents)
			if ok != tt.ok {
				t.Fatalf("WholeShillings(%d) ok = %v, want %v", tt.cents, ok, tt.ok)
			}
			if got != tt.expected {
				t.Errorf("WholeShillings(%d) = %d, want %d", tt.cents, got, tt.expected)
			}
		})
	}
}

func TestSplitHalf(t *testing.T) {
	tests := []struct {
		name       string
		total      int64
		wantSeller int64
		wantBuyer  int64
	}{
		{"even", 1_000, 500, 500},
		{"odd rounds buyer half down to even", 1_001, 501, 500}, // 500.5 → 500
		{"odd rounds buyer half up to even", 1_003, 501, 502},   // 501.5 → 502
		{"two", 2, 1, 1},
		{"three", 3, 1, 2}, // 1.5 → 2
		{"one leaves buyer empty", 1, 1, 0},
		{"zero", 0, 0, 0},
		{"negative", -5, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, b := SplitHalf(tt.total)
			if s != tt.wantSeller || b != tt.wantBuyer {
				t.Errorf("SplitHalf(%d) = (%d, %d), want (%d, %d)",
					tt.total, s, b, tt.wantSeller, tt.wantBuyer)
			}
			if tt.total > 0 && s+b != tt.total {
				t.Errorf("SplitHalf(%d) legs sum to %d", tt.total, s+b)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name       string
		total      int64
		feeBps     int64
		wantPayout int64
		wantFee    int64
	}{
		{"no fee", 10_000, 0, 10_000, 0},
		{"two percent", 10_000, 200, 9_800, 200},
		{"rounds half to even down", 1_000, 25, 998, 2}, // 2.5 → 2
		{"rounds half to even up", 1_400, 25, 1_396, 4}, // 3.5 → 4
		{"tiny total still charges a cent", 10, 200, 9, 1},
		{"fee never swallows payout", 2, 9_999, 1, 1},
		{"one cent total", 1, 200, 1, 0},
		{"zero total", 0, 200, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payout, fee := Split(tt.total, tt.feeBps)
			if payout != tt.wantPayout || fee != tt.wantFee {
				t.Errorf("Split(%d, %d) = (%d, %d), want (%d, %d)",
					tt.total, tt.feeBps, payout, fee, tt.wantPayout, tt.wantFee)
			}
			if payout+fee != tt.total {
				t.Errorf("Split(%d, %d) legs sum to %d", tt.total, tt.feeBps, payout+fee)
			}
		})
	}
}
