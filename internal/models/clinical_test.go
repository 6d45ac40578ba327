package models

import "testing"

func TestMapUrgencyToRisk(t *testing.T) {
	tests := []struct {
		urgency string
		want    RiskLevel
	}{
		{"low", RiskLow},
		{"medium", RiskMedium},
		{"high", RiskHigh},
		{"critical", RiskCritical},
		{"HIGH", RiskHigh},
		{"  Medium ", RiskMedium},
		{"", RiskLow},
		{"unknown", RiskLow},
		{"urgent", RiskLow},
	}
	for _, tt := range tests {
		if got := MapUrgencyToRisk(tt.urgency); got != tt.want {
			t.Errorf("MapUrgencyToRisk(%q) = %s, want %s", tt.urgency, got, tt.want)
		}
	}
}

func TestBleedingFlag(t *testing.T) {
	tests := []struct {
		severity string
		want     bool
	}{
		{"none", false},
		{"mild", false},
		{"moderate", true},
		{"severe", true},
		{"Severe", true},
		{" moderate ", true},
		{"", false},
		{"a lot", false},
	}
	for _, tt := range tests {
		if got := BleedingFlag(tt.severity); got != tt.want {
			t.Errorf("BleedingFlag(%q) = %v, want %v", tt.severity, got, tt.want)
		}
	}
}

func TestParseBoolSlot(t *testing.T) {
	for _, v := range []string{"true", "yes", "y", "1", "YES", " True "} {
		if !ParseBoolSlot(v) {
			t.Errorf("ParseBoolSlot(%q) = false, want true", v)
		}
	}
	for _, v := range []string{"", "no", "false", "0", "maybe"} {
		if ParseBoolSlot(v) {
			t.Errorf("ParseBoolSlot(%q) = true, want false", v)
		}
	}
}

func TestParseIntSlot(t *testing.T) {
	if got := ParseIntSlot("7"); got == nil || *got != 7 {
		t.Errorf("ParseIntSlot(7) = %v", got)
	}
	if got := ParseIntSlot(" 0 "); got == nil || *got != 0 {
		t.Errorf("ParseIntSlot with spaces = %v", got)
	}
	for _, v := range []string{"", "three", "7.5"} {
		if got := ParseIntSlot(v); got != nil {
			t.Errorf("ParseIntSlot(%q) = %v, want nil", v, got)
		}
	}
}
