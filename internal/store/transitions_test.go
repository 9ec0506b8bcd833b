package store

import "testing"

func TestValidTransferTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"accept", "pending", true},
		{"accept", "accepted", false},
		{"accept", "rejected", false},
		{"accept", "completed", false},
		{"reject", "pending", true},
		{"reject", "accepted", true},
		{"reject", "rejected", false},
		{"reject", "completed", false},
		{"complete", "pending", true},
		{"complete", "accepted", true},
		{"complete", "completed", false},
		{"complete", "rejected", false},
		{"unknown", "pending", false},
	}

	for _, tt := range cases {
		if got := ValidTransferTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransferTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}
