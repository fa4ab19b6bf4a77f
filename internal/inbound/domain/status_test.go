package domain

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to MessageStatus
		want     bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusDelivered, false},
		{StatusDelivered, StatusDelivered, false},
		{StatusSent, StatusFailed, true},
		{StatusDelivered, StatusFailed, true},
		{StatusRead, StatusFailed, false},
		{StatusFailed, StatusRead, false},
		{"", StatusSent, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if got, ok := ParseStatus("Delivered"); !ok || got != StatusDelivered {
		t.Fatalf("expected delivered, got %q %v", got, ok)
	}
	if _, ok := ParseStatus("typing"); ok {
		t.Fatalf("expected unknown status to be rejected")
	}
}

func TestResultEventType(t *testing.T) {
	r := Result{Events: []InboundEvent{{Kind: EventKindMessage}, {Kind: EventKindStatus}}}
	if got := r.EventType(); got != "mixed" {
		t.Fatalf("expected mixed, got %q", got)
	}
	if got := (Result{}).EventType(); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}
