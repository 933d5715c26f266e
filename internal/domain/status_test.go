package domain

import (
	"errors"
	"testing"
)

func TestAdvance_AllowedTransitions(t *testing.T) {
	allowed := []struct {
		from Status
		to   Status
	}{
		{StatusRequested, StatusInitializing},
		{StatusRequested, StatusScheduled},
		{StatusInitializing, StatusScheduled},
		{StatusScheduled, StatusInProgress},
		{StatusInProgress, StatusComplete},
		{StatusInProgress, StatusRetry},
		{StatusInProgress, StatusFailed},
		{StatusInProgress, StatusPostProcessing},
		{StatusRetry, StatusRequested},
		{StatusPostProcessing, StatusComplete},
		{StatusPostProcessing, StatusFailed},
	}

	for _, tc := range allowed {
		if err := Advance(tc.from, tc.to); err != nil {
			t.Errorf("Advance(%s, %s) should be allowed, got %v", tc.from, tc.to, err)
		}
	}
}

func TestAdvance_IllegalTransitions(t *testing.T) {
	illegal := []struct {
		from Status
		to   Status
	}{
		// Failures are only reachable from in-progress.
		{StatusRequested, StatusFailed},
		{StatusScheduled, StatusFailed},
		{StatusRetry, StatusFailed},
		// No skipping states.
		{StatusRequested, StatusInProgress},
		{StatusRequested, StatusComplete},
		{StatusScheduled, StatusComplete},
		// Terminal states have no exits.
		{StatusComplete, StatusRequested},
		{StatusFailed, StatusRequested},
		// No going backwards.
		{StatusInProgress, StatusScheduled},
		{StatusScheduled, StatusRequested},
	}

	for _, tc := range illegal {
		err := Advance(tc.from, tc.to)
		if err == nil {
			t.Errorf("Advance(%s, %s) should be rejected", tc.from, tc.to)
			continue
		}
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Errorf("Advance(%s, %s) expected InvalidTransitionError, got %v", tc.from, tc.to, err)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	if !StatusComplete.Terminal() {
		t.Error("complete should be terminal")
	}
	if !StatusFailed.Terminal() {
		t.Error("failed should be terminal")
	}
	for _, s := range WorkingStatuses {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStatus_Valid(t *testing.T) {
	if Status("bogus").Valid() {
		t.Error("unknown status should not be valid")
	}
	if !StatusPostProcessing.Valid() {
		t.Error("post-processing should be valid")
	}
}

func TestDay_RoundTrip(t *testing.T) {
	d, err := ParseDay("2012-12-01")
	if err != nil {
		t.Fatalf("ParseDay failed: %v", err)
	}
	if d.String() != "2012-12-01" {
		t.Errorf("Expected 2012-12-01, got %s", d.String())
	}

	var scanned Day
	if err := scanned.Scan("2012-12-01"); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if !scanned.Equal(d) {
		t.Errorf("Expected scanned day to equal parsed day")
	}

	if _, err := ParseDay("12/01/2012"); err == nil {
		t.Error("Expected error for malformed date")
	}
}
