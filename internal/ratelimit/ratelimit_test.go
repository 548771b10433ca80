package ratelimit

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MaxAttemptsPerMinute: 3,
		MaxConsecFailures:    2,
		BlockDuration:        5 * time.Minute,
	}
}

func TestAllow_UnderLimit(t *testing.T) {
	rl := New(testConfig())

	for i := 0; i < 3; i++ {
		if err := rl.Allow("10.0.0.1"); err != nil {
			t.Fatalf("attempt %d unexpectedly denied: %v", i+1, err)
		}
	}
}

func TestAllow_OverLimit(t *testing.T) {
	rl := New(testConfig())

	for i := 0; i < 3; i++ {
		rl.Allow("10.0.0.1")
	}
	if err := rl.Allow("10.0.0.1"); err == nil {
		t.Fatal("fourth attempt within the window should be denied")
	}

	// A different address is unaffected.
	if err := rl.Allow("10.0.0.2"); err != nil {
		t.Fatalf("unrelated address denied: %v", err)
	}
}

func TestAllow_WindowSlides(t *testing.T) {
	rl := New(testConfig())
	now := time.Now()
	rl.nowFn = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		rl.Allow("10.0.0.1")
	}
	if err := rl.Allow("10.0.0.1"); err == nil {
		t.Fatal("should be denied inside the window")
	}

	now = now.Add(61 * time.Second)
	if err := rl.Allow("10.0.0.1"); err != nil {
		t.Fatalf("should be allowed once the window slides: %v", err)
	}
}

func TestRecordFailure_BlocksAfterThreshold(t *testing.T) {
	rl := New(testConfig())
	now := time.Now()
	rl.nowFn = func() time.Time { return now }

	rl.RecordFailure("10.0.0.1")
	if err := rl.Allow("10.0.0.1"); err != nil {
		t.Fatalf("single failure should not block: %v", err)
	}

	rl.RecordFailure("10.0.0.1")
	if err := rl.Allow("10.0.0.1"); err == nil {
		t.Fatal("reaching the failure threshold should block")
	}

	now = now.Add(6 * time.Minute)
	if err := rl.Allow("10.0.0.1"); err != nil {
		t.Fatalf("block should lapse after BlockDuration: %v", err)
	}
}

func TestRecordSuccess_ResetsFailures(t *testing.T) {
	rl := New(testConfig())

	rl.RecordFailure("10.0.0.1")
	rl.RecordSuccess("10.0.0.1")
	rl.RecordFailure("10.0.0.1")

	if err := rl.Allow("10.0.0.1"); err != nil {
		t.Fatalf("success should reset the failure streak: %v", err)
	}
}

func TestAllow_ZeroLimitDisables(t *testing.T) {
	rl := New(Config{})

	for i := 0; i < 100; i++ {
		if err := rl.Allow("10.0.0.1"); err != nil {
			t.Fatalf("disabled limiter denied attempt: %v", err)
		}
	}
}
