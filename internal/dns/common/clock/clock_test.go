package clock

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}

	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) {
		t.Errorf("Clock time %v is before measurement time %v", now, before)
	}
	if now.After(after) {
		t.Errorf("Clock time %v is after measurement time %v", now, after)
	}
}

func TestRealClock_After(t *testing.T) {
	clock := RealClock{}
	start := time.Now()
	select {
	case <-clock.After(5 * time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("After did not fire")
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("After fired early: %v", elapsed)
	}
}

func TestMockClock_Now_Consistent(t *testing.T) {
	fixedTime := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &MockClock{CurrentTime: fixedTime}

	first := clock.Now()
	second := clock.Now()

	if !first.Equal(fixedTime) || !first.Equal(second) {
		t.Errorf("Mock clock should return fixed time: first=%v, second=%v", first, second)
	}
}

func TestMockClock_Advance(t *testing.T) {
	initialTime := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &MockClock{CurrentTime: initialTime}

	testCases := []struct {
		name     string
		duration time.Duration
		expected time.Time
	}{
		{"advance by 1 hour", time.Hour, initialTime.Add(time.Hour)},
		{"advance by 30 minutes more", 30 * time.Minute, initialTime.Add(90 * time.Minute)},
		{"advance by zero", 0, initialTime.Add(90 * time.Minute)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clock.Advance(tc.duration)
			if now := clock.Now(); !now.Equal(tc.expected) {
				t.Errorf("Expected %v, got %v", tc.expected, now)
			}
		})
	}
}

func TestMockClock_AfterAdvancesAndFires(t *testing.T) {
	initialTime := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &MockClock{CurrentTime: initialTime}

	fired := <-clock.After(3600 * time.Second)
	if !fired.Equal(initialTime.Add(time.Hour)) {
		t.Errorf("Expected fire time %v, got %v", initialTime.Add(time.Hour), fired)
	}
	<-clock.After(10 * time.Second)

	waits := clock.WaitLog()
	if len(waits) != 2 || waits[0] != time.Hour || waits[1] != 10*time.Second {
		t.Errorf("unexpected wait log: %v", waits)
	}
	if !clock.Now().Equal(initialTime.Add(time.Hour + 10*time.Second)) {
		t.Errorf("clock not advanced by waits: %v", clock.Now())
	}
}

func TestClock_Interface_Compliance(t *testing.T) {
	var _ Clock = RealClock{}
	var _ Clock = &MockClock{}
}

func TestMockClock_Concurrent_Access(t *testing.T) {
	initialTime := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &MockClock{CurrentTime: initialTime}

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			clock.Advance(time.Second)
			_ = clock.Now()
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	if !clock.Now().Equal(initialTime.Add(10 * time.Second)) {
		t.Errorf("Expected %v, got %v", initialTime.Add(10*time.Second), clock.Now())
	}
}
