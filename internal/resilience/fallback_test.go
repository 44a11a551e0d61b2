package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func twoEntryGroup(cb CircuitBreakerConfig) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{CircuitBreaker: cb})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := twoEntryGroup(CircuitBreakerConfig{MaxFailures: 3})

	var called string
	err := fg.Execute(context.Background(), func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
	if fg.Primary() != "primary" || fg.Len() != 2 {
		t.Errorf("Primary/Len = %q/%d", fg.Primary(), fg.Len())
	}
}

func TestFallbackGroup_Failover(t *testing.T) {
	fg := twoEntryGroup(CircuitBreakerConfig{MaxFailures: 3})

	got, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "from-" + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-secondary" {
		t.Fatalf("result = %q, want from-secondary", got)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := twoEntryGroup(CircuitBreakerConfig{MaxFailures: 3})

	err := fg.Execute(context.Background(), func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want the last error wrapped", err)
	}
}

func TestFallbackGroup_SingleEntryReturnsErrorAsIs(t *testing.T) {
	fg := NewFallbackGroup("only", "only", FallbackConfig{})
	err := fg.Execute(context.Background(), func(string) error { return errTest })
	if err != errTest {
		t.Fatalf("err = %v, want errTest unchanged", err)
	}
}

func TestFallbackGroup_NoFailoverStopsEarly(t *testing.T) {
	errFatal := errors.New("bad request")
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		Failover: func(err error) bool { return !errors.Is(err, errFatal) },
	})
	fg.AddFallback("secondary", "secondary")

	var calls []string
	err := fg.Execute(context.Background(), func(v string) error {
		calls = append(calls, v)
		return errFatal
	})
	if !errors.Is(err, errFatal) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want errFatal unwrapped", err)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want only primary", calls)
	}
}

func TestFallbackGroup_SkipsOpenProvider(t *testing.T) {
	fg := twoEntryGroup(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	for range 2 {
		_ = fg.Execute(context.Background(), func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	var called string
	if err := fg.Execute(context.Background(), func(v string) error { called = v; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary (primary circuit should be open)", called)
	}

	status := fg.Status()
	if status[0].State != StateOpen || status[1].State != StateClosed {
		t.Errorf("Status = %+v", status)
	}
	if !fg.Healthy() {
		t.Error("group with a closed entry should be healthy")
	}
}

func TestFallbackGroup_StopsOnCancelledContext(t *testing.T) {
	fg := twoEntryGroup(CircuitBreakerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fg.Execute(ctx, func(string) error {
		t.Error("fn called with cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
