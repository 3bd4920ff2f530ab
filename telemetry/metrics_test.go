package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init() // second call must not re-register and panic
	if StatusPolls == nil || LiveTargetsGauge == nil {
		t.Fatal("metrics not initialized")
	}
	CountStatusPoll("live")
	CountTransition("went_live")
	CountEvent("chat")
	SetLiveTargets(2)
	SetTrackedTargets(5)
}

func TestTimeFunc(t *testing.T) {
	Init()
	d := TimeFunc(PollCycleDuration, func() { time.Sleep(5 * time.Millisecond) })
	if d < 5*time.Millisecond {
		t.Errorf("duration %v too short", d)
	}
	// nil observer must not panic
	TimeFunc(nil, func() {})
}

func TestCorrelationHelpers(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("empty context correlation = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("correlation = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
