package system

import (
	"testing"
	"time"

	"github.com/nasa-jpl/cncmotion/settings"
)

func newTestExecutor() *Executor {
	return NewExecutor(settings.New(settings.Default()))
}

func TestNewExecutorStartsIdle(t *testing.T) {
	e := newTestExecutor()
	if e.State() != StateIdle {
		t.Fatalf("initial state = %v, want Idle", e.State())
	}
}

func TestPollRealtimeResetFlushesPlanner(t *testing.T) {
	e := newTestExecutor()
	if err := e.Parser.ExecuteLine("G1X10Y0F100"); err != nil {
		t.Fatalf("ExecuteLine: %v", err)
	}
	if e.Plan.Count() == 0 {
		t.Fatalf("expected a queued block before reset")
	}
	e.RequestReset()
	if err := e.PollRealtime(); err != ErrReset {
		t.Fatalf("PollRealtime() = %v, want ErrReset", err)
	}
	if e.Plan.Count() != 0 {
		t.Fatalf("planner not flushed after reset")
	}
	if e.State() != StateIdle {
		t.Fatalf("state after reset = %v, want Idle", e.State())
	}
}

func TestPollRealtimeFeedHoldThenCycleStartResumes(t *testing.T) {
	e := newTestExecutor()
	e.RequestFeedHold()

	done := make(chan error, 1)
	go func() { done <- e.PollRealtime() }()

	time.Sleep(60 * time.Millisecond)
	if e.State() != StateHold {
		t.Fatalf("state while held = %v, want Hold", e.State())
	}
	e.RequestCycleStart()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PollRealtime returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("PollRealtime did not return after cycle start")
	}
	if e.State() != StateRun {
		t.Fatalf("state after resume = %v, want Run", e.State())
	}
}

func TestRaiseAlarmFlushesPlanner(t *testing.T) {
	e := newTestExecutor()
	if err := e.Parser.ExecuteLine("G1X1Y1F100"); err != nil {
		t.Fatalf("ExecuteLine: %v", err)
	}
	e.RaiseAlarm(AlarmHardLimit)
	if e.State() != StateAlarm {
		t.Fatalf("state = %v, want Alarm", e.State())
	}
	if e.Alarm() != AlarmHardLimit {
		t.Fatalf("alarm = %v, want AlarmHardLimit", e.Alarm())
	}
	if e.Plan.Count() != 0 {
		t.Fatalf("planner not flushed by RaiseAlarm")
	}
}

func TestProgramEndReturnsToIdle(t *testing.T) {
	e := newTestExecutor()
	if err := e.ProgramEnd(false); err != nil {
		t.Fatalf("ProgramEnd: %v", err)
	}
	if e.State() != StateIdle {
		t.Fatalf("state = %v, want Idle", e.State())
	}
}
