package models

import (
	"testing"
)

func TestTerminalStates(t *testing.T) {
	terminal := []DeploymentState{StateCompleted, StateFailed, StateRolledBack}
	transient := []DeploymentState{StateInitializing, StateValidating, StatePreChecking, StateExecuting, StateVerifying}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range transient {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSetStateRecordsTransition(t *testing.T) {
	st := NewDeploymentStatus("dep-abc123", validConfig())

	if st.CurrentState() != StateInitializing {
		t.Fatalf("initial state = %s, want initializing", st.CurrentState())
	}
	st.SetState(StateValidating)
	st.SetState(StateExecuting)
	st.SetState(StateCompleted)

	if st.EndTime == nil {
		t.Error("terminal state should set EndTime")
	}
	events := st.EventsSince(0)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 transition events", len(events))
	}
	if events[2].Phase != string(StateCompleted) {
		t.Errorf("last event phase = %q, want completed", events[2].Phase)
	}
}

func TestEventsSince(t *testing.T) {
	st := NewDeploymentStatus("dep-abc123", validConfig())
	st.AppendEvent("executing", EventInfo, "batch 1 ready")
	st.AppendEvent("executing", EventInfo, "batch 2 ready")

	if n := st.EventCount(); n != 2 {
		t.Fatalf("EventCount = %d, want 2", n)
	}
	tail := st.EventsSince(1)
	if len(tail) != 1 || tail[0].Message != "batch 2 ready" {
		t.Errorf("EventsSince(1) = %+v", tail)
	}
	if got := st.EventsSince(5); got != nil {
		t.Errorf("EventsSince past end = %+v, want nil", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	st := NewDeploymentStatus("dep-abc123", validConfig())
	st.SetReady(2)
	st.SetMetric("canary_error_rate", 0.05)
	st.AppendEvent("executing", EventInfo, "first batch")

	snap := st.Clone()

	st.SetReady(4)
	st.AppendEvent("executing", EventInfo, "second batch")
	st.SetMetric("canary_error_rate", 0.5)

	if snap.ReplicasReady != 2 {
		t.Errorf("clone ReplicasReady = %d, want 2", snap.ReplicasReady)
	}
	if len(snap.Events) != 1 {
		t.Errorf("clone has %d events, want 1", len(snap.Events))
	}
	if snap.Metrics["canary_error_rate"] != 0.05 {
		t.Errorf("clone metric = %v, want 0.05", snap.Metrics["canary_error_rate"])
	}
}

func TestSetPreviousVersionFlipsRollbackAvailable(t *testing.T) {
	st := NewDeploymentStatus("dep-abc123", validConfig())
	if st.RollbackAvailable {
		t.Error("new status should not be rollback-available")
	}
	st.SetPreviousVersion("2.4.0")
	if !st.RollbackAvailable || st.PreviousVersion != "2.4.0" {
		t.Errorf("got available=%v previous=%q", st.RollbackAvailable, st.PreviousVersion)
	}
	st.SetPreviousVersion("")
	if st.RollbackAvailable {
		t.Error("clearing the previous version should clear availability")
	}
}
