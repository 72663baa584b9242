package serverinstance

import (
	"context"
	"testing"

	"hightide/internal/sandbox"
	"hightide/pkg/liveevent"
)

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	base := t.TempDir()
	resolver := sandbox.New(base, "s1")
	return New("s1", resolver, nil, nil)
}

func TestGetStatusWithNoHandleIsStopped(t *testing.T) {
	inst := newTestInstance(t)
	if got := inst.GetStatus(context.Background()); got != StatusStopped {
		t.Errorf("GetStatus() = %v, want StatusStopped", got)
	}
}

func TestRunningDefaultsFalse(t *testing.T) {
	inst := newTestInstance(t)
	if inst.Running() {
		t.Error("Running() = true on a fresh instance, want false")
	}
	if inst.StartedAt() != nil {
		t.Error("StartedAt() != nil on a fresh instance, want nil")
	}
}

func TestKillWithoutHandleIsNoop(t *testing.T) {
	inst := newTestInstance(t)
	if err := inst.Kill(context.Background()); err != nil {
		t.Errorf("Kill() on handle-less instance = %v, want nil", err)
	}
}

func TestSendCommandWithoutStdinFails(t *testing.T) {
	inst := newTestInstance(t)
	err := inst.SendCommand(context.Background(), "say hi")
	if err == nil {
		t.Fatal("SendCommand() without a container = nil, want StdinUnavailable")
	}
}

func TestAddLiveListenerReceivesEmittedEvents(t *testing.T) {
	inst := newTestInstance(t)

	var got []liveevent.Event
	unsubscribe := inst.AddLiveListener(func(ev liveevent.Event) { got = append(got, ev) })
	defer unsubscribe()

	inst.emit(liveevent.CategoryStatus, "test message")

	if len(got) != 1 || got[0].Message != "test message" {
		t.Fatalf("got %+v, want one event with message %q", got, "test message")
	}
}

func TestContainerNameAndSandboxRoot(t *testing.T) {
	inst := newTestInstance(t)
	if got := inst.ContainerName(); got != "hightide_s1" {
		t.Errorf("ContainerName() = %q, want hightide_s1", got)
	}
	if inst.SandboxRoot() == "" {
		t.Error("SandboxRoot() is empty")
	}
}
