package realmagent

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/xfeldman/warden/internal/realmagent/image"
	"github.com/xfeldman/warden/internal/realmprotocol"
)

func startTestSupervisor(t *testing.T, shellCmd string) *Supervisor {
	t.Helper()
	s, err := StartSupervisor(uuid.New(), image.ExecConfig{
		Exec: "/bin/sh",
		Argv: []string{"/bin/sh", "-c", shellCmd},
		Envp: []string{"PATH=/usr/bin:/bin"},
	})
	if err != nil {
		t.Fatalf("StartSupervisor: %v", err)
	}
	return s
}

func TestSupervisorWaitReturnsExitCode(t *testing.T) {
	s := startTestSupervisor(t, "exit 7")

	resp := s.Wait()
	if resp.Kind != realmprotocol.ResponseApplicationExited {
		t.Fatalf("Wait() kind = %v, want ApplicationExited", resp.Kind)
	}
	if resp.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", resp.ExitCode)
	}
}

func TestSupervisorTryWaitWhileRunningReportsRunning(t *testing.T) {
	s := startTestSupervisor(t, "sleep 1")

	resp := s.TryWait()
	if resp.Kind != realmprotocol.ResponseApplicationIsRunning {
		t.Fatalf("TryWait() kind = %v, want ApplicationIsRunning", resp.Kind)
	}

	s.Wait()
}

func TestSupervisorStopThenWaitSeesPostReapExitCode(t *testing.T) {
	s := startTestSupervisor(t, "trap 'exit 3' TERM; while true; do sleep 0.05; done")

	stopResp := s.Stop()
	if stopResp.Kind != realmprotocol.ResponseSuccess {
		t.Fatalf("Stop() kind = %v, want Success", stopResp.Kind)
	}

	waitResp := s.Wait()
	if waitResp.Kind != realmprotocol.ResponseApplicationExited {
		t.Fatalf("Wait() kind = %v, want ApplicationExited", waitResp.Kind)
	}
	if waitResp.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", waitResp.ExitCode)
	}
}

func TestSupervisorKillStopsAnUnresponsiveChild(t *testing.T) {
	s := startTestSupervisor(t, "trap '' TERM; while true; do sleep 0.05; done")

	done := make(chan realmprotocol.Response, 1)
	go func() { done <- s.Kill() }()

	select {
	case resp := <-done:
		if resp.Kind != realmprotocol.ResponseSuccess {
			t.Fatalf("Kill() kind = %v, want Success", resp.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Kill() did not return within 5s")
	}
}

func TestSupervisorRequestAfterExitReturnsStoredExitCode(t *testing.T) {
	s := startTestSupervisor(t, "exit 0")
	s.Wait()

	resp := s.TryWait()
	if resp.Kind != realmprotocol.ResponseApplicationExited {
		t.Fatalf("TryWait() after exit kind = %v, want ApplicationExited", resp.Kind)
	}
	if resp.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", resp.ExitCode)
	}
}

func TestSupervisorTerminateKillsStillRunningChild(t *testing.T) {
	s := startTestSupervisor(t, "trap '' TERM; while true; do sleep 0.05; done")
	s.Terminate()

	select {
	case <-s.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("Terminate() did not reap the child within 5s")
	}
}
