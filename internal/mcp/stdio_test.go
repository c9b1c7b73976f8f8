package mcp

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"
)

// fakeServer is a shell script that answers one request on stdin. It
// emits a log notification and a stray response first, which the
// transport must skip.
const fakeServer = `read line
echo 'not json'
echo '{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}'
echo '{"jsonrpc":"2.0","id":41,"result":{}}'
echo '{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"6"}]}}'`

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestStdioTransport_SendSkipsNotifications(t *testing.T) {
	requireShell(t)
	tr := NewStdioTransport(StdioConfig{Command: "sh", Args: []string{"-c", fakeServer}})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := tr.Send(ctx, NewRequest(1, "tools/call", map[string]any{"name": "calculate"}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 1 {
		t.Errorf("resp.ID = %d, want 1", resp.ID)
	}
	if string(resp.Result) != `{"content":[{"type":"text","text":"6"}]}` {
		t.Errorf("resp.Result = %s", resp.Result)
	}
}

func TestStdioTransport_SendHonoursDeadline(t *testing.T) {
	requireShell(t)
	// Reads the request and never answers.
	tr := NewStdioTransport(StdioConfig{Command: "sh", Args: []string{"-c", "read line; exec sleep 30"}})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tr.Send(ctx, NewRequest(1, "ping", nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send() = %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Send did not return promptly after the deadline")
	}
	if tr.cmd != nil {
		t.Error("subprocess should be discarded after an interrupted read")
	}
}

func TestStdioTransport_SendProcessExit(t *testing.T) {
	requireShell(t)
	tr := NewStdioTransport(StdioConfig{Command: "sh", Args: []string{"-c", "exit 0"}})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := tr.Send(ctx, NewRequest(1, "ping", nil)); err == nil {
		t.Fatal("Send to an exited subprocess should fail")
	}
}

func TestStdioTransport_StartFailure(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "/nonexistent/stepwise-tool-server"})
	if _, err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); err == nil {
		t.Fatal("Send with a missing executable should fail")
	}
}

func TestStdioTransport_AcquireRespectsContext(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})
	tr.sem <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := tr.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("acquire() = %v, want context.DeadlineExceeded", err)
	}
}

func TestStdioTransport_AcquireCancelledSemaphoreFree(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tr.acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("acquire() = %v, want context.Canceled", err)
	}
	select {
	case <-tr.sem:
		t.Fatal("semaphore was left held after a cancelled acquire")
	default:
	}
}

func TestStdioTransport_BusySemaphore(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})
	tr.sem <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := tr.Send(ctx, NewRequest(99, "ping", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() = %v, want context.DeadlineExceeded", err)
	}
	if err := tr.Notify(ctx, NewNotification("notifications/test", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Notify() = %v, want context.DeadlineExceeded", err)
	}
}

func TestStdioTransport_CloseWaitsForSemaphore(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})
	if err := tr.acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	closeDone := make(chan error, 1)
	go func() { closeDone <- tr.Close() }()

	select {
	case <-closeDone:
		t.Fatal("Close() returned before the semaphore was released")
	case <-time.After(200 * time.Millisecond):
	}

	tr.release()

	select {
	case err := <-closeDone:
		if err != nil {
			t.Errorf("Close() = %v, want nil for an unstarted transport", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return after release")
	}
}
