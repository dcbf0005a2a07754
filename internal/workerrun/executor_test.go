package workerrun

import (
	"context"
	"testing"
	"time"
)

func TestStripANSI_RemovesControlSequences(t *testing.T) {
	in := "\x1b[32mok\x1b[0m"
	if got := stripANSI(in); got != "ok" {
		t.Fatalf("stripANSI(%q) = %q, want %q", in, got, "ok")
	}
}

func TestAgentExecutor_Run_Succeeds(t *testing.T) {
	e := NewAgentExecutor("sh", nil)
	var progress []string
	result, err := e.Run(context.Background(), "echo hello", func(text string) {
		progress = append(progress, text)
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !result.Succeeded {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.LastLine == "" {
		t.Fatal("expected non-empty last line")
	}
}

func TestAgentExecutor_Run_NonZeroExitFails(t *testing.T) {
	e := NewAgentExecutor("sh", nil)
	result, err := e.Run(context.Background(), "echo oops; exit 1", nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Succeeded {
		t.Fatalf("expected failure for non-zero exit, got %+v", result)
	}
	if result.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", result.ExitCode)
	}
}

func TestAgentExecutor_Run_CancelledContextReportsCancelled(t *testing.T) {
	e := NewAgentExecutor("sh", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	result, err := e.Run(ctx, "sleep 5", nil)
	if !result.Cancelled {
		t.Fatalf("expected cancelled result, got %+v (err=%v)", result, err)
	}
}
