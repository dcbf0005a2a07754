package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coretask/boardqueue/internal/config"
)

func TestWatcher_DetectsServerConfigChange(t *testing.T) {
	homeDir := t.TempDir()

	configPath := config.ServerConfigPath(homeDir)
	if err := os.WriteFile(configPath, []byte("bind_addr: 127.0.0.1:8080\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(configPath, []byte("bind_addr: 0.0.0.0:9000\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "server.yaml" {
				t.Fatalf("expected server.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(configPath, []byte("bind_addr: 0.0.0.0:9000\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for server.yaml change event")
		}
	}
}
