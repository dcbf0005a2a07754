package sandbox

import (
	"testing"

	"github.com/coretask/boardqueue/internal/config"
)

func TestNewDockerExecutor_DefaultsImage(t *testing.T) {
	d, err := NewDockerExecutor(config.SandboxConfig{}, nil)
	if err != nil {
		t.Fatalf("NewDockerExecutor returned error: %v", err)
	}
	if d.cfg.Image != "boardqueue/agent-runner:latest" {
		t.Fatalf("expected default image, got %q", d.cfg.Image)
	}
}

func TestNewDockerExecutor_KeepsConfiguredImage(t *testing.T) {
	d, err := NewDockerExecutor(config.SandboxConfig{Image: "custom/image:v1"}, nil)
	if err != nil {
		t.Fatalf("NewDockerExecutor returned error: %v", err)
	}
	if d.cfg.Image != "custom/image:v1" {
		t.Fatalf("expected configured image preserved, got %q", d.cfg.Image)
	}
}
