package statusui

import (
	"strings"
	"testing"
	"time"

	"github.com/coretask/boardqueue/internal/store"
	"github.com/coretask/boardqueue/internal/workerrun"
)

func newTestModel() model {
	return model{
		startedAt: time.Now(),
		updates:   make(chan workerrun.Snapshot),
		taskStart: make(map[string]time.Time),
	}
}

func TestView_NoTasksInFlight(t *testing.T) {
	m := newTestModel()
	m.snapshot = workerrun.Snapshot{Worker: store.Worker{ID: "w1", Status: store.WorkerOnline}}
	out := m.View()
	if !strings.Contains(out, "no tasks in flight") {
		t.Fatalf("expected empty-state line, got: %q", out)
	}
	if !strings.Contains(out, "w1") {
		t.Fatalf("expected worker id in view, got: %q", out)
	}
}

func TestUpdate_SnapshotTracksTaskStartTimes(t *testing.T) {
	m := newTestModel()
	updated, _ := m.Update(snapshotMsg(workerrun.Snapshot{RunningTaskIDs: []string{"t1", "t2"}}))
	m2 := updated.(model)
	if len(m2.taskStart) != 2 {
		t.Fatalf("expected 2 tracked tasks, got %d", len(m2.taskStart))
	}

	updated2, _ := m2.Update(snapshotMsg(workerrun.Snapshot{RunningTaskIDs: []string{"t1"}}))
	m3 := updated2.(model)
	if len(m3.taskStart) != 1 {
		t.Fatalf("expected t2 to be dropped, got %d tracked", len(m3.taskStart))
	}
	if _, ok := m3.taskStart["t1"]; !ok {
		t.Fatal("expected t1 to remain tracked")
	}
}

func TestView_ListsRunningTasks(t *testing.T) {
	m := newTestModel()
	m.taskStart["t1"] = time.Now().Add(-5 * time.Second)
	m.snapshot = workerrun.Snapshot{RunningTaskIDs: []string{"t1"}}
	out := m.View()
	if !strings.Contains(out, "t1") {
		t.Fatalf("expected task id in view, got: %q", out)
	}
}
