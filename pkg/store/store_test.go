package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nekobot-dev/mangaclaw/pkg/bus"
)

func TestCreateOrAttach_Dedup(t *testing.T) {
	s := New()
	a := bus.Origin{UserID: "1"}
	b := bus.Origin{UserID: "2", GroupID: "g"}

	t1, created := s.CreateOrAttach("100", a)
	if !created {
		t.Fatal("first request should create the task")
	}
	if t1.State != StateQueued {
		t.Errorf("state = %s, want queued", t1.State)
	}

	t2, created := s.CreateOrAttach("100", b)
	if created {
		t.Fatal("second request must attach, not create")
	}
	if len(t2.FanOut) != 2 {
		t.Fatalf("fan-out = %v, want both origins", t2.FanOut)
	}
	if t2.FanOut[0] != a || t2.FanOut[1] != b {
		t.Errorf("fan-out order = %v, want attachment order", t2.FanOut)
	}

	// Same origin again is a no-op on the fan-out list.
	t3, _ := s.CreateOrAttach("100", a)
	if len(t3.FanOut) != 2 {
		t.Errorf("duplicate origin grew fan-out: %v", t3.FanOut)
	}
}

func TestCreateOrAttach_TerminalTaskIsReplaced(t *testing.T) {
	s := New()
	a := bus.Origin{UserID: "1"}

	s.CreateOrAttach("100", a)
	s.MarkFailed("100", "boom")

	t2, created := s.CreateOrAttach("100", bus.Origin{UserID: "2"})
	if !created {
		t.Fatal("request after failure should start a fresh task")
	}
	if t2.State != StateQueued || t2.Error != "" || t2.Attempt != 0 {
		t.Errorf("fresh task carries old state: %+v", t2)
	}
	if len(t2.FanOut) != 1 || t2.FanOut[0].UserID != "2" {
		t.Errorf("fresh task fan-out = %v", t2.FanOut)
	}
}

func TestSetState_ClearsErrorExceptFailed(t *testing.T) {
	s := New()
	s.CreateOrAttach("1", bus.Origin{UserID: "u"})
	s.MarkFailed("1", "boom")

	s.SetState("1", StateQueued)
	task, _ := s.Get("1")
	if task.Error != "" {
		t.Errorf("error not cleared on requeue: %q", task.Error)
	}
}

func TestIncrementAttempt(t *testing.T) {
	s := New()
	s.CreateOrAttach("1", bus.Origin{UserID: "u"})
	if n := s.IncrementAttempt("1"); n != 1 {
		t.Errorf("attempt = %d, want 1", n)
	}
	if n := s.IncrementAttempt("1"); n != 2 {
		t.Errorf("attempt = %d, want 2", n)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := New()
	s.CreateOrAttach("1", bus.Origin{UserID: "u"})
	task, _ := s.Get("1")
	task.FanOut = append(task.FanOut, bus.Origin{UserID: "intruder"})

	again, _ := s.Get("1")
	if len(again.FanOut) != 1 {
		t.Error("mutating the returned task leaked into the store")
	}
}

func TestSweep(t *testing.T) {
	s := New()
	for _, id := range []string{"1", "2", "3"} {
		s.CreateOrAttach(id, bus.Origin{UserID: "u"})
		s.SetState(id, StateReady)
	}
	s.CreateOrAttach("active", bus.Origin{UserID: "u"})
	s.SetState("active", StateRunning)

	// Cap at 2 terminal tasks; the running task is untouchable.
	evicted := s.Sweep(2, time.Hour)
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if _, ok := s.Get("active"); !ok {
		t.Error("sweep evicted a running task")
	}
	if len(s.List()) != 3 {
		t.Errorf("tasks left = %d, want 3", len(s.List()))
	}
}

func TestRestoreReady_DoesNotClobberActiveTask(t *testing.T) {
	s := New()
	s.CreateOrAttach("1", bus.Origin{UserID: "u"})
	s.SetState("1", StateRunning)

	s.RestoreReady("1", []string{"a.pdf"})
	task, _ := s.Get("1")
	if task.State != StateRunning {
		t.Errorf("state = %s, RestoreReady overrode a running task", task.State)
	}

	s.Evict("1")
	s.RestoreReady("1", []string{"a.pdf"})
	task, _ = s.Get("1")
	if task.State != StateReady || len(task.Artifacts) != 1 {
		t.Errorf("restored task = %+v", task)
	}
}

func TestRehydrate(t *testing.T) {
	root := t.TempDir()

	// 100 finished with two chapter PDFs; 200 only has raw leftovers.
	dir := filepath.Join(root, "100")
	os.MkdirAll(filepath.Join(dir, "raw"), 0o755)
	os.WriteFile(filepath.Join(dir, "100-ch2.pdf"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "100-ch1.pdf"), []byte("x"), 0o644)
	os.MkdirAll(filepath.Join(root, "200", "raw"), 0o755)

	s := New()
	if n := s.Rehydrate(root); n != 1 {
		t.Fatalf("restored = %d, want 1", n)
	}

	task, ok := s.Get("100")
	if !ok || task.State != StateReady {
		t.Fatalf("task 100 = %+v, ok=%v", task, ok)
	}
	if len(task.Artifacts) != 2 || filepath.Base(task.Artifacts[0]) != "100-ch1.pdf" {
		t.Errorf("artifacts = %v, want both PDFs sorted", task.Artifacts)
	}
	if _, ok := s.Get("200"); ok {
		t.Error("directory without PDFs produced a task")
	}
}

func TestRehydrate_MissingRootIsQuiet(t *testing.T) {
	s := New()
	if n := s.Rehydrate(filepath.Join(t.TempDir(), "nope")); n != 0 {
		t.Errorf("restored = %d, want 0", n)
	}
}
