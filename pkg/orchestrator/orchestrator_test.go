package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nekobot-dev/mangaclaw/pkg/bus"
	"github.com/nekobot-dev/mangaclaw/pkg/config"
	"github.com/nekobot-dev/mangaclaw/pkg/fetch"
	"github.com/nekobot-dev/mangaclaw/pkg/store"
)

// fakeFetcher counts calls and can fail on demand. When gate is set, Fetch
// blocks until the gate closes, which lets tests observe in-flight dedup.
type fakeFetcher struct {
	mu        sync.Mutex
	calls     int
	failTimes int  // fail this many calls with a transient error
	permanent bool // fail every call with a permanent error
	gate      chan struct{}
}

func (f *fakeFetcher) Fetch(_ context.Context, id, destDir string) (*fetch.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	}
	if f.permanent {
		return nil, &fetch.Error{Transient: false, Msg: "album " + id + " not found"}
	}
	if n <= f.failTimes {
		return nil, &fetch.Error{Transient: true, Msg: "source flaked"}
	}

	dir := filepath.Join(destDir, id+"-ch1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fetch.Result{
		AlbumID:  id,
		Title:    "album " + id,
		Chapters: []fetch.Chapter{{Title: "ch1", Dir: dir}},
	}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeConverter writes a stub PDF for every chapter.
type fakeConverter struct{ fail bool }

func (c *fakeConverter) Convert(_, outPath string) error {
	if c.fail {
		return fmt.Errorf("render failed")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outPath, []byte("%PDF-fake"), 0o644)
}

type testEnv struct {
	orch    *Orchestrator
	store   *store.Store
	bus     *bus.MessageBus
	fetcher *fakeFetcher
	root    string

	mu  sync.Mutex
	out []bus.OutboundMessage
}

func newEnv(t *testing.T, mutate func(*config.Config), f *fakeFetcher, cv *fakeConverter) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Download.StoragePath = t.TempDir()
	cfg.Download.Workers = 2
	cfg.Download.MaxRetries = 3
	cfg.Download.RetryDelaySec = 0 // clamped to one second
	cfg.Download.QueueSize = 8
	if mutate != nil {
		mutate(cfg)
	}

	st := store.New()
	mb := bus.NewMessageBus(32)
	env := &testEnv{
		orch:    New(cfg, st, f, cv, mb),
		store:   st,
		bus:     mb,
		fetcher: f,
		root:    cfg.StoragePath(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		mb.Close()
	})
	env.orch.Start(ctx)
	go func() {
		for {
			msg, ok := mb.SubscribeOutbound(ctx)
			if !ok {
				return
			}
			env.mu.Lock()
			env.out = append(env.out, msg)
			env.mu.Unlock()
		}
	}()
	return env
}

func (e *testEnv) replies() []bus.OutboundMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bus.OutboundMessage(nil), e.out...)
}

func (e *testEnv) repliesFor(origin bus.Origin) []bus.OutboundMessage {
	var out []bus.OutboundMessage
	for _, m := range e.replies() {
		if m.Origin == origin {
			out = append(out, m)
		}
	}
	return out
}

func waitForState(t *testing.T, st *store.Store, id string, want store.State) store.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if task, ok := st.Get(id); ok && task.State == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := st.Get(id)
	t.Fatalf("task %s never reached %s, last seen %+v", id, want, task)
	return store.Task{}
}

func TestDownload_CompletesAndNotifies(t *testing.T) {
	env := newEnv(t, nil, &fakeFetcher{}, &fakeConverter{})
	alice := bus.Origin{UserID: "alice"}

	env.orch.RequestDownload(context.Background(), "100", alice)
	task := waitForState(t, env.store, "100", store.StateReady)

	if len(task.Artifacts) != 1 || !strings.HasSuffix(task.Artifacts[0], ".pdf") {
		t.Fatalf("artifacts = %v", task.Artifacts)
	}
	if _, err := os.Stat(task.Artifacts[0]); err != nil {
		t.Errorf("artifact missing on disk: %v", err)
	}
	// Raw images are cleaned up once the PDFs exist.
	if _, err := os.Stat(filepath.Join(env.root, "100", "raw")); !os.IsNotExist(err) {
		t.Error("raw directory survived conversion")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(env.repliesFor(alice)) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs := env.repliesFor(alice)
	if len(msgs) < 2 {
		t.Fatalf("replies = %v, want queued ack plus completion", msgs)
	}
	if !strings.Contains(msgs[len(msgs)-1].Text, "下载完成") {
		t.Errorf("final reply = %q", msgs[len(msgs)-1].Text)
	}
}

func TestDownload_SecondRequestAttachesInsteadOfFetching(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeFetcher{gate: gate}
	env := newEnv(t, nil, f, &fakeConverter{})
	alice := bus.Origin{UserID: "alice"}
	bob := bus.Origin{UserID: "bob", GroupID: "g1"}

	env.orch.RequestDownload(context.Background(), "100", alice)
	waitForState(t, env.store, "100", store.StateRunning)
	env.orch.RequestDownload(context.Background(), "100", bob)
	close(gate)

	waitForState(t, env.store, "100", store.StateReady)
	if n := f.callCount(); n != 1 {
		t.Errorf("fetch calls = %d, want exactly 1", n)
	}

	// Both origins get the completion notice, requester first.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(env.repliesFor(bob)) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	done := 0
	for _, m := range env.replies() {
		if strings.Contains(m.Text, "下载完成") {
			done++
		}
	}
	if done != 2 {
		t.Errorf("completion notices = %d, want 2", done)
	}
}

func TestDownload_PermanentFailureSkipsRetries(t *testing.T) {
	f := &fakeFetcher{permanent: true}
	env := newEnv(t, nil, f, &fakeConverter{})

	env.orch.RequestDownload(context.Background(), "404", bus.Origin{UserID: "u"})
	task := waitForState(t, env.store, "404", store.StateFailed)

	if f.callCount() != 1 {
		t.Errorf("fetch calls = %d, permanent errors must not be retried", f.callCount())
	}
	if task.Attempt != 0 {
		t.Errorf("attempt = %d, permanent failure must not consume the budget", task.Attempt)
	}
	if !strings.Contains(task.Error, "not found") {
		t.Errorf("task error = %q", task.Error)
	}
}

func TestDownload_TransientFailureRetriesThenSucceeds(t *testing.T) {
	f := &fakeFetcher{failTimes: 1}
	env := newEnv(t, nil, f, &fakeConverter{})

	env.orch.RequestDownload(context.Background(), "100", bus.Origin{UserID: "u"})
	waitForState(t, env.store, "100", store.StateReady)

	if f.callCount() != 2 {
		t.Errorf("fetch calls = %d, want initial attempt plus one retry", f.callCount())
	}
}

func TestDownload_RetryBudgetExhausted(t *testing.T) {
	f := &fakeFetcher{failTimes: 100}
	env := newEnv(t, func(c *config.Config) {
		c.Download.MaxRetries = 1
	}, f, &fakeConverter{})
	u := bus.Origin{UserID: "u"}

	env.orch.RequestDownload(context.Background(), "100", u)
	waitForState(t, env.store, "100", store.StateFailed)

	if f.callCount() != 2 {
		t.Errorf("fetch calls = %d, want initial attempt plus one retry", f.callCount())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(env.repliesFor(u)) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs := env.repliesFor(u)
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Text, "下载失败") {
		t.Errorf("final reply = %q, want failure notice", last.Text)
	}
}

func TestDownload_AlreadyOnDiskShortCircuits(t *testing.T) {
	f := &fakeFetcher{}
	env := newEnv(t, nil, f, &fakeConverter{})

	dir := filepath.Join(env.root, "100")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "100-ch1.pdf"), []byte("%PDF"), 0o644)

	u := bus.Origin{UserID: "u"}
	env.orch.RequestDownload(context.Background(), "100", u)

	time.Sleep(100 * time.Millisecond)
	if f.callCount() != 0 {
		t.Errorf("fetch calls = %d, finished download must answer from disk", f.callCount())
	}
	msgs := env.repliesFor(u)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "已经下载过了") {
		t.Errorf("replies = %v", msgs)
	}
}

func TestSend_UnknownIDCreatesNoTask(t *testing.T) {
	env := newEnv(t, nil, &fakeFetcher{}, &fakeConverter{})
	u := bus.Origin{UserID: "u"}

	env.orch.RequestSend(context.Background(), "999999", u)

	time.Sleep(50 * time.Millisecond)
	if _, ok := env.store.Get("999999"); ok {
		t.Error("send for unknown id created a task")
	}
	msgs := env.repliesFor(u)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "还没有下载过") {
		t.Errorf("replies = %v", msgs)
	}
}

func TestSend_ReadyDeliversEveryArtifact(t *testing.T) {
	env := newEnv(t, nil, &fakeFetcher{}, &fakeConverter{})
	u := bus.Origin{UserID: "u"}

	env.orch.RequestDownload(context.Background(), "100", u)
	waitForState(t, env.store, "100", store.StateReady)

	viewer := bus.Origin{UserID: "viewer"}
	env.orch.RequestSend(context.Background(), "100", viewer)

	time.Sleep(100 * time.Millisecond)
	msgs := env.repliesFor(viewer)
	files := 0
	for _, m := range msgs {
		if m.FilePath != "" {
			files++
			if m.FileName == "" {
				t.Error("file reply without a name")
			}
		}
	}
	if files != 1 {
		t.Errorf("file replies = %d, want 1", files)
	}

	// Send is idempotent: asking again delivers again, no state change.
	env.orch.RequestSend(context.Background(), "100", viewer)
	time.Sleep(100 * time.Millisecond)
	task, _ := env.store.Get("100")
	if task.State != store.StateReady {
		t.Errorf("state after repeat send = %s", task.State)
	}
}

func TestDelete_RemovesArtifactsAndRecord(t *testing.T) {
	env := newEnv(t, nil, &fakeFetcher{}, &fakeConverter{})
	u := bus.Origin{UserID: "u"}

	env.orch.RequestDownload(context.Background(), "100", u)
	waitForState(t, env.store, "100", store.StateReady)

	env.orch.Delete(context.Background(), "100", u)

	if _, ok := env.store.Get("100"); ok {
		t.Error("task record survived delete")
	}
	if _, err := os.Stat(filepath.Join(env.root, "100")); !os.IsNotExist(err) {
		t.Error("download directory survived delete")
	}
}

func TestQueueFull_RejectsWithReply(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeFetcher{gate: gate}
	env := newEnv(t, func(c *config.Config) {
		c.Download.Workers = 1
		c.Download.QueueSize = 1
	}, f, &fakeConverter{})
	u := bus.Origin{UserID: "u"}

	// One job occupies the worker, one fills the queue, the third overflows.
	env.orch.RequestDownload(context.Background(), "1", u)
	waitForState(t, env.store, "1", store.StateRunning)
	env.orch.RequestDownload(context.Background(), "2", u)
	env.orch.RequestDownload(context.Background(), "3", u)

	task, _ := env.store.Get("3")
	if task.State != store.StateFailed {
		t.Errorf("overflow task state = %s, want failed", task.State)
	}
	found := false
	deadline := time.Now().Add(2 * time.Second)
	for !found && time.Now().Before(deadline) {
		for _, m := range env.repliesFor(u) {
			if strings.Contains(m.Text, "队列已满") {
				found = true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !found {
		t.Error("no queue-full reply sent")
	}

	// Drain the gated tasks so the worker is done writing before the
	// test's TempDir cleanup removes the storage root.
	close(gate)
	waitForState(t, env.store, "1", store.StateReady)
	waitForState(t, env.store, "2", store.StateReady)
}

func TestLowMemory_AutoSendsArtifacts(t *testing.T) {
	env := newEnv(t, func(c *config.Config) {
		c.LowMemory.Enabled = true
		c.LowMemory.DeleteDelayMins = 60 // keep files alive during the test
	}, &fakeFetcher{}, &fakeConverter{})
	u := bus.Origin{UserID: "u"}

	env.orch.RequestDownload(context.Background(), "100", u)
	waitForState(t, env.store, "100", store.StateReady)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		files := 0
		for _, m := range env.repliesFor(u) {
			if m.FilePath != "" {
				files++
			}
		}
		if files >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("low-memory mode did not push the artifact automatically")
}
