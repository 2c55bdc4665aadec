package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"idlemesh/pkg/types"
)

type fakeResolver struct {
	mu       sync.Mutex
	gate     chan struct{}
	fails    map[string]error
	resolved map[string]string
}

func (f *fakeResolver) HashOf(text []byte) (string, error) { return "raw-" + string(text), nil }

func (f *fakeResolver) Resolve(ctx context.Context, source []byte, dir string) (string, string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fails[string(source)]; err != nil {
		return "", "", err
	}
	if f.resolved == nil {
		f.resolved = map[string]string{}
	}
	f.resolved["raw-"+string(source)] = "code-" + string(source)
	return "code-" + string(source), "deps", nil
}

func (f *fakeResolver) Resolved(raw string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.resolved[raw]
	return code, ok
}

func newRegistry(t *testing.T, cfg Config, res Resolver) *Registry {
	t.Helper()
	r := NewRegistry(cfg, res)
	t.Cleanup(r.Close)
	return r
}

func submit(t *testing.T, r *Registry, src string, kind types.UnitKind) *Handle {
	t.Helper()
	h, err := r.Submit(Spec{Source: []byte(src), Kind: kind})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return h
}

func waitDone(t *testing.T, h *Handle) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("task did not terminate")
	}
	return res, err
}

func TestSubmitRejectsBadInput(t *testing.T) {
	r := newRegistry(t, Config{}, &fakeResolver{})
	if _, err := r.Submit(Spec{Source: []byte("x"), Kind: "tpu"}); err == nil {
		t.Fatal("unknown kind accepted")
	}
	if _, err := r.Submit(Spec{}); err == nil {
		t.Fatal("empty source accepted")
	}
}

func TestGroupsFIFOByHash(t *testing.T) {
	res := &fakeResolver{gate: make(chan struct{})}
	r := newRegistry(t, Config{}, res)
	a1 := submit(t, r, "a", types.UnitCPU)
	b := submit(t, r, "b", types.UnitGPU)
	a2 := submit(t, r, "a", types.UnitCPU)
	e := submit(t, r, "e", types.UnitEither)

	cpu := r.Groups(types.UnitCPU)
	if len(cpu) != 2 {
		t.Fatalf("cpu groups = %d, want 2", len(cpu))
	}
	if cpu[0].Hash != "raw-a" || len(cpu[0].Tasks) != 2 || cpu[0].Tasks[0].ID != a1.ID || cpu[0].Tasks[1].ID != a2.ID {
		t.Fatalf("first cpu group = %+v", cpu[0])
	}
	if cpu[1].Tasks[0].ID != e.ID {
		t.Fatal("either-kind task missing from cpu pool")
	}
	gpu := r.Groups(types.UnitGPU)
	if len(gpu) != 2 || gpu[0].Tasks[0].ID != b.ID || gpu[1].Tasks[0].ID != e.ID {
		t.Fatalf("gpu groups = %+v", gpu)
	}
	if r.Queued() != 4 {
		t.Fatalf("queued = %d", r.Queued())
	}
}

func TestGroupsUseResolvedHash(t *testing.T) {
	r := newRegistry(t, Config{}, &fakeResolver{})
	h := submit(t, r, "a", types.UnitCPU)
	task, _ := r.Task(h.ID)
	if _, _, err := task.Resolution(context.Background()); err != nil {
		t.Fatal(err)
	}
	g := r.Groups(types.UnitCPU)
	if len(g) != 1 || g[0].Hash != "code-a" {
		t.Fatalf("groups = %+v", g)
	}
}

func TestGroupsReuseEarlierResolution(t *testing.T) {
	res := &fakeResolver{}
	r := newRegistry(t, Config{}, res)
	first := submit(t, r, "a", types.UnitCPU)
	task, _ := r.Task(first.ID)
	if _, _, err := task.Resolution(context.Background()); err != nil {
		t.Fatal(err)
	}
	res.gate = make(chan struct{})
	second := submit(t, r, "a", types.UnitCPU)
	if _, _, ok := second.task.Resolved(); ok {
		t.Fatal("second task resolved despite the closed gate")
	}
	g := r.Groups(types.UnitCPU)
	if len(g) != 1 || g[0].Hash != "code-a" || len(g[0].Tasks) != 2 {
		t.Fatalf("groups = %+v, want both tasks under code-a", g)
	}
}

func TestUnresolvableFailsQueuedTask(t *testing.T) {
	res := &fakeResolver{fails: map[string]error{
		"bad": &types.UnresolvableError{Specifier: "left-pad"},
	}}
	r := newRegistry(t, Config{}, res)
	h := submit(t, r, "bad", types.UnitCPU)
	_, err := waitDone(t, h)
	if !errors.Is(err, types.ErrUnresolvableDependency) {
		t.Fatalf("err = %v", err)
	}
	if r.Queued() != 0 {
		t.Fatal("failed task still queued")
	}
	if info, ok := h.Final(); !ok || info.Status != types.StatusFailed {
		t.Fatalf("final = %+v %v", info, ok)
	}
}

func TestLifecycleComplete(t *testing.T) {
	r := newRegistry(t, Config{}, &fakeResolver{})
	h := submit(t, r, "a", types.UnitCPU)
	if err := r.Reserve(h.ID, "p1", types.UnitCPU); err != nil {
		t.Fatal(err)
	}
	if err := r.Reserve(h.ID, "p1", types.UnitCPU); err == nil {
		t.Fatal("reserved twice")
	}
	if r.Advance(h.ID, "other", types.StatusStarted) {
		t.Fatal("advanced from the wrong peer")
	}
	r.Advance(h.ID, "p1", types.StatusStarted)
	r.Progress(h.ID, "p1", []byte(`{"pct":50}`))
	if ids := r.OnPeer("p1"); len(ids) != 1 || ids[0] != h.ID {
		t.Fatalf("OnPeer = %v", ids)
	}
	r.Complete(h.ID, "p1", []byte(`42`))
	res, err := waitDone(t, h)
	if err != nil || string(res) != "42" {
		t.Fatalf("result = %s, %v", res, err)
	}

	var seen []types.Status
	for u := range h.Updates() {
		seen = append(seen, u.Status)
	}
	want := []types.Status{types.StatusQueued, types.StatusSent, types.StatusStarted, types.StatusProcessing, types.StatusComplete}
	if len(seen) != len(want) {
		t.Fatalf("updates = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("updates = %v, want %v", seen, want)
		}
	}
	if _, ok := r.Get(h.ID); ok {
		t.Fatal("terminated task still registered")
	}
}

func TestRequeueWithoutPenalty(t *testing.T) {
	r := newRegistry(t, Config{}, &fakeResolver{})
	first := submit(t, r, "a", types.UnitCPU)
	second := submit(t, r, "a", types.UnitCPU)
	r.Reserve(first.ID, "p1", types.UnitCPU)
	if !r.Requeue(first.ID, "p1", "unacceptable") {
		t.Fatal("Requeue failed")
	}
	info, _ := r.Get(first.ID)
	if info.Status != types.StatusQueued || info.ErrorRetries != 0 || info.TimeoutRetries != 0 {
		t.Fatalf("info = %+v", info)
	}
	g := r.Groups(types.UnitCPU)
	if g[0].Tasks[0].ID != first.ID || g[0].Tasks[1].ID != second.ID {
		t.Fatal("requeued task not at the head of its group")
	}
}

func TestTimeoutRequeuesThenFails(t *testing.T) {
	r := newRegistry(t, Config{Timeout: 20 * time.Millisecond, AutoTimeoutRetry: true, MaxTimeoutRetries: 2}, &fakeResolver{})
	var mu sync.Mutex
	abandoned := 0
	r.OnAbandon(func(id, peer string) {
		mu.Lock()
		abandoned++
		mu.Unlock()
	})
	h := submit(t, r, "a", types.UnitCPU)

	for i := 0; i < 3; i++ {
		if err := r.Reserve(h.ID, "p1", types.UnitCPU); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for {
			info, ok := r.Get(h.ID)
			if !ok || info.Status == types.StatusQueued {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("timeout never fired")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	_, err := waitDone(t, h)
	if !errors.Is(err, types.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if abandoned != 3 {
		t.Fatalf("abandon hook ran %d times, want 3", abandoned)
	}
}

func TestActivityDefersTimeout(t *testing.T) {
	r := newRegistry(t, Config{Timeout: 60 * time.Millisecond}, &fakeResolver{})
	h := submit(t, r, "a", types.UnitCPU)
	r.Reserve(h.ID, "p1", types.UnitCPU)
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		if !r.Touch(h.ID, "p1") {
			t.Fatal("task timed out despite activity")
		}
	}
	r.Complete(h.ID, "p1", nil)
	if _, err := waitDone(t, h); err != nil {
		t.Fatal(err)
	}
}

func TestErrorRetryPolicy(t *testing.T) {
	boom := &types.TaskError{Phase: types.PhaseProcessing, Message: "boom"}

	off := newRegistry(t, Config{}, &fakeResolver{})
	h := submit(t, off, "a", types.UnitCPU)
	off.Reserve(h.ID, "p1", types.UnitCPU)
	if off.Retry(h.ID, "p1", boom) {
		t.Fatal("retried with auto error retry off")
	}
	if _, err := waitDone(t, h); !errors.As(err, new(*types.TaskError)) {
		t.Fatalf("err = %v", err)
	}

	on := newRegistry(t, Config{AutoErrorRetry: true, MaxErrorRetries: 1}, &fakeResolver{})
	h = submit(t, on, "a", types.UnitCPU)
	on.Reserve(h.ID, "p1", types.UnitCPU)
	if !on.Retry(h.ID, "p1", boom) {
		t.Fatal("first error not retried")
	}
	on.Reserve(h.ID, "p2", types.UnitCPU)
	if on.Retry(h.ID, "p2", boom) {
		t.Fatal("retried past the budget")
	}
	// a second terminal call must be a no-op
	if on.Retry(h.ID, "p2", boom) || on.Fail(h.ID, boom) {
		t.Fatal("terminated task handled twice")
	}
}

func TestUnresolvableIsNeverRetried(t *testing.T) {
	r := newRegistry(t, Config{AutoErrorRetry: true}, &fakeResolver{})
	h := submit(t, r, "a", types.UnitCPU)
	r.Reserve(h.ID, "p1", types.UnitCPU)
	if r.Retry(h.ID, "p1", &types.UnresolvableError{Specifier: "x"}) {
		t.Fatal("unresolvable dependency retried")
	}
}

func TestConsumeRetry(t *testing.T) {
	r := newRegistry(t, Config{MaxErrorRetries: 2}, &fakeResolver{})
	h := submit(t, r, "a", types.UnitCPU)
	if !r.ConsumeRetry(h.ID) || !r.ConsumeRetry(h.ID) {
		t.Fatal("budget exhausted early")
	}
	if r.ConsumeRetry(h.ID) {
		t.Fatal("budget not enforced")
	}
}

func TestCancelNotifiesPeerFirst(t *testing.T) {
	r := newRegistry(t, Config{}, &fakeResolver{})
	h := submit(t, r, "a", types.UnitCPU)
	r.Reserve(h.ID, "p1", types.UnitCPU)
	var gotPeer string
	r.OnAbandon(func(id, peer string) {
		select {
		case <-h.Done():
			t.Error("task terminated before the peer was told")
		default:
		}
		gotPeer = peer
	})
	if err := r.Cancel(h.ID); err != nil {
		t.Fatal(err)
	}
	if gotPeer != "p1" {
		t.Fatalf("abandon peer = %q", gotPeer)
	}
	if _, err := waitDone(t, h); !errors.Is(err, types.ErrCanceled) {
		t.Fatalf("err = %v", err)
	}
	if err := r.Cancel(h.ID); err == nil {
		t.Fatal("canceled twice")
	}
}

func TestCancelQueued(t *testing.T) {
	r := newRegistry(t, Config{}, &fakeResolver{})
	called := false
	r.OnAbandon(func(string, string) { called = true })
	h := submit(t, r, "a", types.UnitCPU)
	r.Cancel(h.ID)
	if called {
		t.Fatal("abandon hook ran for a queued task")
	}
	if r.Queued() != 0 {
		t.Fatal("canceled task still queued")
	}
}
