package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"idlemesh/pkg/bulk"
	"idlemesh/pkg/capacity"
	"idlemesh/pkg/executor"
	"idlemesh/pkg/link"
	"idlemesh/pkg/protocol"
	"idlemesh/pkg/resolver"
	"idlemesh/pkg/sandbox"
	"idlemesh/pkg/store"
	"idlemesh/pkg/task"
	"idlemesh/pkg/types"
)

const meshLock = `{
  "name": "app",
  "lockfileVersion": 2,
  "packages": {
    "": {"name": "app"},
    "node_modules/leftpad": {"version": "1.0.0"}
  }
}`

const meshMain = `const util = require("./lib/util");
module.exports = (p) => util(p);
`

func writeProjectFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func dirStore(t *testing.T, name string) *store.DirStore {
	t.Helper()
	d, err := store.NewDirStore(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

type fakeHandle struct{ events chan sandbox.Event }

func (h *fakeHandle) Events() <-chan sandbox.Event { return h.events }

func (h *fakeHandle) Cancel() {}

// echoSandbox checks the materialized code and installed packages, then
// returns the payload wrapped with a filler of the requested size.
type echoSandbox struct {
	t      *testing.T
	filler int

	mu      sync.Mutex
	started int
}

func (s *echoSandbox) Start(_ context.Context, code sandbox.Code, payload json.RawMessage) (sandbox.Handle, error) {
	if _, err := os.Stat(code.Entry); err != nil {
		return nil, fmt.Errorf("entry not materialized: %w", err)
	}
	if _, err := os.Stat(filepath.Join(code.Dir, "node_modules", "leftpad", "index.js")); err != nil {
		return nil, fmt.Errorf("dependency not installed: %w", err)
	}
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
	result, _ := json.Marshal(map[string]any{"echo": payload, "filler": strings.Repeat("x", s.filler)})
	h := &fakeHandle{events: make(chan sandbox.Event, 2)}
	h.events <- sandbox.Event{Kind: sandbox.Progress, Vars: json.RawMessage(`{"step":1}`)}
	h.events <- sandbox.Event{Kind: sandbox.Complete, Result: result}
	close(h.events)
	return h, nil
}

// batchSpy records what the executor receives.
type batchSpy struct {
	link.Handler
	mu      sync.Mutex
	batches []int
	kinds   map[protocol.Kind]int
	// ResponseCode frames that named a bulk transfer
	bulkCode int
}

func (s *batchSpy) HandleMessage(l *link.Link, m protocol.Message) {
	s.mu.Lock()
	if rt, ok := m.(protocol.RequestTasks); ok {
		s.batches = append(s.batches, len(rt.Tasks))
	}
	if rc, ok := m.(protocol.ResponseCode); ok && rc.BulkHash != "" {
		s.bulkCode++
	}
	s.kinds[m.Kind()]++
	s.mu.Unlock()
	s.Handler.HandleMessage(l, m)
}

func (s *batchSpy) count(k protocol.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kinds[k]
}

type mesh struct {
	root    string
	runtime string
	dl      *link.Link
	reg     *task.Registry
	sched   *Scheduler
	exe     *executor.Executor
	spy     *batchSpy
}

func newMesh(t *testing.T, idleCPU, chunk int, sb sandbox.Sandbox) *mesh {
	t.Helper()
	m := &mesh{root: t.TempDir(), runtime: t.TempDir()}
	writeProjectFile(t, m.root, "package-lock.json", meshLock)
	writeProjectFile(t, m.root, "lib/util.js", "const pad = require(\"leftpad\");\nmodule.exports = (x) => pad(x);\n")
	writeProjectFile(t, m.root, "node_modules/leftpad/index.js", "module.exports = (x) => x;\n")

	dres, err := resolver.New(resolver.Options{
		ProjectRoot: m.root,
		Lockfile:    filepath.Join(m.root, "package-lock.json"),
		Sources:     dirStore(t, "sources"),
		Bundles:     dirStore(t, "bundles"),
		Manifests:   dirStore(t, "manifests"),
	})
	if err != nil {
		t.Fatal(err)
	}
	m.reg = task.NewRegistry(task.Config{Timeout: 5 * time.Second}, dres)
	t.Cleanup(m.reg.Close)
	m.sched = New(Config{ReclaimInterval: 20 * time.Millisecond}, nil, m.reg, dres)

	eres, err := resolver.New(resolver.Options{
		ProjectRoot: m.runtime,
		Sources:     dirStore(t, "exec-sources"),
		Bundles:     dirStore(t, "exec-bundles"),
	})
	if err != nil {
		t.Fatal(err)
	}
	inst, err := resolver.NewInstaller(m.runtime)
	if err != nil {
		t.Fatal(err)
	}
	m.exe = executor.New(executor.Config{RuntimeDir: m.runtime, StatusCooldown: 5 * time.Millisecond},
		capacity.New(idleCPU, 0), eres, inst, sb)
	t.Cleanup(m.exe.Close)
	m.spy = &batchSpy{Handler: m.exe, kinds: map[protocol.Kind]int{}}

	a, b := net.Pipe()
	sender := func() *bulk.Sender { return bulk.NewSender(chunk, store.NewMemory(64, time.Minute), nil) }
	m.dl = link.New("executor", link.Dispatcher, a, m.sched, sender(), store.NewMemory(64, 0))
	el := link.New("dispatcher", link.Executor, b, m.spy, sender(), store.NewMemory(64, 0))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.dl.Run(ctx)
	go el.Run(ctx)
	go m.sched.Run(ctx)
	return m
}

func (m *mesh) submit(t *testing.T, payload string) *task.Handle {
	t.Helper()
	h, err := m.reg.Submit(task.Spec{Name: "echo", Source: []byte(meshMain), Dir: m.root, Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func waitResult(t *testing.T, h *task.Handle) map[string]json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("task %s: %v", h.ID, err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(res, &out); err != nil {
		t.Fatalf("result %q: %v", res, err)
	}
	return out
}

func TestMeshTwoTasksOneBatch(t *testing.T) {
	sb := &echoSandbox{t: t}
	m := newMesh(t, 2, bulk.DefaultChunkSize, sb)
	first := m.submit(t, `{"n":1}`)
	second := m.submit(t, `{"n":2}`)
	for _, h := range []*task.Handle{first, second} {
		tk, _ := m.reg.Task(h.ID)
		if _, _, err := tk.Resolution(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	m.sched.Attach(m.dl)

	if got := string(waitResult(t, first)["echo"]); got != `{"n":1}` {
		t.Fatalf("first echo = %s", got)
	}
	if got := string(waitResult(t, second)["echo"]); got != `{"n":2}` {
		t.Fatalf("second echo = %s", got)
	}
	m.spy.mu.Lock()
	batches := append([]int(nil), m.spy.batches...)
	m.spy.mu.Unlock()
	if len(batches) != 1 || batches[0] != 2 {
		t.Fatalf("batches = %v, want one batch of 2", batches)
	}

	var statuses []types.Status
	for u := range first.Updates() {
		statuses = append(statuses, u.Status)
	}
	if statuses[len(statuses)-1] != types.StatusComplete {
		t.Fatalf("updates = %v", statuses)
	}
	sawProgress := false
	for _, s := range statuses {
		if s == types.StatusProcessing {
			sawProgress = true
		}
	}
	if !sawProgress {
		t.Fatalf("progress not delivered: %v", statuses)
	}
	waitFor(t, "executor slots freed", func() bool { return m.exe.Capacity().Idle(types.UnitCPU) == 2 })
}

func TestMeshBulkEverywhere(t *testing.T) {
	sb := &echoSandbox{t: t, filler: 500}
	m := newMesh(t, 1, 64, sb)
	payload := fmt.Sprintf(`{"blob":%q}`, strings.Repeat("p", 200))
	h := m.submit(t, payload)
	m.sched.Attach(m.dl)

	out := waitResult(t, h)
	if !bytes.Equal(out["echo"], []byte(payload)) {
		t.Fatalf("payload did not survive the bulk transfer: %s", out["echo"])
	}
	if len(out["filler"]) != 502 {
		t.Fatalf("filler length = %d", len(out["filler"]))
	}
	m.spy.mu.Lock()
	defer m.spy.mu.Unlock()
	if m.spy.bulkCode == 0 {
		t.Fatal("code closure larger than a chunk was sent inline")
	}
}

func TestMeshSmallClosureStaysInline(t *testing.T) {
	sb := &echoSandbox{t: t}
	m := newMesh(t, 1, bulk.DefaultChunkSize, sb)
	m.sched.Attach(m.dl)
	waitResult(t, m.submit(t, `1`))
	m.spy.mu.Lock()
	defer m.spy.mu.Unlock()
	if m.spy.kinds[protocol.KindResponseCode] == 0 || m.spy.bulkCode != 0 {
		t.Fatalf("code frames = %d, bulk = %d", m.spy.kinds[protocol.KindResponseCode], m.spy.bulkCode)
	}
}

func TestMeshRepeatSkipsNegotiation(t *testing.T) {
	sb := &echoSandbox{t: t}
	m := newMesh(t, 1, bulk.DefaultChunkSize, sb)
	m.sched.Attach(m.dl)
	waitResult(t, m.submit(t, `1`))
	waitFor(t, "executor reports the code", func() bool {
		for _, p := range m.sched.Peers() {
			if len(p.Capacity.KnownCodeHashes) > 0 && p.Capacity.IdleCPU == 1 {
				return true
			}
		}
		return false
	})
	code := m.spy.count(protocol.KindResponseCode)
	deps := m.spy.count(protocol.KindResponseDependencyBundle)
	if code == 0 || deps == 0 {
		t.Fatalf("first task skipped negotiation: code=%d deps=%d", code, deps)
	}
	waitResult(t, m.submit(t, `2`))
	if m.spy.count(protocol.KindResponseCode) != code || m.spy.count(protocol.KindResponseDependencyBundle) != deps {
		t.Fatal("repeat task negotiated code or dependencies again")
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.started != 2 {
		t.Fatalf("started %d tasks", sb.started)
	}
}
