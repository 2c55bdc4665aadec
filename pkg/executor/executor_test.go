package executor

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"idlemesh/pkg/bulk"
	"idlemesh/pkg/capacity"
	"idlemesh/pkg/link"
	"idlemesh/pkg/machine"
	"idlemesh/pkg/protocol"
	"idlemesh/pkg/resolver"
	"idlemesh/pkg/store"
	"idlemesh/pkg/types"
)

// inbox collects what the executor sends back to the dispatcher side.
type inbox struct {
	reports chan protocol.ReportTaskStatus
	status  chan protocol.StatusReport
}

func (b *inbox) HandleMessage(l *link.Link, m protocol.Message) {
	switch v := m.(type) {
	case protocol.ReportTaskStatus:
		b.reports <- v
	case protocol.StatusReport:
		select {
		case b.status <- v:
		default:
		}
	}
}

func (b *inbox) LinkClosed(*link.Link, error) {}

func newExecutor(t *testing.T, cpu int, remote string) (*Executor, *link.Link, *inbox) {
	t.Helper()
	dir := t.TempDir()
	dirStore := func(name string) *store.DirStore {
		d, err := store.NewDirStore(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		return d
	}
	res, err := resolver.New(resolver.Options{ProjectRoot: dir, Sources: dirStore("sources"), Bundles: dirStore("bundles")})
	if err != nil {
		t.Fatal(err)
	}
	inst, err := resolver.NewInstaller(filepath.Join(dir, "runtime"))
	if err != nil {
		t.Fatal(err)
	}
	accepts, err := machine.ParseRanges([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	exe := New(Config{RuntimeDir: filepath.Join(dir, "runtime"), StatusCooldown: time.Millisecond, Accept: accepts.Allows},
		capacity.New(cpu, 0), res, inst, nil)
	t.Cleanup(exe.Close)

	box := &inbox{reports: make(chan protocol.ReportTaskStatus, 8), status: make(chan protocol.StatusReport, 8)}
	a, b := net.Pipe()
	sender := func() *bulk.Sender { return bulk.NewSender(65536, store.NewMemory(16, time.Minute), nil) }
	dl := link.New("executor", link.Dispatcher, a, box, sender(), store.NewMemory(16, 0))
	el := link.New(remote, link.Executor, b, exe, sender(), store.NewMemory(16, 0))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go dl.Run(ctx)
	go el.Run(ctx)
	return exe, dl, box
}

func request(t *testing.T, dl *link.Link, box *inbox, reqs ...protocol.TaskRequest) map[string]protocol.TaskReport {
	t.Helper()
	if err := dl.Send(protocol.RequestTasks{Tasks: reqs}); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-box.reports:
		return r.Reports
	case <-time.After(2 * time.Second):
		t.Fatal("no task report")
		return nil
	}
}

func TestRefusesDispatcherOutsideAcceptRanges(t *testing.T) {
	exe, dl, box := newExecutor(t, 4, "/ip4/192.168.1.5/tcp/30001")
	reps := request(t, dl, box, protocol.TaskRequest{ID: "a", CodeHash: "c", UnitKind: types.UnitCPU})
	if r := reps["a"]; r.Status != protocol.Unacceptable || r.Reason != protocol.ReasonNotAccepted {
		t.Fatalf("report = %+v", r)
	}
	if exe.Capacity().Idle(types.UnitCPU) != 4 {
		t.Fatal("refused task took a slot")
	}
	select {
	case s := <-box.status:
		if s.IdleCPU != 0 || s.IdleGPU != 0 {
			t.Fatalf("refused dispatcher saw capacity %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no status report")
	}
}

func TestCPULimitAndBadRequest(t *testing.T) {
	exe, dl, box := newExecutor(t, 1, "/ip4/10.1.2.3/tcp/30001")
	reps := request(t, dl, box,
		protocol.TaskRequest{ID: "a", CodeHash: "c1", UnitKind: types.UnitCPU},
		protocol.TaskRequest{ID: "b", CodeHash: "c1", UnitKind: types.UnitGPU},
		protocol.TaskRequest{ID: "c", CodeHash: "c1", UnitKind: types.UnitEither},
	)
	if r := reps["a"]; r.Status != protocol.NeedsCode || len(r.Missing) != 1 || r.Missing[0] != "c1" {
		t.Fatalf("a = %+v", r)
	}
	if r := reps["b"]; r.Status != protocol.Unacceptable || r.Reason != protocol.ReasonGPULimit {
		t.Fatalf("b = %+v", r)
	}
	if r := reps["c"]; r.Status != protocol.Unacceptable || r.Reason != protocol.ReasonBadRequest {
		t.Fatalf("c = %+v", r)
	}
	reps = request(t, dl, box, protocol.TaskRequest{ID: "d", CodeHash: "c1", UnitKind: types.UnitCPU})
	if r := reps["d"]; r.Status != protocol.Unacceptable || r.Reason != protocol.ReasonCPULimit {
		t.Fatalf("d = %+v", r)
	}
	if !exe.Capacity().Holds("a") {
		t.Fatal("accepted task holds no slot")
	}
}

func TestUnreadableCodeIsBadCode(t *testing.T) {
	exe, dl, box := newExecutor(t, 1, "/ip4/10.1.2.3/tcp/30001")
	reps := request(t, dl, box, protocol.TaskRequest{ID: "a", CodeHash: "../escape", UnitKind: types.UnitCPU})
	if r := reps["a"]; r.Status != protocol.Unacceptable || r.Reason != protocol.ReasonBadCode {
		t.Fatalf("a = %+v", r)
	}
	if exe.Capacity().Holds("a") || exe.Capacity().Idle(types.UnitCPU) != 1 {
		t.Fatal("refused task kept its slot")
	}
}

func TestCancelReleasesSlot(t *testing.T) {
	exe, dl, box := newExecutor(t, 1, "/ip4/10.1.2.3/tcp/30001")
	request(t, dl, box, protocol.TaskRequest{ID: "a", CodeHash: "c1", UnitKind: types.UnitCPU})
	if err := dl.Send(protocol.TaskCancel{TaskID: "a"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for exe.Capacity().Idle(types.UnitCPU) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("slot never released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLinkLossDropsJobs(t *testing.T) {
	exe, dl, box := newExecutor(t, 2, "/ip4/10.1.2.3/tcp/30001")
	request(t, dl, box,
		protocol.TaskRequest{ID: "a", CodeHash: "c1", UnitKind: types.UnitCPU},
		protocol.TaskRequest{ID: "b", CodeHash: "c1", UnitKind: types.UnitCPU},
	)
	if exe.Capacity().Idle(types.UnitCPU) != 0 {
		t.Fatal("slots not taken")
	}
	dl.Close()
	deadline := time.Now().Add(2 * time.Second)
	for exe.Capacity().Idle(types.UnitCPU) != 2 {
		if time.Now().After(deadline) {
			t.Fatal("slots never released after link loss")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
