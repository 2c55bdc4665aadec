package sandbox

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"idlemesh/pkg/types"
)

var log = logging.Logger("idlemesh/sandbox")

//go:embed harness.js
var harness []byte

const stderrTail = 4 << 10

// DefaultMaxLine caps one harness event, and with it the size of a task
// result: a result line longer than this fails the task.
const DefaultMaxLine = 64 << 20

// Process runs each task as `Command... <harness> <entry>` with the payload
// on stdin. The harness emits one JSON event per stdout line.
type Process struct {
	Command []string
	Env     map[string]string
	// RuntimeDir receives the harness script.
	RuntimeDir string
	// MaxLine is the longest stdout line read; zero means DefaultMaxLine.
	MaxLine int

	once    sync.Once
	path    string
	initErr error
}

func (p *Process) harnessPath() (string, error) {
	p.once.Do(func() {
		if err := os.MkdirAll(p.RuntimeDir, 0o755); err != nil {
			p.initErr = err
			return
		}
		p.path = filepath.Join(p.RuntimeDir, "harness.js")
		p.initErr = os.WriteFile(p.path, harness, 0o644)
	})
	return p.path, p.initErr
}

func (p *Process) environ(code Code) []string {
	env := append(os.Environ(), "NODE_PATH="+filepath.Join(code.Dir, "node_modules"))
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+p.Env[k])
	}
	return env
}

func (p *Process) Start(ctx context.Context, code Code, payload json.RawMessage) (Handle, error) {
	if len(p.Command) == 0 {
		return nil, preprocess("no sandbox command configured")
	}
	script, err := p.harnessPath()
	if err != nil {
		return nil, preprocess(fmt.Sprintf("install harness: %v", err))
	}
	ctx, cancel := context.WithCancel(ctx)
	args := append(append([]string(nil), p.Command[1:]...), script, code.Entry)
	cmd := exec.CommandContext(ctx, p.Command[0], args...)
	cmd.Dir = filepath.Dir(code.Entry)
	cmd.Env = p.environ(code)
	cmd.Stdin = bytes.NewReader(payload)
	stderr := &tail{max: stderrTail}
	cmd.Stderr = stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, preprocess(err.Error())
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, preprocess(err.Error())
	}
	log.Debugf("started %s for %s (pid %d)", p.Command[0], code.CodeHash, cmd.Process.Pid)
	h := &process{ctx: ctx, cancel: cancel, events: make(chan Event, 16)}
	maxLine := p.MaxLine
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	go h.run(cmd, out, stderr, maxLine)
	return h, nil
}

type process struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
}

func (h *process) Events() <-chan Event { return h.events }

func (h *process) Cancel() { h.cancel() }

type line struct {
	Type   string          `json:"type"`
	Phase  types.Phase     `json:"phase"`
	Vars   json.RawMessage `json:"vars"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (h *process) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

func (h *process) run(cmd *exec.Cmd, out io.Reader, stderr *tail, maxLine int) {
	defer close(h.events)
	defer h.cancel()

	var final *Event
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 0, min(64<<10, maxLine)), maxLine)
	for sc.Scan() {
		var l line
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil || l.Type == "" {
			log.Debugf("sandbox output: %s", sc.Text())
			continue
		}
		if final != nil {
			continue
		}
		switch l.Type {
		case "progress":
			h.emit(Event{Kind: Progress, Vars: l.Vars})
		case "result":
			res := l.Result
			if len(res) == 0 {
				res = json.RawMessage("null")
			}
			final = &Event{Kind: Complete, Result: res}
		case "error":
			phase := l.Phase
			if phase == "" {
				phase = types.PhaseProcessing
			}
			final = &Event{Kind: Failed, Err: &types.TaskError{Phase: phase, Message: l.Error}}
		}
	}
	if sc.Err() != nil {
		// keep the child from blocking on a full pipe
		io.Copy(io.Discard, out)
	}
	waitErr := cmd.Wait()
	switch {
	case final != nil:
	case h.ctx.Err() != nil:
		final = &Event{Kind: Failed, Err: types.ErrCanceled}
	case errors.Is(sc.Err(), bufio.ErrTooLong):
		final = &Event{Kind: Failed, Err: processing(fmt.Sprintf("output line exceeds %d bytes", maxLine))}
	case sc.Err() != nil:
		final = &Event{Kind: Failed, Err: processing(fmt.Sprintf("read output: %v", sc.Err()))}
	default:
		msg := "exited without a result"
		var exit *exec.ExitError
		if errors.As(waitErr, &exit) {
			msg = fmt.Sprintf("exited with status %d", exit.ExitCode())
		}
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg += ": " + s
		}
		final = &Event{Kind: Failed, Err: processing(msg)}
	}
	if h.ctx.Err() != nil {
		select {
		case h.events <- *final:
		default:
		}
		return
	}
	h.events <- *final
}

// tail keeps the last max bytes written to it.
type tail struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
