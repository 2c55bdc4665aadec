// Package api is the node's HTTP surface: task submission and inspection,
// peer and capacity views, and the Prometheus endpoint.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/golang-lru/v2/expirable"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"idlemesh/pkg/capacity"
	"idlemesh/pkg/scheduler"
	"idlemesh/pkg/task"
	"idlemesh/pkg/types"
)

var log = logging.Logger("idlemesh/api")

// Tasks is the part of the task registry the API drives.
type Tasks interface {
	Submit(spec task.Spec) (*task.Handle, error)
	Get(id string) (task.Info, bool)
	List() []task.Info
	Cancel(id string) error
	Queued() int
	InFlight() int
}

type Config struct {
	PeerID string
	// Retain bounds how many finished tasks stay readable, and for how long.
	Retain    int
	RetainTTL time.Duration
	MaxWait   time.Duration
}

func (c *Config) Defaults() {
	if c.Retain <= 0 {
		c.Retain = 1024
	}
	if c.RetainTTL <= 0 {
		c.RetainTTL = time.Hour
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 5 * time.Minute
	}
}

type tracked struct {
	progress json.RawMessage
	settled  chan struct{}
}

type Server struct {
	cfg    Config
	tasks  Tasks
	peers  func() []scheduler.PeerInfo
	local  func() capacity.Report
	router *mux.Router

	mu       sync.Mutex
	live     map[string]*tracked
	finished *expirable.LRU[string, TaskView]
}

// NewServer builds the router. peers and local may be nil on nodes that only
// seek or only offer capacity.
func NewServer(cfg Config, tasks Tasks, peers func() []scheduler.PeerInfo, local func() capacity.Report) *Server {
	cfg.Defaults()
	s := &Server{
		cfg:      cfg,
		tasks:    tasks,
		peers:    peers,
		local:    local,
		live:     map[string]*tracked{},
		finished: expirable.NewLRU[string, TaskView](cfg.Retain, nil, cfg.RetainTTL),
	}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/v1/tasks", s.submit).Methods("POST")
	r.HandleFunc("/v1/tasks", s.list).Methods("GET")
	r.HandleFunc("/v1/tasks/{id}", s.get).Methods("GET")
	r.HandleFunc("/v1/tasks/{id}", s.cancel).Methods("DELETE")
	r.HandleFunc("/v1/peers", s.listPeers).Methods("GET")
	r.HandleFunc("/v1/capacity", s.capacity).Methods("GET")
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Track follows a handle so its progress and final state stay readable.
func (s *Server) Track(h *task.Handle) {
	tr := &tracked{settled: make(chan struct{})}
	s.mu.Lock()
	s.live[h.ID] = tr
	s.mu.Unlock()
	go func() {
		for u := range h.Updates() {
			if len(u.Vars) > 0 {
				s.mu.Lock()
				tr.progress = u.Vars
				s.mu.Unlock()
			}
		}
		<-h.Done()
		info, _ := h.Final()
		s.mu.Lock()
		s.finished.Add(h.ID, viewOf(info, tr.progress))
		delete(s.live, h.ID)
		s.mu.Unlock()
		close(tr.settled)
	}()
}

func viewOf(info task.Info, progress json.RawMessage) TaskView {
	v := TaskView{Info: info, Progress: progress}
	if len(info.Result) > 0 {
		if json.Valid(info.Result) {
			v.Result = info.Result
		} else {
			v.Result, _ = json.Marshal(string(info.Result))
		}
	}
	if info.Err != nil {
		v.Error = info.Err.Error()
	}
	return v
}

// lookup finds a live or recently finished task. A task that has just
// finished is waited for so callers never see it missing.
func (s *Server) lookup(id string) (TaskView, *tracked, bool) {
	s.mu.Lock()
	if v, ok := s.finished.Get(id); ok {
		s.mu.Unlock()
		return v, nil, true
	}
	tr := s.live[id]
	info, ok := s.tasks.Get(id)
	var progress json.RawMessage
	if tr != nil {
		progress = tr.progress
	}
	s.mu.Unlock()
	if ok {
		return viewOf(info, progress), tr, true
	}
	if tr == nil {
		return TaskView{}, nil, false
	}
	<-tr.settled
	v, ok := s.finished.Get(id)
	return v, nil, ok
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	spec, err := specOf(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h, err := s.tasks.Submit(spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.Track(h)
	log.Infof("task %s submitted (%s)", h.ID, spec.Kind)
	w.Header().Set("Location", "/v1/tasks/"+h.ID)
	writeJSON(w, http.StatusCreated, SubmitResponse{ID: h.ID})
}

func specOf(req SubmitRequest) (task.Spec, error) {
	kind, err := types.ParseUnitKind(req.UnitKind)
	if err != nil {
		return task.Spec{}, err
	}
	spec := task.Spec{Name: req.Name, Dir: req.Dir, Payload: req.Payload, Kind: kind}
	switch {
	case req.Path != "" && req.Source != "":
		return task.Spec{}, errors.New("give either path or source, not both")
	case req.Path != "":
		path, err := filepath.Abs(req.Path)
		if err != nil {
			return task.Spec{}, err
		}
		if spec.Source, err = os.ReadFile(path); err != nil {
			return task.Spec{}, fmt.Errorf("read code: %w", err)
		}
		if spec.Dir == "" {
			spec.Dir = filepath.Dir(path)
		}
	case req.Source != "":
		spec.Source = []byte(req.Source)
	default:
		return task.Spec{}, errors.New("task has no source")
	}
	if len(spec.Payload) == 0 {
		spec.Payload = json.RawMessage("null")
	} else if !json.Valid(spec.Payload) {
		return task.Spec{}, errors.New("payload is not valid JSON")
	}
	return spec, nil
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	var out []TaskView
	for _, info := range s.tasks.List() {
		out = append(out, viewOf(info, nil))
	}
	out = append(out, s.finished.Values()...)
	writeJSON(w, http.StatusOK, out)
}

// get accepts ?wait=<duration> to block until the task finishes.
func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, tr, ok := s.lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("task %s not found", id))
		return
	}
	if ws := r.URL.Query().Get("wait"); ws != "" && tr != nil {
		wait, err := time.ParseDuration(ws)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("wait: %w", err))
			return
		}
		if wait > s.cfg.MaxWait {
			wait = s.cfg.MaxWait
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-tr.settled:
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
		if v, _, ok = s.lookup(id); !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("task %s not found", id))
			return
		}
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.finished.Peek(id); ok {
		writeError(w, http.StatusConflict, fmt.Errorf("task %s already finished", id))
		return
	}
	if err := s.tasks.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	resp := PeersResponse{Peers: []scheduler.PeerInfo{}}
	if s.peers != nil {
		resp.Peers = append(resp.Peers, s.peers()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) capacity(w http.ResponseWriter, r *http.Request) {
	resp := CapacityResponse{
		PeerID:   s.cfg.PeerID,
		Queued:   s.tasks.Queued(),
		InFlight: s.tasks.InFlight(),
	}
	if s.local != nil {
		resp.Local = s.local()
	}
	if s.peers != nil {
		resp.Peers = len(s.peers())
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}
