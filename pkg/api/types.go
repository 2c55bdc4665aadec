package api

import (
	"encoding/json"

	"idlemesh/pkg/capacity"
	"idlemesh/pkg/scheduler"
	"idlemesh/pkg/task"
)

// SubmitRequest carries either a path readable by the daemon or inline source.
// Relative imports resolve against Dir, the file's directory, or the project root.
type SubmitRequest struct {
	Name     string          `json:"name,omitempty"`
	Path     string          `json:"path,omitempty"`
	Source   string          `json:"source,omitempty"`
	Dir      string          `json:"dir,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	UnitKind string          `json:"unitKind,omitempty"`
}

type SubmitResponse struct {
	ID string `json:"id"`
}

type TaskView struct {
	task.Info
	Progress json.RawMessage `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type PeersResponse struct {
	Peers []scheduler.PeerInfo `json:"peers"`
}

type CapacityResponse struct {
	PeerID string          `json:"peerId,omitempty"`
	Local  capacity.Report `json:"local"`
	Peers  int             `json:"peers"`
	Queued int             `json:"queued"`
	// InFlight counts tasks this node dispatched that are on a peer.
	InFlight int `json:"inFlight"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
