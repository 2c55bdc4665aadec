// Package protocol defines the messages exchanged over a peer link. Every
// message is one variant of a tagged union; the tag travels as the envelope
// kind.
package protocol

import (
	"encoding/json"

	"idlemesh/pkg/capacity"
	"idlemesh/pkg/resolver"
	"idlemesh/pkg/types"
)

type Kind string

const (
	KindClaimStatus                Kind = "ClaimStatus"
	KindStatusReport               Kind = "StatusReport"
	KindRequestTasks               Kind = "RequestTasks"
	KindReportTaskStatus           Kind = "ReportTaskStatus"
	KindResponseCode               Kind = "ResponseCode"
	KindResponseDependencyManifest Kind = "ResponseDependencyManifest"
	KindResponseDependencyBundle   Kind = "ResponseDependencyBundle"
	KindSendWorkerData             Kind = "SendWorkerData"
	KindTaskStarted                Kind = "TaskStarted"
	KindTaskProcessing             Kind = "TaskProcessing"
	KindTaskComplete               Kind = "TaskComplete"
	KindTaskCompleteBulk           Kind = "TaskCompleteBulk"
	KindTaskError                  Kind = "TaskError"
	KindTaskCancel                 Kind = "TaskCancel"
	KindClaimChunk                 Kind = "ClaimChunk"
	KindChunk                      Kind = "Chunk"
	KindChunkEnd                   Kind = "ChunkEnd"
	KindAllChunksReceived          Kind = "AllChunksReceived"
)

type Message interface {
	Kind() Kind
}

type ClaimStatus struct{}

type StatusReport struct {
	capacity.Report
}

// TaskRequest describes one task offered to an executor. UnitKind is the
// pool the dispatcher assigned it to.
type TaskRequest struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	CodeHash       string         `json:"codeHash"`
	DependencyHash string         `json:"dependencyHash"`
	UnitKind       types.UnitKind `json:"unitKind"`
}

type RequestTasks struct {
	Tasks []TaskRequest `json:"tasks"`
}

type ReportStatus string

const (
	Unacceptable        ReportStatus = "Unacceptable"
	NeedsCode           ReportStatus = "NeedsCode"
	NeedsDependencyDiff ReportStatus = "NeedsDependencyDiff"
	Confirmed           ReportStatus = "Confirmed"
)

// Refusal reasons carried by Unacceptable.
const (
	ReasonCPULimit    = "CPU_LIMIT"
	ReasonGPULimit    = "GPU_LIMIT"
	ReasonNotAccepted = "NOT_ACCEPTED"
	ReasonBadRequest  = "BAD_REQUEST"
	ReasonBadCode     = "BAD_CODE"
)

type TaskReport struct {
	Status ReportStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
	// NeedsCode: hashes of the code closure the executor lacks.
	Missing []string `json:"missing,omitempty"`
	// NeedsDependencyDiff: either the manifest itself is unknown, or the
	// executor names what it is short of.
	NeedManifest  bool                    `json:"needManifest,omitempty"`
	ShortfallHash string                  `json:"shortfallHash,omitempty"`
	Shortfall     *resolver.DependencySet `json:"shortfall,omitempty"`
}

type ReportTaskStatus struct {
	Reports map[string]TaskReport `json:"reports"`
}

// ResponseCode carries the closure inline, or names a bulk transfer holding
// the JSON encoded Sources when it would not fit in one frame.
type ResponseCode struct {
	TaskID   string            `json:"taskId"`
	CodeHash string            `json:"codeHash"`
	Sources  map[string]string `json:"sources,omitempty"`
	BulkHash string            `json:"bulkHash,omitempty"`
	Size     int               `json:"size,omitempty"`
}

type ResponseDependencyManifest struct {
	TaskID         string                  `json:"taskId"`
	DependencyHash string                  `json:"dependencyHash"`
	Manifest       *resolver.DependencySet `json:"manifest"`
}

// ResponseDependencyBundle carries the bundle inline, or names a bulk
// transfer when it is larger than one chunk.
type ResponseDependencyBundle struct {
	TaskID        string `json:"taskId"`
	ShortfallHash string `json:"shortfallHash"`
	Bundle        []byte `json:"bundle,omitempty"`
	BulkHash      string `json:"bulkHash,omitempty"`
	Size          int    `json:"size,omitempty"`
}

type SendWorkerData struct {
	TaskID   string          `json:"taskId"`
	CodeHash string          `json:"codeHash"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	BulkHash string          `json:"bulkHash,omitempty"`
	Size     int             `json:"size,omitempty"`
}

type TaskStarted struct {
	TaskID string `json:"taskId"`
}

type TaskProcessing struct {
	TaskID string          `json:"taskId"`
	Vars   json.RawMessage `json:"vars,omitempty"`
}

type TaskComplete struct {
	TaskID string          `json:"taskId"`
	Result json.RawMessage `json:"result,omitempty"`
}

type TaskCompleteBulk struct {
	TaskID     string `json:"taskId"`
	ResultHash string `json:"resultHash"`
	Size       int    `json:"size"`
}

type TaskError struct {
	TaskID string      `json:"taskId"`
	Phase  types.Phase `json:"phase"`
	Error  string      `json:"error"`
}

type TaskCancel struct {
	TaskID string `json:"taskId"`
}

type ClaimChunk struct {
	Hash  string `json:"hash"`
	Index int    `json:"index"`
}

type Chunk struct {
	Hash  string `json:"hash"`
	Index int    `json:"index"`
	Data  []byte `json:"data"`
}

type ChunkEnd struct {
	Hash string `json:"hash"`
}

type AllChunksReceived struct {
	Hash string `json:"hash"`
}

func (ClaimStatus) Kind() Kind                { return KindClaimStatus }
func (StatusReport) Kind() Kind               { return KindStatusReport }
func (RequestTasks) Kind() Kind               { return KindRequestTasks }
func (ReportTaskStatus) Kind() Kind           { return KindReportTaskStatus }
func (ResponseCode) Kind() Kind               { return KindResponseCode }
func (ResponseDependencyManifest) Kind() Kind { return KindResponseDependencyManifest }
func (ResponseDependencyBundle) Kind() Kind   { return KindResponseDependencyBundle }
func (SendWorkerData) Kind() Kind             { return KindSendWorkerData }
func (TaskStarted) Kind() Kind                { return KindTaskStarted }
func (TaskProcessing) Kind() Kind             { return KindTaskProcessing }
func (TaskComplete) Kind() Kind               { return KindTaskComplete }
func (TaskCompleteBulk) Kind() Kind           { return KindTaskCompleteBulk }
func (TaskError) Kind() Kind                  { return KindTaskError }
func (TaskCancel) Kind() Kind                 { return KindTaskCancel }
func (ClaimChunk) Kind() Kind                 { return KindClaimChunk }
func (Chunk) Kind() Kind                      { return KindChunk }
func (ChunkEnd) Kind() Kind                   { return KindChunkEnd }
func (AllChunksReceived) Kind() Kind          { return KindAllChunksReceived }

// TaskOf returns the task a message is about, or "" for link-level messages.
func TaskOf(m Message) string {
	switch v := m.(type) {
	case ResponseCode:
		return v.TaskID
	case ResponseDependencyManifest:
		return v.TaskID
	case ResponseDependencyBundle:
		return v.TaskID
	case SendWorkerData:
		return v.TaskID
	case TaskStarted:
		return v.TaskID
	case TaskProcessing:
		return v.TaskID
	case TaskComplete:
		return v.TaskID
	case TaskCompleteBulk:
		return v.TaskID
	case TaskError:
		return v.TaskID
	case TaskCancel:
		return v.TaskID
	}
	return ""
}
