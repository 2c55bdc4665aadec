package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UnitKind names a processing unit pool. Tasks may ask for either pool; a
// task that has been assigned always carries a concrete kind.
type UnitKind string

const (
	UnitCPU    UnitKind = "cpu"
	UnitGPU    UnitKind = "gpu"
	UnitEither UnitKind = "either"
)

// Pools lists the concrete pools in assignment order.
var Pools = []UnitKind{UnitGPU, UnitCPU}

func ParseUnitKind(s string) (UnitKind, error) {
	switch UnitKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", UnitCPU:
		return UnitCPU, nil
	case UnitGPU:
		return UnitGPU, nil
	case UnitEither, "both":
		return UnitEither, nil
	}
	return "", fmt.Errorf("unknown processing unit kind %q", s)
}

// Fits reports whether a task requesting k may run in pool.
func (k UnitKind) Fits(pool UnitKind) bool {
	return k == pool || k == UnitEither
}

// Status is the externally visible lifecycle state of a task.
type Status int

const (
	StatusQueued Status = iota
	StatusSent
	StatusConfirmed
	StatusStarted
	StatusProcessing
	StatusComplete
	StatusFailed
)

var statusNames = [...]string{"queued", "sent", "confirmed", "started", "processing", "complete", "failed"}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, n := range statusNames {
		if n == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q", b)
}

// Update is delivered on a task handle every time the task moves.
type Update struct {
	TaskID string
	Status Status
	Peer   string
	Vars   json.RawMessage
	Err    error
	At     time.Time
}
