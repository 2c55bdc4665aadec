package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrBadFrame marks a frame that could not be decoded; the stream itself is still usable.
var ErrBadFrame = errors.New("bad frame")

// MaxFrameSize bounds one frame. Anything larger goes through a bulk transfer.
const MaxFrameSize = 16 << 20

// MaxChunkSize is the largest chunk whose base64 Chunk frame stays under
// MaxFrameSize, leaving room for the envelope.
const MaxChunkSize = (MaxFrameSize - 4096) / 4 * 3

type Envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Encode renders m as one newline-terminated frame.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	frame, err := json.Marshal(Envelope{Kind: m.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return append(frame, '\n'), nil
}

func Decode(frame []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrBadFrame, err)
	}
	var m Message
	var err error
	switch env.Kind {
	case KindClaimStatus:
		m = ClaimStatus{}
	case KindStatusReport:
		m, err = decodeBody[StatusReport](env.Body)
	case KindRequestTasks:
		m, err = decodeBody[RequestTasks](env.Body)
	case KindReportTaskStatus:
		m, err = decodeBody[ReportTaskStatus](env.Body)
	case KindResponseCode:
		m, err = decodeBody[ResponseCode](env.Body)
	case KindResponseDependencyManifest:
		m, err = decodeBody[ResponseDependencyManifest](env.Body)
	case KindResponseDependencyBundle:
		m, err = decodeBody[ResponseDependencyBundle](env.Body)
	case KindSendWorkerData:
		m, err = decodeBody[SendWorkerData](env.Body)
	case KindTaskStarted:
		m, err = decodeBody[TaskStarted](env.Body)
	case KindTaskProcessing:
		m, err = decodeBody[TaskProcessing](env.Body)
	case KindTaskComplete:
		m, err = decodeBody[TaskComplete](env.Body)
	case KindTaskCompleteBulk:
		m, err = decodeBody[TaskCompleteBulk](env.Body)
	case KindTaskError:
		m, err = decodeBody[TaskError](env.Body)
	case KindTaskCancel:
		m, err = decodeBody[TaskCancel](env.Body)
	case KindClaimChunk:
		m, err = decodeBody[ClaimChunk](env.Body)
	case KindChunk:
		m, err = decodeBody[Chunk](env.Body)
	case KindChunkEnd:
		m, err = decodeBody[ChunkEnd](env.Body)
	case KindAllChunksReceived:
		m, err = decodeBody[AllChunksReceived](env.Body)
	default:
		return nil, fmt.Errorf("%w: unknown message kind %q", ErrBadFrame, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadFrame, env.Kind, err)
	}
	return m, nil
}

func decodeBody[T Message](body json.RawMessage) (T, error) {
	var v T
	if len(body) == 0 {
		return v, nil
	}
	err := json.Unmarshal(body, &v)
	return v, err
}

// Reader pulls frames off a stream.
type Reader struct {
	sc *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), MaxFrameSize)
	return &Reader{sc: sc}
}

// Next returns io.EOF when the stream ends cleanly.
func (r *Reader) Next() (Message, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
