// Package link wraps one bidirectional connection to a remote address. A
// link carries any number of task negotiations at once; bulk sub-messages
// are answered here and everything else goes to the role's handler.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"idlemesh/pkg/bulk"
	"idlemesh/pkg/metrics"
	"idlemesh/pkg/protocol"
	"idlemesh/pkg/store"
	"idlemesh/pkg/types"
)

var log = logging.Logger("idlemesh/link")

type Role int

const (
	// Dispatcher links send work to a remote executor.
	Dispatcher Role = iota
	// Executor links run work for a remote dispatcher.
	Executor
)

func (r Role) String() string {
	if r == Dispatcher {
		return "dispatcher"
	}
	return "executor"
}

// Handler receives the task-level messages of a link. HandleMessage runs on
// the link's read loop, so it must hand off anything that can block.
type Handler interface {
	HandleMessage(l *Link, m protocol.Message)
	LinkClosed(l *Link, err error)
}

type Link struct {
	addr    string
	role    Role
	rw      io.ReadWriteCloser
	handler Handler
	sender  *bulk.Sender
	recv    *bulk.Receiver

	mu      sync.Mutex
	cond    *sync.Cond
	outbox  [][]byte
	closed  bool
	err     error
	done    chan struct{}
	stopped chan struct{}
}

// New builds a link; transfers is the destination cache for incoming bulk payloads.
func New(addr string, role Role, rw io.ReadWriteCloser, h Handler, sender *bulk.Sender, transfers store.Store) *Link {
	l := &Link{
		addr:    addr,
		role:    role,
		rw:      rw,
		handler: h,
		sender:  sender,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	l.recv = bulk.NewReceiver(transfers, l.Send)
	return l
}

func (l *Link) Addr() string { return l.addr }

func (l *Link) Role() Role { return l.role }

func (l *Link) Done() <-chan struct{} { return l.done }

// ChunkSize is the bulk threshold for this link.
func (l *Link) ChunkSize() int { return l.sender.ChunkSize() }

// Send queues m for the writer; it never waits on the network.
func (l *Link) Send(m protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return types.ErrLinkClosed
	}
	l.outbox = append(l.outbox, frame)
	l.cond.Signal()
	return nil
}

// Offer caches data for a bulk transfer the remote side will claim.
func (l *Link) Offer(data []byte) (string, error) {
	h, err := l.sender.Offer(data)
	if err == nil {
		metrics.BulkBytes.WithLabelValues("out").Add(float64(len(data)))
	}
	return h, err
}

// Fetch pulls a bulk payload the remote side offered.
func (l *Link) Fetch(ctx context.Context, hash string, w bulk.Watch) ([]byte, error) {
	return l.recv.Fetch(ctx, hash, w)
}

// Run serves the link until the connection fails, ctx ends or Close is called.
func (l *Link) Run(ctx context.Context) error {
	go l.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			l.shutdown(ctx.Err())
		case <-l.done:
		}
	}()

	r := protocol.NewReader(l.rw)
	for {
		m, err := r.Next()
		if errors.Is(err, protocol.ErrBadFrame) {
			log.Warnf("%s link %s: %v", l.role, l.addr, err)
			continue
		}
		if err != nil {
			if err == io.EOF {
				err = types.ErrLinkClosed
			}
			l.shutdown(err)
			break
		}
		l.dispatch(m)
	}
	<-l.stopped
	l.recv.Close(types.ErrLinkClosed)
	l.handler.LinkClosed(l, l.Err())
	return l.Err()
}

func (l *Link) dispatch(m protocol.Message) {
	var err error
	switch v := m.(type) {
	case protocol.ClaimChunk:
		err = l.serveChunk(v)
	case protocol.Chunk:
		err = l.recv.HandleChunk(v)
	case protocol.ChunkEnd:
		err = l.recv.HandleEnd(v)
	case protocol.AllChunksReceived:
		l.sender.Release(v.Hash)
	default:
		l.handler.HandleMessage(l, m)
	}
	if err != nil && !errors.Is(err, types.ErrLinkClosed) {
		log.Warnf("%s link %s: %s: %v", l.role, l.addr, m.Kind(), err)
	}
}

func (l *Link) serveChunk(c protocol.ClaimChunk) error {
	data, end, err := l.sender.Chunk(c.Hash, c.Index)
	if err != nil {
		log.Debugf("claim for %s chunk %d: %v", c.Hash, c.Index, err)
		return l.Send(protocol.ChunkEnd{Hash: c.Hash})
	}
	if end {
		return l.Send(protocol.ChunkEnd{Hash: c.Hash})
	}
	return l.Send(protocol.Chunk{Hash: c.Hash, Index: c.Index, Data: data})
}

func (l *Link) writeLoop() {
	defer close(l.stopped)
	for {
		l.mu.Lock()
		for len(l.outbox) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.mu.Unlock()
			return
		}
		batch := l.outbox
		l.outbox = nil
		l.mu.Unlock()
		for _, frame := range batch {
			if _, err := l.rw.Write(frame); err != nil {
				l.shutdown(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (l *Link) shutdown(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.err = err
	l.outbox = nil
	close(l.done)
	l.cond.Broadcast()
	l.mu.Unlock()
	l.rw.Close()
}

func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Link) Close() error {
	l.shutdown(types.ErrLinkClosed)
	return nil
}
