package signal

import (
	"errors"
	"sync"

	"github.com/lumenclass/backend/internal/live"
)

// ErrPipeClosed is returned by a pipe end after Close.
var ErrPipeClosed = errors.New("pipe closed")

// pipeEnd is one side of an in-memory Conn pair.
type pipeEnd struct {
	in  chan live.Message
	out chan live.Message

	// shared between both ends so closing either tears down both
	closeOnce *sync.Once
	done      chan struct{}
}

// Pipe returns two connected in-memory Conns. Messages sent on one end are
// received on the other. Used to exercise agents without a network.
func Pipe() (Conn, Conn) {
	a2b := make(chan live.Message, 64)
	b2a := make(chan live.Message, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: b2a, out: a2b, done: done, closeOnce: once}
	b := &pipeEnd{in: a2b, out: b2a, done: done, closeOnce: once}
	return a, b
}

func (p *pipeEnd) Send(m live.Message) error {
	select {
	case <-p.done:
		return ErrPipeClosed
	case p.out <- m:
		return nil
	}
}

func (p *pipeEnd) Receive() (live.Message, error) {
	select {
	case <-p.done:
		return live.Message{}, ErrPipeClosed
	case m := <-p.in:
		return m, nil
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
