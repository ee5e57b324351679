package docsync

import (
	"context"

	"golang.org/x/exp/slices"
)

// Transport is a message oriented duplex channel to the peer.
type Transport interface {
	Send(message []byte) error
	// closed when the transport closes
	Receive() <-chan []byte
	Close()
}

const DefaultMemTransportBufferSize = 32

type memLink struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// MemTransport is one end of an in-process transport pair.
// Closing either end closes both, like a socket.
type MemTransport struct {
	link    *memLink
	peer    *MemTransport
	inbox   chan []byte
	receive chan []byte
}

func NewMemTransportPair(ctx context.Context) (*MemTransport, *MemTransport) {
	return NewMemTransportPairWithBufferSize(ctx, DefaultMemTransportBufferSize)
}

func NewMemTransportPairWithBufferSize(ctx context.Context, bufferSize int) (*MemTransport, *MemTransport) {
	cancelCtx, cancel := context.WithCancel(ctx)
	link := &memLink{
		ctx:    cancelCtx,
		cancel: cancel,
	}
	a := &MemTransport{
		link:    link,
		inbox:   make(chan []byte, bufferSize),
		receive: make(chan []byte),
	}
	b := &MemTransport{
		link:    link,
		inbox:   make(chan []byte, bufferSize),
		receive: make(chan []byte),
	}
	a.peer = b
	b.peer = a
	go a.run()
	go b.run()
	return a, b
}

func (self *MemTransport) run() {
	defer close(self.receive)
	for {
		select {
		case <-self.link.ctx.Done():
			return
		case message := <-self.inbox:
			select {
			case <-self.link.ctx.Done():
				return
			case self.receive <- message:
			}
		}
	}
}

func (self *MemTransport) Send(message []byte) error {
	select {
	case <-self.link.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case <-self.link.ctx.Done():
		return ErrClosed
	case self.peer.inbox <- slices.Clone(message):
		return nil
	}
}

func (self *MemTransport) Receive() <-chan []byte {
	return self.receive
}

func (self *MemTransport) Close() {
	self.link.cancel()
}

func (self *MemTransport) Done() <-chan struct{} {
	return self.link.ctx.Done()
}
