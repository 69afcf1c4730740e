package client

import (
	"context"

	"github.com/golang/glog"

	"github.com/sergium/precursor/protocol"
)

type TapSettings struct {
	BufferSize int
}

func DefaultTapSettings() *TapSettings {
	return &TapSettings{
		BufferSize: 1024,
	}
}

// the bounded inbound buffer between the transport and the event loop.
// overflow drops the oldest event: presence and cursor updates are
// safe to lose, and inbound traffic must never back up memory.
type Tap struct {
	events chan *protocol.Envelope
}

func NewTapWithDefaults() *Tap {
	return NewTap(DefaultTapSettings())
}

func NewTap(settings *TapSettings) *Tap {
	return &Tap{
		events: make(chan *protocol.Envelope, settings.BufferSize),
	}
}

// never blocks the producer
func (self *Tap) Put(envelope *protocol.Envelope) {
	for {
		select {
		case self.events <- envelope:
			return
		default:
		}
		select {
		case dropped := <-self.events:
			glog.V(2).Infof("[tap]drop %s\n", dropped.Kind)
		default:
		}
	}
}

func (self *Tap) Len() int {
	return len(self.events)
}

// drains events one at a time on this goroutine. no two events are
// handled concurrently, so application state re-enters sequentially.
func (self *Tap) Run(ctx context.Context, handle func(envelope *protocol.Envelope)) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-self.events:
			handle(envelope)
		}
	}
}
