package notify

import (
	"context"
	"sync"
	"sync/atomic"

	logx "termsched/pkg/logx"
)

// Sink receives human readable progress and outcome messages.
// Notify must not block.
type Sink interface {
	Notify(msg string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg string)

func (f SinkFunc) Notify(msg string) { f(msg) }

// Multi fans a message out to every sink.
func Multi(sinks ...Sink) Sink {
	cp := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			cp = append(cp, s)
		}
	}
	return SinkFunc(func(msg string) {
		for _, s := range cp {
			s.Notify(msg)
		}
	})
}

// LogSink writes messages to a logger at info level.
func LogSink(log logx.Logger) Sink {
	return SinkFunc(func(msg string) { log.Info(msg) })
}

// Capture records every message. Used by tests.
type Capture struct {
	mu   sync.Mutex
	msgs []string
}

func (c *Capture) Notify(msg string) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *Capture) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

// Outbox is the fire-and-forget side channel. Handlers and the executor hold
// the send-only end; Run forwards to the sink.
type Outbox struct {
	ch      chan string
	sink    Sink
	dropped atomic.Uint64
}

func NewOutbox(size int, sink Sink) *Outbox {
	if size <= 0 {
		size = 256
	}
	if sink == nil {
		sink = SinkFunc(func(string) {})
	}
	return &Outbox{ch: make(chan string, size), sink: sink}
}

// C returns the raw send-only end. Sends on it block while the buffer is full;
// prefer Send.
func (o *Outbox) C() chan<- string { return o.ch }

// Send enqueues msg, dropping it if the buffer is full.
func (o *Outbox) Send(msg string) {
	select {
	case o.ch <- msg:
	default:
		o.dropped.Add(1)
	}
}

func (o *Outbox) Dropped() uint64 { return o.dropped.Load() }

// Run forwards messages until ctx is done, then flushes what is buffered.
func (o *Outbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case msg := <-o.ch:
					o.sink.Notify(msg)
				default:
					return
				}
			}
		case msg := <-o.ch:
			o.sink.Notify(msg)
		}
	}
}
